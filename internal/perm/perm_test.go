package perm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/openagora/agora/internal/model"
	"github.com/openagora/agora/internal/store"
	"github.com/openagora/agora/internal/store/sqlite"
)

func newTestEngine(t *testing.T) (*Engine, *sqlite.Store) {
	t.Helper()
	path := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	st, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewEngine(st, time.Second), st
}

func newCommunity(t *testing.T, st *sqlite.Store, name string, visibility model.Visibility, creator model.Identity) int64 {
	t.Helper()
	cid, ctype := creator.Principal()
	id, err := st.CreateCommunity(context.Background(), &model.Community{
		Name:        name,
		Visibility:  visibility,
		CreatorID:   cid,
		CreatorType: ctype,
		CreatedAt:   time.Now(),
	})
	if err != nil {
		t.Fatalf("create community: %v", err)
	}
	return id
}

func addMember(t *testing.T, st *sqlite.Store, communityID int64, id model.Identity, role model.Role) {
	t.Helper()
	pid, ptype := id.Principal()
	if err := st.UpsertMembership(context.Background(), model.Membership{
		CommunityID:   communityID,
		PrincipalID:   pid,
		PrincipalType: ptype,
		Role:          role,
		CreatedAt:     time.Now(),
	}); err != nil {
		t.Fatalf("upsert membership: %v", err)
	}
}

func banPrincipal(t *testing.T, st *sqlite.Store, communityID int64, id model.Identity) {
	t.Helper()
	pid, ptype := id.Principal()
	if err := st.CreateBan(context.Background(), model.Ban{
		CommunityID:   communityID,
		PrincipalID:   pid,
		PrincipalType: ptype,
		CreatedAt:     time.Now(),
	}); err != nil {
		t.Fatalf("create ban: %v", err)
	}
}

func TestPublicCommunityAccess(t *testing.T) {
	engine, st := newTestEngine(t)
	creator := model.AgentIdentity(1)
	communityID := newCommunity(t, st, "open", model.VisibilityPublic, creator)

	anonymous := model.Identity{}
	stranger := model.ObserverIdentity(9)

	for _, id := range []model.Identity{anonymous, stranger, creator} {
		d, err := engine.CheckAccess(context.Background(), communityID, id, ActionView)
		if err != nil {
			t.Fatalf("check view for %s: %v", id, err)
		}
		if !d.Allowed {
			t.Fatalf("view on public must allow %s, denied: %s", id, d.Reason)
		}
	}

	// Moderation stays gated even in a public community.
	d, err := engine.CheckAccess(context.Background(), communityID, stranger, ActionModerate)
	if err != nil {
		t.Fatalf("check moderate: %v", err)
	}
	if d.Allowed || d.Reason != ReasonInsufficientRole {
		t.Fatalf("expected insufficient_role, got %+v", d)
	}
}

func TestPrivateCommunityNeedsMembership(t *testing.T) {
	engine, st := newTestEngine(t)
	creator := model.AgentIdentity(1)
	communityID := newCommunity(t, st, "inner-circle", model.VisibilityPrivate, creator)

	outsider := model.ObserverIdentity(5)
	d, err := engine.CheckAccess(context.Background(), communityID, outsider, ActionView)
	if err != nil {
		t.Fatalf("check view: %v", err)
	}
	if d.Allowed || d.Reason != ReasonPrivate {
		t.Fatalf("expected private denial, got %+v", d)
	}

	addMember(t, st, communityID, outsider, model.RoleMember)
	d, _ = engine.CheckAccess(context.Background(), communityID, outsider, ActionView)
	if !d.Allowed {
		t.Fatalf("member should view private community, got %+v", d)
	}
	d, _ = engine.CheckAccess(context.Background(), communityID, outsider, ActionPost)
	if !d.Allowed {
		t.Fatalf("member should post in private community, got %+v", d)
	}
}

func TestBanOverridesEveryRole(t *testing.T) {
	engine, st := newTestEngine(t)
	owner := model.AgentIdentity(1)
	communityID := newCommunity(t, st, "harsh", model.VisibilityPublic, owner)
	addMember(t, st, communityID, owner, model.RoleOwner)

	// Before the ban the owner manages freely.
	d, err := engine.CheckAccess(context.Background(), communityID, owner, ActionManage)
	if err != nil || !d.Allowed {
		t.Fatalf("owner should manage, got %+v %v", d, err)
	}

	banPrincipal(t, st, communityID, owner)

	for _, action := range []Action{ActionView, ActionPost, ActionModerate, ActionManage} {
		d, err := engine.CheckAccess(context.Background(), communityID, owner, action)
		if err != nil {
			t.Fatalf("check %s: %v", action, err)
		}
		if d.Allowed || d.Reason != ReasonBanned {
			t.Fatalf("banned owner must be denied %s, got %+v", action, d)
		}
	}

	d, err = engine.CheckRole(context.Background(), owner, communityID, model.RoleMember)
	if err != nil {
		t.Fatalf("check role: %v", err)
	}
	if d.Allowed || d.Reason != ReasonBanned {
		t.Fatalf("ban must override role check, got %+v", d)
	}
}

func TestCreatorFallbackOwnership(t *testing.T) {
	engine, st := newTestEngine(t)
	creator := model.ObserverIdentity(3)
	// No membership row is ever written for the creator here.
	communityID := newCommunity(t, st, "orphaned", model.VisibilityPrivate, creator)

	d, err := engine.CheckAccess(context.Background(), communityID, creator, ActionManage)
	if err != nil {
		t.Fatalf("check manage: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("creator must fall back to owner, got %+v", d)
	}

	d, _ = engine.CheckAccess(context.Background(), communityID, creator, ActionView)
	if !d.Allowed {
		t.Fatalf("creator must view own private community, got %+v", d)
	}

	// An explicit membership row takes precedence over the fallback.
	addMember(t, st, communityID, creator, model.RoleMember)
	d, _ = engine.CheckAccess(context.Background(), communityID, creator, ActionManage)
	if d.Allowed {
		t.Fatalf("demoted creator should not manage, got %+v", d)
	}
}

func TestRoleOrdering(t *testing.T) {
	engine, st := newTestEngine(t)
	owner := model.AgentIdentity(1)
	communityID := newCommunity(t, st, "ladder", model.VisibilityPublic, owner)

	moderator := model.AgentIdentity(2)
	member := model.AgentIdentity(3)
	addMember(t, st, communityID, moderator, model.RoleModerator)
	addMember(t, st, communityID, member, model.RoleMember)

	d, _ := engine.CheckAccess(context.Background(), communityID, moderator, ActionModerate)
	if !d.Allowed {
		t.Fatalf("moderator should moderate, got %+v", d)
	}
	d, _ = engine.CheckAccess(context.Background(), communityID, moderator, ActionManage)
	if d.Allowed {
		t.Fatalf("moderator must not manage, got %+v", d)
	}
	d, _ = engine.CheckAccess(context.Background(), communityID, member, ActionModerate)
	if d.Allowed {
		t.Fatalf("member must not moderate, got %+v", d)
	}
}

func TestMissingCommunity(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, err := engine.CheckAccess(context.Background(), 404, model.AgentIdentity(1), ActionView)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
