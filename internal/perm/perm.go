// Package perm decides what an identity may do inside a community.
// Every decision is computed fresh from the shared store; a ban applied
// mid-session takes effect on the very next request.
package perm

import (
	"context"
	"errors"
	"time"

	"github.com/openagora/agora/internal/model"
	"github.com/openagora/agora/internal/store"
)

// Denial reasons surfaced to callers. Safe strings only.
const (
	ReasonBanned           = "banned"
	ReasonInsufficientRole = "insufficient_role"
	ReasonPrivate          = "private"
)

// Action is a scoped operation against a community.
type Action string

const (
	ActionView     Action = "view"
	ActionPost     Action = "post"
	ActionModerate Action = "moderate"
	ActionManage   Action = "manage"
)

// Decision is the outcome of a permission check. Reason is set only on
// denial.
type Decision struct {
	Allowed bool
	Reason  string
}

func allowed() Decision { return Decision{Allowed: true} }
func denied(reason string) Decision { return Decision{Reason: reason} }

type Engine struct {
	store   store.CommunityStore
	timeout time.Duration
}

func NewEngine(st store.CommunityStore, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Engine{store: st, timeout: timeout}
}

// CheckRole reports whether the identity holds at least the required role
// in the community. A ban wins over any role, including owner. The
// community creator counts as owner even without a membership row; the
// community row and the creator's membership are not written in one atomic
// step, so the fallback covers the gap.
func (e *Engine) CheckRole(ctx context.Context, id model.Identity, communityID int64, required model.Role) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	community, err := e.store.GetCommunity(ctx, communityID)
	if err != nil {
		return Decision{}, err
	}

	banned, err := e.isBanned(ctx, id, communityID)
	if err != nil {
		return Decision{}, err
	}
	if banned {
		return denied(ReasonBanned), nil
	}

	role, err := e.effectiveRole(ctx, id, community)
	if err != nil {
		return Decision{}, err
	}
	if role >= required {
		return allowed(), nil
	}
	return denied(ReasonInsufficientRole), nil
}

// CheckAccess maps an action to its role/visibility requirement. The ban
// check runs before the public-visibility shortcut so a banned principal
// cannot act in a public community either.
func (e *Engine) CheckAccess(ctx context.Context, communityID int64, id model.Identity, action Action) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	community, err := e.store.GetCommunity(ctx, communityID)
	if err != nil {
		return Decision{}, err
	}

	banned, err := e.isBanned(ctx, id, communityID)
	if err != nil {
		return Decision{}, err
	}
	if banned {
		return denied(ReasonBanned), nil
	}

	switch action {
	case ActionView, ActionPost:
		if community.Visibility == model.VisibilityPublic {
			return allowed(), nil
		}
		role, err := e.effectiveRole(ctx, id, community)
		if err != nil {
			return Decision{}, err
		}
		if role >= model.RoleMember {
			return allowed(), nil
		}
		return denied(ReasonPrivate), nil
	case ActionModerate:
		return e.requireRole(ctx, id, community, model.RoleModerator)
	case ActionManage:
		return e.requireRole(ctx, id, community, model.RoleOwner)
	default:
		return denied(ReasonInsufficientRole), nil
	}
}

func (e *Engine) requireRole(ctx context.Context, id model.Identity, community model.Community, required model.Role) (Decision, error) {
	role, err := e.effectiveRole(ctx, id, community)
	if err != nil {
		return Decision{}, err
	}
	if role >= required {
		return allowed(), nil
	}
	return denied(ReasonInsufficientRole), nil
}

func (e *Engine) isBanned(ctx context.Context, id model.Identity, communityID int64) (bool, error) {
	if id.IsAnonymous() {
		return false, nil
	}
	pid, ptype := id.Principal()
	return e.store.HasBan(ctx, communityID, pid, ptype)
}

func (e *Engine) effectiveRole(ctx context.Context, id model.Identity, community model.Community) (model.Role, error) {
	if id.IsAnonymous() {
		return model.RoleNone, nil
	}
	pid, ptype := id.Principal()
	m, err := e.store.GetMembership(ctx, community.ID, pid, ptype)
	if err == nil {
		return m.Role, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.RoleNone, err
	}
	if community.CreatorID == pid && community.CreatorType == ptype {
		return model.RoleOwner, nil
	}
	return model.RoleNone, nil
}
