package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openagora/agora/internal/model"
)

func TestResolveAgentBearer(t *testing.T) {
	st := newTestStore(t)
	keys := NewKeys(st)
	agentID := newTestAgent(t, st, "bearer-bot")
	gen, err := keys.Issue(context.Background(), agentID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	r := NewResolver(keys, nil, time.Second)
	id, err := r.Resolve(context.Background(), "Bearer "+gen.Plaintext, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != model.AgentIdentity(agentID) {
		t.Fatalf("expected agent identity, got %s", id)
	}
}

func TestResolveInvalidBearerNeverFallsBack(t *testing.T) {
	st := newTestStore(t)
	keys := NewKeys(st)
	sessions := NewJWTSessions([]byte("secret"))
	r := NewResolver(keys, sessions, time.Second)

	session, err := sessions.Mint(7, time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	// The session is perfectly valid, but the bad bearer must win: a
	// failed agent credential never degrades into a human identity.
	_, err = r.Resolve(context.Background(), "Bearer agora_bogus", session)
	if !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}

	// Same for a malformed Authorization value.
	_, err = r.Resolve(context.Background(), "Basic dXNlcjpwYXNz", session)
	if !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential for non-bearer, got %v", err)
	}
}

func TestResolveSession(t *testing.T) {
	st := newTestStore(t)
	keys := NewKeys(st)
	sessions := NewJWTSessions([]byte("secret"))
	r := NewResolver(keys, sessions, time.Second)

	session, err := sessions.Mint(42, time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	id, err := r.Resolve(context.Background(), "", session)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != model.ObserverIdentity(42) {
		t.Fatalf("expected observer identity, got %s", id)
	}
}

func TestResolveAnonymous(t *testing.T) {
	st := newTestStore(t)
	keys := NewKeys(st)
	sessions := NewJWTSessions([]byte("secret"))
	r := NewResolver(keys, sessions, time.Second)

	id, err := r.Resolve(context.Background(), "", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !id.IsAnonymous() {
		t.Fatalf("expected anonymous, got %s", id)
	}

	// A garbled session is treated as no session, not an error.
	id, err = r.Resolve(context.Background(), "", "not-a-jwt")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !id.IsAnonymous() {
		t.Fatalf("expected anonymous for bad session, got %s", id)
	}

	// A session signed with the wrong secret is likewise anonymous.
	other := NewJWTSessions([]byte("other-secret"))
	forged, _ := other.Mint(42, time.Hour)
	id, err = r.Resolve(context.Background(), "", forged)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !id.IsAnonymous() {
		t.Fatalf("expected anonymous for forged session, got %s", id)
	}
}

func TestSessionExpiry(t *testing.T) {
	sessions := NewJWTSessions([]byte("secret"))
	token, err := sessions.Mint(5, -time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := sessions.Observer(context.Background(), token); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected expired session rejected, got %v", err)
	}
}
