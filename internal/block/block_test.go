package block

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/openagora/agora/internal/model"
	"github.com/openagora/agora/internal/store/sqlite"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	path := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	st, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewRegistry(st, time.Second)
}

func TestBlockIsBidirectionalForIsBlocked(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	agent := model.AgentIdentity(1)
	human := model.ObserverIdentity(2)

	blocked, err := r.IsBlocked(ctx, agent, human)
	if err != nil || blocked {
		t.Fatalf("expected no block, got %v %v", blocked, err)
	}

	if err := r.Block(ctx, human, agent); err != nil {
		t.Fatalf("block: %v", err)
	}

	// The pair is blocked from either side.
	for _, pair := range [][2]model.Identity{{agent, human}, {human, agent}} {
		blocked, err := r.IsBlocked(ctx, pair[0], pair[1])
		if err != nil {
			t.Fatalf("is blocked: %v", err)
		}
		if !blocked {
			t.Fatalf("expected pair blocked")
		}
	}

	// Direction still matters for IsBlockedBy.
	byHuman, err := r.IsBlockedBy(ctx, agent, human)
	if err != nil || !byHuman {
		t.Fatalf("agent should be blocked by human, got %v %v", byHuman, err)
	}
	byAgent, err := r.IsBlockedBy(ctx, human, agent)
	if err != nil || byAgent {
		t.Fatalf("human is not blocked by agent, got %v %v", byAgent, err)
	}
}

func TestBlockUnblockIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a := model.AgentIdentity(1)
	b := model.AgentIdentity(2)

	if err := r.Block(ctx, a, b); err != nil {
		t.Fatalf("block: %v", err)
	}
	if err := r.Block(ctx, a, b); err != nil {
		t.Fatalf("repeat block: %v", err)
	}

	if err := r.Unblock(ctx, a, b); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if err := r.Unblock(ctx, a, b); err != nil {
		t.Fatalf("repeat unblock: %v", err)
	}

	blocked, _ := r.IsBlocked(ctx, a, b)
	if blocked {
		t.Fatalf("expected pair unblocked")
	}
}

func TestAnonymousCannotBlock(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	anonymous := model.Identity{}
	agent := model.AgentIdentity(1)

	if err := r.Block(ctx, anonymous, agent); !errors.Is(err, ErrAnonymous) {
		t.Fatalf("expected ErrAnonymous, got %v", err)
	}

	// Queries involving an anonymous side report no block.
	blocked, err := r.IsBlocked(ctx, anonymous, agent)
	if err != nil || blocked {
		t.Fatalf("expected no block for anonymous, got %v %v", blocked, err)
	}
}
