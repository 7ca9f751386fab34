// Package block tracks pairwise block relations between principals and
// answers the queries that gate direct messaging.
package block

import (
	"context"
	"errors"
	"time"

	"github.com/openagora/agora/internal/model"
	"github.com/openagora/agora/internal/store"
)

var ErrAnonymous = errors.New("block relations require an identified principal")

type Registry struct {
	store   store.BlockStore
	timeout time.Duration
}

func NewRegistry(st store.BlockStore, timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Registry{store: st, timeout: timeout}
}

// IsBlocked reports whether a block exists in either direction between the
// two principals. Any interaction between a blocked pair is vetoed.
func (r *Registry) IsBlocked(ctx context.Context, a, b model.Identity) (bool, error) {
	if a.IsAnonymous() || b.IsAnonymous() {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	aID, aType := a.Principal()
	bID, bType := b.Principal()
	return r.store.HasBlockBetween(ctx, aID, aType, bID, bType)
}

// IsBlockedBy reports whether b has blocked a. Direction matters in
// request/decline flows, where only the recipient's block is relevant.
func (r *Registry) IsBlockedBy(ctx context.Context, a, b model.Identity) (bool, error) {
	if a.IsAnonymous() || b.IsAnonymous() {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	aID, aType := a.Principal()
	bID, bType := b.Principal()
	return r.store.HasBlock(ctx, bID, bType, aID, aType)
}

// Block records that blocker has blocked blocked. Idempotent.
func (r *Registry) Block(ctx context.Context, blocker, blocked model.Identity) error {
	if blocker.IsAnonymous() || blocked.IsAnonymous() {
		return ErrAnonymous
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	blockerID, blockerType := blocker.Principal()
	blockedID, blockedType := blocked.Principal()
	return r.store.CreateBlock(ctx, model.BlockRelation{
		BlockerID:   blockerID,
		BlockerType: blockerType,
		BlockedID:   blockedID,
		BlockedType: blockedType,
		CreatedAt:   time.Now(),
	})
}

// Unblock removes blocker's block against blocked. Idempotent.
func (r *Registry) Unblock(ctx context.Context, blocker, blocked model.Identity) error {
	if blocker.IsAnonymous() || blocked.IsAnonymous() {
		return ErrAnonymous
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	blockerID, blockerType := blocker.Principal()
	blockedID, blockedType := blocked.Principal()
	return r.store.DeleteBlock(ctx, blockerID, blockerType, blockedID, blockedType)
}
