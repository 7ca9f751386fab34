// Package rate enforces per-caller action quotas against the shared store.
//
// Counting is fixed-window: windowStart = floor(now/window)*window. A burst
// at the tail of one window followed by a burst at the head of the next can
// reach 2x the limit; that is the accepted cost of O(1) storage per
// identity-action pair.
package rate

import (
	"context"
	"time"

	"github.com/openagora/agora/internal/store"
)

// Window is one (limit, duration) constraint.
type Window struct {
	Limit   int
	Seconds int64
}

// Policy is the set of windows that must all pass for an action. A single
// entry is a plain limiter; several entries form a compound limiter, e.g.
// a short burst window plus a long daily quota.
type Policy []Window

// Result reports a check outcome. Remaining is the spare capacity of the
// tightest window; ResetAt is when that window rolls over (on denial, the
// earliest rollover among the exhausted windows).
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Action names understood by the default policy table.
const (
	ActionPost     = "post"
	ActionComment  = "comment"
	ActionMessage  = "message"
	ActionVote     = "vote"
	ActionActivate = "activate"
)

// DefaultPolicies is the static action table. Post carries a compound
// policy: one per 30 seconds and 100 per day must both hold.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		ActionPost:     {{Limit: 1, Seconds: 30}, {Limit: 100, Seconds: 86400}},
		ActionComment:  {{Limit: 30, Seconds: 60}},
		ActionMessage:  {{Limit: 10, Seconds: 60}},
		ActionVote:     {{Limit: 120, Seconds: 60}},
		ActionActivate: {{Limit: 5, Seconds: 3600}},
	}
}

type Limiter struct {
	store    store.RateStore
	policies map[string]Policy
	timeout  time.Duration
	now      func() time.Time
}

func NewLimiter(st store.RateStore, policies map[string]Policy, timeout time.Duration) *Limiter {
	if policies == nil {
		policies = DefaultPolicies()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Limiter{store: st, policies: policies, timeout: timeout, now: time.Now}
}

// Check counts one attempt for the identity key and reports whether it is
// within quota. The increment is atomic in the store, so concurrent
// callers sharing a bucket can never jointly exceed the limit. An unknown
// action has no policy and always passes. Store errors deny.
func (l *Limiter) Check(ctx context.Context, identityKey, action string) (Result, error) {
	policy, ok := l.policies[action]
	if !ok || len(policy) == 0 {
		return Result{Allowed: true}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	now := l.now().Unix()
	res := Result{Allowed: true}
	bindingRemaining := -1
	var deniedResetAt time.Time

	for _, w := range policy {
		windowStart := (now / w.Seconds) * w.Seconds
		count, err := l.store.IncrementBucket(ctx, identityKey, action, w.Seconds, windowStart)
		if err != nil {
			return Result{}, err
		}
		resetAt := time.Unix(windowStart+w.Seconds, 0)
		remaining := w.Limit - count
		if remaining < 0 {
			res.Allowed = false
			if deniedResetAt.IsZero() || resetAt.Before(deniedResetAt) {
				deniedResetAt = resetAt
			}
			remaining = 0
		}
		if bindingRemaining < 0 || remaining < bindingRemaining || (remaining == bindingRemaining && resetAt.Before(res.ResetAt)) {
			bindingRemaining = remaining
			res.ResetAt = resetAt
		}
	}

	res.Remaining = bindingRemaining
	if !res.Allowed {
		res.Remaining = 0
		res.ResetAt = deniedResetAt
	}
	return res, nil
}

// CheckAddr throttles by network address for flows where no identity
// exists yet, such as activation.
func (l *Limiter) CheckAddr(ctx context.Context, address, action string) (Result, error) {
	return l.Check(ctx, "ip:"+address, action)
}
