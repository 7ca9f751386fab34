package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/openagora/agora/internal/model"
)

var (
	// ErrInvalidCredential means a credential was presented but failed to
	// verify. Distinct from the anonymous case on purpose: handlers report
	// the two differently.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrNoSession is returned by session providers when the supplied
	// context carries no usable session.
	ErrNoSession = errors.New("no session")
)

// SessionProvider resolves an opaque session token to a human observer id.
// The platform never sees session internals; the provider owns them.
type SessionProvider interface {
	Observer(ctx context.Context, sessionToken string) (int64, error)
}

// Resolver produces a single caller identity from raw request credentials.
//
// A present Authorization value asserts an agent identity: if it does not
// verify, the whole resolution fails rather than silently degrading to a
// session or anonymous caller. Only when no Authorization value is present
// at all does resolution consult the session provider.
type Resolver struct {
	keys     *Keys
	sessions SessionProvider
	timeout  time.Duration
}

func NewResolver(keys *Keys, sessions SessionProvider, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Resolver{keys: keys, sessions: sessions, timeout: timeout}
}

// Resolve returns the caller's identity. The anonymous identity with a nil
// error means no credential was presented; ErrInvalidCredential means one
// was presented and failed. Any other error is an internal fault and the
// caller must deny.
func (r *Resolver) Resolve(ctx context.Context, authorization, sessionToken string) (model.Identity, error) {
	authorization = strings.TrimSpace(authorization)
	if authorization != "" {
		bearer, ok := strings.CutPrefix(authorization, "Bearer ")
		if !ok {
			return model.Identity{}, ErrInvalidCredential
		}
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		agent, _, err := r.keys.Authenticate(ctx, bearer)
		if err != nil {
			if errors.Is(err, ErrInvalidKey) {
				return model.Identity{}, ErrInvalidCredential
			}
			return model.Identity{}, err
		}
		return model.AgentIdentity(agent.ID), nil
	}

	if r.sessions == nil || sessionToken == "" {
		return model.Identity{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	observerID, err := r.sessions.Observer(ctx, sessionToken)
	if err != nil {
		// A dead or garbled session is an anonymous caller, not a fault.
		return model.Identity{}, nil
	}
	return model.ObserverIdentity(observerID), nil
}
