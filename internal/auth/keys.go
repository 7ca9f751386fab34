package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/openagora/agora/internal/model"
	"github.com/openagora/agora/internal/store"
)

const keyScheme = "agora_"

// keyPrefixLen covers the scheme tag plus 8 characters of the random part.
// The prefix narrows lookup; it carries no secret entropy on its own.
const keyPrefixLen = len(keyScheme) + 8

var (
	// ErrInvalidKey is the expected outcome for a key that does not
	// authenticate: unknown, malformed, or revoked.
	ErrInvalidKey = errors.New("invalid api key")
	// ErrAmbiguousKey indicates a data-consistency fault: more than one
	// usable record matched the same digest.
	ErrAmbiguousKey = errors.New("ambiguous api key match")
)

// KeysStore is the slice of the store the authenticator needs.
type KeysStore interface {
	store.KeyStore
	store.AgentStore
}

// Keys issues and verifies agent API keys.
type Keys struct {
	store KeysStore
	rand  io.Reader
}

// GeneratedKey carries the one-time plaintext alongside the persisted facts.
// The plaintext must be delivered to the agent immediately; it is not
// recoverable afterwards.
type GeneratedKey struct {
	KeyID     string
	Plaintext string
	Hash      string
	Prefix    string
}

func NewKeys(st KeysStore) *Keys {
	return &Keys{store: st, rand: rand.Reader}
}

// NewKeysWithSource uses the given randomness source instead of crypto/rand.
// Intended for tests that need a fast deterministic source.
func NewKeysWithSource(st KeysStore, src io.Reader) *Keys {
	return &Keys{store: st, rand: src}
}

// Generate produces a fresh key: 32 random bytes (256 bits of entropy)
// under the agora_ scheme tag. Only the hash and prefix are meant to be
// persisted.
func (k *Keys) Generate() (GeneratedKey, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(k.rand, buf); err != nil {
		return GeneratedKey{}, fmt.Errorf("generate key: %w", err)
	}
	plaintext := keyScheme + base64.RawURLEncoding.EncodeToString(buf)
	return GeneratedKey{
		KeyID:     uuid.NewString(),
		Plaintext: plaintext,
		Hash:      hashKey(plaintext),
		Prefix:    plaintext[:keyPrefixLen],
	}, nil
}

// Issue generates a key and persists its record for the agent, returning
// the plaintext exactly once.
func (k *Keys) Issue(ctx context.Context, agentID int64) (GeneratedKey, error) {
	gen, err := k.Generate()
	if err != nil {
		return GeneratedKey{}, err
	}
	key := model.AgentKey{
		AgentID:   agentID,
		KeyID:     gen.KeyID,
		KeyHash:   gen.Hash,
		KeyPrefix: gen.Prefix,
		CreatedAt: time.Now(),
	}
	if _, err := k.store.CreateAgentKey(ctx, &key); err != nil {
		return GeneratedKey{}, err
	}
	return gen, nil
}

// Rotate revokes the agent's usable keys and issues a fresh one. The old
// hash rows remain for audit but never authenticate again.
func (k *Keys) Rotate(ctx context.Context, agentID int64) (GeneratedKey, error) {
	if err := k.store.RevokeAgentKeys(ctx, agentID, time.Now()); err != nil {
		return GeneratedKey{}, err
	}
	return k.Issue(ctx, agentID)
}

// Authenticate verifies a plaintext key and returns the owning agent.
// Candidates are narrowed by prefix, then compared by digest in constant
// time. Revoked candidates never match. Authentication itself mutates
// nothing; callers update last-seen afterwards if they care.
func (k *Keys) Authenticate(ctx context.Context, plaintext string) (model.Agent, model.AgentKey, error) {
	plaintext = strings.TrimSpace(plaintext)
	if len(plaintext) < keyPrefixLen || !strings.HasPrefix(plaintext, keyScheme) {
		return model.Agent{}, model.AgentKey{}, ErrInvalidKey
	}

	candidates, err := k.store.ListKeysByPrefix(ctx, plaintext[:keyPrefixLen])
	if err != nil {
		return model.Agent{}, model.AgentKey{}, err
	}

	digest := []byte(hashKey(plaintext))
	var matches []model.AgentKey
	for _, c := range candidates {
		if subtle.ConstantTimeCompare(digest, []byte(c.KeyHash)) != 1 {
			continue
		}
		if c.Revoked() {
			continue
		}
		matches = append(matches, c)
	}

	switch len(matches) {
	case 0:
		return model.Agent{}, model.AgentKey{}, ErrInvalidKey
	case 1:
	default:
		// Should be impossible at this entropy; treat as a fault, not a
		// login.
		return model.Agent{}, model.AgentKey{}, ErrAmbiguousKey
	}

	agent, err := k.store.GetAgent(ctx, matches[0].AgentID)
	if err != nil {
		return model.Agent{}, model.AgentKey{}, err
	}
	return agent, matches[0], nil
}

func hashKey(plaintext string) string {
	sum := sha3.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
