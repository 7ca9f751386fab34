package auth

import (
	"context"
	"errors"
	"fmt"
	mathrand "math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/openagora/agora/internal/model"
	"github.com/openagora/agora/internal/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	path := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	st, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestAgent(t *testing.T, st *sqlite.Store, name string) int64 {
	t.Helper()
	agent := model.Agent{Name: name, CreatedAt: time.Now()}
	id, err := st.CreateAgent(context.Background(), &agent)
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return id
}

func TestIssueAndAuthenticate(t *testing.T) {
	st := newTestStore(t)
	keys := NewKeys(st)
	agentID := newTestAgent(t, st, "bot-a")

	gen, err := keys.Issue(context.Background(), agentID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !strings.HasPrefix(gen.Plaintext, "agora_") {
		t.Fatalf("unexpected key format: %s", gen.Plaintext)
	}
	if gen.KeyID == "" {
		t.Fatalf("expected public key id")
	}

	agent, key, err := keys.Authenticate(context.Background(), gen.Plaintext)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if agent.ID != agentID {
		t.Fatalf("expected agent %d, got %d", agentID, agent.ID)
	}
	if key.KeyID != gen.KeyID {
		t.Fatalf("expected key %s, got %s", gen.KeyID, key.KeyID)
	}

	// Any mutation of the plaintext must fail, including ones that keep
	// the lookup prefix intact.
	for _, bad := range []string{
		gen.Plaintext + "x",
		gen.Plaintext[:len(gen.Plaintext)-1],
		gen.Plaintext[:20],
		"agora_",
		"",
		"not-a-key",
	} {
		if _, _, err := keys.Authenticate(context.Background(), bad); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("expected ErrInvalidKey for %q, got %v", bad, err)
		}
	}
}

func TestRotateRevokesOldKeys(t *testing.T) {
	st := newTestStore(t)
	keys := NewKeys(st)
	agentID := newTestAgent(t, st, "bot-b")

	old, err := keys.Issue(context.Background(), agentID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	fresh, err := keys.Rotate(context.Background(), agentID)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if fresh.Plaintext == old.Plaintext {
		t.Fatalf("rotation reused a key")
	}

	if _, _, err := keys.Authenticate(context.Background(), old.Plaintext); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected old key rejected, got %v", err)
	}
	if _, _, err := keys.Authenticate(context.Background(), fresh.Plaintext); err != nil {
		t.Fatalf("fresh key should authenticate: %v", err)
	}
}

func TestGenerateUniqueness(t *testing.T) {
	// Seeded fast source; the property is structural, not cryptographic.
	src := mathrand.NewChaCha8([32]byte{1})
	keys := NewKeysWithSource(nil, src)

	const n = 100000
	seenPlain := make(map[string]struct{}, n)
	seenHash := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		gen, err := keys.Generate()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if _, dup := seenPlain[gen.Plaintext]; dup {
			t.Fatalf("duplicate plaintext after %d generations", i)
		}
		if _, dup := seenHash[gen.Hash]; dup {
			t.Fatalf("duplicate hash after %d generations", i)
		}
		seenPlain[gen.Plaintext] = struct{}{}
		seenHash[gen.Hash] = struct{}{}
	}
}

func TestHashIsStable(t *testing.T) {
	if hashKey("agora_test") != hashKey("agora_test") {
		t.Fatalf("hash must be deterministic")
	}
	if hashKey("agora_test") == hashKey("agora_tesu") {
		t.Fatalf("distinct inputs collided")
	}
}
