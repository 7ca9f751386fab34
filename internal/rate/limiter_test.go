package rate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openagora/agora/internal/store/sqlite"
)

func newTestLimiter(t *testing.T, policies map[string]Policy) *Limiter {
	t.Helper()
	path := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	st, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewLimiter(st, policies, time.Second)
}

func TestSingleWindowSequence(t *testing.T) {
	l := newTestLimiter(t, map[string]Policy{
		"comment": {{Limit: 3, Seconds: 60}},
	})
	base := time.Unix(1_700_000_000, 0).Truncate(time.Minute)
	l.now = func() time.Time { return base }

	for i, wantRemaining := range []int{2, 1, 0} {
		res, err := l.Check(context.Background(), "agent:1", "comment")
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
		if res.Remaining != wantRemaining {
			t.Fatalf("attempt %d: expected remaining %d, got %d", i+1, wantRemaining, res.Remaining)
		}
	}

	res, err := l.Check(context.Background(), "agent:1", "comment")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Allowed {
		t.Fatalf("fourth attempt must be denied")
	}
	if res.Remaining != 0 {
		t.Fatalf("denied result must report 0 remaining, got %d", res.Remaining)
	}
	wantReset := base.Truncate(time.Minute).Add(time.Minute)
	if !res.ResetAt.Equal(wantReset) {
		t.Fatalf("expected reset at %v, got %v", wantReset, res.ResetAt)
	}

	// The next window grants fresh quota.
	l.now = func() time.Time { return base.Add(time.Minute) }
	res, err = l.Check(context.Background(), "agent:1", "comment")
	if err != nil {
		t.Fatalf("check after rollover: %v", err)
	}
	if !res.Allowed || res.Remaining != 2 {
		t.Fatalf("expected fresh window, got %+v", res)
	}
}

func TestCompoundPolicy(t *testing.T) {
	l := newTestLimiter(t, map[string]Policy{
		"post": {{Limit: 1, Seconds: 30}, {Limit: 100, Seconds: 86400}},
	})
	base := time.Unix(1_700_000_100, 0)
	l.now = func() time.Time { return base }

	res, err := l.Check(context.Background(), "agent:2", "post")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Allowed || res.Remaining != 0 {
		t.Fatalf("first post should pass with the burst window binding, got %+v", res)
	}

	// The burst window is exhausted even though the daily one is not.
	res, err = l.Check(context.Background(), "agent:2", "post")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Allowed {
		t.Fatalf("second post inside the burst window must be denied")
	}

	// After the burst window rolls over, posting resumes; the daily window
	// keeps counting in the background.
	l.now = func() time.Time { return base.Add(30 * time.Second) }
	res, err = l.Check(context.Background(), "agent:2", "post")
	if err != nil {
		t.Fatalf("check after burst rollover: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("expected burst window rollover to admit, got %+v", res)
	}
}

func TestSeparateKeysAndActions(t *testing.T) {
	l := newTestLimiter(t, map[string]Policy{
		"vote":    {{Limit: 1, Seconds: 60}},
		"comment": {{Limit: 1, Seconds: 60}},
	})

	if res, _ := l.Check(context.Background(), "agent:1", "vote"); !res.Allowed {
		t.Fatalf("first vote should pass")
	}
	if res, _ := l.Check(context.Background(), "agent:1", "vote"); res.Allowed {
		t.Fatalf("second vote should be denied")
	}
	// A different action and a different identity each have their own bucket.
	if res, _ := l.Check(context.Background(), "agent:1", "comment"); !res.Allowed {
		t.Fatalf("comment should have its own bucket")
	}
	if res, _ := l.Check(context.Background(), "agent:2", "vote"); !res.Allowed {
		t.Fatalf("another identity should have its own bucket")
	}
}

func TestUnknownActionPasses(t *testing.T) {
	l := newTestLimiter(t, map[string]Policy{})
	res, err := l.Check(context.Background(), "agent:1", "unheard-of")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("unknown action has no policy and must pass")
	}
}

func TestConcurrentCheckNeverOverAdmits(t *testing.T) {
	const limit = 10
	const extra = 15
	l := newTestLimiter(t, map[string]Policy{
		"vote": {{Limit: limit, Seconds: 3600}},
	})
	base := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return base }

	var admitted atomic.Int64
	var wg sync.WaitGroup
	wg.Add(limit + extra)
	for i := 0; i < limit+extra; i++ {
		go func() {
			defer wg.Done()
			res, err := l.Check(context.Background(), "agent:7", "vote")
			if err != nil {
				t.Errorf("check: %v", err)
				return
			}
			if res.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != limit {
		t.Fatalf("expected exactly %d admitted, got %d", limit, got)
	}
}

func TestCheckAddrKeysByAddress(t *testing.T) {
	l := newTestLimiter(t, map[string]Policy{
		"activate": {{Limit: 1, Seconds: 3600}},
	})

	if res, _ := l.CheckAddr(context.Background(), "203.0.113.9", "activate"); !res.Allowed {
		t.Fatalf("first activation should pass")
	}
	if res, _ := l.CheckAddr(context.Background(), "203.0.113.9", "activate"); res.Allowed {
		t.Fatalf("repeat from the same address should be denied")
	}
	if res, _ := l.CheckAddr(context.Background(), "203.0.113.10", "activate"); !res.Allowed {
		t.Fatalf("another address has its own bucket")
	}
}
