package agent

import (
	"sync"
	"testing"
	"time"

	"roomchat/internal/domain"
)

type countingBuilder struct {
	mu    sync.Mutex
	calls int
}

func (b *countingBuilder) BuildContext(messages []domain.ChatMessage, opts BuildOptions) *domain.AIContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return &domain.AIContext{SystemPrompt: opts.SessionName, Metadata: domain.ContextMetadata{MessageCount: b.calls}}
}

func (b *countingBuilder) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestCache(ttl time.Duration) (*ContextCache, *countingBuilder, *fakeClock) {
	b := &countingBuilder{}
	clock := &fakeClock{t: fixedNow}
	c := NewContextCache(ContextCacheConfig{Builder: b, TTL: ttl, Now: clock.Now, Logger: testLogger()})
	return c, b, clock
}

func TestContextCache_BuildsOnceWithinTTL(t *testing.T) {
	c, b, clock := newTestCache(5 * time.Minute)

	first := c.GetOrBuildContext("s1", nil, BuildOptions{SessionName: "one"})
	clock.Advance(4*time.Minute + 59*time.Second)
	second := c.GetOrBuildContext("s1", nil, BuildOptions{SessionName: "changed"})

	if b.Calls() != 1 {
		t.Fatalf("builder called %d times, want 1", b.Calls())
	}
	if first != second || second.SystemPrompt != "one" {
		t.Fatal("second call should return the memoized value")
	}
}

func TestContextCache_RebuildsAfterTTL(t *testing.T) {
	c, b, clock := newTestCache(5 * time.Minute)

	c.GetOrBuildContext("s1", nil, BuildOptions{})
	clock.Advance(5 * time.Minute)
	got := c.GetOrBuildContext("s1", nil, BuildOptions{SessionName: "fresh"})

	if b.Calls() != 2 || got.SystemPrompt != "fresh" {
		t.Fatalf("expected rebuild after TTL, calls = %d", b.Calls())
	}
}

func TestContextCache_KeysAreIndependent(t *testing.T) {
	c, b, _ := newTestCache(time.Minute)
	c.GetOrBuildContext("a", nil, BuildOptions{})
	c.GetOrBuildContext("b", nil, BuildOptions{})
	c.GetOrBuildContext("a", nil, BuildOptions{})
	if b.Calls() != 2 {
		t.Fatalf("calls = %d, want 2", b.Calls())
	}
}

func TestContextCache_DefaultTTL(t *testing.T) {
	c, _, _ := newTestCache(0)
	if c.TTL() != 5*time.Minute {
		t.Fatalf("TTL = %v, want 5m", c.TTL())
	}
}

func TestContextCache_Invalidate(t *testing.T) {
	c, b, _ := newTestCache(time.Hour)
	c.GetOrBuildContext("s1/u1", nil, BuildOptions{})
	c.GetOrBuildContext("s1/u2", nil, BuildOptions{})
	c.GetOrBuildContext("s2/u1", nil, BuildOptions{})

	c.Invalidate("s2/u1")
	c.GetOrBuildContext("s2/u1", nil, BuildOptions{})
	if b.Calls() != 4 {
		t.Fatalf("calls = %d, want 4 after single invalidation", b.Calls())
	}

	if n := c.InvalidatePrefix("s1/"); n != 2 {
		t.Fatalf("InvalidatePrefix removed %d, want 2", n)
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}

	c.InvalidateAll()
	if c.Len() != 0 {
		t.Fatalf("Len = %d after InvalidateAll", c.Len())
	}
}

func TestContextCache_StaleEntriesStayUntilCleaned(t *testing.T) {
	c, _, clock := newTestCache(time.Minute)
	c.GetOrBuildContext("old", nil, BuildOptions{})
	clock.Advance(2 * time.Minute)
	c.GetOrBuildContext("new", nil, BuildOptions{})

	if c.Len() != 2 {
		t.Fatalf("stale entry should still occupy storage, Len = %d", c.Len())
	}
	if removed := c.CleanCache(); removed != 1 {
		t.Fatalf("CleanCache removed %d, want 1", removed)
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d after cleanup", c.Len())
	}
	if removed := c.CleanCache(); removed != 0 {
		t.Fatalf("second CleanCache removed %d", removed)
	}
}

func TestContextCache_Concurrent(t *testing.T) {
	c, b, _ := newTestCache(time.Hour)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.GetOrBuildContext("shared", nil, BuildOptions{})
		}()
	}
	wg.Wait()
	if b.Calls() != 1 {
		t.Fatalf("builder called %d times under concurrency, want 1", b.Calls())
	}
}
