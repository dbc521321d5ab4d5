package business

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationStateCache_GetOrCreate(t *testing.T) {
	c := NewConversationStateCache(100, time.Hour, time.Hour)
	defer c.Stop()

	state := c.GetOrCreate("s1", "chat-a")
	require.NotNil(t, state)
	state.HandlerData["step"] = "greeting"

	again := c.GetOrCreate("s1", "chat-a")
	assert.Same(t, state, again)
	assert.Equal(t, "greeting", again.HandlerData["step"])
	assert.Equal(t, 1, c.Size())
}

func TestConversationStateCache_PauseAndResume(t *testing.T) {
	c := NewConversationStateCache(100, time.Hour, time.Hour)
	defer c.Stop()

	state := c.GetOrCreate("s1", "chat-a")
	assert.False(t, state.IsPaused(time.Now()))

	state.Pause(time.Minute)
	assert.True(t, state.IsPaused(time.Now()))

	state.Resume()
	assert.False(t, state.IsPaused(time.Now()))
}

func TestConversationStateCache_ExpiredEntryIsReplaced(t *testing.T) {
	c := NewConversationStateCache(100, time.Minute, time.Hour)
	defer c.Stop()

	state := c.GetOrCreate("s1", "chat-a")
	state.HandlerData["step"] = "checkout"

	c.mu.Lock()
	state.lastAccessedAt = time.Now().Add(-2 * time.Minute)
	c.mu.Unlock()

	_, ok := c.Get("s1", "chat-a")
	assert.False(t, ok, "aged-out entry is evicted lazily on read")

	fresh := c.GetOrCreate("s1", "chat-a")
	assert.NotContains(t, fresh.HandlerData, "step")
}

func TestConversationStateCache_CapEvictsOldestBatch(t *testing.T) {
	c := NewConversationStateCache(100, time.Hour, time.Hour)
	defer c.Stop()

	base := time.Now().Add(-time.Minute)
	for i := range 100 {
		state := c.GetOrCreate("s1", fmt.Sprintf("chat-%03d", i))
		c.mu.Lock()
		state.lastAccessedAt = base.Add(time.Duration(i) * time.Millisecond)
		c.mu.Unlock()
	}
	require.Equal(t, 100, c.Size())

	// Insert over the cap evicts the oldest ~30% first
	c.GetOrCreate("s1", "chat-new")
	assert.Equal(t, 71, c.Size())

	_, ok := c.Get("s1", "chat-000")
	assert.False(t, ok, "the oldest entry is among the evicted")
	_, ok = c.Get("s1", "chat-099")
	assert.True(t, ok, "the freshest entries survive")
	_, ok = c.Get("s1", "chat-new")
	assert.True(t, ok)
}

func TestConversationStateCache_PutWithTTLBoundsEntryLifetime(t *testing.T) {
	c := NewConversationStateCache(100, time.Hour, time.Hour)
	defer c.Stop()

	state := c.GetOrCreate("s1", "chat-a")
	state.Pause(30 * time.Minute)
	c.PutWithTTL(state, 30*time.Minute)

	_, ok := c.Get("s1", "chat-a")
	require.True(t, ok, "entry is live inside its ttl")

	// Reads do not extend an explicit ttl
	c.mu.Lock()
	state.expiresAt = time.Now().Add(-time.Second)
	c.mu.Unlock()

	_, ok = c.Get("s1", "chat-a")
	assert.False(t, ok, "entry dies when its ttl elapses even if recently read")
}

func TestConversationStateCache_PutClearsExplicitTTL(t *testing.T) {
	c := NewConversationStateCache(100, time.Hour, time.Hour)
	defer c.Stop()

	state := c.GetOrCreate("s1", "chat-a")
	c.PutWithTTL(state, time.Minute)
	c.Put(state)

	c.mu.Lock()
	expired := state.expiresAt
	c.mu.Unlock()
	assert.True(t, expired.IsZero(), "plain Put reverts to the cache-wide max age")
}

func TestConversationStateCache_SweepRemovesTTLExpired(t *testing.T) {
	c := NewConversationStateCache(100, time.Hour, time.Hour)
	defer c.Stop()

	state := c.GetOrCreate("s1", "chat-a")
	c.PutWithTTL(state, 30*time.Minute)
	c.GetOrCreate("s1", "chat-b")

	c.sweep(time.Now().Add(31 * time.Minute))
	assert.Equal(t, 1, c.Size())
	_, ok := c.Get("s1", "chat-b")
	assert.True(t, ok)
}

func TestConversationStateCache_SustainedInsertsStayBounded(t *testing.T) {
	c := NewConversationStateCache(100, time.Hour, time.Hour)
	defer c.Stop()

	base := time.Now().Add(-time.Minute)
	for i := range 120 {
		state := c.GetOrCreate("s1", fmt.Sprintf("chat-%03d", i))
		if i < 100 {
			c.mu.Lock()
			state.lastAccessedAt = base.Add(time.Duration(i) * time.Millisecond)
			c.mu.Unlock()
		}
		assert.LessOrEqual(t, c.Size(), 100, "cap holds after every insert")
	}

	// Insert 101 triggered the one batch eviction of the 30 oldest; the
	// remaining 19 inserts fit under the cap.
	assert.Equal(t, 90, c.Size())

	for i := range 30 {
		_, ok := c.Get("s1", fmt.Sprintf("chat-%03d", i))
		assert.False(t, ok, "oldest entries were evicted")
	}
	_, ok := c.Get("s1", "chat-030")
	assert.True(t, ok)
	for i := 100; i < 120; i++ {
		_, ok = c.Get("s1", fmt.Sprintf("chat-%03d", i))
		assert.True(t, ok, "the most recent inserts all survive")
	}
}

func TestConversationStateCache_DropSession(t *testing.T) {
	c := NewConversationStateCache(100, time.Hour, time.Hour)
	defer c.Stop()

	c.GetOrCreate("s1", "chat-a")
	c.GetOrCreate("s1", "chat-b")
	c.GetOrCreate("s2", "chat-a")

	c.DropSession("s1")

	assert.Equal(t, 1, c.Size())
	_, ok := c.Get("s2", "chat-a")
	assert.True(t, ok)
}

func TestConversationStateCache_SweepRemovesAged(t *testing.T) {
	c := NewConversationStateCache(100, time.Minute, time.Hour)
	defer c.Stop()

	state := c.GetOrCreate("s1", "chat-a")
	c.GetOrCreate("s1", "chat-b")

	c.mu.Lock()
	state.lastAccessedAt = time.Now().Add(-2 * time.Minute)
	c.mu.Unlock()

	c.sweep(time.Now())
	assert.Equal(t, 1, c.Size())
}
