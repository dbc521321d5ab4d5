package business

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/util"
)

// ChatState is the per-conversation scratchpad the message handler reads and
// mutates. PausedUntil gates automated handling while a human operator owns
// the conversation; inbound traffic is still forwarded downstream regardless.
type ChatState struct {
	ChatID         string
	SessionID      string
	PausedUntil    time.Time
	LastMessageAt  time.Time
	LastSenderName string
	HandlerData    map[string]any
	createdAt      time.Time
	lastAccessedAt time.Time
	expiresAt      time.Time // zero means the cache-wide max age applies
}

// IsPaused reports whether automated handling is suspended for this chat.
func (cs *ChatState) IsPaused(now time.Time) bool {
	return now.Before(cs.PausedUntil)
}

// Pause suspends automated handling for the given duration from now.
func (cs *ChatState) Pause(d time.Duration) {
	cs.PausedUntil = time.Now().Add(d)
}

// Resume lifts a pause immediately.
func (cs *ChatState) Resume() {
	cs.PausedUntil = time.Time{}
}

// ConversationStateCache is a bounded TTL map of chat id to conversation
// state. Eviction happens three ways: lazily on Get when an entry outlived
// the max age, on a periodic sweep, and in bulk (oldest ~30% by last access)
// when an insert would exceed the cap.
type ConversationStateCache struct {
	mu      sync.Mutex
	entries map[string]*ChatState

	maxEntries int
	maxAge     time.Duration

	sweepTicker *time.Ticker
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewConversationStateCache creates the cache and starts its sweep goroutine.
func NewConversationStateCache(maxEntries int, maxAge, sweepInterval time.Duration) *ConversationStateCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	if sweepInterval <= 0 {
		sweepInterval = 10 * time.Minute
	}

	c := &ConversationStateCache{
		entries:     make(map[string]*ChatState, maxEntries),
		maxEntries:  maxEntries,
		maxAge:      maxAge,
		sweepTicker: time.NewTicker(sweepInterval),
		stopCh:      make(chan struct{}),
	}

	go c.sweepLoop()

	return c
}

func stateKey(sessionID, chatID string) string {
	return sessionID + "|" + chatID
}

// GetOrCreate returns the state for a chat, creating it on first contact.
// An entry older than the max age is discarded and replaced.
func (c *ConversationStateCache) GetOrCreate(sessionID, chatID string) *ChatState {
	key := stateKey(sessionID, chatID)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if state, ok := c.entries[key]; ok {
		if !c.expiredLocked(state, now) {
			state.lastAccessedAt = now
			return state
		}
		delete(c.entries, key)
	}

	if len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}

	state := &ChatState{
		ChatID:         chatID,
		SessionID:      sessionID,
		HandlerData:    make(map[string]any),
		createdAt:      now,
		lastAccessedAt: now,
	}
	c.entries[key] = state
	return state
}

// Get returns the state for a chat if present and fresh.
func (c *ConversationStateCache) Get(sessionID, chatID string) (*ChatState, bool) {
	key := stateKey(sessionID, chatID)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.expiredLocked(state, now) {
		delete(c.entries, key)
		return nil, false
	}
	state.lastAccessedAt = now
	return state, true
}

// Put stores the state under its session and chat id with the cache-wide max
// age, applying the same cap handling as GetOrCreate.
func (c *ConversationStateCache) Put(state *ChatState) {
	c.put(state, 0)
}

// PutWithTTL stores the state with an explicit lifetime. The entry expires
// ttl after this write regardless of later reads; each subsequent Put or
// PutWithTTL resets the clock.
func (c *ConversationStateCache) PutWithTTL(state *ChatState, ttl time.Duration) {
	c.put(state, ttl)
}

func (c *ConversationStateCache) put(state *ChatState, ttl time.Duration) {
	key := stateKey(state.SessionID, state.ChatID)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	state.lastAccessedAt = now
	if ttl > 0 {
		state.expiresAt = now.Add(ttl)
	} else {
		state.expiresAt = time.Time{}
	}
	c.entries[key] = state
}

// expiredLocked reports whether an entry has outlived its explicit TTL or,
// absent one, the cache-wide max age. Caller holds c.mu.
func (c *ConversationStateCache) expiredLocked(state *ChatState, now time.Time) bool {
	if !state.expiresAt.IsZero() {
		return !now.Before(state.expiresAt)
	}
	return now.Sub(state.lastAccessedAt) >= c.maxAge
}

// DropSession removes every chat state belonging to a session. Called when a
// session is stopped so a restart begins with clean conversation state.
func (c *ConversationStateCache) DropSession(sessionID string) {
	prefix := sessionID + "|"

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, state := range c.entries {
		if state.SessionID == sessionID && len(key) > len(prefix) {
			delete(c.entries, key)
		}
	}
}

// Size returns the number of cached conversations.
func (c *ConversationStateCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldestLocked removes the least-recently-accessed ~30% of entries.
// Caller holds c.mu.
func (c *ConversationStateCache) evictOldestLocked() {
	type aged struct {
		key string
		at  time.Time
	}

	all := make([]aged, 0, len(c.entries))
	for key, state := range c.entries {
		all = append(all, aged{key: key, at: state.lastAccessedAt})
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].at.Before(all[j].at)
	})

	evictCount := len(all) * 3 / 10
	if evictCount < 1 {
		evictCount = 1
	}
	for i := range evictCount {
		delete(c.entries, all[i].key)
	}

	util.Log(context.Background()).WithFields(map[string]any{
		"evicted":   evictCount,
		"remaining": len(c.entries),
	}).Debug("conversation state cache evicted oldest entries")
}

func (c *ConversationStateCache) sweepLoop() {
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.sweepTicker.C:
			c.sweep(time.Now())
		}
	}
}

func (c *ConversationStateCache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, state := range c.entries {
		if c.expiredLocked(state, now) {
			delete(c.entries, key)
		}
	}
}

// Stop cancels the background sweep.
func (c *ConversationStateCache) Stop() {
	c.stopOnce.Do(func() {
		c.sweepTicker.Stop()
		close(c.stopCh)
	})
}
