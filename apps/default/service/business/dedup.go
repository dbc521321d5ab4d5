package business

import (
	"sync"
	"time"
)

// DedupWindow is a short-TTL membership set preventing reprocessing of a
// message already seen for a given session+chat+message id. Insertion is
// synchronous and happens before any suspension point in the intake
// pipeline, so two concurrent deliveries of the same id cannot both pass.
type DedupWindow struct {
	mu   sync.Mutex
	seen map[string]time.Time

	ttl time.Duration

	sweepTicker *time.Ticker
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewDedupWindow creates a dedup window and starts its sweep goroutine.
func NewDedupWindow(ttl, sweepInterval time.Duration) *DedupWindow {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}

	dw := &DedupWindow{
		seen:        make(map[string]time.Time),
		ttl:         ttl,
		sweepTicker: time.NewTicker(sweepInterval),
		stopCh:      make(chan struct{}),
	}

	go dw.sweepLoop()

	return dw
}

func dedupKey(sessionID, chatID, messageID string) string {
	return sessionID + "|" + chatID + "|" + messageID
}

// MarkSeen records the message id and reports whether it was new. A false
// return means the exact message was already processed within the TTL.
func (dw *DedupWindow) MarkSeen(sessionID, chatID, messageID string) bool {
	key := dedupKey(sessionID, chatID, messageID)
	now := time.Now()

	dw.mu.Lock()
	defer dw.mu.Unlock()

	if firstSeen, ok := dw.seen[key]; ok && now.Sub(firstSeen) < dw.ttl {
		return false
	}
	dw.seen[key] = now
	return true
}

// Size returns the number of tracked entries.
func (dw *DedupWindow) Size() int {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	return len(dw.seen)
}

func (dw *DedupWindow) sweepLoop() {
	for {
		select {
		case <-dw.stopCh:
			return
		case <-dw.sweepTicker.C:
			dw.sweep(time.Now())
		}
	}
}

func (dw *DedupWindow) sweep(now time.Time) {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	for key, firstSeen := range dw.seen {
		if now.Sub(firstSeen) >= dw.ttl {
			delete(dw.seen, key)
		}
	}
}

// Stop cancels the background sweep.
func (dw *DedupWindow) Stop() {
	dw.stopOnce.Do(func() {
		dw.sweepTicker.Stop()
		close(dw.stopCh)
	})
}
