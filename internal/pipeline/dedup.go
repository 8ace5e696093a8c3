package pipeline

import (
	"sync"
	"time"

	"github.com/user/jotbot/internal/types"
)

// DefaultDedupWindow is how long a channel message id is remembered.
// Upstream webhooks deliver at least once; replays inside the window are
// answered with the prior outcome instead of creating a second record.
const DefaultDedupWindow = 5 * time.Minute

type dedupEntry struct {
	outcome *Outcome
	at      time.Time
}

// Deduper remembers recent pipeline outcomes keyed by user and channel
// message id. Safe for concurrent use.
type Deduper struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[types.UserKey]map[string]dedupEntry
	now     func() time.Time
}

// NewDeduper creates a Deduper with the given window (DefaultDedupWindow
// when window <= 0).
func NewDeduper(window time.Duration) *Deduper {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Deduper{
		window:  window,
		entries: make(map[types.UserKey]map[string]dedupEntry),
		now:     time.Now,
	}
}

// Lookup returns the remembered outcome for a message id, if it is still
// inside the window.
func (d *Deduper) Lookup(user types.UserKey, messageID string) (*Outcome, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	byID, ok := d.entries[user]
	if !ok {
		return nil, false
	}
	entry, ok := byID[messageID]
	if !ok {
		return nil, false
	}
	if d.now().Sub(entry.at) > d.window {
		delete(byID, messageID)
		return nil, false
	}
	return entry.outcome, true
}

// Remember stores the outcome for a processed message id.
func (d *Deduper) Remember(user types.UserKey, messageID string, outcome *Outcome) {
	d.mu.Lock()
	defer d.mu.Unlock()

	byID, ok := d.entries[user]
	if !ok {
		byID = make(map[string]dedupEntry)
		d.entries[user] = byID
	}
	byID[messageID] = dedupEntry{outcome: outcome, at: d.now()}
}

// Prune drops entries older than the window. Called from the sweep.
func (d *Deduper) Prune() {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.now().Add(-d.window)
	for user, byID := range d.entries {
		for id, entry := range byID {
			if entry.at.Before(cutoff) {
				delete(byID, id)
			}
		}
		if len(byID) == 0 {
			delete(d.entries, user)
		}
	}
}
