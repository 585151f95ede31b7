package auditledger

import (
	"sync"
	"time"
)

type proofKey struct {
	eventID     int64
	lastEventID int64
}

type proofEntry struct {
	proof     *Proof
	expiresAt time.Time
}

func (e *proofEntry) expired() bool {
	return time.Now().After(e.expiresAt)
}

// proofCache holds computed inclusion proofs keyed by event and tree bound.
// The ledger is append-only, so an entry is only ever dropped for age.
type proofCache struct {
	mu      sync.RWMutex
	entries map[proofKey]*proofEntry
	ttl     time.Duration
}

func newProofCache(ttl time.Duration) *proofCache {
	return &proofCache{
		entries: make(map[proofKey]*proofEntry),
		ttl:     ttl,
	}
}

// get returns a copy of the cached proof.
func (c *proofCache) get(eventID, lastEventID int64) (*Proof, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[proofKey{eventID, lastEventID}]
	if !ok || e.expired() {
		return nil, false
	}
	return e.proof.clone(), true
}

func (c *proofCache) set(p *Proof) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[proofKey{p.EventID, p.LastEventID}] = &proofEntry{
		proof:     p.clone(),
		expiresAt: time.Now().Add(c.ttl),
	}
}

// evict removes all expired entries.
func (c *proofCache) evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if e.expired() {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *proofCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
