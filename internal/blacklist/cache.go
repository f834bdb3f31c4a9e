// Package blacklist provides a process-local TTL cache of revoked token jtis
// and token families. It is a fast-path filter in front of the durable ledger,
// never the sole gate for a security decision: entries vanish on restart and
// are not shared between replicas.
package blacklist

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	userID    string
	reason    string
	expiresAt time.Time
}

// Cache is an in-memory blacklist of jtis and token-family ids. Entries expire
// lazily on read and are swept on a fixed interval by StartSweeper.
type Cache struct {
	mu       sync.RWMutex
	jtis     map[string]entry
	families map[string]entry
	nowF     func() time.Time
}

// NewCache returns an empty blacklist cache.
func NewCache() *Cache {
	return &Cache{
		jtis:     make(map[string]entry),
		families: make(map[string]entry),
		nowF:     time.Now().UTC,
	}
}

// BlacklistJTI records jti as revoked until expiresAt. Re-adding an existing
// jti keeps whichever entry expires later, so repeated revocations never
// shorten the blackout window.
func (c *Cache) BlacklistJTI(jti, userID string, expiresAt time.Time, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.jtis[jti]; ok && prev.expiresAt.After(expiresAt) {
		return
	}
	c.jtis[jti] = entry{userID: userID, reason: reason, expiresAt: expiresAt}
}

// BlacklistFamily records the whole token family tfid as revoked until expiresAt.
func (c *Cache) BlacklistFamily(tfid, userID string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.families[tfid]; ok && prev.expiresAt.After(expiresAt) {
		return
	}
	c.families[tfid] = entry{userID: userID, expiresAt: expiresAt}
}

// IsJTIBlacklisted reports whether jti has an unexpired blacklist entry.
// Expired entries are removed on the way out.
func (c *Cache) IsJTIBlacklisted(jti string) bool {
	c.mu.RLock()
	e, ok := c.jtis[jti]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	if !e.expiresAt.After(c.nowF()) {
		c.mu.Lock()
		delete(c.jtis, jti)
		c.mu.Unlock()
		return false
	}
	return true
}

// IsFamilyBlacklisted reports whether tfid has an unexpired blacklist entry.
func (c *Cache) IsFamilyBlacklisted(tfid string) bool {
	c.mu.RLock()
	e, ok := c.families[tfid]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	if !e.expiresAt.After(c.nowF()) {
		c.mu.Lock()
		delete(c.families, tfid)
		c.mu.Unlock()
		return false
	}
	return true
}

// Sweep removes all expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.nowF()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.jtis {
		if !e.expiresAt.After(now) {
			delete(c.jtis, k)
			removed++
		}
	}
	for k, e := range c.families {
		if !e.expiresAt.After(now) {
			delete(c.families, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of live entries (jtis plus families). Exposed for the
// blacklist-size gauge.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.jtis) + len(c.families)
}

// StartSweeper runs Sweep every interval until ctx is cancelled.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}
