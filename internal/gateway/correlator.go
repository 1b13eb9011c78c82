// ABOUTME: Pending-request correlator bridging async backend replies to the requesting connection
// ABOUTME: Entries resolve at most once and expire through a TTL cache

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

// Pending is a parked request waiting for a backend reply.
type Pending struct {
	ConnID    ConnID
	RequestID json.RawMessage
	Version   string
	Action    string
	ParkedAt  time.Time

	claimed atomic.Bool
}

// claim returns true for exactly one caller.
func (p *Pending) claim() bool {
	return p.claimed.CompareAndSwap(false, true)
}

// TimeoutFunc is called once for every entry that expires unresolved.
type TimeoutFunc func(p *Pending)

// Correlator maps correlation ids to parked requests.
type Correlator struct {
	cache     *ttlcache.Cache[string, *Pending]
	onTimeout TimeoutFunc
	logger    *slog.Logger

	mu     sync.Mutex
	byConn map[ConnID]map[string]*Pending

	started  atomic.Bool
	stopOnce sync.Once
}

// NewCorrelator creates a correlator whose entries expire after timeout.
// Call Start to begin expiring entries.
func NewCorrelator(timeout time.Duration, onTimeout TimeoutFunc, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Correlator{
		cache: ttlcache.New[string, *Pending](
			ttlcache.WithTTL[string, *Pending](timeout),
			ttlcache.WithDisableTouchOnHit[string, *Pending](),
		),
		onTimeout: onTimeout,
		logger:    logger,
		byConn:    make(map[ConnID]map[string]*Pending),
	}

	// The callback must not call back into the cache.
	c.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Pending]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		p := item.Value()
		c.forget(item.Key(), p.ConnID)
		if !p.claim() {
			return
		}
		c.logger.Warn("pending request timed out",
			"correlation_id", item.Key(),
			"conn_id", p.ConnID,
			"action", p.Action,
		)
		if c.onTimeout != nil {
			c.onTimeout(p)
		}
	})

	return c
}

// Start runs the expiry loop until Stop is called.
func (c *Correlator) Start() {
	if c.started.CompareAndSwap(false, true) {
		go c.cache.Start()
	}
}

// Stop ends the expiry loop.
func (c *Correlator) Stop() {
	if !c.started.Load() {
		return
	}
	c.stopOnce.Do(c.cache.Stop)
}

// Park stores a pending request and returns its new correlation id.
func (c *Correlator) Park(connID ConnID, requestID json.RawMessage, version, action string) string {
	id := uuid.New().String()
	p := &Pending{
		ConnID:    connID,
		RequestID: requestID,
		Version:   version,
		Action:    action,
		ParkedAt:  time.Now(),
	}

	c.mu.Lock()
	if c.byConn[connID] == nil {
		c.byConn[connID] = make(map[string]*Pending)
	}
	c.byConn[connID][id] = p
	c.mu.Unlock()

	c.cache.Set(id, p, ttlcache.DefaultTTL)
	return id
}

// Resolve claims the entry for id. It returns false if the entry was already
// resolved, timed out or purged.
func (c *Correlator) Resolve(id string) (*Pending, bool) {
	item := c.cache.Get(id)
	if item == nil {
		return nil, false
	}
	p := item.Value()
	if !p.claim() {
		return nil, false
	}
	c.forget(id, p.ConnID)
	c.cache.Delete(id)
	return p, true
}

// PurgeConnection drops every entry parked by connID. Replies arriving for
// them later are discarded.
func (c *Correlator) PurgeConnection(connID ConnID) int {
	c.mu.Lock()
	entries := c.byConn[connID]
	delete(c.byConn, connID)
	c.mu.Unlock()

	purged := 0
	for id, p := range entries {
		if p.claim() {
			purged++
		}
		c.cache.Delete(id)
	}
	if purged > 0 {
		c.logger.Debug("purged pending requests", "conn_id", connID, "count", purged)
	}
	return purged
}

// Len returns the number of entries not yet resolved or purged.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, entries := range c.byConn {
		n += len(entries)
	}
	return n
}

func (c *Correlator) forget(id string, connID ConnID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.byConn[connID]
	if entries == nil {
		return
	}
	delete(entries, id)
	if len(entries) == 0 {
		delete(c.byConn, connID)
	}
}
