// ABOUTME: Backend sync client keeping a local mirror of one backend's entities
// ABOUTME: Refreshes on registration, applies push signals, clears on disconnect

package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrBackendUnavailable is returned by queries while the backend is not registered.
var ErrBackendUnavailable = errors.New("backend unavailable")

// ErrQueryFailed wraps transport failures of an otherwise available backend.
var ErrQueryFailed = errors.New("backend query failed")

// errWatchEnded is used when a transport's Watch returns without an error.
var errWatchEnded = errors.New("watch ended")

const (
	defaultQueryTimeout = 30 * time.Second
	eventBufferSize     = 256
	signalBufferSize    = 64
)

// EventKind identifies a mirror change.
type EventKind int

const (
	EventAdded EventKind = iota + 1
	EventRemoved
	EventChanged
	// EventAvailability reports a change of Available(); see Event.Available.
	EventAvailability
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	case EventChanged:
		return "changed"
	case EventAvailability:
		return "availability"
	default:
		return "unknown"
	}
}

// Event is published on Client.Events for every mirror change.
// For EventRemoved, Record holds the entry as it was before removal.
type Event struct {
	Backend   string
	Kind      EventKind
	ID        string
	Record    Record
	Available bool
}

// Reply is delivered to a QueryAsync callback.
type Reply struct {
	CorrelationID string
	Records       []Record
	Err           error
}

// Config describes one backend client.
type Config struct {
	// Name identifies the backend in logs, events and errors.
	Name string
	// KeyField is the record attribute used as mirror key.
	KeyField string
	// Mirror enables the local cache. Without it the client only tracks availability.
	Mirror bool
	// QueryTimeout bounds QueryAsync and refresh queries.
	QueryTimeout time.Duration
}

// Client mirrors one backend. Run is the only writer of the mirror; all other
// methods are safe for concurrent use.
type Client struct {
	cfg       Config
	transport Transport
	logger    *slog.Logger
	events    chan Event

	newBackOff func() backoff.BackOff

	mu        sync.RWMutex
	available bool
	mirror    map[string]Record
}

// NewClient creates a client for the given transport.
func NewClient(cfg Config, transport Transport, logger *slog.Logger) *Client {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:       cfg,
		transport: transport,
		logger:    logger.With("component", "backend", "backend", cfg.Name),
		events:    make(chan Event, eventBufferSize),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		mirror: make(map[string]Record),
	}
}

// Name returns the configured backend name.
func (c *Client) Name() string {
	return c.cfg.Name
}

// Events returns the channel mirror changes are published on.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Available reports whether the backend is registered and, for mirroring
// clients, the initial refresh has completed.
func (c *Client) Available() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available
}

// Snapshot returns a copy of the mirror ordered by key.
func (c *Client) Snapshot() []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.mirror))
	for k := range c.mirror {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, c.mirror[k].Clone())
	}
	return out
}

// Get returns the mirror entry for id.
func (c *Client) Get(id string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.mirror[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Query performs a synchronous pull against the backend.
func (c *Client) Query(ctx context.Context, filters ...any) ([]Record, error) {
	if !c.Available() {
		return nil, fmt.Errorf("%s: %w", c.cfg.Name, ErrBackendUnavailable)
	}
	records, err := c.transport.QueryAll(ctx, filters...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", c.cfg.Name, ErrQueryFailed, err)
	}
	return records, nil
}

// QueryAsync runs Query on its own goroutine bounded by the configured query
// timeout and invokes cb exactly once with the result.
func (c *Client) QueryAsync(ctx context.Context, correlationID string, cb func(Reply), filters ...any) {
	go func() {
		qctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
		defer cancel()

		records, err := c.Query(qctx, filters...)
		c.logger.Debug("async query finished",
			"correlation_id", correlationID,
			"records", len(records),
			"error", err,
		)
		cb(Reply{CorrelationID: correlationID, Records: records, Err: err})
	}()
}

// Run watches the backend until ctx is cancelled. Watch failures clear the
// mirror and restart the watch with exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	c.logger.Info("backend client starting", "mirror", c.cfg.Mirror)
	restart := c.newBackOff()

	for {
		started := time.Now()
		err := c.watchOnce(ctx)
		c.clear(ctx, "watch stopped")

		if ctx.Err() != nil {
			c.logger.Info("backend client stopped")
			return nil
		}

		// A watch that stayed up for a while starts the backoff over.
		if time.Since(started) > time.Minute {
			restart.Reset()
		}
		delay := restart.NextBackOff()
		c.logger.Warn("backend watch failed, retrying", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			c.logger.Info("backend client stopped")
			return nil
		case <-time.After(delay):
		}
	}
}

// watchOnce runs a single Watch and processes its signals until it ends.
func (c *Client) watchOnce(ctx context.Context) error {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	signals := make(chan Signal, signalBufferSize)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- c.transport.Watch(watchCtx, signals)
	}()

	var (
		registered bool
		retry      <-chan time.Time
		refreshBo  = c.newBackOff()
	)

	refresh := func() {
		if err := c.refresh(watchCtx); err != nil {
			delay := refreshBo.NextBackOff()
			c.logger.Warn("backend refresh failed", "error", err, "retry_in", delay)
			retry = time.After(delay)
			return
		}
		retry = nil
	}

	for {
		select {
		case <-watchCtx.Done():
			return watchCtx.Err()

		case err := <-watchErr:
			if err == nil {
				err = errWatchEnded
			}
			return err

		case <-retry:
			if registered {
				refresh()
			}

		case sig := <-signals:
			switch sig.Kind {
			case SignalRegistered:
				c.logger.Info("backend registered")
				registered = true
				refreshBo.Reset()
				refresh()

			case SignalUnregistered:
				c.logger.Info("backend unregistered")
				registered = false
				retry = nil
				c.clear(watchCtx, "unregistered")

			case SignalAdded, SignalChanged:
				if !c.Available() || !c.cfg.Mirror {
					c.logger.Debug("ignoring signal before refresh", "signal", sig.Kind)
					continue
				}
				c.upsert(watchCtx, sig.Record)

			case SignalRemoved:
				if !c.Available() || !c.cfg.Mirror {
					continue
				}
				c.remove(watchCtx, sig.ID)
			}
		}
	}
}

// refresh replaces the mirror with a full query result and publishes the diff.
func (c *Client) refresh(ctx context.Context) error {
	if !c.cfg.Mirror {
		c.setAvailable(ctx, true)
		return nil
	}

	qctx, cancel := context.WithTimeout(ctx, c.cfg.QueryTimeout)
	defer cancel()

	records, err := c.transport.QueryAll(qctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}

	next := make(map[string]Record, len(records))
	for _, rec := range records {
		key := rec.String(c.cfg.KeyField)
		if key == "" {
			c.logger.Warn("dropping record without key", "key_field", c.cfg.KeyField)
			continue
		}
		next[key] = rec
	}

	c.mu.Lock()
	prev := c.mirror
	c.mirror = next
	wasAvailable := c.available
	c.available = true
	c.mu.Unlock()

	var events []Event
	for key, rec := range next {
		old, existed := prev[key]
		switch {
		case !existed:
			events = append(events, c.event(EventAdded, key, rec))
		case !old.Equal(rec):
			events = append(events, c.event(EventChanged, key, rec))
		}
	}
	for key, old := range prev {
		if _, ok := next[key]; !ok {
			events = append(events, c.event(EventRemoved, key, old))
		}
	}

	c.logger.Info("backend mirror refreshed", "entries", len(next), "changes", len(events))

	if !wasAvailable {
		c.emit(ctx, Event{Backend: c.cfg.Name, Kind: EventAvailability, Available: true})
	}
	for _, ev := range events {
		c.emit(ctx, ev)
	}
	return nil
}

func (c *Client) upsert(ctx context.Context, rec Record) {
	key := rec.String(c.cfg.KeyField)
	if key == "" {
		c.logger.Warn("dropping pushed record without key", "key_field", c.cfg.KeyField)
		return
	}

	c.mu.Lock()
	old, existed := c.mirror[key]
	c.mirror[key] = rec
	c.mu.Unlock()

	switch {
	case !existed:
		c.emit(ctx, c.event(EventAdded, key, rec))
	case !old.Equal(rec):
		c.emit(ctx, c.event(EventChanged, key, rec))
	}
}

func (c *Client) remove(ctx context.Context, key string) {
	c.mu.Lock()
	old, existed := c.mirror[key]
	delete(c.mirror, key)
	c.mu.Unlock()

	if existed {
		c.emit(ctx, c.event(EventRemoved, key, old))
	}
}

// clear empties the mirror, publishing a removal for every entry.
func (c *Client) clear(ctx context.Context, reason string) {
	c.mu.Lock()
	prev := c.mirror
	wasAvailable := c.available
	c.mirror = make(map[string]Record)
	c.available = false
	c.mu.Unlock()

	if !wasAvailable && len(prev) == 0 {
		return
	}
	c.logger.Info("backend mirror cleared", "reason", reason, "entries", len(prev))

	for key, old := range prev {
		c.emit(ctx, c.event(EventRemoved, key, old))
	}
	if wasAvailable {
		c.emit(ctx, Event{Backend: c.cfg.Name, Kind: EventAvailability, Available: false})
	}
}

func (c *Client) setAvailable(ctx context.Context, available bool) {
	c.mu.Lock()
	changed := c.available != available
	c.available = available
	c.mu.Unlock()

	if changed {
		c.emit(ctx, Event{Backend: c.cfg.Name, Kind: EventAvailability, Available: available})
	}
}

func (c *Client) event(kind EventKind, key string, rec Record) Event {
	return Event{Backend: c.cfg.Name, Kind: kind, ID: key, Record: rec.Clone()}
}

// emit publishes ev, giving up only when ctx is done.
func (c *Client) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
		// Still try to deliver removals during shutdown if there is room
		select {
		case c.events <- ev:
		default:
			c.logger.Debug("dropping event on shutdown", "kind", ev.Kind, "id", ev.ID)
		}
	}
}
