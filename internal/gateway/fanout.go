// ABOUTME: Notification fanout delivering events to every authenticated connection
// ABOUTME: Encodes once and enqueues without blocking; slow or failed clients are dropped

package gateway

import (
	"encoding/json"
	"log/slog"
)

// TokenValidator reports whether a token is currently valid.
type TokenValidator interface {
	Validate(token string) bool
}

// Fanout broadcasts notifications.
type Fanout struct {
	registry *Registry
	tokens   TokenValidator
	metrics  *Metrics
	logger   *slog.Logger
}

// NewFanout creates a fanout over the registry's connections.
func NewFanout(registry *Registry, tokens TokenValidator, metrics *Metrics, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{
		registry: registry,
		tokens:   tokens,
		metrics:  metrics,
		logger:   logger,
	}
}

// Broadcast sends event to every connection whose token is valid right now
// and returns the number of connections it was queued for.
func (f *Fanout) Broadcast(event string, payload any) int {
	data, err := json.Marshal(newNotification(event, payload))
	if err != nil {
		f.logger.Error("encoding notification", "event", event, "error", err)
		return 0
	}

	delivered := 0
	for _, c := range f.registry.Snapshot() {
		token := c.Token()
		if token == "" || !f.tokens.Validate(token) {
			continue
		}
		if c.Send(data) {
			delivered++
		}
	}

	if f.metrics != nil {
		f.metrics.notifications.WithLabelValues(event).Add(float64(delivered))
	}
	f.logger.Debug("notification broadcast", "event", event, "recipients", delivered)
	return delivered
}
