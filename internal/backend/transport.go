// ABOUTME: Transport is the narrow query/subscribe boundary to one backend service
// ABOUTME: Signals carry availability changes and incremental entity updates

package backend

import "context"

// SignalKind identifies what a transport observed.
type SignalKind int

const (
	// SignalRegistered means the backend service appeared on the bus.
	SignalRegistered SignalKind = iota + 1
	// SignalUnregistered means the backend service went away.
	SignalUnregistered
	// SignalAdded carries a new entity in Record.
	SignalAdded
	// SignalRemoved carries the removed entity key in ID.
	SignalRemoved
	// SignalChanged carries the updated entity in Record.
	SignalChanged
)

func (k SignalKind) String() string {
	switch k {
	case SignalRegistered:
		return "registered"
	case SignalUnregistered:
		return "unregistered"
	case SignalAdded:
		return "added"
	case SignalRemoved:
		return "removed"
	case SignalChanged:
		return "changed"
	default:
		return "unknown"
	}
}

// Signal is one observation from a Transport.
type Signal struct {
	Kind   SignalKind
	ID     string
	Record Record
}

// Transport connects a Client to one backend service.
type Transport interface {
	// Watch delivers availability and push signals until ctx is cancelled or
	// the underlying connection fails. If the backend is already present when
	// Watch starts, SignalRegistered is sent first.
	Watch(ctx context.Context, signals chan<- Signal) error

	// QueryAll performs the backend's bulk query with optional filter arguments.
	QueryAll(ctx context.Context, filters ...any) ([]Record, error)
}
