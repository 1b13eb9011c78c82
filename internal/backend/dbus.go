// ABOUTME: D-Bus implementation of Transport using godbus
// ABOUTME: Watches NameOwnerChanged for availability and subscribes to the backend's signals

package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	busSystem  = "system"
	busSession = "session"

	dbusService           = "org.freedesktop.DBus"
	dbusNameOwnerChanged  = "org.freedesktop.DBus.NameOwnerChanged"
	dbusNameHasOwner      = "org.freedesktop.DBus.NameHasOwner"
	signalChannelCapacity = 32
)

// ErrNotConnected is returned by QueryAll when no bus connection is up.
var ErrNotConnected = errors.New("not connected to bus")

// ErrUnexpectedReply is returned when a reply or signal body has the wrong shape.
var ErrUnexpectedReply = errors.New("unexpected reply")

// DBusConfig names the backend service and its interface members.
type DBusConfig struct {
	Bus           string
	Service       string
	Path          string
	Interface     string
	QueryMethod   string
	AddedSignal   string
	RemovedSignal string
	ChangedSignal string
}

// DBusTransport talks to a backend service over the system or session bus.
type DBusTransport struct {
	cfg    DBusConfig
	logger *slog.Logger

	mu   sync.RWMutex
	conn *dbus.Conn
}

// NewDBusTransport creates a transport; no connection is made until Watch.
func NewDBusTransport(cfg DBusConfig, logger *slog.Logger) *DBusTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &DBusTransport{
		cfg:    cfg,
		logger: logger.With("component", "dbus", "service", cfg.Service),
	}
}

func (t *DBusTransport) connectBus() (*dbus.Conn, error) {
	switch t.cfg.Bus {
	case busSession:
		return dbus.ConnectSessionBus()
	case busSystem, "":
		return dbus.ConnectSystemBus()
	default:
		return nil, fmt.Errorf("unknown bus %q", t.cfg.Bus)
	}
}

// Watch implements Transport.
func (t *DBusTransport) Watch(ctx context.Context, out chan<- Signal) error {
	conn, err := t.connectBus()
	if err != nil {
		return fmt.Errorf("connecting to %s bus: %w", t.cfg.Bus, err)
	}
	defer conn.Close()

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
	}()

	if err := conn.AddMatchSignal(
		dbus.WithMatchSender(dbusService),
		dbus.WithMatchInterface(dbusService),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchArg(0, t.cfg.Service),
	); err != nil {
		return fmt.Errorf("watching %s: %w", t.cfg.Service, err)
	}

	if t.cfg.AddedSignal != "" || t.cfg.RemovedSignal != "" || t.cfg.ChangedSignal != "" {
		if err := conn.AddMatchSignal(
			dbus.WithMatchObjectPath(dbus.ObjectPath(t.cfg.Path)),
			dbus.WithMatchInterface(t.cfg.Interface),
		); err != nil {
			return fmt.Errorf("subscribing to %s signals: %w", t.cfg.Interface, err)
		}
	}

	ch := make(chan *dbus.Signal, signalChannelCapacity)
	conn.Signal(ch)
	defer conn.RemoveSignal(ch)

	var present bool
	if err := conn.BusObject().CallWithContext(ctx, dbusNameHasOwner, 0, t.cfg.Service).Store(&present); err != nil {
		return fmt.Errorf("checking owner of %s: %w", t.cfg.Service, err)
	}
	t.logger.Debug("watching backend service", "present", present)
	if present {
		if err := send(ctx, out, Signal{Kind: SignalRegistered}); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-ch:
			if !ok {
				return fmt.Errorf("%s bus connection closed", t.cfg.Bus)
			}
			for _, s := range t.translate(sig) {
				if err := send(ctx, out, s); err != nil {
					return err
				}
			}
		}
	}
}

// translate maps one bus signal to zero or more transport signals.
func (t *DBusTransport) translate(sig *dbus.Signal) []Signal {
	if sig == nil {
		return nil
	}

	switch sig.Name {
	case dbusNameOwnerChanged:
		if len(sig.Body) != 3 {
			return nil
		}
		name, _ := sig.Body[0].(string)
		oldOwner, _ := sig.Body[1].(string)
		newOwner, _ := sig.Body[2].(string)
		if name != t.cfg.Service {
			return nil
		}
		switch {
		case oldOwner == "" && newOwner != "":
			return []Signal{{Kind: SignalRegistered}}
		case oldOwner != "" && newOwner == "":
			return []Signal{{Kind: SignalUnregistered}}
		case oldOwner != "" && newOwner != "":
			// Owner handover: treat as a restart
			return []Signal{{Kind: SignalUnregistered}, {Kind: SignalRegistered}}
		}
		return nil

	case t.member(t.cfg.AddedSignal), t.member(t.cfg.ChangedSignal):
		if len(sig.Body) < 1 {
			return nil
		}
		rec, ok := unwrap(sig.Body[0]).(map[string]any)
		if !ok {
			t.logger.Warn("ignoring signal with unexpected body", "signal", sig.Name)
			return nil
		}
		kind := SignalChanged
		if sig.Name == t.member(t.cfg.AddedSignal) {
			kind = SignalAdded
		}
		return []Signal{{Kind: kind, Record: Record(rec)}}

	case t.member(t.cfg.RemovedSignal):
		if len(sig.Body) < 1 {
			return nil
		}
		id := fmt.Sprint(unwrap(sig.Body[0]))
		return []Signal{{Kind: SignalRemoved, ID: id}}
	}

	return nil
}

// member returns the fully qualified signal or method name, or "" if unset.
func (t *DBusTransport) member(name string) string {
	if name == "" {
		return ""
	}
	return t.cfg.Interface + "." + name
}

// QueryAll implements Transport by calling the configured query method.
func (t *DBusTransport) QueryAll(ctx context.Context, filters ...any) ([]Record, error) {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	obj := conn.Object(t.cfg.Service, dbus.ObjectPath(t.cfg.Path))
	call := obj.CallWithContext(ctx, t.member(t.cfg.QueryMethod), 0, filters...)
	if call.Err != nil {
		return nil, fmt.Errorf("calling %s: %w", t.cfg.QueryMethod, call.Err)
	}
	if len(call.Body) == 0 {
		return nil, nil
	}
	return toRecords(call.Body[0])
}

// toRecords converts an unwrapped D-Bus list of dictionaries into records.
func toRecords(body any) ([]Record, error) {
	list, ok := unwrap(body).([]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected list, got %T", ErrUnexpectedReply, body)
	}
	records := make([]Record, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: expected dictionary, got %T", ErrUnexpectedReply, item)
		}
		records = append(records, Record(m))
	}
	return records, nil
}

// unwrap strips D-Bus variants recursively and normalises containers to
// []any and map[string]any.
func unwrap(v any) any {
	switch x := v.(type) {
	case dbus.Variant:
		return unwrap(x.Value())
	case dbus.ObjectPath:
		return string(x)
	case map[string]dbus.Variant:
		m := make(map[string]any, len(x))
		for k, vv := range x {
			m[k] = unwrap(vv.Value())
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, vv := range x {
			m[k] = unwrap(vv)
		}
		return m
	case []dbus.Variant:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = unwrap(vv.Value())
		}
		return out
	case []map[string]dbus.Variant:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = unwrap(vv)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = unwrap(vv)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	default:
		return x
	}
}

func send(ctx context.Context, out chan<- Signal, s Signal) error {
	select {
	case out <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Transport = (*DBusTransport)(nil)
