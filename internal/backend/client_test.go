// ABOUTME: Tests for the backend sync client using an in-memory transport
// ABOUTME: Covers refresh on registration, push signals, disconnect clearing and async queries

package backend

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport is a Transport driven by the test.
type fakeTransport struct {
	mu       sync.Mutex
	records  []Record
	queryErr error
	queries  int
	filters  []any

	signals chan Signal
	fail    chan error
	watches atomic.Int32
}

func newFakeTransport(records ...Record) *fakeTransport {
	return &fakeTransport{
		records: records,
		signals: make(chan Signal),
		fail:    make(chan error, 1),
	}
}

func (f *fakeTransport) Watch(ctx context.Context, out chan<- Signal) error {
	f.watches.Add(1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-f.fail:
			return err
		case s := <-f.signals:
			select {
			case out <- s:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (f *fakeTransport) QueryAll(ctx context.Context, filters ...any) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	f.filters = filters
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	out := make([]Record, len(f.records))
	for i, r := range f.records {
		out[i] = r.Clone()
	}
	return out, nil
}

func (f *fakeTransport) setRecords(records ...Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = records
}

func (f *fakeTransport) setQueryErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryErr = err
}

func (f *fakeTransport) push(t *testing.T, s Signal) {
	t.Helper()
	select {
	case f.signals <- s:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out pushing %s signal", s.Kind)
	}
}

func startClient(t *testing.T, cfg Config, tr Transport) *Client {
	t.Helper()
	c := NewClient(cfg, tr, nil)
	c.newBackOff = func() backoff.BackOff {
		return backoff.NewConstantBackOff(10 * time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func collect(t *testing.T, c *Client, n int) []Event {
	t.Helper()
	events := make([]Event, 0, n)
	for len(events) < n {
		select {
		case ev := <-c.Events():
			events = append(events, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d events, want %d: %+v", len(events), n, events)
		}
	}
	return events
}

// summary reduces events to sorted "kind:id" strings for order-free comparison.
func summary(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		if ev.Kind == EventAvailability {
			if ev.Available {
				out = append(out, "availability:up")
			} else {
				out = append(out, "availability:down")
			}
			continue
		}
		out = append(out, ev.Kind.String()+":"+ev.ID)
	}
	sort.Strings(out)
	return out
}

func infoRecord(id, mode string) Record {
	return Record{"evChargerId": id, "chargingMode": mode}
}

var mirrorConfig = Config{Name: "energymanager", KeyField: "evChargerId", Mirror: true}

func TestClient_RefreshOnRegistration(t *testing.T) {
	tr := newFakeTransport(infoRecord("c1", "eco"), infoRecord("c2", "normal"))
	c := startClient(t, mirrorConfig, tr)

	assert.False(t, c.Available())

	tr.push(t, Signal{Kind: SignalRegistered})
	events := collect(t, c, 3)
	assert.Equal(t, []string{"added:c1", "added:c2", "availability:up"}, summary(events))

	assert.True(t, c.Available())
	snap := c.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "c1", snap[0].String("evChargerId"))

	rec, ok := c.Get("c2")
	require.True(t, ok)
	assert.Equal(t, "normal", rec.String("chargingMode"))
}

func TestClient_PushSignals(t *testing.T) {
	tr := newFakeTransport(infoRecord("c1", "eco"))
	c := startClient(t, mirrorConfig, tr)

	tr.push(t, Signal{Kind: SignalRegistered})
	collect(t, c, 2)

	tr.push(t, Signal{Kind: SignalAdded, Record: infoRecord("c2", "eco")})
	ev := collect(t, c, 1)[0]
	assert.Equal(t, EventAdded, ev.Kind)
	assert.Equal(t, "c2", ev.ID)
	assert.Equal(t, "energymanager", ev.Backend)

	// Replace-or-insert: a change of a known key replaces it
	tr.push(t, Signal{Kind: SignalChanged, Record: infoRecord("c1", "solar")})
	ev = collect(t, c, 1)[0]
	assert.Equal(t, EventChanged, ev.Kind)
	rec, _ := c.Get("c1")
	assert.Equal(t, "solar", rec.String("chargingMode"))

	// An identical change is not republished; the removal that follows is
	tr.push(t, Signal{Kind: SignalChanged, Record: infoRecord("c1", "solar")})
	tr.push(t, Signal{Kind: SignalRemoved, ID: "c2"})
	ev = collect(t, c, 1)[0]
	assert.Equal(t, EventRemoved, ev.Kind)
	assert.Equal(t, "c2", ev.ID)
	assert.Equal(t, "eco", ev.Record.String("chargingMode"), "removal carries the previous record")

	_, ok := c.Get("c2")
	assert.False(t, ok)
	assert.Len(t, c.Snapshot(), 1)
}

func TestClient_UnregisterClearsMirror(t *testing.T) {
	tr := newFakeTransport(infoRecord("c1", "eco"), infoRecord("c2", "eco"))
	c := startClient(t, mirrorConfig, tr)

	tr.push(t, Signal{Kind: SignalRegistered})
	collect(t, c, 3)

	tr.push(t, Signal{Kind: SignalUnregistered})
	events := collect(t, c, 3)
	assert.Equal(t, []string{"availability:down", "removed:c1", "removed:c2"}, summary(events))

	assert.False(t, c.Available())
	assert.Empty(t, c.Snapshot())

	_, err := c.Query(context.Background())
	assert.ErrorIs(t, err, ErrBackendUnavailable)

	// Push signals while unregistered are ignored
	tr.push(t, Signal{Kind: SignalAdded, Record: infoRecord("c3", "eco")})
	tr.push(t, Signal{Kind: SignalRegistered})
	events = collect(t, c, 3)
	assert.Equal(t, []string{"added:c1", "added:c2", "availability:up"}, summary(events))
	_, ok := c.Get("c3")
	assert.False(t, ok)
}

func TestClient_ReRegistrationEmitsDiff(t *testing.T) {
	tr := newFakeTransport(infoRecord("c1", "eco"), infoRecord("c2", "eco"))
	c := startClient(t, mirrorConfig, tr)

	tr.push(t, Signal{Kind: SignalRegistered})
	collect(t, c, 3)

	// Registered again without an unregister in between (owner handover)
	tr.setRecords(infoRecord("c1", "solar"), infoRecord("c3", "eco"))
	tr.push(t, Signal{Kind: SignalRegistered})

	events := collect(t, c, 3)
	assert.Equal(t, []string{"added:c3", "changed:c1", "removed:c2"}, summary(events))
}

func TestClient_RefreshRetriesWhileRegistered(t *testing.T) {
	tr := newFakeTransport(infoRecord("c1", "eco"))
	tr.setQueryErr(errors.New("no reply"))
	c := startClient(t, mirrorConfig, tr)

	tr.push(t, Signal{Kind: SignalRegistered})
	assert.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.queries >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, c.Available())

	tr.setQueryErr(nil)
	events := collect(t, c, 2)
	assert.Equal(t, []string{"added:c1", "availability:up"}, summary(events))
}

func TestClient_WatchFailureRestarts(t *testing.T) {
	tr := newFakeTransport(infoRecord("c1", "eco"))
	c := startClient(t, mirrorConfig, tr)

	tr.push(t, Signal{Kind: SignalRegistered})
	collect(t, c, 2)

	tr.fail <- errors.New("bus went away")
	events := collect(t, c, 2)
	assert.Equal(t, []string{"availability:down", "removed:c1"}, summary(events))

	assert.Eventually(t, func() bool {
		return tr.watches.Load() == 2
	}, 2*time.Second, 5*time.Millisecond)

	tr.push(t, Signal{Kind: SignalRegistered})
	collect(t, c, 2)
	assert.True(t, c.Available())
}

func TestClient_WithoutMirror(t *testing.T) {
	tr := newFakeTransport(Record{"sessionId": "s1"})
	c := startClient(t, Config{Name: "chargingsessions", KeyField: "sessionId"}, tr)

	tr.push(t, Signal{Kind: SignalRegistered})
	ev := collect(t, c, 1)[0]
	assert.Equal(t, EventAvailability, ev.Kind)
	assert.True(t, ev.Available)
	assert.Empty(t, c.Snapshot())

	records, err := c.Query(context.Background(), []string{"car-1"})
	require.NoError(t, err)
	require.Len(t, records, 1)

	tr.mu.Lock()
	assert.Equal(t, []any{[]string{"car-1"}}, tr.filters)
	tr.mu.Unlock()
}

func TestClient_QueryAsync(t *testing.T) {
	tr := newFakeTransport(Record{"sessionId": "s1"}, Record{"sessionId": "s2"})
	c := startClient(t, Config{Name: "chargingsessions", KeyField: "sessionId"}, tr)

	replies := make(chan Reply, 4)
	cb := func(r Reply) { replies <- r }

	// Unavailable backend still gets exactly one callback
	c.QueryAsync(context.Background(), "corr-1", cb)
	select {
	case r := <-replies:
		assert.Equal(t, "corr-1", r.CorrelationID)
		assert.ErrorIs(t, r.Err, ErrBackendUnavailable)
	case <-time.After(2 * time.Second):
		t.Fatal("no callback for unavailable backend")
	}

	tr.push(t, Signal{Kind: SignalRegistered})
	collect(t, c, 1)

	c.QueryAsync(context.Background(), "corr-2", cb)
	select {
	case r := <-replies:
		assert.Equal(t, "corr-2", r.CorrelationID)
		require.NoError(t, r.Err)
		assert.Len(t, r.Records, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("no callback")
	}

	tr.setQueryErr(errors.New("boom"))
	c.QueryAsync(context.Background(), "corr-3", cb)
	select {
	case r := <-replies:
		assert.ErrorIs(t, r.Err, ErrQueryFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("no callback for failed query")
	}

	select {
	case r := <-replies:
		t.Fatalf("unexpected extra callback: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}
