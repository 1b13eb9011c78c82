// ABOUTME: End-to-end tests for the gateway over a real WebSocket with in-memory backends
// ABOUTME: Covers login, entity listing, notifications, async sessions and admin actions

package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/evdash-gateway/internal/backend"
	"github.com/2389/evdash-gateway/internal/config"
	"github.com/2389/evdash-gateway/internal/store"
)

// fakeTransport is a backend that is present from the start of every watch.
type fakeTransport struct {
	mu      sync.Mutex
	records []backend.Record
	filters []any
	block   bool
	signals chan backend.Signal

	// gates holds queries for a single car id until the channel is closed.
	// Gated queries return only the records of that car.
	gates map[string]chan struct{}
}

func newFakeTransport(records ...backend.Record) *fakeTransport {
	return &fakeTransport{records: records, signals: make(chan backend.Signal)}
}

func (f *fakeTransport) Watch(ctx context.Context, out chan<- backend.Signal) error {
	select {
	case out <- backend.Signal{Kind: backend.SignalRegistered}:
	case <-ctx.Done():
		return ctx.Err()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-f.signals:
			select {
			case out <- s:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (f *fakeTransport) QueryAll(ctx context.Context, filters ...any) ([]backend.Record, error) {
	f.mu.Lock()
	block := f.block
	f.filters = filters
	out := make([]backend.Record, len(f.records))
	for i, r := range f.records {
		out[i] = r.Clone()
	}
	gate, carID := f.gateFor(filters)
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		matched := []backend.Record{}
		for _, r := range out {
			if r.String("carId") == carID {
				matched = append(matched, r)
			}
		}
		return matched, nil
	}
	return out, nil
}

// gateFor returns the gate for a single-car query. Must be called with mu held.
func (f *fakeTransport) gateFor(filters []any) (chan struct{}, string) {
	if len(filters) != 1 {
		return nil, ""
	}
	ids, ok := filters[0].([]string)
	if !ok || len(ids) != 1 {
		return nil, ""
	}
	return f.gates[ids[0]], ids[0]
}

// hold gates the queries of each car id and returns their release channels.
func (f *fakeTransport) hold(carIDs ...string) map[string]chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gates == nil {
		f.gates = make(map[string]chan struct{})
	}
	for _, id := range carIDs {
		f.gates[id] = make(chan struct{})
	}
	return f.gates
}

func (f *fakeTransport) push(t *testing.T, s backend.Signal) {
	t.Helper()
	select {
	case f.signals <- s:
	case <-time.After(2 * time.Second):
		t.Fatal("backend signal not consumed")
	}
}

func (f *fakeTransport) lastFilters() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filters
}

func chargerRecord(power float64) backend.Record {
	return backend.Record{
		"id":   "charger-1",
		"name": "Garage Wallbox",
		"type": "charger",
		"states": map[string]any{
			"connected":          true,
			"pluggedIn":          true,
			"charging":           power > 0,
			"maxChargingCurrent": 16.0,
			"currentPower":       power,
		},
	}
}

func carRecord(name string) backend.Record {
	return backend.Record{
		"id":   "car-1",
		"name": name,
		"type": "car",
		"states": map[string]any{
			"batteryLevel": 80.0,
			"capacity":     75.0,
		},
	}
}

type testGateway struct {
	gw       *Gateway
	srv      *httptest.Server
	store    *store.MockStore
	things   *fakeTransport
	energy   *fakeTransport
	sessions *fakeTransport
}

// testConfig creates a config with defaults and short timeouts.
func testConfig() *config.Config {
	cfg := &config.Config{
		Database: config.DatabaseConfig{Path: ":memory:"},
		Auth:     config.AuthConfig{MinPasswordLength: 4, TokenSecret: "test-secret"},
		Metrics:  config.MetricsConfig{Enabled: true},
	}
	cfg.ApplyDefaults()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Requests.Timeout = 2 * time.Second
	return cfg
}

func newTestGateway(t *testing.T, mutate ...func(*config.Config)) *testGateway {
	t.Helper()

	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}

	tg := &testGateway{
		store:  store.NewMockStore(),
		things: newFakeTransport(chargerRecord(0), carRecord("Model 3")),
		energy: newFakeTransport(backend.Record{
			"evChargerId":   "charger-1",
			"assignedCarId": "car-1",
			"chargingMode":  1.0,
		}),
		sessions: newFakeTransport(backend.Record{
			"sessionId": "s-1",
			"carId":     "car-1",
			"energy":    12.5,
		}),
	}

	gw, err := New(cfg, testLogger(),
		WithStore(tg.store),
		WithTransports(tg.things, tg.energy, tg.sessions),
	)
	require.NoError(t, err)
	tg.gw = gw
	require.NoError(t, gw.Auth().AddUser(context.Background(), "alice", "hunter2"))

	gw.Start()
	tg.srv = httptest.NewServer(gw.Handler())
	t.Cleanup(tg.srv.Close)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	require.Eventually(t, func() bool {
		return gw.things.Available() && gw.energy.Available() && gw.sessions.Available()
	}, 2*time.Second, 10*time.Millisecond)
	return tg
}

func (tg *testGateway) wsURL() string {
	return "ws" + strings.TrimPrefix(tg.srv.URL, "http") + tg.gw.config.Server.WSPath
}

// testClient is a dashboard connection that separates replies from events.
type testClient struct {
	t       *testing.T
	ws      *websocket.Conn
	pending []map[string]any
}

func (tg *testGateway) dial(t *testing.T) *testClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, tg.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.CloseNow() })
	return &testClient{t: t, ws: ws}
}

func (c *testClient) send(msg map[string]any) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(c.t, wsjson.Write(ctx, c.ws, msg))
}

func (c *testClient) read() (map[string]any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var msg map[string]any
	err := wsjson.Read(ctx, c.ws, &msg)
	return msg, err
}

// next returns the first message, pending or new, that matches.
func (c *testClient) next(match func(map[string]any) bool) map[string]any {
	c.t.Helper()
	for i, msg := range c.pending {
		if match(msg) {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return msg
		}
	}
	for {
		msg, err := c.read()
		require.NoError(c.t, err)
		if match(msg) {
			return msg
		}
		c.pending = append(c.pending, msg)
	}
}

func (c *testClient) reply() map[string]any {
	c.t.Helper()
	return c.next(func(m map[string]any) bool {
		_, isEvent := m["event"]
		return !isEvent
	})
}

func (c *testClient) event(name string) map[string]any {
	c.t.Helper()
	return c.next(func(m map[string]any) bool { return m["event"] == name })
}

func (c *testClient) call(action string, payload map[string]any) map[string]any {
	c.t.Helper()
	msg := map[string]any{"action": action}
	if payload != nil {
		msg["payload"] = payload
	}
	c.send(msg)
	return c.reply()
}

// expectClose reads until the server closes the connection.
func (c *testClient) expectClose() websocket.StatusCode {
	c.t.Helper()
	for {
		_, err := c.read()
		if err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

func (c *testClient) login() string {
	c.t.Helper()
	reply := c.call(ActionAuthenticate, map[string]any{"username": "alice", "password": "hunter2"})
	require.Equal(c.t, true, reply["success"], "login failed: %v", reply)
	payload := reply["payload"].(map[string]any)
	return payload["token"].(string)
}

func TestGateway_RequiresAuthentication(t *testing.T) {
	tg := newTestGateway(t)
	c := tg.dial(t)

	c.send(map[string]any{"action": ActionGetChargers, "requestId": "r-1"})
	reply := c.reply()
	assert.Equal(t, false, reply["success"])
	assert.Equal(t, string(CodeUnauthenticated), reply["error"])
	assert.Equal(t, "r-1", reply["requestId"])

	assert.Equal(t, websocket.StatusPolicyViolation, c.expectClose())
}

func TestGateway_LoginAndListEntities(t *testing.T) {
	tg := newTestGateway(t)
	c := tg.dial(t)

	reply := c.call(ActionAuthenticate, map[string]any{"username": "alice", "password": "hunter2"})
	require.Equal(t, true, reply["success"])
	payload := reply["payload"].(map[string]any)
	assert.Equal(t, "alice", payload["username"])
	assert.NotEmpty(t, payload["token"])
	_, err := time.Parse(time.RFC3339Nano, payload["expiresAt"].(string))
	assert.NoError(t, err)

	reply = c.call("getchargers", nil)
	require.Equal(t, true, reply["success"])
	chargers := reply["payload"].(map[string]any)["chargers"].([]any)
	require.Len(t, chargers, 1)
	charger := chargers[0].(map[string]any)
	assert.Equal(t, "charger-1", charger["id"])
	assert.Equal(t, "Garage Wallbox", charger["name"])
	assert.Equal(t, "pluggedIn", charger["status"])
	assert.Equal(t, "car-1", charger["assignedCarId"])
	assert.Equal(t, "Model 3", charger["assignedCar"])
	assert.EqualValues(t, 1, charger["energyManagerMode"])

	reply = c.call(ActionListEntities, nil)
	assert.Len(t, reply["payload"].(map[string]any)["chargers"], 1)

	reply = c.call(ActionGetCars, nil)
	cars := reply["payload"].(map[string]any)["cars"].([]any)
	require.Len(t, cars, 1)
	assert.Equal(t, "Model 3", cars[0].(map[string]any)["name"])
	assert.EqualValues(t, 80, cars[0].(map[string]any)["batteryLevel"])
}

func TestGateway_WrongPasswordClosesConnection(t *testing.T) {
	tg := newTestGateway(t)
	c := tg.dial(t)

	reply := c.call(ActionAuthenticate, map[string]any{"username": "alice", "password": "wrong"})
	assert.Equal(t, string(CodeUnauthorized), reply["error"])
	assert.Equal(t, websocket.StatusPolicyViolation, c.expectClose())
}

func TestGateway_AuthenticateMissingCredentials(t *testing.T) {
	tg := newTestGateway(t)
	c := tg.dial(t)

	reply := c.call(ActionAuthenticate, map[string]any{})
	assert.Equal(t, string(CodeMissingToken), reply["error"])
	assert.Equal(t, websocket.StatusPolicyViolation, c.expectClose())
}

func TestGateway_AuthenticateWithToken(t *testing.T) {
	tg := newTestGateway(t)
	sess, err := tg.gw.Auth().Login("alice", "hunter2")
	require.NoError(t, err)

	c := tg.dial(t)
	reply := c.call(ActionAuthenticate, map[string]any{"token": sess.Token})
	require.Equal(t, true, reply["success"])
	assert.Equal(t, sess.Token, reply["payload"].(map[string]any)["token"])

	reply = c.call(ActionRefreshToken, nil)
	require.Equal(t, true, reply["success"])
	assert.Equal(t, sess.Token, reply["payload"].(map[string]any)["token"], "refresh keeps the token value")

	other := tg.dial(t)
	reply = other.call(ActionAuthenticate, map[string]any{"token": "bogus"})
	assert.Equal(t, string(CodeUnauthorized), reply["error"])
	assert.Equal(t, websocket.StatusPolicyViolation, other.expectClose())
}

func TestGateway_Ping(t *testing.T) {
	tg := newTestGateway(t)
	c := tg.dial(t)
	c.login()

	c.send(map[string]any{"action": ActionPing, "requestId": 9, "version": "1.1", "payload": map[string]any{"x": 1}})
	reply := c.reply()
	require.Equal(t, true, reply["success"])
	assert.EqualValues(t, 9, reply["requestId"])
	assert.Equal(t, "1.1", reply["version"])

	payload := reply["payload"].(map[string]any)
	assert.Equal(t, "ok", payload["status"])
	assert.Equal(t, map[string]any{"x": 1.0}, payload["echo"])
	ts, err := time.Parse(time.RFC3339Nano, payload["timestamp"].(string))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, 5*time.Second)

	reply = c.call(ActionPing, nil)
	assert.NotContains(t, reply["payload"], "echo")
}

func TestGateway_UnknownActionKeepsConnection(t *testing.T) {
	tg := newTestGateway(t)
	c := tg.dial(t)
	c.login()

	reply := c.call("DoesNotExist", nil)
	assert.Equal(t, string(CodeUnknownAction), reply["error"])

	reply = c.call(ActionGetEnabled, nil)
	assert.Equal(t, map[string]any{"enabled": true}, reply["payload"])
}

func TestGateway_DeviceNotifications(t *testing.T) {
	tg := newTestGateway(t)
	c := tg.dial(t)
	c.login()

	tg.things.push(t, backend.Signal{Kind: backend.SignalChanged, ID: "charger-1", Record: chargerRecord(7400)})
	ev := c.event(EventChargerChanged)
	assert.Equal(t, ProtocolVersion, ev["version"])
	assert.NotEmpty(t, ev["requestId"])
	payload := ev["payload"].(map[string]any)
	assert.Equal(t, "charger-1", payload["id"])
	assert.EqualValues(t, 7400, payload["currentPower"])
	assert.Equal(t, "charging", payload["status"])

	tg.things.push(t, backend.Signal{Kind: backend.SignalChanged, ID: "car-1", Record: carRecord("Daily Driver")})
	ev = c.event(EventCarChanged)
	assert.Equal(t, "Daily Driver", ev["payload"].(map[string]any)["name"])

	ev = c.event(EventChargerChanged)
	assert.Equal(t, "Daily Driver", ev["payload"].(map[string]any)["assignedCar"])

	tg.things.push(t, backend.Signal{Kind: backend.SignalRemoved, ID: "charger-1"})
	ev = c.event(EventChargerRemoved)
	assert.Equal(t, "charger-1", ev["payload"].(map[string]any)["id"])
}

func TestGateway_EnergyManagerNotification(t *testing.T) {
	tg := newTestGateway(t)
	c := tg.dial(t)
	c.login()

	tg.energy.push(t, backend.Signal{Kind: backend.SignalChanged, ID: "charger-1", Record: backend.Record{
		"evChargerId":   "charger-1",
		"assignedCarId": "car-1",
		"chargingMode":  2.0,
	}})

	ev := c.event(EventChargerChanged)
	assert.EqualValues(t, 2, ev["payload"].(map[string]any)["energyManagerMode"])
}

func TestGateway_ChargingSessions(t *testing.T) {
	tg := newTestGateway(t)
	c := tg.dial(t)
	c.login()

	c.send(map[string]any{
		"action":    ActionGetChargingSessions,
		"requestId": 7,
		"payload":   map[string]any{"carId": "car-1"},
	})
	reply := c.reply()
	require.Equal(t, true, reply["success"], "reply: %v", reply)
	assert.EqualValues(t, 7, reply["requestId"])
	sessions := reply["payload"].(map[string]any)["sessions"].([]any)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s-1", sessions[0].(map[string]any)["sessionId"])
	assert.Equal(t, []any{[]string{"car-1"}}, tg.sessions.lastFilters())

	reply = c.call(ActionGetChargingSessions, nil)
	require.Equal(t, true, reply["success"])
	assert.Equal(t, []any{[]string{"car-1"}}, tg.sessions.lastFilters(), "defaults to every known car")

	reply = c.call(ActionGetChargingSessions, map[string]any{"carId": 5})
	assert.Equal(t, string(CodeInvalidPayload), reply["error"])

	assert.Equal(t, 0, tg.gw.correlator.Len())
}

func TestGateway_ChargingSessionsTimeout(t *testing.T) {
	tg := newTestGateway(t, func(cfg *config.Config) {
		cfg.Requests.Timeout = 100 * time.Millisecond
	})
	tg.sessions.mu.Lock()
	tg.sessions.block = true
	tg.sessions.mu.Unlock()

	c := tg.dial(t)
	c.login()

	c.send(map[string]any{"action": ActionGetChargingSessions, "requestId": "slow"})
	reply := c.reply()
	assert.Equal(t, false, reply["success"])
	assert.Equal(t, "slow", reply["requestId"])
	assert.Equal(t, string(CodeBackendTimeout), reply["error"])

	// Exactly one reply per request.
	reply = c.call(ActionGetEnabled, nil)
	assert.Equal(t, true, reply["success"])
}

func TestGateway_UserManagement(t *testing.T) {
	tg := newTestGateway(t)
	admin := tg.dial(t)
	admin.login()
	watcher := tg.dial(t)
	watcher.login()

	reply := admin.call(ActionAddUser, map[string]any{"username": "bob", "password": "secret1"})
	require.Equal(t, true, reply["success"])
	ev := watcher.event(EventUserAdded)
	assert.Equal(t, map[string]any{"username": "bob"}, ev["payload"])

	reply = admin.call(ActionGetUsers, nil)
	assert.Equal(t, map[string]any{"usernames": []any{"alice", "bob"}}, reply["payload"])

	reply = admin.call(ActionAddUser, map[string]any{"username": "bob", "password": "secret1"})
	assert.Equal(t, string(CodeDuplicateUser), reply["error"])

	reply = admin.call(ActionAddUser, map[string]any{"username": "carol", "password": "ab"})
	assert.Equal(t, string(CodeBadPassword), reply["error"])

	reply = admin.call(ActionRemoveUser, map[string]any{"username": "nobody"})
	assert.Equal(t, string(CodeUserNotFound), reply["error"])

	reply = admin.call(ActionRemoveUser, map[string]any{"username": "bob"})
	require.Equal(t, true, reply["success"])
	ev = watcher.event(EventUserRemoved)
	assert.Equal(t, map[string]any{"username": "bob"}, ev["payload"])

	entries, err := tg.store.ListAuditLog(context.Background(), store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2, "rejected changes are not audited")
	assert.Equal(t, store.AuditRemoveUser, entries[0].Action)
	assert.Equal(t, store.AuditAddUser, entries[1].Action)
	for _, e := range entries {
		assert.Equal(t, "alice", e.Actor)
		assert.Equal(t, "bob", e.Target)
	}
}

func TestGateway_SetEnabled(t *testing.T) {
	tg := newTestGateway(t)
	admin := tg.dial(t)
	admin.login()
	watcher := tg.dial(t)
	watcher.login()

	reply := admin.call(ActionSetEnabled, map[string]any{"enabled": "yes"})
	assert.Equal(t, string(CodeInvalidPayload), reply["error"])

	reply = admin.call(ActionSetEnabled, map[string]any{"enabled": false})
	require.Equal(t, true, reply["success"])
	assert.Equal(t, map[string]any{"enabled": false}, reply["payload"])

	ev := watcher.event(EventEnabledChanged)
	assert.Equal(t, map[string]any{"enabled": false}, ev["payload"])
	assert.Equal(t, websocket.StatusGoingAway, watcher.expectClose())
	assert.Equal(t, websocket.StatusGoingAway, admin.expectClose())

	value, err := tg.store.GetSetting(context.Background(), store.SettingEnabled)
	require.NoError(t, err)
	assert.Equal(t, "false", value)

	action := store.AuditSetEnabled
	entries, err := tg.store.ListAuditLog(context.Background(), store.AuditFilter{Action: &action})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].Actor)
	assert.Equal(t, false, entries[0].Detail["enabled"])

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, tg.wsURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGateway_DisconnectPurgesPending(t *testing.T) {
	tg := newTestGateway(t)
	tg.sessions.mu.Lock()
	tg.sessions.block = true
	tg.sessions.mu.Unlock()

	c := tg.dial(t)
	c.login()
	c.send(map[string]any{"action": ActionGetChargingSessions})

	require.Eventually(t, func() bool { return tg.gw.correlator.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, c.ws.Close(websocket.StatusNormalClosure, ""))

	require.Eventually(t, func() bool {
		return tg.gw.correlator.Len() == 0 && tg.gw.registry.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_RepliesFollowBackendCompletionOrder(t *testing.T) {
	tg := newTestGateway(t)
	tg.sessions.mu.Lock()
	tg.sessions.records = append(tg.sessions.records, backend.Record{
		"sessionId": "s-2",
		"carId":     "car-2",
		"energy":    3.0,
	})
	tg.sessions.mu.Unlock()
	gates := tg.sessions.hold("car-1", "car-2")

	c := tg.dial(t)
	c.login()
	c.send(map[string]any{"action": ActionGetChargingSessions, "requestId": "A", "payload": map[string]any{"carId": "car-1"}})
	c.send(map[string]any{"action": ActionGetChargingSessions, "requestId": "B", "payload": map[string]any{"carId": "car-2"}})
	require.Eventually(t, func() bool { return tg.gw.correlator.Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	close(gates["car-2"])
	first := c.reply()
	assert.Equal(t, "B", first["requestId"])
	sessions := first["payload"].(map[string]any)["sessions"].([]any)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s-2", sessions[0].(map[string]any)["sessionId"])

	close(gates["car-1"])
	second := c.reply()
	assert.Equal(t, "A", second["requestId"])
	sessions = second["payload"].(map[string]any)["sessions"].([]any)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s-1", sessions[0].(map[string]any)["sessionId"])

	assert.Equal(t, 0, tg.gw.correlator.Len())
}

func TestGateway_LateReplyAfterDisconnectIsDiscarded(t *testing.T) {
	tg := newTestGateway(t)
	gates := tg.sessions.hold("car-1")

	gone := tg.dial(t)
	gone.login()
	gone.send(map[string]any{"action": ActionGetChargingSessions, "requestId": "A", "payload": map[string]any{"carId": "car-1"}})
	require.Eventually(t, func() bool { return tg.gw.correlator.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, gone.ws.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool {
		return tg.gw.correlator.Len() == 0 && tg.gw.registry.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	fresh := tg.dial(t)
	fresh.login()

	close(gates["car-1"])
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(tg.gw.metrics.droppedReplies) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The next reply belongs to this connection's own request.
	fresh.send(map[string]any{"action": ActionGetEnabled, "requestId": "mine"})
	reply := fresh.reply()
	assert.Equal(t, "mine", reply["requestId"])
	assert.Equal(t, map[string]any{"enabled": true}, reply["payload"])
	assert.Empty(t, fresh.pending)
	assert.Equal(t, 0, tg.gw.correlator.Len())
	assert.Equal(t, 0.0, testutil.ToFloat64(tg.gw.metrics.pending))
}

func TestGateway_BackendOutageMakesSessionsUnavailable(t *testing.T) {
	tg := newTestGateway(t)
	c := tg.dial(t)
	c.login()

	tg.sessions.push(t, backend.Signal{Kind: backend.SignalUnregistered})
	require.Eventually(t, func() bool { return !tg.gw.sessions.Available() }, 2*time.Second, 10*time.Millisecond)

	reply := c.call(ActionGetChargingSessions, nil)
	assert.Equal(t, string(CodeBackendUnavailable), reply["error"])

	tg.things.push(t, backend.Signal{Kind: backend.SignalUnregistered})
	c.event(EventChargerRemoved)
	c.event(EventCarRemoved)

	reply = c.call(ActionGetChargers, nil)
	assert.Equal(t, map[string]any{"chargers": []any{}}, reply["payload"])
}
