// ABOUTME: Dashboard action handlers for authentication, entity listing, sessions and admin actions
// ABOUTME: Charging session queries are parked in the correlator and answered asynchronously

package gateway

import (
	"context"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/2389/evdash-gateway/internal/auth"
	"github.com/2389/evdash-gateway/internal/backend"
	"github.com/2389/evdash-gateway/internal/store"
)

// Action names. Matching is case-insensitive.
const (
	ActionAuthenticate        = "authenticate"
	ActionRefreshToken        = "refreshToken"
	ActionPing                = "ping"
	ActionListEntities        = "listEntities"
	ActionGetChargers         = "GetChargers"
	ActionGetCars             = "GetCars"
	ActionGetChargingSessions = "GetChargingSessions"
	ActionGetEnabled          = "GetEnabled"
	ActionSetEnabled          = "SetEnabled"
	ActionGetUsers            = "GetUsers"
	ActionAddUser             = "AddUser"
	ActionRemoveUser          = "RemoveUser"
)

func (g *Gateway) registerActions() {
	g.router.HandlePublic(ActionAuthenticate, g.handleAuthenticate)
	g.router.Handle(ActionRefreshToken, g.handleRefreshToken)
	g.router.Handle(ActionPing, g.handlePing)
	g.router.Handle(ActionListEntities, g.handleGetChargers)
	g.router.Handle(ActionGetChargers, g.handleGetChargers)
	g.router.Handle(ActionGetCars, g.handleGetCars)
	g.router.Handle(ActionGetChargingSessions, g.handleGetChargingSessions)
	g.router.Handle(ActionGetEnabled, g.handleGetEnabled)
	g.router.Handle(ActionSetEnabled, g.handleSetEnabled)
	g.router.Handle(ActionGetUsers, g.handleGetUsers)
	g.router.Handle(ActionAddUser, g.handleAddUser)
	g.router.Handle(ActionRemoveUser, g.handleRemoveUser)
}

// sessionPayload is the reply body of a successful authentication or refresh.
func sessionPayload(sess auth.Session) map[string]any {
	return map[string]any{
		"username":  sess.Username,
		"token":     sess.Token,
		"expiresAt": formatTimestamp(sess.ExpiresAt),
	}
}

// stringField returns payload[key] if it is a non-empty string.
func stringField(payload gjson.Result, key string) (string, bool) {
	v := payload.Get(key)
	if v.Type != gjson.String || v.Str == "" {
		return "", false
	}
	return v.Str, true
}

// handleAuthenticate binds a token to the connection, either an existing
// token or one issued from username and password.
func (g *Gateway) handleAuthenticate(_ context.Context, req *Request) Result {
	if token, ok := stringField(req.Payload, "token"); ok {
		sess, valid := g.auth.Lookup(token)
		if !valid {
			return Fail(CodeUnauthorized)
		}
		req.Conn.SetToken(sess.Token)
		g.logger.Info("connection authenticated", "conn_id", req.Conn.ID(), "username", sess.Username, "method", "token")
		return OK(sessionPayload(sess))
	}

	username, hasUser := stringField(req.Payload, "username")
	password := req.Payload.Get("password")
	if !hasUser || password.Type != gjson.String {
		return Fail(CodeMissingToken)
	}

	sess, err := g.auth.Login(username, password.Str)
	if err != nil {
		return FailErr(err)
	}
	req.Conn.SetToken(sess.Token)
	g.logger.Info("connection authenticated", "conn_id", req.Conn.ID(), "username", sess.Username, "method", "password")
	return OK(sessionPayload(sess))
}

func (g *Gateway) handleRefreshToken(_ context.Context, req *Request) Result {
	token, ok := stringField(req.Payload, "token")
	if !ok {
		token = req.Conn.Token()
	}
	sess, err := g.auth.Refresh(token)
	if err != nil {
		return FailErr(err)
	}
	return OK(sessionPayload(sess))
}

func (g *Gateway) handlePing(_ context.Context, req *Request) Result {
	payload := map[string]any{
		"status":    "ok",
		"timestamp": formatTimestamp(time.Now()),
	}
	if req.Payload.IsObject() && len(req.Payload.Map()) > 0 {
		payload["echo"] = req.Payload.Value()
	}
	return OK(payload)
}

func (g *Gateway) handleGetChargers(_ context.Context, _ *Request) Result {
	return OK(map[string]any{"chargers": g.entities.Chargers()})
}

func (g *Gateway) handleGetCars(_ context.Context, _ *Request) Result {
	return OK(map[string]any{"cars": g.entities.Cars()})
}

// sessionCarIDs reads carId or carIds from the payload, defaulting to every
// known car.
func (g *Gateway) sessionCarIDs(payload gjson.Result) ([]string, bool) {
	if v := payload.Get("carId"); v.Exists() {
		if v.Type != gjson.String {
			return nil, false
		}
		return []string{v.Str}, true
	}
	if v := payload.Get("carIds"); v.Exists() {
		if !v.IsArray() {
			return nil, false
		}
		ids := []string{}
		for _, item := range v.Array() {
			if item.Type != gjson.String {
				return nil, false
			}
			ids = append(ids, item.Str)
		}
		return ids, true
	}
	ids := g.entities.CarIDs()
	if ids == nil {
		ids = []string{}
	}
	return ids, true
}

func (g *Gateway) handleGetChargingSessions(_ context.Context, req *Request) Result {
	carIDs, ok := g.sessionCarIDs(req.Payload)
	if !ok {
		return Fail(CodeInvalidPayload)
	}
	if !g.sessions.Available() {
		return Fail(CodeBackendUnavailable)
	}

	id := g.correlator.Park(req.Conn.ID(), req.RequestID, req.Version, ActionGetChargingSessions)
	g.metrics.pending.Inc()

	g.logger.Debug("charging sessions query parked",
		"conn_id", req.Conn.ID(),
		"correlation_id", id,
		"cars", len(carIDs),
	)
	g.sessions.QueryAsync(g.runCtx, id, g.onSessionsReply, carIDs)
	return Deferred()
}

// onSessionsReply delivers a charging sessions result to the connection that
// asked for it, if it is still connected and the request has not timed out.
func (g *Gateway) onSessionsReply(reply backend.Reply) {
	p, ok := g.correlator.Resolve(reply.CorrelationID)
	if !ok {
		g.metrics.droppedReplies.Inc()
		g.logger.Debug("discarding late backend reply", "correlation_id", reply.CorrelationID)
		return
	}
	g.metrics.pending.Dec()

	conn, live := g.registry.Get(p.ConnID)
	if !live {
		g.metrics.droppedReplies.Inc()
		return
	}

	var res Result
	if reply.Err != nil {
		g.logger.Warn("charging sessions query failed", "conn_id", p.ConnID, "error", reply.Err)
		res = FailErr(reply.Err)
	} else {
		sessions := reply.Records
		if sessions == nil {
			sessions = []backend.Record{}
		}
		res = OK(map[string]any{"sessions": sessions})
	}
	g.metrics.request(p.Action, res.code)
	sendResult(conn, p.RequestID, p.Version, res, g.logger)
}

// onRequestTimeout answers a pending request the backend never replied to.
func (g *Gateway) onRequestTimeout(p *Pending) {
	g.metrics.pending.Dec()
	g.metrics.timeouts.Inc()

	conn, live := g.registry.Get(p.ConnID)
	if !live {
		return
	}
	g.metrics.request(p.Action, CodeBackendTimeout)
	sendResult(conn, p.RequestID, p.Version, Fail(CodeBackendTimeout), g.logger)
}

func (g *Gateway) handleGetEnabled(_ context.Context, _ *Request) Result {
	return OK(map[string]any{"enabled": g.Enabled()})
}

// handleSetEnabled persists the flag, answers the caller, notifies every
// client and, when disabling, closes all connections after the notification.
func (g *Gateway) handleSetEnabled(ctx context.Context, req *Request) Result {
	v := req.Payload.Get("enabled")
	if v.Type != gjson.True && v.Type != gjson.False {
		return Fail(CodeInvalidPayload)
	}
	enabled := v.Bool()

	if err := g.store.SetSetting(ctx, store.SettingEnabled, strconv.FormatBool(enabled)); err != nil {
		g.logger.Error("persisting enabled setting", "error", err)
		return Fail(CodeInternalError)
	}
	changed := g.enabled.Swap(enabled) != enabled
	g.logger.Info("gateway enabled setting updated", "enabled", enabled, "changed", changed)
	g.audit(ctx, req, store.AuditSetEnabled, store.SettingEnabled, map[string]any{"enabled": enabled})

	res := OK(map[string]any{"enabled": enabled})
	g.metrics.request(ActionSetEnabled, res.code)
	sendResult(req.Conn, req.RequestID, req.Version, res, g.logger)

	g.fanout.Broadcast(EventEnabledChanged, map[string]any{"enabled": enabled})

	if !enabled {
		for _, c := range g.registry.Snapshot() {
			c.CloseAfterFlush(websocket.StatusGoingAway, "disabled")
		}
	}
	return Deferred()
}

func (g *Gateway) handleGetUsers(_ context.Context, _ *Request) Result {
	return OK(map[string]any{"usernames": g.auth.Usernames()})
}

func (g *Gateway) handleAddUser(ctx context.Context, req *Request) Result {
	username := req.Payload.Get("username")
	password := req.Payload.Get("password")
	if username.Type != gjson.String || password.Type != gjson.String {
		return Fail(CodeInvalidPayload)
	}
	if err := g.auth.AddUser(ctx, username.Str, password.Str); err != nil {
		return FailErr(err)
	}
	g.audit(ctx, req, store.AuditAddUser, username.Str, nil)
	g.fanout.Broadcast(EventUserAdded, map[string]any{"username": username.Str})
	return OK(map[string]any{"username": username.Str})
}

func (g *Gateway) handleRemoveUser(ctx context.Context, req *Request) Result {
	username := req.Payload.Get("username")
	if username.Type != gjson.String {
		return Fail(CodeInvalidPayload)
	}
	if err := g.auth.RemoveUser(ctx, username.Str); err != nil {
		return FailErr(err)
	}
	g.audit(ctx, req, store.AuditRemoveUser, username.Str, nil)
	g.fanout.Broadcast(EventUserRemoved, map[string]any{"username": username.Str})
	return OK(map[string]any{"username": username.Str})
}

// audit records an administrative change made by the requesting session.
// Failures are logged; the change itself has already been applied.
func (g *Gateway) audit(ctx context.Context, req *Request, action store.AuditAction, target string, detail map[string]any) {
	actor := ""
	if sess, ok := g.auth.Lookup(req.Conn.Token()); ok {
		actor = sess.Username
	}
	entry := &store.AuditEntry{
		Actor:  actor,
		Action: action,
		Target: target,
		Detail: detail,
	}
	if err := g.store.AppendAuditLog(ctx, entry); err != nil {
		g.logger.Warn("failed to append audit log", "action", action, "target", target, "error", err)
	}
}
