// ABOUTME: Request router parsing inbound frames, gating on authentication and dispatching actions
// ABOUTME: Handlers return typed results; deferred results are answered later by the correlator

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

// Request is one parsed inbound message.
type Request struct {
	Conn      *Connection
	Version   string
	RequestID json.RawMessage
	Action    string
	Payload   gjson.Result
}

type resultKind int

const (
	resultOK resultKind = iota
	resultError
	resultDeferred
)

// Result is what a handler produces for one request.
type Result struct {
	kind    resultKind
	payload any
	code    ErrorCode
}

// OK replies with success and payload.
func OK(payload any) Result {
	return Result{kind: resultOK, payload: payload}
}

// Fail replies with an error code. Auth codes also close the connection.
func Fail(code ErrorCode) Result {
	return Result{kind: resultError, code: code}
}

// FailErr replies with the code mapped from err.
func FailErr(err error) Result {
	return Fail(codeForError(err))
}

// Deferred means the reply will be sent later.
func Deferred() Result {
	return Result{kind: resultDeferred}
}

// HandlerFunc handles one action.
type HandlerFunc func(ctx context.Context, req *Request) Result

type route struct {
	action string
	public bool
	fn     HandlerFunc
}

// Router dispatches requests by case-insensitive action name.
type Router struct {
	routes  map[string]route
	tokens  TokenValidator
	metrics *Metrics
	logger  *slog.Logger
}

// NewRouter creates a router that validates tokens with tokens.
func NewRouter(tokens TokenValidator, metrics *Metrics, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		routes:  make(map[string]route),
		tokens:  tokens,
		metrics: metrics,
		logger:  logger,
	}
}

// Handle registers fn for an action that requires an authenticated connection.
func (r *Router) Handle(action string, fn HandlerFunc) {
	r.routes[strings.ToLower(action)] = route{action: action, fn: fn}
}

// HandlePublic registers fn for an action that skips the auth gate.
func (r *Router) HandlePublic(action string, fn HandlerFunc) {
	r.routes[strings.ToLower(action)] = route{action: action, public: true, fn: fn}
}

// Dispatch processes one inbound frame from conn.
func (r *Router) Dispatch(ctx context.Context, conn *Connection, data []byte) {
	if !gjson.ValidBytes(data) {
		r.reply(conn, nil, ProtocolVersion, "", Fail(CodeInvalidJSON))
		return
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		r.reply(conn, nil, ProtocolVersion, "", Fail(CodeInvalidJSON))
		return
	}

	req := &Request{
		Conn:    conn,
		Version: ProtocolVersion,
		Payload: root.Get("payload"),
	}
	if v := root.Get("version"); v.Type == gjson.String && v.Str != "" {
		req.Version = v.Str
	}
	if id := root.Get("requestId"); id.Exists() {
		req.RequestID = json.RawMessage(id.Raw)
	}

	action := root.Get("action")
	if action.Type != gjson.String || strings.TrimSpace(action.Str) == "" {
		r.reply(conn, req.RequestID, req.Version, "", Fail(CodeMissingAction))
		return
	}
	req.Action = action.Str

	if req.Payload.Exists() && req.Payload.Type != gjson.Null && !req.Payload.IsObject() {
		r.reply(conn, req.RequestID, req.Version, req.Action, Fail(CodeInvalidPayload))
		return
	}

	rt, known := r.routes[strings.ToLower(req.Action)]

	// Only the public actions may run on a connection without a valid token.
	if !known || !rt.public {
		token := conn.Token()
		if token == "" || !r.tokens.Validate(token) {
			r.logger.Info("rejecting unauthenticated request", "conn_id", conn.ID(), "action", req.Action)
			r.reply(conn, req.RequestID, req.Version, req.Action, Fail(CodeUnauthenticated))
			return
		}
	}

	if !known {
		r.reply(conn, req.RequestID, req.Version, req.Action, Fail(CodeUnknownAction))
		return
	}

	res := rt.fn(ctx, req)
	if res.kind == resultDeferred {
		return
	}
	r.reply(conn, req.RequestID, req.Version, rt.action, res)
}

// reply encodes and queues the reply for res, closing the connection for auth failures.
func (r *Router) reply(conn *Connection, requestID json.RawMessage, version, action string, res Result) {
	if r.metrics != nil {
		label := action
		if label == "" {
			label = "none"
		}
		if _, known := r.routes[strings.ToLower(action)]; !known && action != "" {
			label = "unknown"
		}
		r.metrics.request(label, res.code)
	}
	sendResult(conn, requestID, version, res, r.logger)
}

// sendResult queues a reply for res on conn.
func sendResult(conn *Connection, requestID json.RawMessage, version string, res Result, logger *slog.Logger) {
	msg := Reply{Version: version, RequestID: requestID}
	if res.kind == resultError {
		msg.Error = res.code
	} else {
		msg.Success = true
		msg.Payload = res.payload
		if msg.Payload == nil {
			msg.Payload = map[string]any{}
		}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("encoding reply", "conn_id", conn.ID(), "error", err)
		data, _ = json.Marshal(Reply{Version: version, RequestID: requestID, Error: CodeInternalError})
		res = Fail(CodeInternalError)
	}

	conn.Send(data)
	if res.kind == resultError && closesConnection(res.code) {
		conn.CloseAfterFlush(websocket.StatusPolicyViolation, string(res.code))
	}
}
