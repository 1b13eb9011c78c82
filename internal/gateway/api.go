// ABOUTME: HTTP API handlers for token login and refresh plus health endpoints
// ABOUTME: Provides /evdash/api/login, /refresh and /session for dashboard bootstrapping

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/2389/evdash-gateway/internal/auth"
)

// maxAPIBodyBytes bounds login and refresh request bodies.
const maxAPIBodyBytes = 64 << 10

// LoginRequest is the JSON request body for POST /evdash/api/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RefreshRequest is the JSON request body for POST /evdash/api/refresh.
type RefreshRequest struct {
	Token string `json:"token"`
}

// TokenResponse is returned by login and refresh.
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
	Username  string `json:"username"`
}

func tokenResponse(sess auth.Session) TokenResponse {
	return TokenResponse{
		Token:     sess.Token,
		ExpiresAt: formatTimestamp(sess.ExpiresAt),
		Username:  sess.Username,
	}
}

// parseLoginRequest parses and validates a LoginRequest from the given reader.
func parseLoginRequest(r io.Reader) (*LoginRequest, error) {
	var req LoginRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.Username == "" {
		return nil, errors.New("username is required")
	}
	return &req, nil
}

// handleLogin exchanges username and password for a token.
func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	req, err := parseLoginRequest(http.MaxBytesReader(w, r.Body, maxAPIBodyBytes))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, string(CodeInvalidPayload))
		return
	}

	sess, err := g.auth.Login(req.Username, req.Password)
	if err != nil {
		g.logger.Info("http login rejected", "username", req.Username, "remote", r.RemoteAddr)
		g.sendJSONError(w, http.StatusUnauthorized, string(CodeUnauthorized))
		return
	}

	g.writeJSON(w, http.StatusOK, tokenResponse(sess))
}

// handleRefresh extends a token given in the body or as a bearer token.
func (g *Gateway) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	token := auth.BearerToken(r)
	if token == "" {
		var req RefreshRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAPIBodyBytes)).Decode(&req); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, string(CodeInvalidPayload))
			return
		}
		token = req.Token
	}
	if token == "" {
		g.sendJSONError(w, http.StatusBadRequest, string(CodeMissingToken))
		return
	}

	sess, err := g.auth.Refresh(token)
	if err != nil {
		g.sendJSONError(w, http.StatusUnauthorized, string(CodeUnauthorized))
		return
	}

	g.writeJSON(w, http.StatusOK, tokenResponse(sess))
}

// handleSession describes the session of the bearer token.
// Must be wrapped by auth.HTTPAuthMiddleware.
func (g *Gateway) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sess, ok := auth.FromContext(r.Context())
	if !ok {
		g.sendJSONError(w, http.StatusUnauthorized, string(CodeUnauthorized))
		return
	}
	g.writeJSON(w, http.StatusOK, tokenResponse(sess))
}

// handleHealth returns 200 OK if the server is running.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 once every backend is available, 503 otherwise.
func (g *Gateway) handleReady(w http.ResponseWriter, _ *http.Request) {
	var down []string
	for _, c := range g.backends() {
		if !c.Available() {
			down = append(down, c.Name())
		}
	}

	if len(down) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "waiting for backends: %s", strings.Join(down, ", "))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d clients)", g.registry.Len())
}

// writeJSON writes v as a JSON response.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
