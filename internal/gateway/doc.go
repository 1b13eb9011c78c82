// Package gateway serves the EV charging dashboard over WebSocket.
//
// # Overview
//
// The Gateway struct owns every runtime component: the credential and token
// service, three backend clients mirroring D-Bus services, the connection
// registry, the request router, the pending-request correlator and the
// notification fanout. New wires them together and Run serves until the
// context is cancelled.
//
// # Messages
//
// Clients send JSON objects of the form
//
//	{"version":"1.0","requestId":1,"action":"GetChargers","payload":{}}
//
// and receive exactly one reply per request carrying the same requestId and
// version. Notifications carry an "event" field and a fresh requestId. Action
// names are matched case-insensitively.
//
// # Authentication
//
// A connection starts unauthenticated. Only the authenticate action is
// accepted until it succeeds; any other request is answered with
// "unauthenticated" and the connection is closed. Token validity is checked
// again on every request, so expired or revoked tokens fail at the next
// message.
//
// # Asynchronous requests
//
// GetChargingSessions is forwarded to the charging sessions backend. The
// request is parked in the Correlator under a fresh correlation id and is
// answered when the backend replies, when the request timeout fires, or never
// if the connection has gone away in the meantime.
//
// # HTTP endpoints
//
//   - POST /evdash/api/login and /evdash/api/refresh issue and extend tokens
//   - GET /evdash/api/session describes the session of a bearer token
//   - GET /health and /health/ready report liveness and backend readiness
//   - the configured metrics path exposes Prometheus metrics
//
// When a gRPC address is configured, the standard gRPC health service reports
// each backend by name and the overall state under the empty service name.
package gateway
