// Package config handles configuration loading for evdash-gateway.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Files ending in .toml are decoded as TOML, anything else as YAML.
// Missing values receive defaults before validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from EVDASH_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/evdash/gateway.yaml
//  3. ~/.config/evdash/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  token_secret: "${EVDASH_TOKEN_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	auth:
//	  token_lifetime: "1h"
//	requests:
//	  timeout: "30s"
//
// # Configuration Sections
//
//	server:
//	  http_addr: ":4449"          # WebSocket + HTTP API
//	  grpc_addr: ""               # optional gRPC health service
//	  ws_path: "/evdash/ws"
//	  allowed_origins: []
//
//	database:
//	  path: "~/.local/share/evdash/evdash.db"
//
//	auth:
//	  token_secret: ""            # random per process when empty
//	  token_lifetime: "1h"
//	  min_password_length: 8
//
//	backends:
//	  bus: "system"               # or "session"
//	  things: {...}
//	  energy_manager: {...}
//	  charging_sessions: {...}
//
//	requests:
//	  timeout: "30s"              # pending backend request expiry
//
//	logging:
//	  level: "info"
//	  format: "text"
//
//	metrics:
//	  enabled: false
//	  path: "/metrics"
//
// Each backend entry names the D-Bus service, object path, interface, the bulk
// query method, the added/removed/changed signals and the key field used to
// index mirrored records.
package config
