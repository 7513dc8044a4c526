// Package config handles configuration loading for coven-relay.
//
// # Configuration File
//
// The CLI looks for its file in this order:
//
//  1. Path from the COVEN_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/relay.yaml
//  3. ~/.config/coven/relay.yaml
//
// Files ending in .toml are read as TOML; everything else as YAML. Both use
// the same keys.
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${COVEN_RELAY_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Durations use time.ParseDuration syntax and must be positive:
//
//	connection:
//	  auth_timeout: "5s"
//	  ping_interval: "10s"
//	  ping_timeout: "5s"
//	  rpc_timeout: "30s"
//	  backoff_base: "1s"
//	  backoff_max: "10s"
//	  backoff_jitter: "250ms"
//
// # Sections
//
//	server:
//	  http_addr: "127.0.0.1:7420"
//	  send_queue: 256
//	database:
//	  path: "~/.local/share/coven/relay.db"
//	client:
//	  url: "ws://127.0.0.1:7420/ws"
//	  mode: "direct"          # direct, bridge
//	  token_env: "COVEN_RELAY_TOKEN"
//	bridge:
//	  listen_addr: "127.0.0.1:7421"
//	  upstream_url: "wss://agent.example.net/ws"
//	  jwt_secret: "${COVEN_BRIDGE_JWT_SECRET}"
//	replay:
//	  page_size: 200
//	logging:
//	  level: "info"           # debug, info, warn, error
//	  format: "text"          # text, json
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// Load validates the shared fields. ValidateServer and ValidateBridge add
// the checks specific to those commands, such as the 32 byte secret minimum.
package config
