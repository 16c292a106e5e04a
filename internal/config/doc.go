// Package config handles configuration loading for switchboard.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	frontends:
//	  matrix:
//	    access_token: "${MATRIX_ACCESS_TOKEN}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	correlation:
//	  expiry: "720h"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
// Database:
//
//	database:
//	  path: "/var/lib/switchboard/switchboard.db"
//
// Agents:
//
//	agents:
//	  ids: ["helper", "researcher"]
//
// Frontends:
//
//	frontends:
//	  webui:
//	    enabled: true
//	  console:
//	    enabled: false
//	    agent_id: "helper"
//	  queue:
//	    enabled: true
//	    url: "${AMQP_URL}"
//	    consume_queue: "switchboard.inbound"
//	    publish_queue: "switchboard.outbound"
//	    dead_letter_queue: "switchboard.dead-letter"
//	  matrix:
//	    enabled: false
//	    homeserver: "https://matrix.example.org"
//	    user_id: "@switchboard:example.org"
//	    access_token: "${MATRIX_ACCESS_TOKEN}"
//	    agent_id: "helper"
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "switchboard"
//	  auth_key: "${TS_AUTHKEY}"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - Listener configuration (http_addr or tailscale)
//   - Database path presence
//   - Agent id uniqueness
//   - Per-frontend required fields when enabled
//   - Duration format validity
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/switchboard/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
