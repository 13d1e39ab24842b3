// Package config handles configuration loading for wa-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML (or TOML) file with environment variable
// expansion. A .env file in the working directory is loaded first, so
// ${VAR} references can be satisfied without exporting anything.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from WAGW_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/wa-gateway/gateway.yaml
//  3. ~/.config/wa-gateway/gateway.yaml
//
// # Configuration Sections
//
// Server and database:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	database:
//	  driver: "sqlite"          # sqlite (pure Go) or sqlite3 (cgo)
//	  path: "/var/lib/wa-gateway/gateway.db"
//
// Ambient gateway credentials. When both are set they win over any
// per-tenant record:
//
//	gateway:
//	  base_url: "${WAHA_BASE_URL}"
//	  api_key: "${WAHA_API_KEY}"
//	  timeout: "15s"
//
// Inbound webhooks. Without callback_base_url the registrar refuses to run:
//
//	webhook:
//	  callback_base_url: "https://gw.example.com"
//	  path: "/webhooks/waha"
//	  tenant_header: "X-Tenant-ID"
//	  sweep_schedule: "@every 15m"
//
// Session naming and lifecycle timing:
//
//	session:
//	  namespace: "ws_"
//	  prefix_length: 12
//	  settle_delay: "2s"
//	  create_delay: "1.5s"
//	  poll_interval: "2s"
//	  max_poll_attempts: 15
//	  emergency_scan_limit: 100
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates server and database settings, URL schemes, that the
// ambient pair is either complete or absent, duration syntax and the JWT
// secret length.
package config
