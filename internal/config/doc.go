// Package config handles configuration loading for coach-engine.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion. The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	credentials:
//	  env_var: "ANTHROPIC_API_KEY"
//	database:
//	  path: "${COACH_DB_PATH}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	provider:
//	  timeout: "60s"
//	credentials:
//	  ttl: "1h"
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//
// Database:
//
//	database:
//	  path: "/var/lib/coach/engine.db"
//
// Provider:
//
//	provider:
//	  model: "claude-sonnet-4-20250514"
//	  max_tokens: 1024
//	  timeout: "60s"
//
// Credentials (where the provider API key comes from):
//
//	credentials:
//	  source: "store"               # "env" or "store"
//	  secret_key: "anthropic_api_key"
//	  ttl: "1h"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
