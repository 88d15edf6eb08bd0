// Package config handles configuration loading for tablegate.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. The format is chosen from the file extension: ".toml" is decoded
// as TOML, anything else as YAML.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from TABLEGATE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/tablegate/config.yaml
//  3. ~/.config/tablegate/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${TABLEGATE_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "localhost:8787"
//	  base_url: "https://tables.example.com"
//
//	database:
//	  driver: "sqlite"              # sqlite (pure Go) or sqlite3 (cgo)
//	  dsn: "/var/lib/tablegate/data.db"
//	  max_open_conns: 4
//	  connect_timeout: "5s"
//
//	store:
//	  path: "/var/lib/tablegate/gateway.db"
//
//	oauth:
//	  provider: "github"
//	  client_id: "${GITHUB_CLIENT_ID}"
//	  client_secret: "${GITHUB_CLIENT_SECRET}"
//
//	auth:
//	  jwt_secret: "${TABLEGATE_JWT_SECRET}"
//	  token_ttl: "24h"
//
//	access:
//	  allowed_logins: ["alice", "bob"]
//	  privileged_logins: ["alice"]
//
//	sessions:
//	  idle_timeout: "10m"
//	  sweep_interval: "30s"
//
// # Validation
//
// Load validates required fields, the database driver, the JWT secret length
// and that the session sweep interval does not exceed the idle timeout.
package config
