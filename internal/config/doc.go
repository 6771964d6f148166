// Package config handles configuration loading for loom-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion. The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from LOOM_CONFIG environment variable
//  2. ~/.config/loom/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${LOOM_JWT_SECRET}"
//
// Syntax: ${VAR_NAME} or $VAR_NAME
//
// # Duration Parsing
//
// Broadcast timings are written as Go duration strings and parsed after
// load:
//
//	broadcast:
//	  tick_interval: "30s"
//	  handshake_timeout: "10s"
//	  approval_timeout: "60s"
//	  pair_ttl: "5m"
//
// Unset values fall back to the protocol defaults.
//
// # Validation
//
// Load rejects configs that have no listen address and no Tailscale
// hostname, no database path, or no usable auth method (jwt_secret,
// password_hash, token, or allow_loopback).
package config
