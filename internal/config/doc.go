// Package config handles configuration loading for loom-gateway.
//
// Configuration is loaded from a YAML file with environment variable
// expansion. Values can reference environment variables:
//
//	adapters:
//	  slack:
//	    bot_token: "${LOOM_SLACK_BOT_TOKEN}"
//
// Duration values use Go's time.ParseDuration syntax:
//
//	server:
//	  shutdown_timeout: "15s"
//	tasks:
//	  poll_interval: "1m"
//
// Load() expands variables, parses durations, and validates required
// fields, returning the first failure encountered.
package config
