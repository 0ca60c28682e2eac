// Package config loads, normalizes, and validates the TOML configuration
// shared by the framewise daemon and CLI.
package config
