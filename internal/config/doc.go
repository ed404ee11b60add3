// Package config loads, normalizes, and validates recapd's TOML
// configuration. Configuration is read once at startup; there is no hot
// reload.
package config
