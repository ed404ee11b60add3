// Package logging builds the daemon's slog loggers and carries the
// standardized attribute vocabulary used across components. Context-derived
// fields (job, owner, stage, correlation id) flow through WithContext so
// every component logs the same identifiers without re-plumbing them.
package logging
