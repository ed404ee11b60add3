// Package daemon ties the pipeline controller, job store, quota ledger, and
// HTTP API into a single-instance background process guarded by a lock file.
package daemon
