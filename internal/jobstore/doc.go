// Package jobstore persists jobs and their segments in SQLite.
//
// Jobs move through the pipeline stages under a lease held by exactly one
// controller instance; leases that expire make the job claimable again for
// crash recovery. Mutations use optimistic concurrency on a revision column,
// progress and counters only move forward, and terminal rows are immutable.
// The fingerprint-keyed segment_results table lets a recovered job reuse
// narration and audio produced before a crash.
package jobstore
