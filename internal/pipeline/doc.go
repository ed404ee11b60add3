// Package pipeline is the job controller. It claims runnable jobs under a
// lease, walks them through reserve, ingest, plan, segment processing,
// stitch and commit, and finalizes exactly one terminal outcome per job.
// Billing is settled before completion: a job is never Completed without a
// successful ledger commit.
package pipeline
