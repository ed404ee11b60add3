// Package ledger tracks per-owner processing quotas in SQLite.
//
// Each owner has a monthly subscription allowance plus purchased top-up
// credits consumed oldest-first. Jobs hold a reservation while running and
// bill actual minutes at commit time. The UNIQUE(job_id, billing_period)
// constraint on usage records is the exactly-once anchor: a commit retry
// that finds the record already present deducts nothing.
package ledger
