// Package billing delivers job outcome notices to an external billing sink.
// Notices are JSON documents signed with HMAC-SHA256 so the receiver can
// verify their origin. Delivery is best effort with a short retry; the
// authoritative record is always the quota ledger, not the sink.
package billing
