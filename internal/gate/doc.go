// Package gate paces outbound calls to external providers. Each provider
// gets a token-bucket rate limit, an in-flight cap, a per-attempt timeout,
// and full-jitter retries on transient failures. Permanent failures are
// never retried.
package gate
