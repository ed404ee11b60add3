// Package api exposes the daemon's HTTP surface: job admission and
// inspection, cancellation, websocket progress streams, quota summaries,
// presigned blob downloads, and Prometheus metrics.
package api
