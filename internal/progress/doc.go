// Package progress is the in-process fan-out of job progress events. The
// job store remains the source of truth; the bus only accelerates delivery,
// so slow subscribers are dropped rather than ever back-pressuring the
// pipeline.
package progress
