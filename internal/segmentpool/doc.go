// Package segmentpool runs the per-segment describe, synthesize, align
// pipeline with bounded parallelism. Completed work is cached by segment
// fingerprint so crash recovery never repeats a paid provider call.
package segmentpool
