// Package transcoder wraps ffmpeg and ffprobe subprocesses behind a small
// client interface: probing source metadata and rendering the final recap
// from an assembly plan.
package transcoder
