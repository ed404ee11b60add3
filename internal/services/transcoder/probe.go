package transcoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"

	"recap/internal/services"
)

type ffprobeFormat struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		BitRate    string `json:"bit_rate"`
	} `json:"format"`
}

// Probe runs ffprobe and extracts duration and format metadata.
func (s *Subprocess) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.ffprobe,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, services.Wrap(
			services.ErrInvalidInput,
			"ingesting",
			"ffprobe",
			firstLine(stderr.String()),
			err,
		)
	}

	var payload ffprobeFormat
	if err := json.Unmarshal(stdout.Bytes(), &payload); err != nil {
		return nil, fmt.Errorf("decode ffprobe output: %w", err)
	}
	duration, err := strconv.ParseFloat(payload.Format.Duration, 64)
	if err != nil || duration <= 0 {
		return nil, services.Wrap(
			services.ErrInvalidInput,
			"ingesting",
			"ffprobe",
			"source has no readable duration",
			err,
		)
	}
	bitRate, _ := strconv.ParseInt(payload.Format.BitRate, 10, 64)
	return &ProbeResult{
		DurationSeconds: duration,
		FormatName:      payload.Format.FormatName,
		BitRate:         bitRate,
	}, nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
