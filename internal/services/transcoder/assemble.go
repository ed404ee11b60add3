package transcoder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"recap/internal/services"
)

// Assemble renders the plan with a single ffmpeg invocation: each entry's
// source interval is trimmed, retimed by its speed factor, overlaid with the
// narration audio, and the spans are concatenated in plan order. Progress is
// parsed from ffmpeg's machine-readable -progress stream.
func (s *Subprocess) Assemble(ctx context.Context, sourcePath string, plan []AssemblyEntry, outputPath string, progress ProgressFunc) (float64, error) {
	if len(plan) == 0 {
		return 0, errors.New("assembly plan is empty")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	args, expectedSeconds := s.buildArgs(sourcePath, plan, outputPath)
	cmd := exec.CommandContext(ctx, s.ffmpeg, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("attach ffmpeg stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return 0, services.Wrap(services.ErrStitcherFailed, "stitching", "ffmpeg start", "", err)
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok || key != "out_time_us" {
			continue
		}
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil || progress == nil || expectedSeconds <= 0 {
			continue
		}
		fraction := float64(us) / 1e6 / expectedSeconds
		if fraction > 1 {
			fraction = 1
		}
		progress(fraction)
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return 0, services.Wrap(services.ErrCancelled, "stitching", "ffmpeg", "", ctx.Err())
		}
		return 0, services.Wrap(
			services.ErrStitcherFailed,
			"stitching",
			"ffmpeg",
			firstLine(stderr.String()),
			err,
		)
	}

	// ffmpeg exit 0 with a written file; the authoritative duration comes
	// from probing the result.
	probed, err := s.Probe(ctx, outputPath)
	if err != nil {
		return 0, services.Wrap(services.ErrStitcherFailed, "stitching", "probe output", "", err)
	}
	return probed.DurationSeconds, nil
}

// buildArgs constructs the filter graph. Video spans use setpts to apply the
// speed factor; narration audio replaces source audio per span.
func (s *Subprocess) buildArgs(sourcePath string, plan []AssemblyEntry, outputPath string) ([]string, float64) {
	args := []string{"-y", "-nostdin", "-i", sourcePath}
	for _, entry := range plan {
		args = append(args, "-i", entry.AudioPath)
	}

	var filter strings.Builder
	var expectedSeconds float64
	for i, entry := range plan {
		speed := entry.SpeedFactor
		if speed <= 0 {
			speed = 1
		}
		spanSeconds := (entry.EndSeconds - entry.StartSeconds) * speed
		expectedSeconds += spanSeconds
		fmt.Fprintf(&filter,
			"[0:v]trim=start=%.3f:end=%.3f,setpts=(PTS-STARTPTS)*%.4f[v%d];",
			entry.StartSeconds, entry.EndSeconds, speed, i)
		fmt.Fprintf(&filter, "[%d:a]asetpts=PTS-STARTPTS[a%d];", i+1, i)
	}
	for i := range plan {
		fmt.Fprintf(&filter, "[v%d][a%d]", i, i)
	}
	fmt.Fprintf(&filter, "concat=n=%d:v=1:a=1[outv][outa]", len(plan))

	args = append(args,
		"-filter_complex", filter.String(),
		"-map", "[outv]",
		"-map", "[outa]",
		"-progress", "pipe:1",
		outputPath,
	)
	return args, expectedSeconds
}
