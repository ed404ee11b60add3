package transcoder

import (
	"strings"
	"testing"

	"recap/internal/config"
)

func TestBuildArgsShape(t *testing.T) {
	s := NewSubprocess(config.Transcoder{})
	plan := []AssemblyEntry{
		{StartSeconds: 0, EndSeconds: 10, AudioPath: "/tmp/a0.opus", SpeedFactor: 1.25},
		{StartSeconds: 30, EndSeconds: 40, AudioPath: "/tmp/a1.opus", SpeedFactor: 1},
	}

	args, expected := s.buildArgs("/tmp/source.mp4", plan, "/tmp/out.mp4")

	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-i /tmp/source.mp4") {
		t.Fatalf("source input missing: %s", joined)
	}
	if !strings.Contains(joined, "-i /tmp/a0.opus") || !strings.Contains(joined, "-i /tmp/a1.opus") {
		t.Fatalf("audio inputs missing: %s", joined)
	}
	if !strings.Contains(joined, "concat=n=2:v=1:a=1") {
		t.Fatalf("concat stage missing: %s", joined)
	}
	if !strings.Contains(joined, "-progress pipe:1") {
		t.Fatalf("progress stream missing: %s", joined)
	}
	if args[len(args)-1] != "/tmp/out.mp4" {
		t.Fatalf("output path not last: %v", args)
	}

	// 10s at 1.25x plus 10s at 1x.
	if want := 10*1.25 + 10.0; expected != want {
		t.Fatalf("expected duration = %v, want %v", expected, want)
	}
}

func TestBuildArgsDefaultsSpeedFactor(t *testing.T) {
	s := NewSubprocess(config.Transcoder{})
	plan := []AssemblyEntry{{StartSeconds: 0, EndSeconds: 5, AudioPath: "/tmp/a.opus"}}

	_, expected := s.buildArgs("/tmp/source.mp4", plan, "/tmp/out.mp4")
	if expected != 5 {
		t.Fatalf("zero speed factor not defaulted: %v", expected)
	}
}
