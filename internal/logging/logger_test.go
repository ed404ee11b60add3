package logging_test

import (
	"context"
	"testing"

	"recap/internal/logging"
	"recap/internal/services"
)

func TestWithContextAddsFields(t *testing.T) {
	ctx := services.WithJobID(context.Background(), "job-1")
	ctx = services.WithStage(ctx, "planning")

	fields := logging.ContextFields(ctx)
	if len(fields) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(fields))
	}
	if fields[0].Key != logging.FieldJobID || fields[0].Value.String() != "job-1" {
		t.Fatalf("unexpected first field: %v", fields[0])
	}
	if fields[1].Key != logging.FieldStage || fields[1].Value.String() != "planning" {
		t.Fatalf("unexpected second field: %v", fields[1])
	}
}

func TestWithContextNilLogger(t *testing.T) {
	logger := logging.WithContext(context.Background(), nil)
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	logger.Info("no-op")
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "yaml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}
