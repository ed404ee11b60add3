package gate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"recap/internal/config"
	"recap/internal/gate"
	"recap/internal/services"
	"recap/internal/testsupport"
)

func fastGate(t *testing.T, attempts int) *gate.Gate {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Providers["test"] = config.Provider{
		RequestsPerSecond: 1000,
		MaxInFlight:       2,
		TimeoutSeconds:    5,
		MaxAttempts:       attempts,
		BaseDelayMillis:   1,
		MaxDelayMillis:    2,
	}
	return gate.New(cfg, nil)
}

func TestTransientRetriedToSuccess(t *testing.T) {
	g := fastGate(t, 4)
	calls := 0
	err := g.Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return services.Wrap(services.ErrProviderTransient, "", "call", "flaky", nil)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestPermanentNotRetried(t *testing.T) {
	g := fastGate(t, 4)
	calls := 0
	err := g.Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		return services.Wrap(services.ErrProviderPermanent, "", "call", "bad request", nil)
	})
	if !errors.Is(err, services.ErrProviderPermanent) {
		t.Fatalf("expected permanent failure, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent failure retried: %d attempts", calls)
	}
}

func TestAttemptCapExhausted(t *testing.T) {
	g := fastGate(t, 3)
	calls := 0
	err := g.Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		return services.Wrap(services.ErrProviderTransient, "", "call", "always down", nil)
	})
	if !errors.Is(err, services.ErrProviderTransient) {
		t.Fatalf("expected transient failure, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestCancellationDuringBackoff(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Providers["test"] = config.Provider{
		RequestsPerSecond: 1000,
		MaxInFlight:       1,
		TimeoutSeconds:    5,
		MaxAttempts:       5,
		BaseDelayMillis:   int(time.Hour / time.Millisecond),
		MaxDelayMillis:    int(time.Hour / time.Millisecond),
	}
	g := gate.New(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- g.Do(ctx, "test", func(ctx context.Context) error {
			return services.Wrap(services.ErrProviderTransient, "", "call", "down", nil)
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !services.IsCancellation(err) {
			t.Fatalf("expected cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestUnknownProviderRejected(t *testing.T) {
	g := fastGate(t, 1)
	if err := g.Do(context.Background(), "ghost", func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		extra  []int
		want   error
	}{
		{200, nil, nil},
		{204, nil, nil},
		{408, nil, services.ErrProviderTransient},
		{429, nil, services.ErrProviderTransient},
		{500, nil, services.ErrProviderTransient},
		{503, nil, services.ErrProviderTransient},
		{400, nil, services.ErrProviderPermanent},
		{404, nil, services.ErrProviderPermanent},
		{422, []int{422}, services.ErrProviderTransient},
	}
	for _, tc := range cases {
		err := gate.ClassifyStatus("test", tc.status, tc.extra)
		if tc.want == nil {
			if err != nil {
				t.Fatalf("status %d: unexpected error %v", tc.status, err)
			}
			continue
		}
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: got %v, want %v", tc.status, err, tc.want)
		}
	}
}
