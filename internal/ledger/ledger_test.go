package ledger_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"recap/internal/ledger"
	"recap/internal/services"
	"recap/internal/testsupport"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestReserveChecksAvailability(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	l := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()

	if err := l.SetPlan(ctx, "user-1", 10); err != nil {
		t.Fatalf("SetPlan failed: %v", err)
	}

	id, err := l.Reserve(ctx, "user-1", "job-a", 8)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if id != ledger.ReservationID("job-a") {
		t.Fatalf("unexpected reservation id %q", id)
	}

	_, err = l.Reserve(ctx, "user-1", "job-b", 20)
	if !errors.Is(err, services.ErrQuotaExceeded) {
		t.Fatalf("expected quota exceeded, got %v", err)
	}
}

func TestReserveIsIdempotentPerJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	l := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()

	if err := l.SetPlan(ctx, "user-1", 10); err != nil {
		t.Fatalf("SetPlan failed: %v", err)
	}
	first, err := l.Reserve(ctx, "user-1", "job-a", 10)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	// A retry for the same job must not fail even though the full allowance
	// is already held.
	second, err := l.Reserve(ctx, "user-1", "job-a", 10)
	if err != nil {
		t.Fatalf("repeat Reserve failed: %v", err)
	}
	if first != second {
		t.Fatalf("reservation ids differ: %q vs %q", first, second)
	}

	summary, err := l.Summarize(ctx, "user-1")
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if summary.ActiveReservations != 1 {
		t.Fatalf("expected one reservation, got %d", summary.ActiveReservations)
	}
}

func TestCommitSpillsIntoTopUps(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	l := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()

	// 60 subscription minutes with 58 used, plus a 120-minute top-up. A
	// 5-minute commit takes 2 from the subscription and 3 from the top-up.
	if err := l.SetPlan(ctx, "user-1", 60); err != nil {
		t.Fatalf("SetPlan failed: %v", err)
	}
	if err := l.RecordTopUp(ctx, "user-1", 120, "pay-001"); err != nil {
		t.Fatalf("RecordTopUp failed: %v", err)
	}
	res, err := l.Reserve(ctx, "user-1", "job-warm", 58)
	if err != nil {
		t.Fatalf("warm-up Reserve failed: %v", err)
	}
	period := ledger.BillingPeriod(time.Now())
	if err := l.Commit(ctx, res, 58, "job-warm", period); err != nil {
		t.Fatalf("warm-up Commit failed: %v", err)
	}

	res, err = l.Reserve(ctx, "user-1", "job-a", 5)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := l.Commit(ctx, res, 5, "job-a", period); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	summary, err := l.Summarize(ctx, "user-1")
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if !almostEqual(summary.SubscriptionMinutesUsed, 60) {
		t.Fatalf("subscription used = %v, want 60", summary.SubscriptionMinutesUsed)
	}
	if !almostEqual(summary.TopUpMinutesRemaining, 117) {
		t.Fatalf("top-up remaining = %v, want 117", summary.TopUpMinutesRemaining)
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	l := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()

	if err := l.SetPlan(ctx, "user-1", 100); err != nil {
		t.Fatalf("SetPlan failed: %v", err)
	}
	res, err := l.Reserve(ctx, "user-1", "job-a", 10)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	period := ledger.BillingPeriod(time.Now())

	if err := l.Commit(ctx, res, 7, "job-a", period); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := l.Commit(ctx, res, 7, "job-a", period); err != nil {
		t.Fatalf("repeat Commit failed: %v", err)
	}

	summary, err := l.Summarize(ctx, "user-1")
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if !almostEqual(summary.SubscriptionMinutesUsed, 7) {
		t.Fatalf("double billed: used = %v, want 7", summary.SubscriptionMinutesUsed)
	}
	if summary.ActiveReservations != 0 {
		t.Fatalf("reservation survived commit: %d", summary.ActiveReservations)
	}
}

func TestReleaseDeductsNothing(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	l := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()

	if err := l.SetPlan(ctx, "user-1", 100); err != nil {
		t.Fatalf("SetPlan failed: %v", err)
	}
	res, err := l.Reserve(ctx, "user-1", "job-a", 50)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := l.Release(ctx, res); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	// Release of an already-released (or never-made) hold is a no-op.
	if err := l.Release(ctx, res); err != nil {
		t.Fatalf("repeat Release failed: %v", err)
	}

	summary, err := l.Summarize(ctx, "user-1")
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if !almostEqual(summary.SubscriptionMinutesUsed, 0) || summary.ActiveReservations != 0 {
		t.Fatalf("release changed account state: %#v", summary)
	}
}

func TestTopUpIdempotentByReference(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	l := testsupport.MustOpenLedger(t, cfg)
	ctx := context.Background()

	if err := l.RecordTopUp(ctx, "user-1", 30, "pay-dup"); err != nil {
		t.Fatalf("RecordTopUp failed: %v", err)
	}
	if err := l.RecordTopUp(ctx, "user-1", 30, "pay-dup"); err != nil {
		t.Fatalf("duplicate RecordTopUp failed: %v", err)
	}

	summary, err := l.Summarize(ctx, "user-1")
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if !almostEqual(summary.TopUpMinutesRemaining, 30) {
		t.Fatalf("duplicate top-up credited twice: %v", summary.TopUpMinutesRemaining)
	}
}

func TestCommitWithoutReservationFails(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	l := testsupport.MustOpenLedger(t, cfg)

	err := l.Commit(context.Background(), "res-ghost", 5, "job-ghost", ledger.BillingPeriod(time.Now()))
	if !errors.Is(err, ledger.ErrReservationNotFound) {
		t.Fatalf("expected ErrReservationNotFound, got %v", err)
	}
}
