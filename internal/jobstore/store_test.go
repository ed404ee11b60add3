package jobstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"recap/internal/jobstore"
	"recap/internal/services"
	"recap/internal/testsupport"
)

func TestCreateAndGet(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, store, "user-1", jobstore.NewJobParams{
		Config: jobstore.JobConfig{Filename: "episode.mp4", TargetDurationMinutes: 6},
	})
	if job.ID == "" {
		t.Fatal("expected job ID to be assigned")
	}
	if job.Stage != jobstore.StagePending {
		t.Fatalf("expected pending stage, got %q", job.Stage)
	}

	fetched, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if fetched.Config.Filename != "episode.mp4" {
		t.Fatalf("config bag not round-tripped: %#v", fetched.Config)
	}
	if fetched.Revision != 1 {
		t.Fatalf("expected initial revision 1, got %d", fetched.Revision)
	}
}

func TestGetMissingJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	if _, err := store.GetByID(context.Background(), "nope"); !errors.Is(err, jobstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimOrderAndExclusivity(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	first := testsupport.NewJob(t, store, "user-1", jobstore.NewJobParams{})
	second := testsupport.NewJob(t, store, "user-1", jobstore.NewJobParams{})
	_ = second

	claimed, err := store.Claim(ctx, "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if claimed == nil || claimed.ID != first.ID {
		t.Fatalf("expected oldest job %s, got %#v", first.ID, claimed)
	}

	again, err := store.Claim(ctx, "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("second Claim failed: %v", err)
	}
	if again == nil || again.ID == claimed.ID {
		t.Fatalf("second claim should take the other job, got %#v", again)
	}

	third, err := store.Claim(ctx, "worker-c", time.Minute)
	if err != nil {
		t.Fatalf("third Claim failed: %v", err)
	}
	if third != nil {
		t.Fatalf("expected empty queue, got %#v", third)
	}
}

func TestClaimPrefersPriority(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	testsupport.NewJob(t, store, "user-1", jobstore.NewJobParams{})
	urgent := testsupport.NewJob(t, store, "user-2", jobstore.NewJobParams{Priority: true})

	claimed, err := store.Claim(ctx, "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if claimed == nil || claimed.ID != urgent.ID {
		t.Fatalf("expected priority job first, got %#v", claimed)
	}
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, store, "user-1", jobstore.NewJobParams{})
	claimed, err := store.Claim(ctx, "worker-a", -time.Second)
	if err != nil || claimed == nil {
		t.Fatalf("Claim failed: %v %v", claimed, err)
	}

	candidates, err := store.ListPendingForRecovery(ctx, time.Now())
	if err != nil {
		t.Fatalf("ListPendingForRecovery failed: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ID != job.ID {
		t.Fatalf("expected one recovery candidate, got %#v", candidates)
	}

	reclaimed, err := store.Claim(ctx, "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if reclaimed == nil || reclaimed.ID != job.ID || reclaimed.ClaimedBy != "worker-b" {
		t.Fatalf("expected job reclaimed by worker-b, got %#v", reclaimed)
	}
}

func TestRenewLeaseRejectsStolenJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	testsupport.NewJob(t, store, "user-1", jobstore.NewJobParams{})
	claimed, err := store.Claim(ctx, "worker-a", -time.Second)
	if err != nil || claimed == nil {
		t.Fatalf("Claim failed: %v %v", claimed, err)
	}
	if _, err := store.Claim(ctx, "worker-b", time.Minute); err != nil {
		t.Fatalf("takeover failed: %v", err)
	}

	if err := store.RenewLease(ctx, claimed.ID, "worker-a", time.Minute); err == nil {
		t.Fatal("expected renew to fail after takeover")
	}
}

func TestUpdateOptimisticConcurrency(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, store, "user-1", jobstore.NewJobParams{})
	stale, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}

	job.Stage = jobstore.StageReserving
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if job.Revision != 2 {
		t.Fatalf("expected revision bump, got %d", job.Revision)
	}

	stale.Stage = jobstore.StageIngesting
	if err := store.Update(ctx, stale); !errors.Is(err, jobstore.ErrRevisionConflict) {
		t.Fatalf("expected revision conflict, got %v", err)
	}
}

func TestProgressNeverRegresses(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, store, "user-1", jobstore.NewJobParams{})
	if err := store.SetProgress(ctx, job.ID, 55, "Narrating segments", 7); err != nil {
		t.Fatalf("SetProgress failed: %v", err)
	}
	if err := store.SetProgress(ctx, job.ID, 30, "Stale writer", 3); err != nil {
		t.Fatalf("stale SetProgress failed: %v", err)
	}

	fetched, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if fetched.Progress != 55 {
		t.Fatalf("progress regressed: %v", fetched.Progress)
	}
	if fetched.CompletedSegments != 7 {
		t.Fatalf("completed counter regressed: %d", fetched.CompletedSegments)
	}
}

func TestMarkTerminalIsExactlyOnce(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, store, "user-1", jobstore.NewJobParams{})
	outcome := jobstore.TerminalOutcome{
		Stage:                 jobstore.StageCompleted,
		CurrentStep:           "Complete",
		OutputHandle:          "local:out/recap.mp4",
		OutputDurationSeconds: 360,
		TerminalCommitted:     true,
	}
	if err := store.MarkTerminal(ctx, job.ID, outcome); err != nil {
		t.Fatalf("MarkTerminal failed: %v", err)
	}
	if err := store.MarkTerminal(ctx, job.ID, jobstore.TerminalOutcome{
		Stage: jobstore.StageFailed,
		Error: &jobstore.TerminalError{Kind: services.KindInternal, Message: "late failure"},
	}); !errors.Is(err, jobstore.ErrTerminal) {
		t.Fatalf("expected ErrTerminal on second call, got %v", err)
	}

	fetched, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if fetched.Stage != jobstore.StageCompleted || fetched.Progress != 100 {
		t.Fatalf("terminal state mutated: %#v", fetched)
	}
	if !fetched.TerminalCommitted || fetched.OutputDurationSeconds != 360 {
		t.Fatalf("terminal outcome not persisted: %#v", fetched)
	}
	if fetched.TerminalError != nil {
		t.Fatalf("failed outcome applied to completed job: %#v", fetched.TerminalError)
	}
}

func TestTerminalJobRejectsUpdate(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, store, "user-1", jobstore.NewJobParams{})
	if err := store.MarkTerminal(ctx, job.ID, jobstore.TerminalOutcome{
		Stage:       jobstore.StageCancelled,
		CurrentStep: "Cancelled",
	}); err != nil {
		t.Fatalf("MarkTerminal failed: %v", err)
	}

	job.Stage = jobstore.StagePlanning
	if err := store.Update(ctx, job); !errors.Is(err, jobstore.ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
}

func TestListByOwnerFiltersAndPaginates(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	mine := testsupport.NewJob(t, store, "user-1", jobstore.NewJobParams{})
	testsupport.NewJob(t, store, "user-2", jobstore.NewJobParams{})

	jobs, err := store.ListByOwner(ctx, "user-1", nil, 10, 0)
	if err != nil {
		t.Fatalf("ListByOwner failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != mine.ID {
		t.Fatalf("owner filter broken: %#v", jobs)
	}

	jobs, err = store.ListByOwner(ctx, "user-1", []jobstore.Stage{jobstore.StageCompleted}, 10, 0)
	if err != nil {
		t.Fatalf("filtered ListByOwner failed: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("stage filter broken: %#v", jobs)
	}
}
