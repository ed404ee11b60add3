package ipc_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"recap/internal/blob"
	"recap/internal/daemon"
	"recap/internal/gate"
	"recap/internal/ipc"
	"recap/internal/jobstore"
	"recap/internal/pipeline"
	"recap/internal/progress"
	"recap/internal/testsupport"
)

func TestIPCServerClient(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIBind = ""
	store := testsupport.MustOpenStore(t, cfg)
	quotaLedger := testsupport.MustOpenLedger(t, cfg)
	blobs, err := blob.New(cfg)
	if err != nil {
		t.Fatalf("blob.New: %v", err)
	}
	bus := progress.NewBus()
	controller := pipeline.New(cfg, store, quotaLedger, blobs, gate.New(cfg, nil), bus, pipeline.Deps{
		Vision:     &testsupport.FakeVision{},
		TTS:        &testsupport.FakeTTS{},
		Chapters:   &testsupport.FakeChapters{},
		Transcoder: &testsupport.FakeTranscoder{},
	}, nil)
	d, err := daemon.New(cfg, store, quotaLedger, blobs, bus, controller, nil, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(d.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv, err := ipc.NewServer(ctx, cfg.Paths.SocketPath, d, nil)
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping IPC server test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()
	t.Cleanup(srv.Close)

	time.Sleep(50 * time.Millisecond)

	client, err := ipc.Dial(cfg.Paths.SocketPath)
	if err != nil {
		t.Fatalf("ipc.Dial: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
	})

	job := testsupport.NewJob(t, store, "user-1", jobstore.NewJobParams{
		Config: jobstore.JobConfig{TargetDurationMinutes: 2},
	})

	status, err := client.Status()
	if err != nil {
		t.Fatalf("Status RPC failed: %v", err)
	}
	if status.Running {
		t.Fatal("daemon was never started")
	}
	if status.StageCounts[string(jobstore.StagePending)] != 1 {
		t.Fatalf("stage counts = %+v", status.StageCounts)
	}

	list, err := client.JobList(ipc.JobListRequest{})
	if err != nil {
		t.Fatalf("JobList RPC failed: %v", err)
	}
	if len(list.Jobs) != 1 || list.Jobs[0].ID != job.ID {
		t.Fatalf("job list = %+v", list.Jobs)
	}
	if _, err := client.JobList(ipc.JobListRequest{Statuses: []string{"bogus"}}); err == nil {
		t.Fatal("unknown status should be rejected")
	}

	describe, err := client.JobDescribe(job.ID)
	if err != nil {
		t.Fatalf("JobDescribe RPC failed: %v", err)
	}
	if describe.Job.Stage != string(jobstore.StagePending) || describe.SourceHandle == "" {
		t.Fatalf("describe = %+v", describe)
	}
	if _, err := client.JobDescribe("missing"); err == nil {
		t.Fatal("missing job should error")
	}

	if _, err := client.SetPlan("user-1", 60); err != nil {
		t.Fatalf("SetPlan RPC failed: %v", err)
	}
	if _, err := client.TopUp("user-1", 15, "invoice-7"); err != nil {
		t.Fatalf("TopUp RPC failed: %v", err)
	}
	quota, err := client.QuotaSummary("user-1")
	if err != nil {
		t.Fatalf("QuotaSummary RPC failed: %v", err)
	}
	if quota.Summary.AvailableMinutes != 75 {
		t.Fatalf("available minutes = %v", quota.Summary.AvailableMinutes)
	}

	cancelResp, err := client.JobCancel(job.ID)
	if err != nil {
		t.Fatalf("JobCancel RPC failed: %v", err)
	}
	if !cancelResp.Accepted {
		t.Fatalf("cancel not accepted: %s", cancelResp.Message)
	}
	cancelled, err := store.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if cancelled.Stage != jobstore.StageCancelled {
		t.Fatalf("stage after cancel = %s", cancelled.Stage)
	}

	// Processing control last so the worker never races the assertions above.
	started, err := client.Start()
	if err != nil {
		t.Fatalf("Start RPC failed: %v", err)
	}
	if !started.Started {
		t.Fatalf("daemon did not start: %s", started.Message)
	}
	status, err = client.Status()
	if err != nil {
		t.Fatalf("Status RPC failed: %v", err)
	}
	if !status.Running {
		t.Fatal("daemon should report running after Start")
	}
	stopped, err := client.Stop()
	if err != nil {
		t.Fatalf("Stop RPC failed: %v", err)
	}
	if !stopped.Stopped {
		t.Fatal("daemon did not stop")
	}
}
