package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"strings"
	"sync"

	"log/slog"

	"recap/internal/daemon"
	"recap/internal/jobstore"
	"recap/internal/logging"
)

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	daemon    *daemon.Daemon
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "ipc")

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	rpcServer := rpc.NewServer()
	srv := &service{daemon: d, logger: logger, ctx: ctx}
	if err := rpcServer.RegisterName("Recap", srv); err != nil {
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:      path,
		daemon:    d,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("ipc server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				s.logger.Warn("accept failed", logging.Error(err))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err))
	}
}

// service carries the RPC method set. net/rpc requires exported methods with
// (request, *response) signatures, so every operation delegates straight to
// the daemon.
type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

func (s *service) Start(_ StartRequest, resp *StartResponse) error {
	if err := s.daemon.Start(s.ctx); err != nil {
		resp.Started = false
		resp.Message = err.Error()
		return nil
	}
	resp.Started = true
	resp.Message = "daemon started"
	s.logger.Info("daemon started via ipc")
	return nil
}

func (s *service) Stop(_ StopRequest, resp *StopResponse) error {
	s.daemon.Stop()
	resp.Stopped = true
	s.logger.Info("daemon stopped via ipc")
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	status := s.daemon.Status(s.ctx)
	resp.Running = status.Running
	resp.PID = status.PID
	resp.WorkerID = status.WorkerID
	resp.JobDBPath = status.JobDBPath
	resp.LedgerDBPath = status.LedgerDBPath
	resp.LockPath = status.LockFilePath
	resp.APIBind = status.APIBind
	resp.StageCounts = make(map[string]int, len(status.StageCounts))
	for stage, count := range status.StageCounts {
		resp.StageCounts[string(stage)] = count
	}
	return nil
}

func (s *service) JobList(req JobListRequest, resp *JobListResponse) error {
	stages := make([]jobstore.Stage, 0, len(req.Statuses))
	for _, raw := range req.Statuses {
		stage := jobstore.Stage(strings.TrimSpace(raw))
		if !jobstore.ValidStage(stage) {
			return fmt.Errorf("unknown status %q", raw)
		}
		stages = append(stages, stage)
	}

	jobs, err := s.daemon.ListJobs(s.ctx, req.Owner, stages, req.Limit)
	if err != nil {
		return err
	}
	resp.Jobs = make([]JobSummary, 0, len(jobs))
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, summarizeJob(job))
	}
	return nil
}

func (s *service) JobDescribe(req JobDescribeRequest, resp *JobDescribeResponse) error {
	job, segments, err := s.daemon.DescribeJob(s.ctx, req.ID)
	if errors.Is(err, jobstore.ErrNotFound) {
		return fmt.Errorf("no such job %s", req.ID)
	}
	if err != nil {
		return err
	}

	resp.Job = summarizeJob(job)
	resp.SourceHandle = job.SourceHandle
	resp.OutputHandle = job.OutputHandle
	resp.SourceDurationSeconds = job.SourceDurationSeconds
	resp.OutputDurationSeconds = job.OutputDurationSeconds
	resp.TargetDurationMinutes = job.Config.TargetDurationMinutes
	resp.Segments = make([]SegmentSummary, 0, len(segments))
	for _, seg := range segments {
		resp.Segments = append(resp.Segments, SegmentSummary{
			Index:        seg.Index,
			StartSeconds: seg.StartSeconds,
			EndSeconds:   seg.EndSeconds,
			Status:       string(seg.Status),
			AudioSeconds: seg.AudioSeconds,
			SpeedFactor:  seg.SpeedFactor,
			Error:        seg.ErrorMessage,
		})
	}
	return nil
}

func (s *service) JobCancel(req JobCancelRequest, resp *JobCancelResponse) error {
	if err := s.daemon.CancelJob(s.ctx, req.ID); err != nil {
		resp.Accepted = false
		resp.Message = err.Error()
		return nil
	}
	resp.Accepted = true
	s.logger.Info("job cancel requested via ipc", logging.String(logging.FieldJobID, req.ID))
	return nil
}

func (s *service) QuotaSummary(req QuotaSummaryRequest, resp *QuotaSummaryResponse) error {
	summary, err := s.daemon.QuotaSummary(s.ctx, req.Owner)
	if err != nil {
		return err
	}
	resp.Summary = *summary
	return nil
}

func (s *service) SetPlan(req SetPlanRequest, resp *SetPlanResponse) error {
	if err := s.daemon.SetPlan(s.ctx, req.Owner, req.Minutes); err != nil {
		return err
	}
	resp.Updated = true
	s.logger.Info("plan updated via ipc",
		logging.String(logging.FieldOwnerID, req.Owner),
		logging.Float64("minutes", req.Minutes))
	return nil
}

func (s *service) TopUp(req TopUpRequest, resp *TopUpResponse) error {
	if err := s.daemon.RecordTopUp(s.ctx, req.Owner, req.Minutes, req.Reference); err != nil {
		return err
	}
	resp.Recorded = true
	s.logger.Info("topup recorded via ipc",
		logging.String(logging.FieldOwnerID, req.Owner),
		logging.Float64("minutes", req.Minutes))
	return nil
}

func summarizeJob(job *jobstore.Job) JobSummary {
	summary := JobSummary{
		ID:                job.ID,
		Owner:             job.OwnerID,
		Stage:             string(job.Stage),
		Progress:          job.Progress,
		CurrentStep:       job.CurrentStep,
		PlannedSegments:   job.PlannedSegments,
		CompletedSegments: job.CompletedSegments,
		Priority:          job.Priority,
		CreatedAt:         job.CreatedAt,
		UpdatedAt:         job.UpdatedAt,
	}
	if job.TerminalError != nil {
		summary.Error = job.TerminalError.Message
	}
	return summary
}
