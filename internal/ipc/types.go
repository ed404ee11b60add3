package ipc

import (
	"time"

	"recap/internal/ledger"
)

// StartRequest triggers daemon processing startup.
type StartRequest struct{}

// StartResponse indicates whether the daemon was started.
type StartResponse struct {
	Started bool   `json:"started"`
	Message string `json:"message,omitempty"`
}

// StopRequest stops daemon processing.
type StopRequest struct{}

// StopResponse indicates stop result.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StatusResponse represents daemon runtime information.
type StatusResponse struct {
	Running      bool           `json:"running"`
	PID          int            `json:"pid"`
	WorkerID     string         `json:"worker_id"`
	JobDBPath    string         `json:"job_db_path"`
	LedgerDBPath string         `json:"ledger_db_path"`
	LockPath     string         `json:"lock_path"`
	APIBind      string         `json:"api_bind"`
	StageCounts  map[string]int `json:"stage_counts"`
}

// JobSummary is the operator-facing view of one job.
type JobSummary struct {
	ID                string    `json:"id"`
	Owner             string    `json:"owner"`
	Stage             string    `json:"stage"`
	Progress          float64   `json:"progress"`
	CurrentStep       string    `json:"current_step"`
	PlannedSegments   int       `json:"planned_segments"`
	CompletedSegments int       `json:"completed_segments"`
	Priority          bool      `json:"priority"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	Error             string    `json:"error,omitempty"`
}

// SegmentSummary is the operator-facing view of one planned segment.
type SegmentSummary struct {
	Index        int     `json:"index"`
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
	Status       string  `json:"status"`
	AudioSeconds float64 `json:"audio_seconds,omitempty"`
	SpeedFactor  float64 `json:"speed_factor,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// JobListRequest filters job listing. An empty owner spans all owners and an
// empty status list spans all stages.
type JobListRequest struct {
	Owner    string   `json:"owner,omitempty"`
	Statuses []string `json:"statuses,omitempty"`
	Limit    int      `json:"limit,omitempty"`
}

// JobListResponse contains matching jobs, newest first.
type JobListResponse struct {
	Jobs []JobSummary `json:"jobs"`
}

// JobDescribeRequest fetches a single job by id.
type JobDescribeRequest struct {
	ID string `json:"id"`
}

// JobDescribeResponse contains one job with its segment plan.
type JobDescribeResponse struct {
	Job                   JobSummary       `json:"job"`
	SourceHandle          string           `json:"source_handle"`
	OutputHandle          string           `json:"output_handle,omitempty"`
	SourceDurationSeconds float64          `json:"source_duration_seconds"`
	OutputDurationSeconds float64          `json:"output_duration_seconds,omitempty"`
	TargetDurationMinutes float64          `json:"target_duration_minutes"`
	Segments              []SegmentSummary `json:"segments,omitempty"`
}

// JobCancelRequest requests cancellation of a job.
type JobCancelRequest struct {
	ID string `json:"id"`
}

// JobCancelResponse reports whether the cancel was accepted.
type JobCancelResponse struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
}

// QuotaSummaryRequest fetches quota state for one owner.
type QuotaSummaryRequest struct {
	Owner string `json:"owner"`
}

// QuotaSummaryResponse wraps the ledger summary.
type QuotaSummaryResponse struct {
	Summary ledger.Summary `json:"summary"`
}

// SetPlanRequest sets an owner's subscription minute allowance.
type SetPlanRequest struct {
	Owner   string  `json:"owner"`
	Minutes float64 `json:"minutes"`
}

// SetPlanResponse confirms the plan change.
type SetPlanResponse struct {
	Updated bool `json:"updated"`
}

// TopUpRequest credits purchased minutes to an owner.
type TopUpRequest struct {
	Owner     string  `json:"owner"`
	Minutes   float64 `json:"minutes"`
	Reference string  `json:"reference,omitempty"`
}

// TopUpResponse confirms the credit.
type TopUpResponse struct {
	Recorded bool `json:"recorded"`
}
