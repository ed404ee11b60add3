package jobstore

import (
	"time"

	"recap/internal/services"
)

// Stage represents the lifecycle of a job.
type Stage string

const (
	StagePending           Stage = "pending"
	StageReserving         Stage = "reserving"
	StageIngesting         Stage = "ingesting"
	StagePlanning          Stage = "planning"
	StageSegmentProcessing Stage = "segment_processing"
	StageStitching         Stage = "stitching"
	StageCommitting        Stage = "committing"
	StageCompleted         Stage = "completed"
	StageFailed            Stage = "failed"
	StageCancelled         Stage = "cancelled"
)

var allStages = []Stage{
	StagePending,
	StageReserving,
	StageIngesting,
	StagePlanning,
	StageSegmentProcessing,
	StageStitching,
	StageCommitting,
	StageCompleted,
	StageFailed,
	StageCancelled,
}

var stageSet = func() map[Stage]struct{} {
	set := make(map[Stage]struct{}, len(allStages))
	for _, stage := range allStages {
		set[stage] = struct{}{}
	}
	return set
}()

// ValidStage reports whether the value is a known stage.
func ValidStage(stage Stage) bool {
	_, ok := stageSet[stage]
	return ok
}

// IsTerminal reports whether the stage permits no further transitions.
func (s Stage) IsTerminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageCancelled:
		return true
	default:
		return false
	}
}

// SegmentStatus represents per-segment work progression.
type SegmentStatus string

const (
	SegmentPlanned      SegmentStatus = "planned"
	SegmentDescribing   SegmentStatus = "describing"
	SegmentSynthesizing SegmentStatus = "synthesizing"
	SegmentAligning     SegmentStatus = "aligning"
	SegmentDone         SegmentStatus = "done"
	SegmentFailed       SegmentStatus = "failed"
)

// JobConfig is the admission-time configuration bag carried on a job.
type JobConfig struct {
	Filename              string   `json:"filename,omitempty"`
	TargetDurationMinutes float64  `json:"target_duration_minutes,omitempty"`
	Script                string   `json:"script,omitempty"`
	SeriesID              string   `json:"series_id,omitempty"`
	CharacterGuide        string   `json:"character_guide,omitempty"`
	ShortClipMode         bool     `json:"short_clip_mode,omitempty"`
	AISegmentMatching     bool     `json:"ai_segment_matching,omitempty"`
	TargetWords           int      `json:"target_words,omitempty"`
	CallbackURL           string   `json:"callback_url,omitempty"`
	Tags                  []string `json:"tags,omitempty"`
}

// TerminalError is the user-visible failure record persisted on failed jobs.
type TerminalError struct {
	Kind      services.Kind `json:"kind"`
	Message   string        `json:"message"`
	Retriable bool          `json:"retriable"`
}

// Job is the durable record of one end-to-end processing request.
type Job struct {
	ID        string
	OwnerID   string
	CreatedAt time.Time
	UpdatedAt time.Time

	Stage             Stage
	Progress          float64
	CurrentStep       string
	PlannedSegments   int
	CompletedSegments int

	SourceHandle          string
	SourceDurationSeconds float64
	Config                JobConfig
	Priority              bool

	OutputHandle          string
	OutputDurationSeconds float64

	ReservationID     string
	TerminalCommitted bool
	TerminalError     *TerminalError

	// Revision backs optimistic concurrency; zero means never persisted.
	Revision int64

	ClaimedBy      string
	LeaseExpiresAt *time.Time

	// EventSeq is the progress bus high-water mark for this job.
	EventSeq uint64
}

// IsTerminal reports whether the job reached a terminal stage.
func (j *Job) IsTerminal() bool {
	return j.Stage.IsTerminal()
}

// SetFailed records a terminal failure on the in-memory job.
func (j *Job) SetFailed(err error) {
	details := services.DetailsOf(err)
	j.Stage = StageFailed
	j.CurrentStep = "Failed"
	j.TerminalError = &TerminalError{
		Kind:      details.Kind,
		Message:   details.Message,
		Retriable: details.Retriable,
	}
}

// Segment is one planned unit of narration work inside a job.
type Segment struct {
	JobID        string
	Index        int
	StartSeconds float64
	EndSeconds   float64
	Fingerprint  string
	Status       SegmentStatus
	Importance   float64
	ScriptText   string

	Narration    string
	AudioHandle  string
	AudioSeconds float64
	SpeedFactor  float64
	ErrorMessage string
}

// Duration returns the segment's source interval length in seconds.
func (s *Segment) Duration() float64 {
	return s.EndSeconds - s.StartSeconds
}

// SegmentResult is a fingerprint-keyed cache row that lets recovery reuse
// narration and audio produced before a crash.
type SegmentResult struct {
	Fingerprint  string
	Narration    string
	AudioHandle  string
	AudioSeconds float64
}
