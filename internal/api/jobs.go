package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"recap/internal/jobstore"
	"recap/internal/logging"
	"recap/internal/services"
)

var seriesIDPattern = regexp.MustCompile(`^[a-z0-9-]{1,64}$`)

// maxUploadBytes bounds the multipart source upload.
const maxUploadBytes = 8 << 30

// createJobRequest is the admission payload. With a JSON body the source
// must already be uploaded as a blob; multipart requests carry the file in
// the "source" part and this document in the "request" part.
type createJobRequest struct {
	SourceHandle          string   `json:"source_handle,omitempty"`
	Filename              string   `json:"filename,omitempty"`
	TargetDurationMinutes float64  `json:"target_duration_minutes"`
	Script                string   `json:"script,omitempty"`
	SeriesID              string   `json:"series_id,omitempty"`
	CharacterGuide        string   `json:"character_guide,omitempty"`
	ShortClipMode         bool     `json:"short_clip_mode,omitempty"`
	AISegmentMatching     bool     `json:"ai_segment_matching,omitempty"`
	TargetWords           int      `json:"target_words,omitempty"`
	CallbackURL           string   `json:"callback_url,omitempty"`
	Tags                  []string `json:"tags,omitempty"`
	Priority              bool     `json:"priority,omitempty"`
}

// jobView is the job snapshot exposed over the API. Lease and revision
// internals stay private.
type jobView struct {
	ID                    string                  `json:"id"`
	Stage                 jobstore.Stage          `json:"stage"`
	Progress              float64                 `json:"progress"`
	CurrentStep           string                  `json:"current_step"`
	PlannedSegments       int                     `json:"planned_segments"`
	CompletedSegments     int                     `json:"completed_segments"`
	SourceDurationSeconds float64                 `json:"source_duration_seconds,omitempty"`
	OutputDurationSeconds float64                 `json:"output_duration_seconds,omitempty"`
	DownloadURL           string                  `json:"download_url,omitempty"`
	Config                jobstore.JobConfig      `json:"config"`
	TerminalError         *jobstore.TerminalError `json:"terminal_error,omitempty"`
	EventSeq              uint64                  `json:"event_seq"`
	CreatedAt             time.Time               `json:"created_at"`
	UpdatedAt             time.Time               `json:"updated_at"`
}

func (s *Server) viewOf(job *jobstore.Job) jobView {
	view := jobView{
		ID:                    job.ID,
		Stage:                 job.Stage,
		Progress:              job.Progress,
		CurrentStep:           job.CurrentStep,
		PlannedSegments:       job.PlannedSegments,
		CompletedSegments:     job.CompletedSegments,
		SourceDurationSeconds: job.SourceDurationSeconds,
		OutputDurationSeconds: job.OutputDurationSeconds,
		Config:                job.Config,
		TerminalError:         job.TerminalError,
		EventSeq:              job.EventSeq,
		CreatedAt:             job.CreatedAt,
		UpdatedAt:             job.UpdatedAt,
	}
	if job.Stage == jobstore.StageCompleted && job.OutputHandle != "" {
		ttl := time.Duration(s.cfg.Blob.PresignTTLSeconds) * time.Second
		if url, err := s.blobs.PresignGet(job.OutputHandle, ttl); err == nil {
			view.DownloadURL = url
		}
	}
	return view
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r)

	req, sourceHandle, err := s.admitSource(w, r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if err := validateRequest(req); err != nil {
		writeFailure(w, err)
		return
	}
	if err := s.checkQuota(r, owner, req.TargetDurationMinutes); err != nil {
		writeFailure(w, err)
		return
	}

	job, err := s.store.Create(r.Context(), jobstore.NewJobParams{
		OwnerID:      owner,
		SourceHandle: sourceHandle,
		Priority:     req.Priority,
		Config: jobstore.JobConfig{
			Filename:              req.Filename,
			TargetDurationMinutes: req.TargetDurationMinutes,
			Script:                req.Script,
			SeriesID:              req.SeriesID,
			CharacterGuide:        req.CharacterGuide,
			ShortClipMode:         req.ShortClipMode,
			AISegmentMatching:     req.AISegmentMatching,
			TargetWords:           req.TargetWords,
			CallbackURL:           req.CallbackURL,
			Tags:                  req.Tags,
		},
	})
	if err != nil {
		writeFailure(w, err)
		return
	}

	s.logger.Info("job admitted",
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldOwnerID, owner))
	writeJSON(w, http.StatusCreated, s.viewOf(job))
}

// admitSource resolves the job's source: a freshly uploaded multipart file
// or a handle from an earlier upload.
func (s *Server) admitSource(w http.ResponseWriter, r *http.Request) (*createJobRequest, string, error) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return nil, "", services.Wrap(services.ErrInvalidInput, "", "admit", "bad multipart body", err)
		}
		req := &createJobRequest{}
		if raw := r.FormValue("request"); raw != "" {
			if err := json.Unmarshal([]byte(raw), req); err != nil {
				return nil, "", services.Wrap(services.ErrInvalidInput, "", "admit", "bad request document", err)
			}
		}
		file, header, err := r.FormFile("source")
		if err != nil {
			return nil, "", services.Wrap(services.ErrInvalidInput, "", "admit", "source file part is required", err)
		}
		defer file.Close()
		if req.Filename == "" && header != nil {
			req.Filename = header.Filename
		}
		handle, err := s.blobs.Put(r.Context(), file, "video/mp4")
		if err != nil {
			return nil, "", err
		}
		return req, handle, nil
	}

	req := &createJobRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		return nil, "", services.Wrap(services.ErrInvalidInput, "", "admit", "bad json body", err)
	}
	if req.SourceHandle == "" {
		return nil, "", services.Wrap(services.ErrInvalidInput, "", "admit", "source_handle is required", nil)
	}
	if _, err := s.blobs.Stat(req.SourceHandle); err != nil {
		return nil, "", services.Wrap(services.ErrInvalidInput, "", "admit", "source_handle does not resolve", err)
	}
	return req, req.SourceHandle, nil
}

func validateRequest(req *createJobRequest) error {
	// The target is optional; without one the recap keeps every planned
	// segment.
	if req.TargetDurationMinutes < 0 {
		return services.Wrap(services.ErrInvalidInput, "", "admit", "target_duration_minutes must be positive when set", nil)
	}
	if req.SeriesID != "" && !seriesIDPattern.MatchString(req.SeriesID) {
		return services.Wrap(services.ErrInvalidInput, "", "admit", "series_id must match [a-z0-9-]{1,64}", nil)
	}
	return nil
}

// checkQuota rejects admissions the owner clearly cannot afford. The
// authoritative check happens again at the Reserving stage.
func (s *Server) checkQuota(r *http.Request, owner string, targetMinutes float64) error {
	summary, err := s.ledger.Summarize(r.Context(), owner)
	if err != nil {
		return err
	}
	// Targetless jobs still place at least the one-minute hold the
	// Reserving stage will ask for.
	needed := math.Ceil(targetMinutes)
	if needed < 1 {
		needed = 1
	}
	available := summary.AvailableMinutes - summary.ReservedMinutes
	if available >= needed {
		return nil
	}
	if summary.TopUpMinutesRemaining > 0 || available > 0 {
		return services.Wrap(services.ErrQuotaExceeded, "", "admit",
			"insufficient minutes for requested target", nil)
	}
	return services.Wrap(services.ErrPaymentRequired, "", "admit",
		"subscription exhausted for this billing period", nil)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.ownedJob(r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.viewOf(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r)
	query := r.URL.Query()

	var stages []jobstore.Stage
	if raw := query.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			stage := jobstore.Stage(strings.TrimSpace(part))
			if !jobstore.ValidStage(stage) {
				writeError(w, http.StatusBadRequest, services.KindInvalidInput, "unknown status "+string(stage))
				return
			}
			stages = append(stages, stage)
		}
	}
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))

	jobs, err := s.store.ListByOwner(r.Context(), owner, stages, limit, offset)
	if err != nil {
		writeFailure(w, err)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, s.viewOf(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.ownedJob(r)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if err := s.canceller.RequestCancel(r.Context(), job.ID); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ownedJob loads the routed job and enforces ownership.
func (s *Server) ownedJob(r *http.Request) (*jobstore.Job, error) {
	jobID := mux.Vars(r)["id"]
	job, err := s.store.GetByID(r.Context(), jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		return nil, services.Wrap(services.ErrNotFound, "", "lookup", "no such job", nil)
	}
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerFrom(r) {
		return nil, services.Wrap(services.ErrForbidden, "", "lookup", "job belongs to another owner", nil)
	}
	return job, nil
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	summary, err := s.ledger.Summarize(r.Context(), ownerFrom(r))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
