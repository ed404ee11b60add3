package api

import (
	"net/http"
	"strconv"
	"time"

	"recap/internal/logging"
	"recap/internal/progress"
)

const eventWriteTimeout = 10 * time.Second

// handleJobEvents streams a job's progress over a websocket. The first frame
// is always the current snapshot; live events follow until the terminal
// event, which ends the stream. A ?since= sequence replays buffered events
// after that point.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	job, err := s.ownedJob(r)
	if err != nil {
		writeFailure(w, err)
		return
	}

	since := uint64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "InvalidInput", "since must be an unsigned integer")
			return
		}
		since = parsed
	}

	// Subscribe before the snapshot so no event published in between is
	// lost; duplicates are fine, gaps are not.
	events, cancel := s.bus.Subscribe(job.ID, since)
	defer cancel()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	snapshot := progress.FromJob(job)
	snapshot.Sequence = job.EventSeq
	if err := writeEvent(conn, snapshot); err != nil {
		return
	}
	if snapshot.Terminal {
		return
	}

	for event := range events {
		if err := writeEvent(conn, event); err != nil {
			return
		}
		if event.Terminal {
			return
		}
	}
	// Channel closed without a terminal event: this subscriber fell behind
	// and was dropped, or the stream was pruned. The client reconnects and
	// resyncs from the snapshot.
	s.logger.Debug("event subscriber dropped", logging.String(logging.FieldJobID, job.ID))
}

func writeEvent(conn eventWriter, event progress.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
	return conn.WriteJSON(event)
}

// eventWriter is the websocket surface the stream uses.
type eventWriter interface {
	SetWriteDeadline(time.Time) error
	WriteJSON(any) error
}
