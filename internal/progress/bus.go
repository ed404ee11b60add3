package progress

import (
	"sync"

	"recap/internal/jobstore"
)

// Event is one progress update on a job's stream. Sequence is per-job and
// strictly increasing; subscribers use it to detect gaps and to resume.
type Event struct {
	JobID             string                   `json:"job_id"`
	Sequence          uint64                   `json:"sequence"`
	Stage             jobstore.Stage           `json:"stage"`
	Progress          float64                  `json:"progress"`
	CurrentStep       string                   `json:"current_step"`
	CompletedSegments int                      `json:"completed_segments"`
	PlannedSegments   int                      `json:"planned_segments"`
	Terminal          bool                     `json:"terminal,omitempty"`
	TerminalError     *jobstore.TerminalError  `json:"terminal_error,omitempty"`
}

const (
	ringCapacity     = 64
	subscriberBuffer = 16
)

// Bus fans progress events out to per-job subscribers. Each job gets a
// bounded ring of recent events for replay; a subscriber that cannot keep up
// is dropped and must resync from the job store snapshot.
type Bus struct {
	mu   sync.Mutex
	jobs map[string]*stream
}

type stream struct {
	buffer  []Event
	nextSeq uint64
	closed  bool
	subs    map[int]chan Event
	nextSub int
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{jobs: make(map[string]*stream)}
}

// Publish assigns the next sequence for the job, appends to the ring, and
// fans out to subscribers. A subscriber whose channel is full is dropped and
// its channel closed. Publish never blocks. The assigned sequence is
// returned so the caller can persist the high-water mark.
func (b *Bus) Publish(event Event) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.jobs[event.JobID]
	if s == nil {
		s = &stream{subs: make(map[int]chan Event)}
		b.jobs[event.JobID] = s
	}
	if s.closed {
		return s.nextSeq
	}

	s.nextSeq++
	event.Sequence = s.nextSeq
	if len(s.buffer) == ringCapacity {
		copy(s.buffer, s.buffer[1:])
		s.buffer = s.buffer[:ringCapacity-1]
	}
	s.buffer = append(s.buffer, event)

	for id, ch := range s.subs {
		select {
		case ch <- event:
		default:
			delete(s.subs, id)
			close(ch)
		}
	}

	if event.Terminal {
		s.closed = true
		for id, ch := range s.subs {
			delete(s.subs, id)
			close(ch)
		}
	}
	return event.Sequence
}

// Seed raises the job's sequence floor to the persisted high-water mark so
// events published after a restart continue the stream instead of restarting
// it at 1. Seeds below the current sequence are ignored.
func (b *Bus) Seed(jobID string, seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.jobs[jobID]
	if s == nil {
		s = &stream{subs: make(map[int]chan Event)}
		b.jobs[jobID] = s
	}
	if seq > s.nextSeq {
		s.nextSeq = seq
	}
}

// Subscribe returns a channel of the job's events newer than since: first
// the buffered tail, then live events. The channel closes when the job
// publishes its terminal event, when the subscriber falls behind, or when
// cancel is called. The ring holds only recent events, so a subscriber whose
// since predates the ring sees a sequence gap and should resync from the
// snapshot.
func (b *Bus) Subscribe(jobID string, since uint64) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.jobs[jobID]
	if s == nil {
		s = &stream{subs: make(map[int]chan Event)}
		b.jobs[jobID] = s
	}

	replay := make([]Event, 0, len(s.buffer))
	for _, event := range s.buffer {
		if event.Sequence > since {
			replay = append(replay, event)
		}
	}

	ch := make(chan Event, max(subscriberBuffer, len(replay)+subscriberBuffer))
	for _, event := range replay {
		ch <- event
	}

	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if live, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(live)
		}
	}
	return ch, cancel
}

// LastSequence reports the job's newest assigned sequence.
func (b *Bus) LastSequence(jobID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s := b.jobs[jobID]; s != nil {
		return s.nextSeq
	}
	return 0
}

// Forget drops a job's stream and disconnects its subscribers. Called when
// terminal jobs are pruned.
func (b *Bus) Forget(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.jobs[jobID]
	if s == nil {
		return
	}
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	delete(b.jobs, jobID)
}

// FromJob builds the event payload for a job's current state.
func FromJob(job *jobstore.Job) Event {
	return Event{
		JobID:             job.ID,
		Stage:             job.Stage,
		Progress:          job.Progress,
		CurrentStep:       job.CurrentStep,
		CompletedSegments: job.CompletedSegments,
		PlannedSegments:   job.PlannedSegments,
		Terminal:          job.IsTerminal(),
		TerminalError:     job.TerminalError,
	}
}
