package planner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"recap/internal/config"
	"recap/internal/gate"
	"recap/internal/jobstore"
	"recap/internal/logging"
	"recap/internal/services"
	"recap/internal/services/chapters"
)

// Input is everything the planner needs about one job.
type Input struct {
	JobID                 string
	SourceURL             string
	SourceDurationSeconds float64
	Script                string
	TargetDurationSeconds float64
	ShortClipMode         bool
	AISegmentMatching     bool
}

// Planner turns a source video into an ordered list of narration segments.
// Plans are deterministic: the same input always yields the same segments in
// the same order with the same fingerprints.
type Planner struct {
	cfg      *config.Config
	chapters chapters.Client
	gate     *gate.Gate
	logger   *slog.Logger
}

// New builds a planner. The chapter client is consulted through the call
// gate when no override script is supplied.
func New(cfg *config.Config, chaptersClient chapters.Client, callGate *gate.Gate, logger *slog.Logger) *Planner {
	return &Planner{
		cfg:      cfg,
		chapters: chaptersClient,
		gate:     callGate,
		logger:   logging.NewComponentLogger(logger, "planner"),
	}
}

// Plan produces the job's segment list. Fails with PlanUnrealizable when no
// valid plan exists for the inputs.
func (p *Planner) Plan(ctx context.Context, input Input) ([]jobstore.Segment, error) {
	if input.SourceDurationSeconds <= 0 {
		return nil, services.Wrap(services.ErrPlanUnrealizable, "planning", "plan", "source has no duration", nil)
	}
	if input.TargetDurationSeconds > 0 && input.TargetDurationSeconds > input.SourceDurationSeconds {
		return nil, services.Wrap(
			services.ErrPlanUnrealizable,
			"planning",
			"plan",
			fmt.Sprintf("target %.0fs exceeds source %.0fs", input.TargetDurationSeconds, input.SourceDurationSeconds),
			nil,
		)
	}

	var spans []span
	var err error
	if paragraphs := splitParagraphs(input.Script); len(paragraphs) > 0 {
		spans, err = p.planFromScript(ctx, input, paragraphs)
	} else {
		spans, err = p.planFromChapters(ctx, input)
	}
	if err != nil {
		return nil, err
	}
	if len(spans) == 0 {
		return nil, services.Wrap(services.ErrPlanUnrealizable, "planning", "plan", "no segments producible", nil)
	}

	if input.ShortClipMode {
		spans = splitShortClips(spans, p.shortClipMax())
	}

	if input.TargetDurationSeconds > 0 {
		spans = selectByImportance(spans, input.TargetDurationSeconds, p.overrunFactor())
		if len(spans) == 0 {
			return nil, services.Wrap(services.ErrPlanUnrealizable, "planning", "plan", "target selection left no segments", nil)
		}
	}

	segments := make([]jobstore.Segment, len(spans))
	for i, sp := range spans {
		segments[i] = jobstore.Segment{
			JobID:        input.JobID,
			Index:        i,
			StartSeconds: round3(sp.start),
			EndSeconds:   round3(sp.end),
			Status:       jobstore.SegmentPlanned,
			Importance:   sp.importance,
			ScriptText:   sp.script,
			Fingerprint:  fingerprint(input.JobID, i, round3(sp.start), round3(sp.end), sp.scriptHash),
		}
	}

	p.logger.Info("plan ready",
		logging.String(logging.FieldJobID, input.JobID),
		logging.Int("segments", len(segments)),
		logging.Bool("scripted", input.Script != ""),
		logging.Bool("short_clip", input.ShortClipMode))
	return segments, nil
}

// span is a planned interval before it becomes a stored segment.
type span struct {
	start      float64
	end        float64
	importance float64
	script     string
	scriptHash string
}

func (s span) duration() float64 { return s.end - s.start }

func (p *Planner) minSeg() float64 {
	if v := p.cfg.Segment.MinSeconds; v > 0 {
		return v
	}
	return 2
}

func (p *Planner) maxSeg() float64 {
	if v := p.cfg.Segment.MaxSeconds; v > 0 {
		return v
	}
	return 30
}

func (p *Planner) shortClipMax() float64 {
	if v := p.cfg.Segment.ShortClipMaxSeconds; v > 0 {
		return v
	}
	return 3
}

func (p *Planner) overrunFactor() float64 {
	if v := p.cfg.PlanLimits.TargetOverrunFactor; v > 0 {
		return v
	}
	return 1.1
}

// splitShortClips cuts every span into ceil(dur/limit) equal fragments so no
// fragment exceeds the short-clip limit. Fragment importance follows the
// parent so selection still prefers the same material.
func splitShortClips(spans []span, limit float64) []span {
	out := make([]span, 0, len(spans))
	for _, sp := range spans {
		dur := sp.duration()
		if dur <= limit {
			out = append(out, sp)
			continue
		}
		parts := int(math.Ceil(dur / limit))
		step := dur / float64(parts)
		for i := 0; i < parts; i++ {
			fragment := sp
			fragment.start = sp.start + float64(i)*step
			fragment.end = sp.start + float64(i+1)*step
			if i == parts-1 {
				fragment.end = sp.end
			}
			out = append(out, fragment)
		}
	}
	return out
}

// selectByImportance keeps the most important spans until the budget is
// reached, then restores source order. A span is added while the running
// total is under the target; the overrun factor bounds how far past the
// target the last addition may land.
func selectByImportance(spans []span, targetSeconds, overrun float64) []span {
	type ranked struct {
		span
		pos int
	}
	order := make([]ranked, len(spans))
	for i, sp := range spans {
		order[i] = ranked{span: sp, pos: i}
	}
	// Equal importance resolves by source position so plans stay stable.
	sort.SliceStable(order, func(i, j int) bool {
		if order[i].importance != order[j].importance {
			return order[i].importance > order[j].importance
		}
		return order[i].pos < order[j].pos
	})

	budget := targetSeconds * overrun
	var total float64
	keep := make(map[int]bool, len(order))
	for _, r := range order {
		if total >= targetSeconds {
			break
		}
		if total+r.duration() > budget {
			continue
		}
		keep[r.pos] = true
		total += r.duration()
	}

	out := make([]span, 0, len(keep))
	for i, sp := range spans {
		if keep[i] {
			out = append(out, sp)
		}
	}
	return out
}

func fingerprint(jobID string, index int, start, end float64, scriptHash string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%.3f|%.3f", jobID, index, start, end)
	if scriptHash != "" {
		fmt.Fprintf(h, "|%s", scriptHash)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
