package planner

import (
	"context"
	"math"
	"sort"

	"recap/internal/services"
	"recap/internal/services/chapters"
)

// planFromChapters builds spans from the chapter service's coarse chapters:
// short chapters are merged into their successor, long ones subdivided
// evenly so every span duration lies in [minSeg, maxSeg]. When the service
// reports no chapters the source is sliced into maxSeg windows.
func (p *Planner) planFromChapters(ctx context.Context, input Input) ([]span, error) {
	if p.chapters == nil || p.gate == nil {
		return sliceEvenly(input.SourceDurationSeconds, p.maxSeg()), nil
	}

	var fetched []chapters.Chapter
	err := p.gate.Do(ctx, "chapters", func(ctx context.Context) error {
		var callErr error
		fetched, callErr = p.chapters.Chapters(ctx, chapters.Request{
			SourceURL:       input.SourceURL,
			DurationSeconds: input.SourceDurationSeconds,
		})
		return callErr
	})
	if err != nil {
		if services.IsCancellation(err) {
			return nil, err
		}
		return nil, services.Wrap(services.ErrPlanUnrealizable, "planning", "chapters", "chapter service failed", err)
	}
	if len(fetched) == 0 {
		return sliceEvenly(input.SourceDurationSeconds, p.maxSeg()), nil
	}

	sort.SliceStable(fetched, func(i, j int) bool {
		return fetched[i].StartSeconds < fetched[j].StartSeconds
	})

	spans := make([]span, 0, len(fetched))
	for _, chapter := range fetched {
		start := math.Max(0, chapter.StartSeconds)
		end := math.Min(input.SourceDurationSeconds, chapter.EndSeconds)
		if end <= start {
			continue
		}
		importance := chapter.Score
		if importance <= 0 {
			importance = (end - start) / input.SourceDurationSeconds
		}
		spans = append(spans, span{start: start, end: end, importance: importance})
	}

	spans = mergeShort(spans, p.minSeg())
	spans = subdivideLong(spans, p.maxSeg())
	return spans, nil
}

// sliceEvenly cuts the source into equal windows no longer than maxSeg.
func sliceEvenly(total, maxSeg float64) []span {
	parts := int(math.Ceil(total / maxSeg))
	if parts < 1 {
		parts = 1
	}
	step := total / float64(parts)
	spans := make([]span, parts)
	for i := range spans {
		spans[i] = span{
			start:      float64(i) * step,
			end:        float64(i+1) * step,
			importance: 1 / float64(parts),
		}
	}
	spans[parts-1].end = total
	return spans
}

// mergeShort folds chapters shorter than minSeg into their successor (the
// last one folds backwards). Importance accumulates so merged material is
// not penalized during target selection.
func mergeShort(spans []span, minSeg float64) []span {
	out := make([]span, 0, len(spans))
	for i := 0; i < len(spans); i++ {
		current := spans[i]
		for current.duration() < minSeg && i+1 < len(spans) {
			next := spans[i+1]
			current.end = next.end
			current.importance += next.importance
			i++
		}
		out = append(out, current)
	}
	if len(out) >= 2 {
		last := len(out) - 1
		if out[last].duration() < minSeg {
			out[last-1].end = out[last].end
			out[last-1].importance += out[last].importance
			out = out[:last]
		}
	}
	return out
}

// subdivideLong splits spans longer than maxSeg into equal parts, dividing
// the parent's importance among them.
func subdivideLong(spans []span, maxSeg float64) []span {
	out := make([]span, 0, len(spans))
	for _, sp := range spans {
		dur := sp.duration()
		if dur <= maxSeg {
			out = append(out, sp)
			continue
		}
		parts := int(math.Ceil(dur / maxSeg))
		step := dur / float64(parts)
		share := sp.importance / float64(parts)
		for i := 0; i < parts; i++ {
			child := span{
				start:      sp.start + float64(i)*step,
				end:        sp.start + float64(i+1)*step,
				importance: share,
			}
			if i == parts-1 {
				child.end = sp.end
			}
			out = append(out, child)
		}
	}
	return out
}
