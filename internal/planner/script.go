package planner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"recap/internal/logging"
	"recap/internal/services/chapters"
)

// splitParagraphs breaks an override script on blank lines, dropping empty
// paragraphs. Paragraph count equals segment count in scripted mode.
func splitParagraphs(script string) []string {
	if strings.TrimSpace(script) == "" {
		return nil
	}
	blocks := strings.Split(strings.ReplaceAll(script, "\r\n", "\n"), "\n\n")
	paragraphs := make([]string, 0, len(blocks))
	for _, block := range blocks {
		if trimmed := strings.TrimSpace(block); trimmed != "" {
			paragraphs = append(paragraphs, trimmed)
		}
	}
	return paragraphs
}

// normalizeScript produces the canonical form used for hashing so that
// fingerprints survive Unicode representation and casing differences in
// resubmitted scripts.
func normalizeScript(text string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(text)))
}

func paragraphHash(text string) string {
	sum := sha256.Sum256([]byte(normalizeScript(text)))
	return hex.EncodeToString(sum[:])
}

// planFromScript matches script paragraphs to source intervals. Pass one
// allocates spans proportionally to paragraph length; pass two, enabled by
// the ai_segment_matching toggle, refines the boundaries against chapter
// edges when the chapter service has them. Chapter lookup failures fall back
// to the proportional pass silently since the script, not the chapters, is
// authoritative here.
func (p *Planner) planFromScript(ctx context.Context, input Input, paragraphs []string) ([]span, error) {
	weights := make([]float64, len(paragraphs))
	var totalWeight float64
	for i, paragraph := range paragraphs {
		weights[i] = float64(len([]rune(normalizeScript(paragraph))))
		if weights[i] < 1 {
			weights[i] = 1
		}
		totalWeight += weights[i]
	}

	spans := make([]span, len(paragraphs))
	cursor := 0.0
	for i, paragraph := range paragraphs {
		share := weights[i] / totalWeight * input.SourceDurationSeconds
		spans[i] = span{
			start:      cursor,
			end:        cursor + share,
			importance: weights[i] / totalWeight,
			script:     paragraph,
			scriptHash: paragraphHash(paragraph),
		}
		cursor += share
	}
	spans[len(spans)-1].end = input.SourceDurationSeconds

	if input.AISegmentMatching {
		if edges := p.chapterEdges(ctx, input); len(edges) > 0 {
			snapToEdges(spans, edges)
		}
	}
	return clampSpans(spans, p.minSeg(), p.maxSeg(), input.SourceDurationSeconds), nil
}

// chapterEdges fetches chapter boundaries for refinement. Best-effort only.
func (p *Planner) chapterEdges(ctx context.Context, input Input) []float64 {
	if p.chapters == nil || p.gate == nil {
		return nil
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
		p.logger.Debug("chapter refinement unavailable",
			logging.String(logging.FieldJobID, input.JobID),
			logging.Error(err))
		return nil
	}
	edges := make([]float64, 0, len(fetched))
	for _, chapter := range fetched {
		if chapter.StartSeconds > 0 && chapter.StartSeconds < input.SourceDurationSeconds {
			edges = append(edges, chapter.StartSeconds)
		}
	}
	return edges
}

// snapToEdges moves each interior span boundary to the nearest chapter edge
// when the edge lies within a quarter of the smaller adjacent span. The
// boundary between spans i and i+1 is shared, so both move together.
func snapToEdges(spans []span, edges []float64) {
	for i := 0; i < len(spans)-1; i++ {
		boundary := spans[i].end
		tolerance := spans[i].duration()
		if next := spans[i+1].duration(); next < tolerance {
			tolerance = next
		}
		tolerance /= 4

		best := boundary
		bestDist := tolerance
		for _, edge := range edges {
			if edge <= spans[i].start || edge >= spans[i+1].end {
				continue
			}
			if dist := abs(edge - boundary); dist < bestDist {
				best = edge
				bestDist = dist
			}
		}
		spans[i].end = best
		spans[i+1].start = best
	}
}

// clampSpans enforces the [minSeg, maxSeg] duration bounds on scripted
// spans. Too-short spans are widened into the neighbor's room where
// possible; too-long spans are truncated around their midpoint. Paragraph
// pairing is preserved, which matters more than exact coverage.
func clampSpans(spans []span, minSeg, maxSeg, total float64) []span {
	for i := range spans {
		if spans[i].duration() >= minSeg {
			continue
		}
		deficit := minSeg - spans[i].duration()
		grow := deficit / 2
		newStart := spans[i].start - grow
		newEnd := spans[i].end + grow
		if newStart < 0 {
			newEnd -= newStart
			newStart = 0
		}
		if newEnd > total {
			newStart -= newEnd - total
			newEnd = total
		}
		if newStart < 0 {
			newStart = 0
		}
		spans[i].start = newStart
		spans[i].end = newEnd
	}
	for i := range spans {
		if spans[i].duration() <= maxSeg {
			continue
		}
		mid := (spans[i].start + spans[i].end) / 2
		spans[i].start = mid - maxSeg/2
		spans[i].end = mid + maxSeg/2
	}
	return spans
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
