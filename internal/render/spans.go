// Package render merges a paragraph's stored underlines into display spans.
package render

import (
	"sort"

	"github.com/MarcoPoloResearchLab/marginalia/internal/underlines"
)

// Span is a maximal run of the paragraph covered by the same set of underlines.
// Offsets are rune positions; the range is half-open.
type Span struct {
	Start        int
	End          int
	Text         string
	UnderlineIDs []string
	HasIdea      bool
}

// Plain reports whether no underline covers the span.
func (s Span) Plain() bool {
	return len(s.UnderlineIDs) == 0
}

type interval struct {
	start   int
	end     int
	id      string
	hasIdea bool
}

// Merge partitions paragraphText into spans so that every rune belongs to
// exactly one span. Underline ranges are clamped to the paragraph; empty
// ranges are ignored.
func Merge(paragraphText string, marks []underlines.Underline) []Span {
	runes := []rune(paragraphText)
	length := len(runes)
	if length == 0 {
		return nil
	}

	intervals := make([]interval, 0, len(marks))
	for _, mark := range marks {
		start := clamp(mark.StartOffset, 0, length)
		end := clamp(mark.EndOffset, 0, length)
		if start >= end {
			continue
		}
		intervals = append(intervals, interval{start: start, end: end, id: mark.ID, hasIdea: mark.HasIdea()})
	}
	sort.SliceStable(intervals, func(i, j int) bool {
		return intervals[i].start < intervals[j].start
	})

	boundaries := make([]int, 0, 2*len(intervals)+2)
	boundaries = append(boundaries, 0, length)
	for _, iv := range intervals {
		boundaries = append(boundaries, iv.start, iv.end)
	}
	sort.Ints(boundaries)
	boundaries = dedupe(boundaries)

	spans := make([]Span, 0, len(boundaries)-1)
	active := make([]interval, 0, len(intervals))
	next := 0
	for index := 0; index+1 < len(boundaries); index++ {
		cursor := boundaries[index]
		kept := active[:0]
		for _, iv := range active {
			if iv.end > cursor {
				kept = append(kept, iv)
			}
		}
		active = kept
		for next < len(intervals) && intervals[next].start == cursor {
			active = append(active, intervals[next])
			next++
		}

		span := Span{
			Start: cursor,
			End:   boundaries[index+1],
			Text:  string(runes[cursor:boundaries[index+1]]),
		}
		if len(active) > 0 {
			span.UnderlineIDs = make([]string, 0, len(active))
			for _, iv := range active {
				span.UnderlineIDs = append(span.UnderlineIDs, iv.id)
				span.HasIdea = span.HasIdea || iv.hasIdea
			}
		}
		spans = append(spans, span)
	}
	return spans
}

func clamp(value, low, high int) int {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}

func dedupe(sorted []int) []int {
	out := sorted[:0]
	for index, value := range sorted {
		if index == 0 || value != sorted[index-1] {
			out = append(out, value)
		}
	}
	return out
}
