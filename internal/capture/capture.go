// Package capture turns a reader's raw text selection into a pending
// underline range within a single paragraph.
package capture

import (
	"strings"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/marginalia/internal/catalog"
	"github.com/MarcoPoloResearchLab/marginalia/internal/underlines"
)

// OutsideParagraph marks a selection end that is not inside any paragraph container.
const OutsideParagraph = -1

// Selection is what the reading surface reports for a finished selection.
type Selection struct {
	Book            catalog.BookRef
	AnchorParagraph int
	FocusParagraph  int
	Text            string
	// PositionHint is the rune offset of the live range start, when known.
	PositionHint *int
}

// Pending is a resolved selection awaiting the reader's confirmation.
// It lives for one request and is never stored.
type Pending struct {
	Book           catalog.BookRef
	ParagraphIndex int
	StartOffset    int
	EndOffset      int
	Text           string
}

// Confirm produces the store request for userID.
func (p Pending) Confirm(userID string) underlines.CreateRequest {
	return underlines.CreateRequest{
		UserID:         userID,
		Book:           p.Book,
		ParagraphIndex: p.ParagraphIndex,
		StartOffset:    p.StartOffset,
		EndOffset:      p.EndOffset,
		Text:           p.Text,
	}
}

// Capture resolves sel against the plain text of its paragraph. The boolean
// is false when the selection is ignored: blank text, an end outside any
// paragraph, a selection spanning paragraphs, or text missing from the paragraph.
func Capture(sel Selection, paragraphText string) (Pending, bool) {
	if strings.TrimSpace(sel.Text) == "" {
		return Pending{}, false
	}
	if sel.AnchorParagraph < 0 || sel.FocusParagraph < 0 || sel.AnchorParagraph != sel.FocusParagraph {
		return Pending{}, false
	}

	occurrences := occurrencesOf(paragraphText, sel.Text)
	if len(occurrences) == 0 {
		return Pending{}, false
	}
	start := pickOccurrence(occurrences, sel.PositionHint)

	return Pending{
		Book:           sel.Book,
		ParagraphIndex: sel.AnchorParagraph,
		StartOffset:    start,
		EndOffset:      start + utf8.RuneCountInString(sel.Text),
		Text:           sel.Text,
	}, true
}

// occurrencesOf returns the rune offsets of every, possibly overlapping,
// occurrence of needle in haystack.
func occurrencesOf(haystack, needle string) []int {
	var offsets []int
	byteOffset := 0
	runeOffset := 0
	for byteOffset <= len(haystack) {
		index := strings.Index(haystack[byteOffset:], needle)
		if index < 0 {
			break
		}
		runeOffset += utf8.RuneCountInString(haystack[byteOffset : byteOffset+index])
		byteOffset += index
		offsets = append(offsets, runeOffset)

		_, width := utf8.DecodeRuneInString(haystack[byteOffset:])
		if width == 0 {
			break
		}
		byteOffset += width
		runeOffset++
	}
	return offsets
}

func pickOccurrence(occurrences []int, hint *int) int {
	if hint == nil {
		return occurrences[0]
	}
	best := occurrences[0]
	bestDistance := distance(best, *hint)
	for _, offset := range occurrences[1:] {
		if d := distance(offset, *hint); d < bestDistance {
			best, bestDistance = offset, d
		}
	}
	return best
}

func distance(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
