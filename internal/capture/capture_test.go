package capture

import (
	"testing"

	"github.com/MarcoPoloResearchLab/marginalia/internal/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const paragraph = "Great book! It's a great book, truly."

var book = catalog.BookRef{Type: catalog.BookTypeEbook, ID: "b1"}

func intPtr(value int) *int {
	return &value
}

func TestCaptureResolvesFirstOccurrenceWithoutHint(t *testing.T) {
	pending, ok := Capture(Selection{Book: book, AnchorParagraph: 3, FocusParagraph: 3, Text: "book"}, paragraph)
	require.True(t, ok)
	assert.Equal(t, Pending{Book: book, ParagraphIndex: 3, StartOffset: 6, EndOffset: 10, Text: "book"}, pending)
}

func TestCapturePositionHint(t *testing.T) {
	testCases := []struct {
		name          string
		hint          *int
		expectedStart int
	}{
		{name: "no-hint", hint: nil, expectedStart: 6},
		{name: "exact-second", hint: intPtr(25), expectedStart: 25},
		{name: "exact-first", hint: intPtr(6), expectedStart: 6},
		{name: "nearest-second", hint: intPtr(22), expectedStart: 25},
		{name: "nearest-first", hint: intPtr(9), expectedStart: 6},
		{name: "closer-to-first", hint: intPtr(15), expectedStart: 6},
		{name: "hint-past-end", hint: intPtr(500), expectedStart: 25},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			pending, ok := Capture(Selection{
				Book: book, AnchorParagraph: 0, FocusParagraph: 0, Text: "book", PositionHint: testCase.hint,
			}, paragraph)
			require.True(t, ok)
			assert.Equal(t, testCase.expectedStart, pending.StartOffset)
			assert.Equal(t, testCase.expectedStart+4, pending.EndOffset)
		})
	}
}

func TestCaptureIgnoresUnusableSelections(t *testing.T) {
	testCases := []struct {
		name      string
		selection Selection
	}{
		{name: "empty", selection: Selection{Book: book, Text: ""}},
		{name: "whitespace", selection: Selection{Book: book, Text: " \n\t"}},
		{name: "anchor-outside", selection: Selection{Book: book, AnchorParagraph: OutsideParagraph, FocusParagraph: 0, Text: "book"}},
		{name: "focus-outside", selection: Selection{Book: book, AnchorParagraph: 0, FocusParagraph: OutsideParagraph, Text: "book"}},
		{name: "cross-paragraph", selection: Selection{Book: book, AnchorParagraph: 0, FocusParagraph: 1, Text: "book"}},
		{name: "not-in-paragraph", selection: Selection{Book: book, Text: "magazine"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			pending, ok := Capture(testCase.selection, paragraph)
			assert.False(t, ok)
			assert.Equal(t, Pending{}, pending)
		})
	}
}

func TestCaptureUsesRuneOffsets(t *testing.T) {
	text := "大江东去，浪淘尽，千古风流人物。故垒西边，人道是。"
	pending, ok := Capture(Selection{Book: book, Text: "人"}, text)
	require.True(t, ok)
	assert.Equal(t, 13, pending.StartOffset)
	assert.Equal(t, 14, pending.EndOffset)
	assert.Equal(t, "人", string([]rune(text)[pending.StartOffset:pending.EndOffset]))

	pending, ok = Capture(Selection{Book: book, Text: "人", PositionHint: intPtr(20)}, text)
	require.True(t, ok)
	assert.Equal(t, 21, pending.StartOffset)
}

func TestOccurrencesOfFindsOverlappingMatches(t *testing.T) {
	assert.Equal(t, []int{0, 1, 2}, occurrencesOf("aaaa", "aa"))
	assert.Empty(t, occurrencesOf("abc", "d"))
}

func TestPendingConfirmBuildsCreateRequest(t *testing.T) {
	pending := Pending{Book: book, ParagraphIndex: 2, StartOffset: 6, EndOffset: 10, Text: "book"}
	request := pending.Confirm("user-1")
	assert.Equal(t, "user-1", request.UserID)
	assert.Equal(t, book, request.Book)
	assert.Equal(t, 2, request.ParagraphIndex)
	assert.Equal(t, 6, request.StartOffset)
	assert.Equal(t, 10, request.EndOffset)
	assert.Equal(t, "book", request.Text)
}
