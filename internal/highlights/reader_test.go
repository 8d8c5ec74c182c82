package highlights

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedPopular(t *testing.T, f *fixture, hash string, count, chapter int, updatedAt time.Time) {
	t.Helper()
	require.NoError(t, f.db.Create(&PopularHighlight{
		BookType:          bookOne.Type.String(),
		BookID:            bookOne.ID,
		TextHash:          hash,
		Text:              "text " + hash,
		ChapterIndex:      chapter,
		HighlighterCount:  count,
		LastHighlighterID: "user1",
		CreatedAt:         updatedAt,
		UpdatedAt:         updatedAt,
	}).Error)
}

func hashes(rows []PopularHighlight) []string {
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.TextHash)
	}
	return out
}

func TestReaderOrdersByCountThenRecencyThenHash(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	seedPopular(t, f, "d", 2, 0, base)
	seedPopular(t, f, "c", 5, 0, base)
	seedPopular(t, f, "b", 2, 1, base.Add(time.Hour))
	seedPopular(t, f, "a", 2, 1, base)
	require.NoError(t, f.db.Create(&PopularHighlight{
		BookType: bookTwo.Type.String(), BookID: bookTwo.ID, TextHash: "z", Text: "other book",
		HighlighterCount: 9, LastHighlighterID: "user1", CreatedAt: base, UpdatedAt: base,
	}).Error)

	rows, err := f.reader.List(context.Background(), bookOne, Query{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a", "d"}, hashes(rows))
}

func TestReaderLimitAndChapterFilter(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	for index := 0; index < MaxListLimit+5; index++ {
		seedPopular(t, f, fmt.Sprintf("h%03d", index), 2, index%2, base)
	}
	ctx := context.Background()

	rows, err := f.reader.List(ctx, bookOne, Query{})
	require.NoError(t, err)
	assert.Len(t, rows, DefaultListLimit)

	rows, err = f.reader.List(ctx, bookOne, Query{Limit: 1000})
	require.NoError(t, err)
	assert.Len(t, rows, MaxListLimit)

	rows, err = f.reader.List(ctx, bookOne, Query{Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"h000", "h001", "h002"}, hashes(rows))

	chapter := 1
	rows, err = f.reader.List(ctx, bookOne, Query{Limit: 3, Chapter: &chapter})
	require.NoError(t, err)
	assert.Equal(t, []string{"h001", "h003", "h005"}, hashes(rows))
}

func TestReaderValidation(t *testing.T) {
	f := newFixture(t)
	negative := -1
	_, err := f.reader.List(context.Background(), bookOne, Query{Chapter: &negative})
	assert.ErrorIs(t, err, ErrValidation)

	var serviceErr *ServiceError
	require.True(t, errors.As(err, &serviceErr))
	assert.Equal(t, "highlights.list.invalid_input", serviceErr.Code())

	_, err = NewReader(ReaderConfig{})
	assert.Error(t, err)
}
