package highlights

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/marginalia/internal/catalog"
)

const (
	// MinHighlighters is the distinct-user count at which a text becomes popular.
	MinHighlighters = 2
	// DefaultListLimit applies when a query leaves Limit unset.
	DefaultListLimit = 20
	// MaxListLimit caps a single page of popular highlights.
	MaxListLimit = 100
)

var (
	// ErrValidation indicates a malformed book reference or query.
	ErrValidation = errors.New("highlights: validation failed")
	// ErrAggregation indicates a run that could not complete; stored rows are left as they were.
	ErrAggregation = errors.New("highlights: aggregation failed")
	// ErrRunInProgress indicates that another run holds the book's lock.
	ErrRunInProgress = errors.New("highlights: run already in progress")
)

// PopularHighlight is the cross-user aggregate for one normalized text in a book.
type PopularHighlight struct {
	BookType          string    `gorm:"column:book_type;primaryKey;size:16;not null;index:idx_popular_rank,priority:1"`
	BookID            string    `gorm:"column:book_id;primaryKey;size:190;not null;index:idx_popular_rank,priority:2"`
	TextHash          string    `gorm:"column:text_hash;primaryKey;size:64;not null"`
	Text              string    `gorm:"column:text;type:text;not null"`
	ChapterIndex      int       `gorm:"column:chapter_index;not null;default:0"`
	ParagraphIndex    int       `gorm:"column:paragraph_index;not null;default:0"`
	HighlighterCount  int       `gorm:"column:highlighter_count;not null;index:idx_popular_rank,priority:3"`
	LastHighlighterID string    `gorm:"column:last_highlighter_id;size:190;not null"`
	CreatedAt         time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt         time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (PopularHighlight) TableName() string {
	return "popular_highlights"
}

// Book returns the book the aggregate belongs to.
func (h PopularHighlight) Book() catalog.BookRef {
	return catalog.BookRef{Type: catalog.BookType(h.BookType), ID: h.BookID}
}

func (h PopularHighlight) sameContent(other PopularHighlight) bool {
	return h.Text == other.Text &&
		h.ChapterIndex == other.ChapterIndex &&
		h.ParagraphIndex == other.ParagraphIndex &&
		h.HighlighterCount == other.HighlighterCount &&
		h.LastHighlighterID == other.LastHighlighterID
}

// RunResult summarizes one aggregation run for a book.
type RunResult struct {
	Book catalog.BookRef
	// Groups counts distinct normalized texts seen, popular or not.
	Groups       int
	Materialized int
	Inserted     int
	Updated      int
	Unchanged    int
	Deleted      int
}

// Changed reports whether the run wrote anything.
func (r RunResult) Changed() bool {
	return r.Inserted+r.Updated+r.Deleted > 0
}

// BookFailure records a book whose run failed inside a batch.
type BookFailure struct {
	Book catalog.BookRef
	Err  error
}

// BatchResult collects per-book outcomes of a batch run.
type BatchResult struct {
	Results  []RunResult
	Skipped  []catalog.BookRef
	Failures []BookFailure
}

// Query selects a page of popular highlights.
type Query struct {
	Limit   int
	Chapter *int
}

func (q Query) effectiveLimit() int {
	switch {
	case q.Limit <= 0:
		return DefaultListLimit
	case q.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return q.Limit
	}
}
