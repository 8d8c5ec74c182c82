package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"
)

var (
	// ErrBookNotFound indicates that the catalog holds no paragraphs for a book.
	ErrBookNotFound = errors.New("catalog: book not found")
	// ErrParagraphOutOfRange indicates a paragraph index beyond the book's content.
	ErrParagraphOutOfRange = errors.New("catalog: paragraph index out of range")
	// ErrUnavailable indicates that the catalog backend could not be reached.
	ErrUnavailable = errors.New("catalog: unavailable")
)

// Catalog exposes the paragraph-indexed plain text of published books.
type Catalog interface {
	ParagraphCount(ctx context.Context, book BookRef) (int, error)
	ParagraphText(ctx context.Context, book BookRef, paragraphIndex int) (string, error)
	ChapterIndex(ctx context.Context, book BookRef, paragraphIndex int) (int, error)
}

// BookParagraph is the read-only projection written by the catalog import pipeline.
type BookParagraph struct {
	BookType       string `gorm:"column:book_type;primaryKey;size:16;not null"`
	BookID         string `gorm:"column:book_id;primaryKey;size:190;not null"`
	ParagraphIndex int    `gorm:"column:paragraph_index;primaryKey;not null;autoIncrement:false"`
	ChapterIndex   int    `gorm:"column:chapter_index;not null;default:0"`
	Text           string `gorm:"column:text;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (BookParagraph) TableName() string {
	return "book_paragraphs"
}

const queryBookParagraph = "book_type = ? AND book_id = ? AND paragraph_index = ?"

// Store reads paragraphs from the book_paragraphs table.
type Store struct {
	db *gorm.DB
}

// NewStore constructs a Store backed by db.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("catalog: database connection required")
	}
	return &Store{db: db}, nil
}

// ParagraphCount returns the number of paragraphs in book.
func (s *Store) ParagraphCount(ctx context.Context, book BookRef) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&BookParagraph{}).
		Where("book_type = ? AND book_id = ?", book.Type.String(), book.ID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count == 0 {
		return 0, fmt.Errorf("%w: %s", ErrBookNotFound, book)
	}
	return int(count), nil
}

// ParagraphText returns the plain text of one paragraph.
func (s *Store) ParagraphText(ctx context.Context, book BookRef, paragraphIndex int) (string, error) {
	paragraph, err := s.paragraph(ctx, book, paragraphIndex)
	if err != nil {
		return "", err
	}
	return paragraph.Text, nil
}

// ChapterIndex returns the chapter a paragraph belongs to.
func (s *Store) ChapterIndex(ctx context.Context, book BookRef, paragraphIndex int) (int, error) {
	paragraph, err := s.paragraph(ctx, book, paragraphIndex)
	if err != nil {
		return 0, err
	}
	return paragraph.ChapterIndex, nil
}

func (s *Store) paragraph(ctx context.Context, book BookRef, paragraphIndex int) (BookParagraph, error) {
	if paragraphIndex < 0 {
		return BookParagraph{}, fmt.Errorf("%w: %d", ErrParagraphOutOfRange, paragraphIndex)
	}
	var paragraph BookParagraph
	err := s.db.WithContext(ctx).
		Where(queryBookParagraph, book.Type.String(), book.ID, paragraphIndex).
		Take(&paragraph).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if _, countErr := s.ParagraphCount(ctx, book); countErr != nil {
			return BookParagraph{}, countErr
		}
		return BookParagraph{}, fmt.Errorf("%w: %d", ErrParagraphOutOfRange, paragraphIndex)
	}
	if err != nil {
		return BookParagraph{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return paragraph, nil
}

// Chapter groups paragraph texts for Memory.
type Chapter []string

// Memory is an in-process Catalog, used where no database projection exists.
type Memory struct {
	mu    sync.RWMutex
	books map[BookRef][]BookParagraph
}

// NewMemory returns an empty in-process catalog.
func NewMemory() *Memory {
	return &Memory{books: make(map[BookRef][]BookParagraph)}
}

// Put replaces the content of book with the given chapters.
func (m *Memory) Put(book BookRef, chapters ...Chapter) {
	paragraphs := make([]BookParagraph, 0)
	for chapterIndex, chapter := range chapters {
		for _, text := range chapter {
			paragraphs = append(paragraphs, BookParagraph{
				BookType:       book.Type.String(),
				BookID:         book.ID,
				ParagraphIndex: len(paragraphs),
				ChapterIndex:   chapterIndex,
				Text:           text,
			})
		}
	}
	m.mu.Lock()
	m.books[book] = paragraphs
	m.mu.Unlock()
}

// ParagraphCount implements Catalog.
func (m *Memory) ParagraphCount(_ context.Context, book BookRef) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	paragraphs, ok := m.books[book]
	if !ok || len(paragraphs) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrBookNotFound, book)
	}
	return len(paragraphs), nil
}

// ParagraphText implements Catalog.
func (m *Memory) ParagraphText(ctx context.Context, book BookRef, paragraphIndex int) (string, error) {
	paragraph, err := m.paragraph(ctx, book, paragraphIndex)
	if err != nil {
		return "", err
	}
	return paragraph.Text, nil
}

// ChapterIndex implements Catalog.
func (m *Memory) ChapterIndex(ctx context.Context, book BookRef, paragraphIndex int) (int, error) {
	paragraph, err := m.paragraph(ctx, book, paragraphIndex)
	if err != nil {
		return 0, err
	}
	return paragraph.ChapterIndex, nil
}

func (m *Memory) paragraph(ctx context.Context, book BookRef, paragraphIndex int) (BookParagraph, error) {
	count, err := m.ParagraphCount(ctx, book)
	if err != nil {
		return BookParagraph{}, err
	}
	if paragraphIndex < 0 || paragraphIndex >= count {
		return BookParagraph{}, fmt.Errorf("%w: %d", ErrParagraphOutOfRange, paragraphIndex)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.books[book][paragraphIndex], nil
}
