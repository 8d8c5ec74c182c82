package underlines

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/marginalia/internal/catalog"
)

const (
	maxIdentifierLength = 190
	// MaxTextLength bounds a single underline's selected text, in runes.
	MaxTextLength = 5000
	// MaxIdeaLength bounds the note attached to an underline, in runes.
	MaxIdeaLength = 2000
)

var (
	// ErrValidation indicates malformed input rejected before persistence.
	ErrValidation = errors.New("underlines: validation failed")
	// ErrNotFound indicates that no matching underline exists.
	ErrNotFound = errors.New("underlines: not found")
	// ErrForbidden indicates an attempt to modify another user's underline.
	ErrForbidden = errors.New("underlines: forbidden")
)

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty user id", ErrValidation)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: user id exceeds %d characters", ErrValidation, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// UnderlineID represents a validated underline identifier.
type UnderlineID string

// NewUnderlineID validates raw input and returns an UnderlineID.
func NewUnderlineID(rawInput string) (UnderlineID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty underline id", ErrValidation)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: underline id exceeds %d characters", ErrValidation, maxIdentifierLength)
	}
	return UnderlineID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UnderlineID) String() string {
	return string(id)
}

// Underline is one user's highlighted span inside a paragraph.
// Offsets count runes of the paragraph's plain text; the range is half-open.
type Underline struct {
	ID             string    `gorm:"column:id;primaryKey;size:64;not null"`
	UserID         string    `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_underlines_owner_range,priority:1;index:idx_underlines_user_book,priority:1"`
	BookType       string    `gorm:"column:book_type;size:16;not null;uniqueIndex:idx_underlines_owner_range,priority:2;index:idx_underlines_paragraph,priority:1;index:idx_underlines_book_hash,priority:1;index:idx_underlines_user_book,priority:2"`
	BookID         string    `gorm:"column:book_id;size:190;not null;uniqueIndex:idx_underlines_owner_range,priority:3;index:idx_underlines_paragraph,priority:2;index:idx_underlines_book_hash,priority:2;index:idx_underlines_user_book,priority:3"`
	ParagraphIndex int       `gorm:"column:paragraph_index;not null;uniqueIndex:idx_underlines_owner_range,priority:4;index:idx_underlines_paragraph,priority:3"`
	StartOffset    int       `gorm:"column:start_offset;not null;uniqueIndex:idx_underlines_owner_range,priority:5;index:idx_underlines_paragraph,priority:4"`
	EndOffset      int       `gorm:"column:end_offset;not null;uniqueIndex:idx_underlines_owner_range,priority:6"`
	Text           string    `gorm:"column:text;type:text;not null"`
	TextHash       string    `gorm:"column:text_hash;size:64;not null;index:idx_underlines_book_hash,priority:3"`
	Idea           *string   `gorm:"column:idea;type:text"`
	CreatedAt      time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt      time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (Underline) TableName() string {
	return "underlines"
}

// Book returns the book the underline belongs to.
func (u Underline) Book() catalog.BookRef {
	return catalog.BookRef{Type: catalog.BookType(u.BookType), ID: u.BookID}
}

// HasIdea reports whether a note is attached.
func (u Underline) HasIdea() bool {
	return u.Idea != nil && *u.Idea != ""
}

// CreateRequest describes a confirmed selection to persist.
type CreateRequest struct {
	UserID         string
	Book           catalog.BookRef
	ParagraphIndex int
	StartOffset    int
	EndOffset      int
	Text           string
}

func (r CreateRequest) validate() (UserID, error) {
	userID, err := NewUserID(r.UserID)
	if err != nil {
		return "", err
	}
	if err := validateBook(r.Book); err != nil {
		return "", err
	}
	if r.ParagraphIndex < 0 {
		return "", fmt.Errorf("%w: paragraph index %d is negative", ErrValidation, r.ParagraphIndex)
	}
	if r.StartOffset < 0 {
		return "", fmt.Errorf("%w: start offset %d is negative", ErrValidation, r.StartOffset)
	}
	if r.StartOffset >= r.EndOffset {
		return "", fmt.Errorf("%w: start offset %d must be less than end offset %d", ErrValidation, r.StartOffset, r.EndOffset)
	}
	if strings.TrimSpace(r.Text) == "" {
		return "", fmt.Errorf("%w: empty text", ErrValidation)
	}
	textLength := utf8.RuneCountInString(r.Text)
	if textLength > MaxTextLength {
		return "", fmt.Errorf("%w: text exceeds %d characters", ErrValidation, MaxTextLength)
	}
	if textLength != r.EndOffset-r.StartOffset {
		return "", fmt.Errorf("%w: text length %d does not match range [%d,%d)", ErrValidation, textLength, r.StartOffset, r.EndOffset)
	}
	return userID, nil
}

func validateBook(book catalog.BookRef) error {
	if !book.Type.Valid() {
		return fmt.Errorf("%w: book type %q", ErrValidation, book.Type.String())
	}
	if strings.TrimSpace(book.ID) == "" {
		return fmt.Errorf("%w: empty book id", ErrValidation)
	}
	return nil
}

// CreateOutcome reports the stored row for a create call.
type CreateOutcome struct {
	Underline Underline
	// Duplicate is set when the same user already stored this exact range.
	Duplicate bool
}
