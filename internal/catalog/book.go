// Package catalog describes the books highlights attach to and reads the
// paragraph-indexed plain text published by the catalog import pipeline.
package catalog

import (
	"errors"
	"fmt"
	"strings"
)

const maxBookIDLength = 190

var (
	// ErrInvalidBookType indicates a book type outside the supported variants.
	ErrInvalidBookType = errors.New("catalog: invalid book type")
	// ErrInvalidBookID indicates that a book identifier is empty or exceeds storage bounds.
	ErrInvalidBookID = errors.New("catalog: invalid book id")
)

// BookType enumerates the content kinds that carry paragraph text.
type BookType string

const (
	// BookTypeEbook identifies long-form ebooks.
	BookTypeEbook BookType = "ebook"
	// BookTypeMagazine identifies magazine issues.
	BookTypeMagazine BookType = "magazine"
)

// ParseBookType validates raw input against the closed set of book types.
func ParseBookType(rawInput string) (BookType, error) {
	switch BookType(strings.ToLower(strings.TrimSpace(rawInput))) {
	case BookTypeEbook:
		return BookTypeEbook, nil
	case BookTypeMagazine:
		return BookTypeMagazine, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidBookType, rawInput)
	}
}

// String returns the wire representation.
func (t BookType) String() string {
	return string(t)
}

// Valid reports whether t is one of the supported variants.
func (t BookType) Valid() bool {
	switch t {
	case BookTypeEbook, BookTypeMagazine:
		return true
	default:
		return false
	}
}

// keyPrefix derives the storage prefix for a book type.
func (t BookType) keyPrefix() string {
	switch t {
	case BookTypeEbook:
		return "eb"
	case BookTypeMagazine:
		return "mg"
	default:
		panic(fmt.Sprintf("catalog: unhandled book type %q", string(t)))
	}
}

// BookRef addresses one book of one type.
type BookRef struct {
	Type BookType
	ID   string
}

// NewBookRef validates raw input and returns a BookRef.
func NewBookRef(rawType, rawID string) (BookRef, error) {
	bookType, err := ParseBookType(rawType)
	if err != nil {
		return BookRef{}, err
	}
	trimmed := strings.TrimSpace(rawID)
	if trimmed == "" {
		return BookRef{}, fmt.Errorf("%w: empty", ErrInvalidBookID)
	}
	if len(trimmed) > maxBookIDLength {
		return BookRef{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidBookID, maxBookIDLength)
	}
	return BookRef{Type: bookType, ID: trimmed}, nil
}

// Key returns a stable key for locks and caches, e.g. "book:eb:42".
func (ref BookRef) Key() string {
	return "book:" + ref.Type.keyPrefix() + ":" + ref.ID
}

// String renders the ref for logs.
func (ref BookRef) String() string {
	return ref.Type.String() + "/" + ref.ID
}
