package highlights

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/marginalia/internal/catalog"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ReaderConfig describes the dependencies of Reader.
type ReaderConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Reader serves ranked popular highlights.
type Reader struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewReader validates cfg and constructs a Reader.
func NewReader(cfg ReaderConfig) (*Reader, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opReaderNew, reasonMissingDB, errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Reader{db: cfg.Database, logger: logger}, nil
}

// List returns a book's popular highlights, most highlighters first, then
// most recently reinforced.
func (r *Reader) List(ctx context.Context, book catalog.BookRef, query Query) ([]PopularHighlight, error) {
	if err := validateBook(book); err != nil {
		return nil, newServiceError(opList, reasonInvalidInput, err)
	}
	if query.Chapter != nil && *query.Chapter < 0 {
		return nil, newServiceError(opList, reasonInvalidInput,
			fmt.Errorf("%w: chapter %d is negative", ErrValidation, *query.Chapter))
	}

	statement := r.db.WithContext(ctx).Where(queryBook, book.Type.String(), book.ID)
	if query.Chapter != nil {
		statement = statement.Where("chapter_index = ?", *query.Chapter)
	}
	var rows []PopularHighlight
	if err := statement.
		Order("highlighter_count DESC").
		Order("updated_at DESC").
		Order("text_hash ASC").
		Limit(query.effectiveLimit()).
		Find(&rows).Error; err != nil {
		logWith(r.logger, "highlights reader error", opList, reasonQueryFailed, err, zap.String(fieldBook, book.String()))
		return nil, newServiceError(opList, reasonQueryFailed, err)
	}
	return rows, nil
}
