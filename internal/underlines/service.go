// Package underlines persists users' highlighted ranges and the ideas
// attached to them.
package underlines

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/marginalia/internal/catalog"
	"github.com/MarcoPoloResearchLab/marginalia/internal/textnorm"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew        = "underlines.service.new"
	opCreate            = "underlines.create"
	opAttachIdea        = "underlines.attach_idea"
	opGet               = "underlines.get"
	opListForParagraph  = "underlines.list_for_paragraph"
	opListForUser       = "underlines.list_for_user"
	opListForBook       = "underlines.list_for_book"
	opListBooks         = "underlines.list_books"
	opDelete            = "underlines.delete"
	fieldUserID         = "user_id"
	fieldUnderlineID    = "underline_id"
	fieldBook           = "book"
	queryID             = "id = ?"
	queryIDOwner        = "id = ? AND user_id = ?"
	queryBook           = "book_type = ? AND book_id = ?"
	queryParagraph      = "book_type = ? AND book_id = ? AND paragraph_index = ?"
	queryUserBook       = "user_id = ? AND book_type = ? AND book_id = ?"
	queryOwnerRange     = "user_id = ? AND book_type = ? AND book_id = ? AND paragraph_index = ? AND start_offset = ? AND end_offset = ?"
	reasonInvalidInput  = "invalid_input"
	reasonMissingDB     = "missing_database"
	reasonIDFailed      = "id_generation_failed"
	reasonInsertFailed  = "insert_failed"
	reasonLookupFailed  = "lookup_failed"
	reasonUpdateFailed  = "update_failed"
	reasonDeleteFailed  = "delete_failed"
	reasonQueryFailed   = "query_failed"
	reasonNotFound      = "not_found"
	reasonForbidden     = "forbidden"
	reasonCatalogFailed = "catalog_unavailable"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for new underlines.
type IDProvider interface {
	NewID() (string, error)
}

// IDProviderFunc adapts a plain function to IDProvider.
type IDProviderFunc func() (string, error)

// NewID implements IDProvider.
func (f IDProviderFunc) NewID() (string, error) {
	return f()
}

// UUIDv7 issues time-ordered UUIDs so ids sort with creation time.
var UUIDv7 IDProvider = IDProviderFunc(func() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
})

// ServiceConfig describes the dependencies of Service. Catalog is optional;
// without it only the range length is checked against the text.
type ServiceConfig struct {
	Database   *gorm.DB
	Catalog    catalog.Catalog
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service is the underline store.
type Service struct {
	db         *gorm.DB
	catalog    catalog.Catalog
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates cfg and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDB, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = UUIDv7
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		catalog:    cfg.Catalog,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// Create persists a confirmed selection. Re-submitting the same range for the
// same user returns the stored row with Duplicate set.
func (s *Service) Create(ctx context.Context, request CreateRequest) (CreateOutcome, error) {
	if s.db == nil {
		s.logError(opCreate, reasonMissingDB, errMissingDatabase)
		return CreateOutcome{}, newServiceError(opCreate, reasonMissingDB, errMissingDatabase)
	}
	userID, err := request.validate()
	if err != nil {
		return CreateOutcome{}, newServiceError(opCreate, reasonInvalidInput, err)
	}
	if err := s.checkAgainstCatalog(ctx, request); err != nil {
		return CreateOutcome{}, err
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, reasonIDFailed, err, zap.String(fieldUserID, userID.String()))
		return CreateOutcome{}, newServiceError(opCreate, reasonIDFailed, err)
	}
	if id == "" {
		s.logError(opCreate, reasonIDFailed, errMissingIDProvider, zap.String(fieldUserID, userID.String()))
		return CreateOutcome{}, newServiceError(opCreate, reasonIDFailed, errMissingIDProvider)
	}

	now := s.clock().UTC()
	model := Underline{
		ID:             id,
		UserID:         userID.String(),
		BookType:       request.Book.Type.String(),
		BookID:         request.Book.ID,
		ParagraphIndex: request.ParagraphIndex,
		StartOffset:    request.StartOffset,
		EndOffset:      request.EndOffset,
		Text:           request.Text,
		TextHash:       textnorm.Key(request.Text),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	outcome := CreateOutcome{}
	transactionErr := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		createResult := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
		if createResult.Error != nil {
			s.logError(opCreate, reasonInsertFailed, createResult.Error,
				zap.String(fieldUserID, userID.String()),
				zap.String(fieldBook, request.Book.String()))
			return newServiceError(opCreate, reasonInsertFailed, createResult.Error)
		}
		if createResult.RowsAffected > 0 {
			outcome.Underline = model
			return nil
		}

		var existing Underline
		err := transaction.
			Where(queryOwnerRange, userID.String(), model.BookType, model.BookID,
				model.ParagraphIndex, model.StartOffset, model.EndOffset).
			Take(&existing).Error
		if err != nil {
			s.logError(opCreate, reasonLookupFailed, err,
				zap.String(fieldUserID, userID.String()),
				zap.String(fieldBook, request.Book.String()))
			return newServiceError(opCreate, reasonLookupFailed, err)
		}
		outcome.Underline = existing
		outcome.Duplicate = true
		return nil
	})
	if transactionErr != nil {
		return CreateOutcome{}, transactionErr
	}
	return outcome, nil
}

func (s *Service) checkAgainstCatalog(ctx context.Context, request CreateRequest) error {
	if s.catalog == nil {
		return nil
	}
	paragraph, err := s.catalog.ParagraphText(ctx, request.Book, request.ParagraphIndex)
	switch {
	case errors.Is(err, catalog.ErrBookNotFound), errors.Is(err, catalog.ErrParagraphOutOfRange):
		return newServiceError(opCreate, reasonInvalidInput, fmt.Errorf("%w: %v", ErrValidation, err))
	case err != nil:
		s.logError(opCreate, reasonCatalogFailed, err, zap.String(fieldBook, request.Book.String()))
		return newServiceError(opCreate, reasonCatalogFailed, err)
	}

	runes := []rune(paragraph)
	if request.EndOffset > len(runes) {
		return newServiceError(opCreate, reasonInvalidInput,
			fmt.Errorf("%w: end offset %d exceeds paragraph length %d", ErrValidation, request.EndOffset, len(runes)))
	}
	if string(runes[request.StartOffset:request.EndOffset]) != request.Text {
		return newServiceError(opCreate, reasonInvalidInput,
			fmt.Errorf("%w: text does not match paragraph range [%d,%d)", ErrValidation, request.StartOffset, request.EndOffset))
	}
	return nil
}

// AttachIdea sets or replaces the note on one of the user's underlines.
// A blank idea clears it.
func (s *Service) AttachIdea(ctx context.Context, rawUnderlineID, rawUserID, idea string) (Underline, error) {
	if s.db == nil {
		s.logError(opAttachIdea, reasonMissingDB, errMissingDatabase)
		return Underline{}, newServiceError(opAttachIdea, reasonMissingDB, errMissingDatabase)
	}
	underlineID, err := NewUnderlineID(rawUnderlineID)
	if err != nil {
		return Underline{}, newServiceError(opAttachIdea, reasonInvalidInput, err)
	}
	userID, err := NewUserID(rawUserID)
	if err != nil {
		return Underline{}, newServiceError(opAttachIdea, reasonInvalidInput, err)
	}

	var ideaValue *string
	if trimmed := strings.TrimSpace(idea); trimmed != "" {
		if utf8.RuneCountInString(trimmed) > MaxIdeaLength {
			return Underline{}, newServiceError(opAttachIdea, reasonInvalidInput,
				fmt.Errorf("%w: idea exceeds %d characters", ErrValidation, MaxIdeaLength))
		}
		ideaValue = &trimmed
	}

	var stored Underline
	transactionErr := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		err := transaction.Where(queryIDOwner, underlineID.String(), userID.String()).Take(&stored).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opAttachIdea, reasonNotFound,
				fmt.Errorf("%w: underline %s", ErrNotFound, underlineID))
		}
		if err != nil {
			s.logError(opAttachIdea, reasonLookupFailed, err,
				zap.String(fieldUnderlineID, underlineID.String()),
				zap.String(fieldUserID, userID.String()))
			return newServiceError(opAttachIdea, reasonLookupFailed, err)
		}

		stored.Idea = ideaValue
		stored.UpdatedAt = s.clock().UTC()
		err = transaction.Model(&Underline{}).
			Where(queryIDOwner, underlineID.String(), userID.String()).
			Updates(map[string]any{"idea": stored.Idea, "updated_at": stored.UpdatedAt}).Error
		if err != nil {
			s.logError(opAttachIdea, reasonUpdateFailed, err,
				zap.String(fieldUnderlineID, underlineID.String()),
				zap.String(fieldUserID, userID.String()))
			return newServiceError(opAttachIdea, reasonUpdateFailed, err)
		}
		return nil
	})
	if transactionErr != nil {
		return Underline{}, transactionErr
	}
	return stored, nil
}

// Get returns a single underline by id.
func (s *Service) Get(ctx context.Context, rawUnderlineID string) (Underline, error) {
	if s.db == nil {
		s.logError(opGet, reasonMissingDB, errMissingDatabase)
		return Underline{}, newServiceError(opGet, reasonMissingDB, errMissingDatabase)
	}
	underlineID, err := NewUnderlineID(rawUnderlineID)
	if err != nil {
		return Underline{}, newServiceError(opGet, reasonInvalidInput, err)
	}
	var stored Underline
	err = s.db.WithContext(ctx).Where(queryID, underlineID.String()).Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Underline{}, newServiceError(opGet, reasonNotFound, fmt.Errorf("%w: underline %s", ErrNotFound, underlineID))
	}
	if err != nil {
		s.logError(opGet, reasonQueryFailed, err, zap.String(fieldUnderlineID, underlineID.String()))
		return Underline{}, newServiceError(opGet, reasonQueryFailed, err)
	}
	return stored, nil
}

// ListForParagraph returns every user's underlines on one paragraph, ordered
// by start offset and then creation time.
func (s *Service) ListForParagraph(ctx context.Context, book catalog.BookRef, paragraphIndex int) ([]Underline, error) {
	if s.db == nil {
		s.logError(opListForParagraph, reasonMissingDB, errMissingDatabase)
		return nil, newServiceError(opListForParagraph, reasonMissingDB, errMissingDatabase)
	}
	if err := validateBook(book); err != nil {
		return nil, newServiceError(opListForParagraph, reasonInvalidInput, err)
	}
	if paragraphIndex < 0 {
		return nil, newServiceError(opListForParagraph, reasonInvalidInput,
			fmt.Errorf("%w: paragraph index %d is negative", ErrValidation, paragraphIndex))
	}

	var rows []Underline
	if err := s.db.WithContext(ctx).
		Where(queryParagraph, book.Type.String(), book.ID, paragraphIndex).
		Order("start_offset ASC").
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error; err != nil {
		s.logError(opListForParagraph, reasonQueryFailed, err, zap.String(fieldBook, book.String()))
		return nil, newServiceError(opListForParagraph, reasonQueryFailed, err)
	}
	return rows, nil
}

// ListForUser returns one user's underlines in a book in reading order.
func (s *Service) ListForUser(ctx context.Context, rawUserID string, book catalog.BookRef) ([]Underline, error) {
	if s.db == nil {
		s.logError(opListForUser, reasonMissingDB, errMissingDatabase)
		return nil, newServiceError(opListForUser, reasonMissingDB, errMissingDatabase)
	}
	userID, err := NewUserID(rawUserID)
	if err != nil {
		return nil, newServiceError(opListForUser, reasonInvalidInput, err)
	}
	if err := validateBook(book); err != nil {
		return nil, newServiceError(opListForUser, reasonInvalidInput, err)
	}

	var rows []Underline
	if err := s.db.WithContext(ctx).
		Where(queryUserBook, userID.String(), book.Type.String(), book.ID).
		Order("paragraph_index ASC").
		Order("start_offset ASC").
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		s.logError(opListForUser, reasonQueryFailed, err,
			zap.String(fieldUserID, userID.String()),
			zap.String(fieldBook, book.String()))
		return nil, newServiceError(opListForUser, reasonQueryFailed, err)
	}
	return rows, nil
}

// ListForBook returns all underlines of a book, oldest first.
func (s *Service) ListForBook(ctx context.Context, book catalog.BookRef) ([]Underline, error) {
	if s.db == nil {
		s.logError(opListForBook, reasonMissingDB, errMissingDatabase)
		return nil, newServiceError(opListForBook, reasonMissingDB, errMissingDatabase)
	}
	if err := validateBook(book); err != nil {
		return nil, newServiceError(opListForBook, reasonInvalidInput, err)
	}

	var rows []Underline
	if err := s.db.WithContext(ctx).
		Where(queryBook, book.Type.String(), book.ID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error; err != nil {
		s.logError(opListForBook, reasonQueryFailed, err, zap.String(fieldBook, book.String()))
		return nil, newServiceError(opListForBook, reasonQueryFailed, err)
	}
	return rows, nil
}

type bookRow struct {
	BookType string `gorm:"column:book_type"`
	BookID   string `gorm:"column:book_id"`
}

// ListBooks returns every book that has at least one underline.
func (s *Service) ListBooks(ctx context.Context) ([]catalog.BookRef, error) {
	if s.db == nil {
		s.logError(opListBooks, reasonMissingDB, errMissingDatabase)
		return nil, newServiceError(opListBooks, reasonMissingDB, errMissingDatabase)
	}

	var rows []bookRow
	if err := s.db.WithContext(ctx).
		Model(&Underline{}).
		Distinct("book_type", "book_id").
		Order("book_type ASC").
		Order("book_id ASC").
		Find(&rows).Error; err != nil {
		s.logError(opListBooks, reasonQueryFailed, err)
		return nil, newServiceError(opListBooks, reasonQueryFailed, err)
	}

	books := make([]catalog.BookRef, 0, len(rows))
	for _, row := range rows {
		book, err := catalog.NewBookRef(row.BookType, row.BookID)
		if err != nil {
			s.loggerOrDefault().Warn("skipping book with invalid reference",
				zap.String("book_type", row.BookType),
				zap.String("book_id", row.BookID),
				zap.Error(err))
			continue
		}
		books = append(books, book)
	}
	return books, nil
}

// Delete removes one of the user's underlines. Deleting a missing id succeeds.
func (s *Service) Delete(ctx context.Context, rawUnderlineID, rawUserID string) error {
	if s.db == nil {
		s.logError(opDelete, reasonMissingDB, errMissingDatabase)
		return newServiceError(opDelete, reasonMissingDB, errMissingDatabase)
	}
	underlineID, err := NewUnderlineID(rawUnderlineID)
	if err != nil {
		return newServiceError(opDelete, reasonInvalidInput, err)
	}
	userID, err := NewUserID(rawUserID)
	if err != nil {
		return newServiceError(opDelete, reasonInvalidInput, err)
	}

	return s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var existing Underline
		err := transaction.Select("id", "user_id").Where(queryID, underlineID.String()).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			s.logError(opDelete, reasonLookupFailed, err, zap.String(fieldUnderlineID, underlineID.String()))
			return newServiceError(opDelete, reasonLookupFailed, err)
		}
		if existing.UserID != userID.String() {
			return newServiceError(opDelete, reasonForbidden,
				fmt.Errorf("%w: underline %s belongs to another user", ErrForbidden, underlineID))
		}
		if err := transaction.Where(queryIDOwner, underlineID.String(), userID.String()).Delete(&Underline{}).Error; err != nil {
			s.logError(opDelete, reasonDeleteFailed, err,
				zap.String(fieldUnderlineID, underlineID.String()),
				zap.String(fieldUserID, userID.String()))
			return newServiceError(opDelete, reasonDeleteFailed, err)
		}
		return nil
	})
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("underlines service error", attrs...)
}
