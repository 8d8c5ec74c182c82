// Package highlights aggregates every reader's underlines into per-book
// popular highlights and serves the ranked list.
package highlights

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/marginalia/internal/catalog"
	"github.com/MarcoPoloResearchLab/marginalia/internal/locking"
	"github.com/MarcoPoloResearchLab/marginalia/internal/textnorm"
	"github.com/MarcoPoloResearchLab/marginalia/internal/underlines"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingSource   = errors.New("underline source is required")
	noOpLogger         = zap.NewNop()
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
	opAggregatorNew    = "highlights.aggregator.new"
	opReaderNew        = "highlights.reader.new"
	opRun              = "highlights.run"
	opRunAll           = "highlights.run_all"
	opList             = "highlights.list"
	fieldBook          = "book"
	queryBook          = "book_type = ? AND book_id = ?"
	queryBookHashes    = "book_type = ? AND book_id = ? AND text_hash IN ?"
	reasonInvalidInput = "invalid_input"
	reasonMissingDB    = "missing_database"
	reasonLockFailed   = "lock_failed"
	reasonInProgress   = "in_progress"
	reasonLoadFailed   = "load_failed"
	reasonCatalog      = "catalog_unavailable"
	reasonWriteFailed  = "write_failed"
	reasonQueryFailed  = "query_failed"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// UnderlineSource is the read side of the underline store used by runs.
type UnderlineSource interface {
	ListForBook(ctx context.Context, book catalog.BookRef) ([]underlines.Underline, error)
	ListBooks(ctx context.Context) ([]catalog.BookRef, error)
}

// Notifier is told about runs that changed a book's popular highlights.
type Notifier interface {
	HighlightsRefreshed(book catalog.BookRef, result RunResult)
}

// AggregatorConfig describes the dependencies of Aggregator. Without a
// Catalog every highlight is filed under chapter 0; without a Locker runs
// are serialized per book within this process only.
type AggregatorConfig struct {
	Database    *gorm.DB
	Underlines  UnderlineSource
	Catalog     catalog.Catalog
	Locker      locking.Locker
	Notifier    Notifier
	Metrics     *Metrics
	Clock       func() time.Time
	Logger      *zap.Logger
	Concurrency int
}

// Aggregator recomputes popular highlights from the full underline set.
type Aggregator struct {
	db          *gorm.DB
	source      UnderlineSource
	catalog     catalog.Catalog
	locker      locking.Locker
	notifier    Notifier
	metrics     *Metrics
	clock       func() time.Time
	logger      *zap.Logger
	concurrency int
}

// NewAggregator validates cfg and constructs an Aggregator.
func NewAggregator(cfg AggregatorConfig) (*Aggregator, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opAggregatorNew, reasonMissingDB, errMissingDatabase)
	}
	if cfg.Underlines == nil {
		return nil, newServiceError(opAggregatorNew, reasonInvalidInput, errMissingSource)
	}
	locker := cfg.Locker
	if locker == nil {
		locker = locking.NewLocalLocker()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Aggregator{
		db:          cfg.Database,
		source:      cfg.Underlines,
		catalog:     cfg.Catalog,
		locker:      locker,
		notifier:    cfg.Notifier,
		metrics:     cfg.Metrics,
		clock:       clock,
		logger:      logger,
		concurrency: concurrency,
	}, nil
}

type group struct {
	hash     string
	earliest underlines.Underline
	latest   underlines.Underline
	users    map[string]struct{}
}

// Run recomputes the popular highlights of one book. Rows for texts that fell
// below MinHighlighters are removed; unchanged rows are left untouched.
func (a *Aggregator) Run(ctx context.Context, book catalog.BookRef) (RunResult, error) {
	if err := validateBook(book); err != nil {
		return RunResult{}, newServiceError(opRun, reasonInvalidInput, err)
	}
	started := time.Now()

	unlock, acquired, err := a.locker.TryLock(ctx, book.Key())
	if err != nil {
		a.logError(opRun, reasonLockFailed, err, zap.String(fieldBook, book.String()))
		a.metrics.observeRun(outcomeFailed, 0, RunResult{})
		return RunResult{}, newServiceError(opRun, reasonLockFailed, fmt.Errorf("%w: %w", ErrAggregation, err))
	}
	if !acquired {
		a.logger.Info("aggregation skipped, run in progress", zap.String(fieldBook, book.String()))
		a.metrics.observeRun(outcomeInProgress, 0, RunResult{})
		return RunResult{}, newServiceError(opRun, reasonInProgress, ErrRunInProgress)
	}
	defer unlock()

	result, err := a.run(ctx, book)
	if err != nil {
		a.metrics.observeRun(outcomeFailed, 0, RunResult{})
		return RunResult{}, err
	}
	a.metrics.observeRun(outcomeSucceeded, time.Since(started), result)

	if result.Changed() && a.notifier != nil {
		a.notifier.HighlightsRefreshed(book, result)
	}
	a.logger.Debug("aggregation finished",
		zap.String(fieldBook, book.String()),
		zap.Int("groups", result.Groups),
		zap.Int("materialized", result.Materialized),
		zap.Int("inserted", result.Inserted),
		zap.Int("updated", result.Updated),
		zap.Int("deleted", result.Deleted))
	return result, nil
}

func (a *Aggregator) run(ctx context.Context, book catalog.BookRef) (RunResult, error) {
	rows, err := a.source.ListForBook(ctx, book)
	if err != nil {
		a.logError(opRun, reasonLoadFailed, err, zap.String(fieldBook, book.String()))
		return RunResult{}, newServiceError(opRun, reasonLoadFailed, fmt.Errorf("%w: %w", ErrAggregation, err))
	}

	groups := groupByText(rows)
	result := RunResult{Book: book, Groups: len(groups)}

	now := a.clock().UTC()
	desired := make([]PopularHighlight, 0, len(groups))
	chapters := make(map[int]int)
	for _, g := range groups {
		if len(g.users) < MinHighlighters {
			continue
		}
		chapterIndex, err := a.chapterOf(ctx, book, g.earliest.ParagraphIndex, chapters)
		if err != nil {
			a.logError(opRun, reasonCatalog, err,
				zap.String(fieldBook, book.String()),
				zap.Int("paragraph_index", g.earliest.ParagraphIndex))
			return RunResult{}, newServiceError(opRun, reasonCatalog, fmt.Errorf("%w: %w", ErrAggregation, err))
		}
		desired = append(desired, PopularHighlight{
			BookType:          book.Type.String(),
			BookID:            book.ID,
			TextHash:          g.hash,
			Text:              g.earliest.Text,
			ChapterIndex:      chapterIndex,
			ParagraphIndex:    g.earliest.ParagraphIndex,
			HighlighterCount:  len(g.users),
			LastHighlighterID: g.latest.UserID,
			CreatedAt:         now,
			UpdatedAt:         now,
		})
	}
	result.Materialized = len(desired)

	err = a.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var existing []PopularHighlight
		if err := transaction.Where(queryBook, book.Type.String(), book.ID).Find(&existing).Error; err != nil {
			return err
		}
		stored := make(map[string]PopularHighlight, len(existing))
		for _, row := range existing {
			stored[row.TextHash] = row
		}

		for _, row := range desired {
			previous, found := stored[row.TextHash]
			delete(stored, row.TextHash)
			if found && previous.sameContent(row) {
				result.Unchanged++
				continue
			}
			if err := transaction.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "book_type"}, {Name: "book_id"}, {Name: "text_hash"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"text", "chapter_index", "paragraph_index",
					"highlighter_count", "last_highlighter_id", "updated_at",
				}),
			}).Create(&row).Error; err != nil {
				return err
			}
			if found {
				result.Updated++
			} else {
				result.Inserted++
			}
		}

		if len(stored) == 0 {
			return nil
		}
		stale := make([]string, 0, len(stored))
		for hash := range stored {
			stale = append(stale, hash)
		}
		deletion := transaction.Where(queryBookHashes, book.Type.String(), book.ID, stale).Delete(&PopularHighlight{})
		if deletion.Error != nil {
			return deletion.Error
		}
		result.Deleted = int(deletion.RowsAffected)
		return nil
	})
	if err != nil {
		a.logError(opRun, reasonWriteFailed, err, zap.String(fieldBook, book.String()))
		return RunResult{}, newServiceError(opRun, reasonWriteFailed, fmt.Errorf("%w: %w", ErrAggregation, err))
	}
	return result, nil
}

func (a *Aggregator) chapterOf(ctx context.Context, book catalog.BookRef, paragraphIndex int, cache map[int]int) (int, error) {
	if a.catalog == nil {
		return 0, nil
	}
	if chapter, ok := cache[paragraphIndex]; ok {
		return chapter, nil
	}
	chapter, err := a.catalog.ChapterIndex(ctx, book, paragraphIndex)
	if err != nil {
		return 0, err
	}
	cache[paragraphIndex] = chapter
	return chapter, nil
}

// groupByText buckets rows by normalized-text hash, ordered by hash.
// Selections that normalize to nothing are not grouped.
func groupByText(rows []underlines.Underline) []*group {
	ordered := make([]underlines.Underline, len(rows))
	copy(ordered, rows)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	byHash := make(map[string]*group)
	for _, row := range ordered {
		normalized := textnorm.Normalize(row.Text)
		if normalized == "" {
			continue
		}
		hash := row.TextHash
		if hash == "" {
			hash = textnorm.Hash(normalized)
		}
		g, ok := byHash[hash]
		if !ok {
			g = &group{hash: hash, earliest: row, users: make(map[string]struct{})}
			byHash[hash] = g
		}
		g.latest = row
		g.users[row.UserID] = struct{}{}
	}

	groups := make([]*group, 0, len(byHash))
	for _, g := range byHash {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].hash < groups[j].hash
	})
	return groups
}

// RunBatch aggregates books with bounded concurrency. A failing book is
// recorded and never stops the others.
func (a *Aggregator) RunBatch(ctx context.Context, books []catalog.BookRef) BatchResult {
	results := make([]RunResult, len(books))
	errs := make([]error, len(books))

	var batch errgroup.Group
	batch.SetLimit(a.concurrency)
	for index, book := range books {
		batch.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[index] = err
				return nil
			}
			results[index], errs[index] = a.Run(ctx, book)
			return nil
		})
	}
	_ = batch.Wait()

	var outcome BatchResult
	for index, book := range books {
		switch err := errs[index]; {
		case err == nil:
			outcome.Results = append(outcome.Results, results[index])
		case errors.Is(err, ErrRunInProgress):
			outcome.Skipped = append(outcome.Skipped, book)
		default:
			outcome.Failures = append(outcome.Failures, BookFailure{Book: book, Err: err})
		}
	}
	if len(outcome.Failures) > 0 {
		a.logger.Warn("aggregation batch finished with failures",
			zap.Int("books", len(books)),
			zap.Int("failed", len(outcome.Failures)),
			zap.Int("skipped", len(outcome.Skipped)))
	}
	return outcome
}

// RunAll aggregates every book that has underlines.
func (a *Aggregator) RunAll(ctx context.Context) (BatchResult, error) {
	books, err := a.source.ListBooks(ctx)
	if err != nil {
		a.logError(opRunAll, reasonLoadFailed, err)
		return BatchResult{}, newServiceError(opRunAll, reasonLoadFailed, fmt.Errorf("%w: %w", ErrAggregation, err))
	}
	return a.RunBatch(ctx, books), nil
}

func validateBook(book catalog.BookRef) error {
	if !book.Type.Valid() {
		return fmt.Errorf("%w: book type %q", ErrValidation, book.Type.String())
	}
	if book.ID == "" {
		return fmt.Errorf("%w: empty book id", ErrValidation)
	}
	return nil
}

func (a *Aggregator) logError(operation, reason string, err error, fields ...zap.Field) {
	logWith(a.logger, "highlights aggregation error", operation, reason, err, fields...)
}

func logWith(logger *zap.Logger, message, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error(message, attrs...)
}
