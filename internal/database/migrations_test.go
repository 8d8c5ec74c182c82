package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/marginalia/internal/textnorm"
	"github.com/MarcoPoloResearchLab/marginalia/internal/underlines"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsTextHash(t *testing.T) {
	databasePath := filepath.Join(t.TempDir(), "migration.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&underlines.Underline{}, &migrationRecord{}))

	createdAt := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	legacy := underlines.Underline{
		ID: "legacy-1", UserID: "user-1", BookType: "ebook", BookID: "b1",
		StartOffset: 0, EndOffset: 11, Text: "It’s GREAT!", CreatedAt: createdAt, UpdatedAt: createdAt,
	}
	current := underlines.Underline{
		ID: "current-1", UserID: "user-2", BookType: "ebook", BookID: "b1",
		StartOffset: 0, EndOffset: 5, Text: "Great", TextHash: "keep-me", CreatedAt: createdAt, UpdatedAt: createdAt,
	}
	require.NoError(t, db.Create(&legacy).Error)
	require.NoError(t, db.Create(&current).Error)

	require.NoError(t, applyMigrations(db, zap.NewNop()))

	var stored underlines.Underline
	require.NoError(t, db.Where("id = ?", legacy.ID).Take(&stored).Error)
	assert.Equal(t, textnorm.Key("its great"), stored.TextHash)

	var kept underlines.Underline
	require.NoError(t, db.Where("id = ?", current.ID).Take(&kept).Error)
	assert.Equal(t, current.ID, kept.ID)
	assert.Equal(t, "keep-me", kept.TextHash)

	var record migrationRecord
	require.NoError(t, db.Where("name = ?", migrationBackfillUnderlineTextHash).Take(&record).Error)
	assert.NotZero(t, record.AppliedAtSeconds)

	require.NoError(t, applyMigrations(db, zap.NewNop()))
	var count int64
	require.NoError(t, db.Model(&migrationRecord{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestOpenCreatesSchema(t *testing.T) {
	db, err := Open(Config{Driver: DriverSQLite, Path: filepath.Join(t.TempDir(), "open.db")}, zap.NewNop())
	require.NoError(t, err)

	for _, table := range []string{"underlines", "popular_highlights", "book_paragraphs", "db_migrations"} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}
}

func TestOpenRejectsBadConfig(t *testing.T) {
	_, err := Open(Config{Driver: DriverSQLite}, nil)
	assert.Error(t, err)

	_, err = Open(Config{Driver: DriverPostgres}, nil)
	assert.Error(t, err)

	_, err = Open(Config{Driver: "mysql", Path: "x"}, nil)
	assert.Error(t, err)
}
