// Package journal persists the edge agent's open recording sessions in a
// local SQLite database so a crash between session open and close can be
// repaired on the next startup: every session still journaled at boot is
// closed against the store and removed.
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Record is one open recording session. Rows exist only between the store's
// open and close calls; a row found at startup marks a crashed run.
type Record struct {
	SessionID string    `gorm:"primarykey;size:128" json:"session_id"`
	DeviceID  string    `gorm:"size:128;not null;index" json:"device_id"`
	OpenedAt  time.Time `gorm:"not null" json:"opened_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName overrides the derived name; the table holds open sessions, not
// generic records.
func (Record) TableName() string { return "open_sessions" }

// SessionCloser closes a session against the store. *store.Client satisfies
// it; tests substitute fakes.
type SessionCloser interface {
	CloseSession(ctx context.Context, sessionID string, endTS time.Time, detectedClasses []string) error
}

// Journal is the edge's session journal. Safe for concurrent use.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open opens (and migrates) the journal database at path, creating parent
// directories as needed.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil, fmt.Errorf("journal path is empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}

	// Pure Go SQLite driver; PRAGMAs ride the DSN so they apply to every
	// pooled connection.
	dsn := path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(ON)"

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening journal database: %w", err)
	}

	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrating journal schema: %w", err)
	}

	return &Journal{
		db:     db,
		logger: logger.With(slog.String("component", "journal")),
	}, nil
}

// RecordOpen journals a freshly opened session. Re-recording the same
// session id updates the row instead of failing.
func (j *Journal) RecordOpen(ctx context.Context, sessionID, deviceID string, openedAt time.Time) error {
	rec := Record{
		SessionID: sessionID,
		DeviceID:  deviceID,
		OpenedAt:  openedAt.UTC(),
	}
	err := j.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("journaling session open: %w", err)
	}
	return nil
}

// RecordClosed removes a session from the journal once the store confirmed
// the close. Unknown ids are not an error.
func (j *Journal) RecordClosed(ctx context.Context, sessionID string) error {
	err := j.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Delete(&Record{}).Error
	if err != nil {
		return fmt.Errorf("journaling session close: %w", err)
	}
	return nil
}

// Dangling returns every journaled session, oldest first.
func (j *Journal) Dangling(ctx context.Context) ([]Record, error) {
	var recs []Record
	err := j.db.WithContext(ctx).
		Order("opened_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("listing journaled sessions: %w", err)
	}
	return recs, nil
}

// SweepDangling closes every journaled session against the store and removes
// the rows that closed cleanly. A failed close keeps its row for the next
// startup. The session end time is the row's last update, the nearest
// witness of when the crashed run last made progress. Returns the number of
// sessions closed.
func (j *Journal) SweepDangling(ctx context.Context, closer SessionCloser) (int, error) {
	recs, err := j.Dangling(ctx)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, rec := range recs {
		endTS := rec.UpdatedAt
		if endTS.IsZero() {
			endTS = rec.OpenedAt
		}

		if err := closer.CloseSession(ctx, rec.SessionID, endTS, nil); err != nil {
			j.logger.Warn("failed to close dangling session, keeping journal entry",
				slog.String("session_id", rec.SessionID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := j.RecordClosed(ctx, rec.SessionID); err != nil {
			return closed, err
		}

		j.logger.Info("closed dangling session from previous run",
			slog.String("session_id", rec.SessionID),
			slog.Time("opened_at", rec.OpenedAt),
		)
		closed++
	}
	return closed, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	return sqlDB.Close()
}
