// Package sqlite persists the append-only operation log via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite GORM
// driver, with WAL mode enabled for concurrent reads. The registry stays
// authoritative for live session state; this store only keeps audit history
// across restarts.
package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jbarasa/hesabu/internal/domain"
	"github.com/jbarasa/hesabu/internal/session"
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path.
	JournalMode string // WAL mode by default.
}

// OperationModel is the persisted form of a domain.OperationRecord.
type OperationModel struct {
	ID        uint      `gorm:"primaryKey"`
	SessionID string    `gorm:"size:64;index:idx_operations_session"`
	Timestamp time.Time `gorm:"index:idx_operations_time"`
	Kind      string    `gorm:"size:32"`
	FileID    string    `gorm:"size:64"`
	Payload   string    `gorm:"type:text"` // JSON-encoded payload map.
}

// TableName overrides GORM's pluralization.
func (OperationModel) TableName() string { return "operations" }

// Store is the SQLite-backed operation log.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	path   string
}

var _ session.OperationLog = (*Store)(nil)

// Open creates a new SQLite-backed Store.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if slogger == nil {
		slogger = slog.Default()
	}

	// Ensure parent directory exists.
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	s := &Store{db: db, logger: slogger, path: cfg.Path}
	slogger.Info("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", journalMode))
	return s, nil
}

// Migrate runs GORM AutoMigrate to create/update tables.
func (s *Store) Migrate(_ context.Context) error {
	return s.db.AutoMigrate(&OperationModel{})
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append writes one operation record. Implements session.OperationLog.
func (s *Store) Append(ctx context.Context, sessionID string, rec domain.OperationRecord) error {
	payload := ""
	if len(rec.Payload) > 0 {
		b, err := json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("encoding operation payload: %w", err)
		}
		payload = string(b)
	}
	m := OperationModel{
		SessionID: sessionID,
		Timestamp: rec.Timestamp.UTC(),
		Kind:      string(rec.Kind),
		FileID:    rec.FileID,
		Payload:   payload,
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("appending operation record: %w", err)
	}
	return nil
}

// History returns a session's records in insertion order.
func (s *Store) History(ctx context.Context, sessionID string) ([]domain.OperationRecord, error) {
	var models []OperationModel
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("loading operation history: %w", err)
	}

	recs := make([]domain.OperationRecord, 0, len(models))
	for _, m := range models {
		rec := domain.OperationRecord{
			Timestamp: m.Timestamp,
			Kind:      domain.OperationKind(m.Kind),
			FileID:    m.FileID,
		}
		if m.Payload != "" {
			if err := json.Unmarshal([]byte(m.Payload), &rec.Payload); err != nil {
				s.logger.Warn("corrupt operation payload",
					slog.Uint64("id", uint64(m.ID)),
					slog.String("error", err.Error()))
			}
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// PurgeSession removes a session's records, returning the count.
func (s *Store) PurgeSession(ctx context.Context, sessionID string) (int64, error) {
	res := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&OperationModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("purging session records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// PurgeOlderThan removes records older than maxAge, returning the count.
func (s *Store) PurgeOlderThan(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res := s.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&OperationModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("purging old records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Warn(fmt.Sprintf(format, args...))
}
