// Package history keeps a record of finished solves in SQLite.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DefaultLimit is the number of records List returns when asked for none.
const DefaultLimit = 50

// SolveRecord is one finished solve.
type SolveRecord struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	URL         string    `gorm:"index" json:"url"`
	Command     string    `json:"cmd"`
	Status      string    `gorm:"index" json:"status"`
	Message     string    `json:"message"`
	FailedStep  string    `json:"failedStep,omitempty"`
	Proxy       string    `json:"proxy,omitempty"`
	CookieCount int       `json:"cookieCount"`
	UserAgent   string    `json:"userAgent,omitempty"`
	StartedAt   time.Time `gorm:"index" json:"startedAt"`
	DurationMS  int64     `json:"durationMs"`
}

// Store persists solve records.
type Store struct {
	db *gorm.DB
}

// Open opens or creates the database at path.
func Open(path string, log zerolog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: newGormLogger(log),
	})
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if err := db.AutoMigrate(&SolveRecord{}); err != nil {
		return nil, fmt.Errorf("migrate history database: %w", err)
	}
	return &Store{db: db}, nil
}

// Record stores rec, assigning an ID if it has none.
func (s *Store) Record(ctx context.Context, rec *SolveRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(rec).Error
}

// List returns the most recent records first.
func (s *Store) List(ctx context.Context, limit int) ([]SolveRecord, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	var records []SolveRecord
	err := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit).Find(&records).Error
	return records, err
}

// Get returns the record with the given ID.
func (s *Store) Get(ctx context.Context, id string) (*SolveRecord, bool, error) {
	var rec SolveRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

// Close closes the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// gormLogger sends GORM messages to zerolog.
type gormLogger struct {
	log   zerolog.Logger
	level logger.LogLevel
}

func newGormLogger(log zerolog.Logger) *gormLogger {
	return &gormLogger{log: log, level: logger.Warn}
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	n := *l
	n.level = level
	return &n
}

func (l *gormLogger) Info(_ context.Context, msg string, data ...any) {
	if l.level >= logger.Info {
		l.log.Info().Msgf(msg, data...)
	}
}

func (l *gormLogger) Warn(_ context.Context, msg string, data ...any) {
	if l.level >= logger.Warn {
		l.log.Warn().Msgf(msg, data...)
	}
}

func (l *gormLogger) Error(_ context.Context, msg string, data ...any) {
	if l.level >= logger.Error {
		l.log.Error().Msgf(msg, data...)
	}
}

func (l *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= logger.Error:
		sql, rows := fc()
		l.log.Error().Err(err).Str("sql", sql).Int64("rows", rows).Dur("elapsed", elapsed).Msg("SQL error")
	case elapsed > time.Second && l.level >= logger.Warn:
		sql, rows := fc()
		l.log.Warn().Str("sql", sql).Int64("rows", rows).Dur("elapsed", elapsed).Msg("Slow SQL")
	case l.level == logger.Info:
		sql, rows := fc()
		l.log.Debug().Str("sql", sql).Int64("rows", rows).Dur("elapsed", elapsed).Msg("SQL")
	}
}
