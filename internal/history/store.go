package history

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and configures the history database.
type Config struct {
	Driver string // "sqlite" (default) or "postgres".
	DSN    string // File path for sqlite, connection string for postgres.
}

// Store is a Recorder backed by SQLite or PostgreSQL via GORM.
type Store struct {
	db     *gorm.DB
	driver string
	logger *slog.Logger
}

var _ Recorder = (*Store)(nil)

// Open connects to the configured database and migrates the schema.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if slogger == nil {
		slogger = slog.Default()
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("history dsn is required")
	}

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	gormCfg := &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dir := filepath.Dir(cfg.DSN)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
		}
		// Build DSN with pragmas.
		dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", cfg.DSN)
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported history driver %q", driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("opening %s history database: %w", driver, err)
	}
	if err := db.AutoMigrate(&RunModel{}); err != nil {
		return nil, fmt.Errorf("migrating history database: %w", err)
	}

	slogger.Info("history store opened", slog.String("driver", driver))
	return &Store{db: db, driver: driver, logger: slogger}, nil
}

// Driver returns the database driver name.
func (s *Store) Driver() string { return s.driver }

// Record persists one command run. A zero ID is replaced with a new UUID.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	model := toRunModel(e)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("recording command run: %w", err)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	var models []RunModel
	if err := s.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing command runs: %w", err)
	}
	entries := make([]Entry, len(models))
	for i := range models {
		entries[i] = toEntry(&models[i])
	}
	return entries, nil
}

// ByStatus returns up to limit runs with the given status, newest first.
func (s *Store) ByStatus(ctx context.Context, status Status, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	var models []RunModel
	if err := s.db.WithContext(ctx).
		Where("status = ?", string(status)).
		Order("started_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing %s command runs: %w", status, err)
	}
	entries := make([]Entry, len(models))
	for i := range models {
		entries[i] = toEntry(&models[i])
	}
	return entries, nil
}

// Prune deletes runs started before cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("started_at < ?", cutoff.UTC()).Delete(&RunModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning command runs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
