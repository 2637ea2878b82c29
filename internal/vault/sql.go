package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// flushThreshold is the number of buffered inserts that triggers an early
// flush ahead of Commit.
const flushThreshold = 32

// keyRow is the storage schema shared by all database vaults.
type keyRow struct {
	ID         uint   `gorm:"primarykey"`
	Service    string `gorm:"size:64;uniqueIndex:idx_service_kid;not null"`
	KID        string `gorm:"column:kid;size:32;uniqueIndex:idx_service_kid;not null"`
	ContentKey string `gorm:"size:64;not null"`
	TitleID    string `gorm:"size:128"`
	CreatedAt  time.Time
}

func (keyRow) TableName() string { return "content_keys" }

// SQLVault is a database-backed vault on GORM. SQLite is the usual local
// store; MySQL and Postgres serve shared deployments.
type SQLVault struct {
	name string
	db   *gorm.DB

	mu      sync.Mutex
	pending []keyRow
	seen    map[string]struct{} // (service, kid) pairs buffered or known inserted
}

// OpenSQL opens a database vault. driver is one of sqlite, mysql, postgres.
func OpenSQL(name, driver, dsn string, log *slog.Logger) (*SQLVault, error) {
	dialector, err := getDialector(driver, dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: &slogGormLogger{logger: log, level: gormlogger.Warn},
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s vault: %w", driver, err)
	}
	if err := db.AutoMigrate(&keyRow{}); err != nil {
		return nil, fmt.Errorf("migrating vault schema: %w", err)
	}
	return &SQLVault{
		name: name,
		db:   db,
		seen: map[string]struct{}{},
	}, nil
}

// getDialector returns the GORM dialector for the driver. The pure Go SQLite
// driver takes its PRAGMAs through DSN parameters so every pooled connection
// gets them.
func getDialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "sqlite":
		if !strings.Contains(dsn, "?") {
			dsn += "?"
		} else {
			dsn += "&"
		}
		dsn += "_pragma=busy_timeout(30000)" +
			"&_pragma=journal_mode(WAL)" +
			"&_pragma=synchronous(NORMAL)" +
			"&_pragma=foreign_keys(ON)"
		return sqlite.Open(dsn), nil
	case "postgres":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported vault driver: %s", driver)
	}
}

func (v *SQLVault) Name() string { return v.name }

// GetKey looks up (service, kid), consulting the unflushed buffer first.
func (v *SQLVault) GetKey(ctx context.Context, service, kid string) (string, error) {
	v.mu.Lock()
	for _, row := range v.pending {
		if row.Service == service && row.KID == kid {
			v.mu.Unlock()
			return row.ContentKey, nil
		}
	}
	v.mu.Unlock()

	var row keyRow
	err := v.db.WithContext(ctx).Where("service = ? AND kid = ?", service, kid).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("vault %s lookup: %w", v.name, err)
	}
	return row.ContentKey, nil
}

// InsertKey buffers the entry for the next flush. Duplicate (service, kid)
// pairs, buffered or persisted, report InsertAlreadyExists.
func (v *SQLVault) InsertKey(ctx context.Context, entry Entry) (InsertResult, error) {
	pairKey := entry.Service + "\x00" + entry.KID

	v.mu.Lock()
	if _, dup := v.seen[pairKey]; dup {
		v.mu.Unlock()
		return InsertAlreadyExists, nil
	}
	v.mu.Unlock()

	existing, err := v.GetKey(ctx, entry.Service, entry.KID)
	if err != nil {
		return InsertFailure, err
	}
	if existing != "" {
		v.mu.Lock()
		v.seen[pairKey] = struct{}{}
		v.mu.Unlock()
		return InsertAlreadyExists, nil
	}

	v.mu.Lock()
	v.seen[pairKey] = struct{}{}
	v.pending = append(v.pending, keyRow{
		Service:    entry.Service,
		KID:        entry.KID,
		ContentKey: entry.Key,
		TitleID:    entry.TitleID,
	})
	needFlush := len(v.pending) >= flushThreshold
	v.mu.Unlock()

	if needFlush {
		if err := v.Commit(ctx); err != nil {
			return InsertFailure, err
		}
	}
	return InsertSuccess, nil
}

// Commit flushes buffered inserts in one transaction. Conflicting rows
// written by another process in the meantime are left untouched.
func (v *SQLVault) Commit(ctx context.Context) error {
	v.mu.Lock()
	rows := v.pending
	v.pending = nil
	v.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}
	err := v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	})
	if err != nil {
		// Put the rows back so a later Commit can retry.
		v.mu.Lock()
		v.pending = append(rows, v.pending...)
		v.mu.Unlock()
		return fmt.Errorf("vault %s commit: %w", v.name, err)
	}
	return nil
}

// Close flushes and closes the underlying connection.
func (v *SQLVault) Close() error {
	if err := v.Commit(context.Background()); err != nil {
		return err
	}
	sqlDB, err := v.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// slogGormLogger implements GORM's logger.Interface using slog.
type slogGormLogger struct {
	logger *slog.Logger
	level  gormlogger.LogLevel
}

const slowQueryThreshold = 200 * time.Millisecond

func (l *slogGormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	return &slogGormLogger{logger: l.logger, level: level}
}

func (l *slogGormLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Info {
		l.logger.InfoContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *slogGormLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.logger.WarnContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *slogGormLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Error {
		l.logger.ErrorContext(ctx, fmt.Sprintf(msg, args...))
	}
}

func (l *slogGormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= gormlogger.Error:
		sql, rows := fc()
		l.logger.ErrorContext(ctx, "query failed",
			slog.String("sql", sql),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()))
	case elapsed > slowQueryThreshold && l.level >= gormlogger.Warn:
		sql, rows := fc()
		l.logger.WarnContext(ctx, "slow query",
			slog.String("sql", sql),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed))
	case l.level >= gormlogger.Info:
		sql, rows := fc()
		l.logger.DebugContext(ctx, "query",
			slog.String("sql", sql),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed))
	}
}
