package ha

import (
	"context"
	"fmt"
	"hash/crc32"
	"log/slog"
	"time"

	"gorm.io/gorm"
)

// MigrationLocker serializes schema migrations across replicas.
type MigrationLocker interface {
	// WithLock runs fn while holding the migration lock. It blocks until the
	// lock is acquired or the configured timeout elapses.
	WithLock(ctx context.Context, fn func() error) error
}

// NewMigrationLocker returns the locker for db's dialect: advisory locks on
// PostgreSQL, named locks on MySQL and a lock table elsewhere. A nil db or a
// disabled config yields a locker that simply runs fn.
func NewMigrationLocker(db *gorm.DB, cfg *HAConfig, logger *slog.Logger) MigrationLocker {
	if cfg == nil {
		cfg = DefaultHAConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if db == nil || !cfg.MigrationLockEnabled {
		return noopMigrationLock{}
	}

	switch db.Dialector.Name() {
	case "postgres":
		return &pgAdvisoryLock{
			db:     db,
			lockID: int64(crc32.ChecksumIEEE([]byte(cfg.LockName))),
			logger: logger,
		}
	case "mysql":
		return &mysqlNamedLock{db: db, name: cfg.LockName, timeout: cfg.LockTimeout, logger: logger}
	}

	// Create the lock table up front so concurrent callers never race on it.
	_ = db.AutoMigrate(&migrationLockRecord{})
	return &tableMigrationLock{db: db, cfg: cfg, logger: logger}
}

type noopMigrationLock struct{}

func (noopMigrationLock) WithLock(_ context.Context, fn func() error) error {
	return fn()
}

type pgAdvisoryLock struct {
	db     *gorm.DB
	lockID int64
	logger *slog.Logger
}

func (l *pgAdvisoryLock) WithLock(ctx context.Context, fn func() error) error {
	// Session-level advisory locks belong to one connection, so pin it.
	conn, err := l.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	c, err := conn.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get connection: %w", err)
	}
	defer c.Close()

	if _, err := c.ExecContext(ctx, "SELECT pg_advisory_lock($1)", l.lockID); err != nil {
		return fmt.Errorf("acquire migration advisory lock: %w", err)
	}
	l.logger.Debug("migration lock acquired", "lockId", l.lockID)
	defer func() {
		if _, err := c.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", l.lockID); err != nil {
			l.logger.Warn("release migration advisory lock", "error", err)
		}
	}()

	return fn()
}

type mysqlNamedLock struct {
	db      *gorm.DB
	name    string
	timeout time.Duration
	logger  *slog.Logger
}

func (l *mysqlNamedLock) WithLock(ctx context.Context, fn func() error) error {
	conn, err := l.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	c, err := conn.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get connection: %w", err)
	}
	defer c.Close()

	var got int
	secs := int(l.timeout / time.Second)
	if err := c.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", l.name, secs).Scan(&got); err != nil {
		return fmt.Errorf("acquire migration lock %q: %w", l.name, err)
	}
	if got != 1 {
		return fmt.Errorf("acquire migration lock %q: timed out after %s", l.name, l.timeout)
	}
	defer func() {
		if _, err := c.ExecContext(context.Background(), "SELECT RELEASE_LOCK(?)", l.name); err != nil {
			l.logger.Warn("release migration lock", "lock", l.name, "error", err)
		}
	}()

	return fn()
}

// migrationLockRecord is the lock row used where the database has no
// native named locks.
type migrationLockRecord struct {
	ID       string    `gorm:"primaryKey;column:id;size:128"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by;size:255"`
}

func (migrationLockRecord) TableName() string { return "migration_lock" }

// tableMigrationLock holds the lock while its row exists. Inserting the row
// fails while another holder has it; rows older than StaleLockAge are
// treated as abandoned.
type tableMigrationLock struct {
	db     *gorm.DB
	cfg    *HAConfig
	logger *slog.Logger
}

const lockRetryInterval = 250 * time.Millisecond

func (l *tableMigrationLock) WithLock(ctx context.Context, fn func() error) error {
	row := migrationLockRecord{ID: l.cfg.LockName, LockedBy: l.cfg.Identity}
	deadline := time.Now().Add(l.cfg.LockTimeout)

	for {
		l.db.WithContext(ctx).
			Where("id = ? AND locked_at < ?", row.ID, time.Now().Add(-l.cfg.StaleLockAge)).
			Delete(&migrationLockRecord{})

		row.LockedAt = time.Now()
		err := l.db.WithContext(ctx).Create(&row).Error
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("acquire migration lock %q: %w", row.ID, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
	l.logger.Debug("migration lock acquired", "lock", row.ID, "holder", row.LockedBy)

	defer func() {
		l.db.Where("id = ? AND locked_by = ?", row.ID, row.LockedBy).Delete(&migrationLockRecord{})
	}()

	return fn()
}
