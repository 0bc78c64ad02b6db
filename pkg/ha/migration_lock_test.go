package ha

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// Shared cache so every goroutine sees the same in-memory database.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open test DB: %v", err)
	}
	return db
}

func testConfig() *HAConfig {
	cfg := DefaultHAConfig()
	cfg.LockTimeout = 5 * time.Second
	cfg.Identity = "replica-0"
	return cfg
}

func lockRows(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&migrationLockRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count lock rows: %v", err)
	}
	return count
}

func TestNewMigrationLocker_NilDB(t *testing.T) {
	locker := NewMigrationLocker(nil, nil, nil)
	called := false
	if err := locker.WithLock(context.Background(), func() error {
		called = true
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("function was not called")
	}
}

func TestNewMigrationLocker_Disabled(t *testing.T) {
	db := setupTestDB(t)
	cfg := testConfig()
	cfg.MigrationLockEnabled = false

	if _, ok := NewMigrationLocker(db, cfg, nil).(noopMigrationLock); !ok {
		t.Fatal("expected a no-op locker when the lock is disabled")
	}
	if db.Migrator().HasTable(&migrationLockRecord{}) {
		t.Error("lock table should not be created when the lock is disabled")
	}
}

func TestTableMigrationLock_WithLock(t *testing.T) {
	db := setupTestDB(t)
	locker := NewMigrationLocker(db, testConfig(), nil)

	err := locker.WithLock(context.Background(), func() error {
		var row migrationLockRecord
		if err := db.First(&row, "id = ?", "cellar-migration").Error; err != nil {
			t.Errorf("expected lock row while held: %v", err)
		}
		if row.LockedBy != "replica-0" {
			t.Errorf("LockedBy = %q, want %q", row.LockedBy, "replica-0")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := lockRows(t, db); n != 0 {
		t.Errorf("expected lock table to be empty after WithLock, got %d rows", n)
	}
}

func TestTableMigrationLock_ErrorPropagation(t *testing.T) {
	db := setupTestDB(t)
	locker := NewMigrationLocker(db, testConfig(), nil)

	migrateErr := errors.New("migration failed")
	err := locker.WithLock(context.Background(), func() error { return migrateErr })
	if !errors.Is(err, migrateErr) {
		t.Fatalf("expected %v, got %v", migrateErr, err)
	}
	if n := lockRows(t, db); n != 0 {
		t.Errorf("expected lock to be released after error, got %d rows", n)
	}
}

func TestTableMigrationLock_Serialization(t *testing.T) {
	db := setupTestDB(t)
	locker := NewMigrationLocker(db, testConfig(), nil)

	var concurrent, maxConcurrent atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = locker.WithLock(context.Background(), func() error {
				cur := concurrent.Add(1)
				for {
					prev := maxConcurrent.Load()
					if cur <= prev || maxConcurrent.CompareAndSwap(prev, cur) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				concurrent.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxConcurrent.Load() > 1 {
		t.Errorf("expected max concurrency of 1, got %d", maxConcurrent.Load())
	}
}

func TestTableMigrationLock_ContextCancellation(t *testing.T) {
	db := setupTestDB(t)
	locker := NewMigrationLocker(db, testConfig(), nil)

	err := locker.WithLock(context.Background(), func() error {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if err := locker.WithLock(ctx, func() error {
			t.Error("should not have acquired the lock")
			return nil
		}); err == nil {
			t.Error("expected context cancellation error")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("outer WithLock error: %v", err)
	}
}

func TestTableMigrationLock_StaleLockIsReclaimed(t *testing.T) {
	db := setupTestDB(t)
	cfg := testConfig()
	cfg.StaleLockAge = time.Minute
	locker := NewMigrationLocker(db, cfg, nil)

	stale := migrationLockRecord{ID: cfg.LockName, LockedBy: "crashed-replica", LockedAt: time.Now().Add(-time.Hour)}
	if err := db.Create(&stale).Error; err != nil {
		t.Fatalf("seed stale lock: %v", err)
	}

	called := false
	if err := locker.WithLock(context.Background(), func() error {
		called = true
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected stale lock to be reclaimed")
	}
}

func TestTableMigrationLock_Timeout(t *testing.T) {
	db := setupTestDB(t)
	cfg := testConfig()
	cfg.LockTimeout = 300 * time.Millisecond
	locker := NewMigrationLocker(db, cfg, nil)

	held := migrationLockRecord{ID: cfg.LockName, LockedBy: "other-replica", LockedAt: time.Now()}
	if err := db.Create(&held).Error; err != nil {
		t.Fatalf("seed held lock: %v", err)
	}

	err := locker.WithLock(context.Background(), func() error {
		t.Error("should not have acquired a held lock")
		return nil
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestPgAdvisoryLock_PinsOneConnection(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer sqlDB.Close()
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open gorm: %v", err)
	}

	lockID := int64(crc32.ChecksumIEEE([]byte("cellar-migration")))
	mock.ExpectExec(`SELECT pg_advisory_lock\(\$1\)`).WithArgs(lockID).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`SELECT pg_advisory_unlock\(\$1\)`).WithArgs(lockID).WillReturnResult(sqlmock.NewResult(0, 0))

	called := false
	if err := NewMigrationLocker(db, testConfig(), nil).WithLock(context.Background(), func() error {
		called = true
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("function was not called")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMySQLNamedLock_TimesOut(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer sqlDB.Close()
	db, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open gorm: %v", err)
	}

	mock.ExpectQuery(`SELECT GET_LOCK\(\?, \?\)`).
		WithArgs("cellar-migration", 5).
		WillReturnRows(sqlmock.NewRows([]string{"got"}).AddRow(0))

	err = NewMigrationLocker(db, testConfig(), nil).WithLock(context.Background(), func() error {
		t.Error("should not run without the lock")
		return nil
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
