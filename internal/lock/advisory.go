// Package lock provides the MySQL advisory lock that keeps two goscrape
// processes from running the same pipeline at once.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dbsmedya/goscrape/internal/logger"
)

// ErrLockTimeout is returned when lock acquisition times out because
// another instance is holding the lock.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// Common timeout values for lock acquisition (in seconds).
const (
	// TimeoutImmediate returns immediately if lock cannot be acquired (no wait).
	TimeoutImmediate = 0

	// TimeoutShort is suitable for fast-failing duplicate run detection.
	TimeoutShort = 1

	// TimeoutLong allows queueing behind a running pipeline.
	TimeoutLong = 60
)

// AdvisoryLock is a named MySQL GET_LOCK lock. GET_LOCK is owned by a
// session, so the lock pins one connection from the pool for as long as it
// is held.
type AdvisoryLock struct {
	db       *sql.DB
	conn     *sql.Conn
	lockName string
	logger   *logger.Logger
}

// NewAdvisoryLock creates a new advisory lock with the given name.
// The lock is not acquired until AcquireLock is called.
func NewAdvisoryLock(db *sql.DB, lockName string, log *logger.Logger) *AdvisoryLock {
	if log == nil {
		log = logger.NewDefault()
	}
	return &AdvisoryLock{
		db:       db,
		lockName: lockName,
		logger:   log,
	}
}

// NewPipelineLock creates the lock guarding runs of a pipeline.
func NewPipelineLock(db *sql.DB, pipeline string, log *logger.Logger) *AdvisoryLock {
	return NewAdvisoryLock(db, PipelineLockName(pipeline), log)
}

// PipelineLockName returns "goscrape:pipeline:<name>" with characters outside
// [A-Za-z0-9_-] replaced by underscores.
func PipelineLockName(pipeline string) string {
	sanitized := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, pipeline)

	return "goscrape:pipeline:" + sanitized
}

// AcquireLock attempts to acquire the lock, waiting up to timeoutSeconds.
// It returns false when another session holds the lock.
//
// MySQL GET_LOCK() returns 1 when the lock was obtained, 0 on timeout and
// NULL on error.
func (a *AdvisoryLock) AcquireLock(ctx context.Context, timeoutSeconds int) (bool, error) {
	if a.conn != nil {
		return true, nil
	}
	if a.db == nil {
		return false, fmt.Errorf("database connection is nil")
	}

	conn, err := a.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to pin lock connection: %w", err)
	}

	var result sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", a.lockName, timeoutSeconds).Scan(&result); err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("failed to execute GET_LOCK: %w", err)
	}
	if !result.Valid {
		_ = conn.Close()
		return false, fmt.Errorf("GET_LOCK returned NULL for lock %q (possible database error)", a.lockName)
	}

	switch result.Int64 {
	case 1:
		a.conn = conn
		a.logger.Debugw("Advisory lock acquired", "lock", a.lockName)
		return true, nil
	case 0:
		_ = conn.Close()
		return false, nil
	default:
		_ = conn.Close()
		return false, fmt.Errorf("unexpected GET_LOCK return value: %d", result.Int64)
	}
}

// AcquireOrFail acquires the lock with TimeoutShort. It returns
// ErrLockTimeout when another instance holds it.
func (a *AdvisoryLock) AcquireOrFail(ctx context.Context) error {
	acquired, err := a.AcquireLock(ctx, TimeoutShort)
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("%w: lock %q is held by another instance", ErrLockTimeout, a.lockName)
	}
	return nil
}

// ReleaseLock releases the lock and returns its pinned connection to the
// pool. Releasing a lock that is not held is a no-op.
//
// MySQL RELEASE_LOCK() returns 1 on release, 0 when another session owns
// the lock and NULL when it does not exist.
func (a *AdvisoryLock) ReleaseLock(ctx context.Context) (bool, error) {
	if a.conn == nil {
		return false, nil
	}
	conn := a.conn
	a.conn = nil
	defer func() {
		if err := conn.Close(); err != nil {
			a.logger.Warnf("Failed to close lock connection: %v", err)
		}
	}()

	var result sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", a.lockName).Scan(&result); err != nil {
		return false, fmt.Errorf("failed to execute RELEASE_LOCK: %w", err)
	}
	if !result.Valid {
		return false, fmt.Errorf("RELEASE_LOCK returned NULL for lock %q (lock did not exist)", a.lockName)
	}
	return result.Int64 == 1, nil
}

// IsHeld returns true if this lock is currently held by this instance.
func (a *AdvisoryLock) IsHeld() bool {
	return a.conn != nil
}

// LockName returns the name of the advisory lock.
func (a *AdvisoryLock) LockName() string {
	return a.lockName
}

// IsFree reports whether nobody holds the lock, using IS_FREE_LOCK.
func (a *AdvisoryLock) IsFree(ctx context.Context) (bool, error) {
	var result sql.NullInt64
	if err := a.db.QueryRowContext(ctx, "SELECT IS_FREE_LOCK(?)", a.lockName).Scan(&result); err != nil {
		return false, fmt.Errorf("failed to execute IS_FREE_LOCK: %w", err)
	}
	return result.Valid && result.Int64 == 1, nil
}

// WithLock runs fn while holding the lock. The lock is released even when fn
// panics.
func (a *AdvisoryLock) WithLock(ctx context.Context, timeoutSeconds int, fn func() error) error {
	acquired, err := a.AcquireLock(ctx, timeoutSeconds)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("%w: lock %q is held by another instance", ErrLockTimeout, a.lockName)
	}

	defer func() {
		// ctx may already be cancelled by a signal.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, err := a.ReleaseLock(releaseCtx); err != nil {
			a.logger.Warnf("Failed to release lock %s: %v", a.lockName, err)
		}
	}()

	return fn()
}

// IsPipelineRunning reports whether another process holds the pipeline lock.
// The answer can change as soon as it is returned.
func IsPipelineRunning(ctx context.Context, db *sql.DB, pipeline string) (bool, error) {
	free, err := NewPipelineLock(db, pipeline, logger.NewNop()).IsFree(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check if pipeline %q is running: %w", pipeline, err)
	}
	return !free, nil
}
