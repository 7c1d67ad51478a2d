package lock

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/goscrape/internal/logger"
)

var (
	getLockSQL     = regexp.QuoteMeta("SELECT GET_LOCK(?, ?)")
	releaseLockSQL = regexp.QuoteMeta("SELECT RELEASE_LOCK(?)")
	isFreeSQL      = regexp.QuoteMeta("SELECT IS_FREE_LOCK(?)")
)

func newMockLock(t *testing.T) (*AdvisoryLock, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPipelineLock(db, "bpn", logger.NewNop()), mock
}

func TestPipelineLockName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"bpn", "goscrape:pipeline:bpn"},
		{"news-daily_2", "goscrape:pipeline:news-daily_2"},
		{"a b;c", "goscrape:pipeline:a_b_c"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PipelineLockName(tt.in))
	}
}

func TestAcquireAndRelease(t *testing.T) {
	l, mock := newMockLock(t)
	ctx := context.Background()

	mock.ExpectQuery(getLockSQL).
		WithArgs("goscrape:pipeline:bpn", TimeoutShort).
		WillReturnRows(sqlmock.NewRows([]string{"r"}).AddRow(1))
	mock.ExpectQuery(releaseLockSQL).
		WithArgs("goscrape:pipeline:bpn").
		WillReturnRows(sqlmock.NewRows([]string{"r"}).AddRow(1))

	require.NoError(t, l.AcquireOrFail(ctx))
	assert.True(t, l.IsHeld())

	acquired, err := l.AcquireLock(ctx, TimeoutShort)
	require.NoError(t, err)
	assert.True(t, acquired, "re-acquiring a held lock does not query again")

	released, err := l.ReleaseLock(ctx)
	require.NoError(t, err)
	assert.True(t, released)
	assert.False(t, l.IsHeld())

	released, err = l.ReleaseLock(ctx)
	require.NoError(t, err)
	assert.False(t, released)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireOrFail_HeldElsewhere(t *testing.T) {
	l, mock := newMockLock(t)

	mock.ExpectQuery(getLockSQL).WillReturnRows(sqlmock.NewRows([]string{"r"}).AddRow(0))

	err := l.AcquireOrFail(context.Background())
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.False(t, l.IsHeld())
}

func TestAcquireLock_Errors(t *testing.T) {
	tests := []struct {
		name    string
		rows    *sqlmock.Rows
		err     error
		wantErr string
	}{
		{"query error", nil, errors.New("gone away"), "failed to execute GET_LOCK"},
		{"null result", sqlmock.NewRows([]string{"r"}).AddRow(nil), nil, "returned NULL"},
		{"unexpected value", sqlmock.NewRows([]string{"r"}).AddRow(7), nil, "unexpected GET_LOCK return value: 7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, mock := newMockLock(t)
			q := mock.ExpectQuery(getLockSQL)
			if tt.err != nil {
				q.WillReturnError(tt.err)
			} else {
				q.WillReturnRows(tt.rows)
			}

			acquired, err := l.AcquireLock(context.Background(), TimeoutImmediate)
			assert.ErrorContains(t, err, tt.wantErr)
			assert.False(t, acquired)
			assert.False(t, l.IsHeld())
		})
	}
}

func TestAcquireLock_NilDB(t *testing.T) {
	_, err := NewAdvisoryLock(nil, "x", nil).AcquireLock(context.Background(), 0)
	assert.ErrorContains(t, err, "database connection is nil")
}

func TestWithLock(t *testing.T) {
	l, mock := newMockLock(t)

	mock.ExpectQuery(getLockSQL).WillReturnRows(sqlmock.NewRows([]string{"r"}).AddRow(1))
	mock.ExpectQuery(releaseLockSQL).WillReturnRows(sqlmock.NewRows([]string{"r"}).AddRow(1))

	ran := false
	err := l.WithLock(context.Background(), TimeoutShort, func() error {
		ran = true
		assert.True(t, l.IsHeld())
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.True(t, ran)
	assert.False(t, l.IsHeld())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithLock_Busy(t *testing.T) {
	l, mock := newMockLock(t)
	mock.ExpectQuery(getLockSQL).WillReturnRows(sqlmock.NewRows([]string{"r"}).AddRow(0))

	err := l.WithLock(context.Background(), TimeoutShort, func() error {
		t.Fatal("fn must not run without the lock")
		return nil
	})
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestIsPipelineRunning(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(isFreeSQL).WithArgs("goscrape:pipeline:bpn").
		WillReturnRows(sqlmock.NewRows([]string{"r"}).AddRow(0))
	mock.ExpectQuery(isFreeSQL).WithArgs("goscrape:pipeline:other").
		WillReturnRows(sqlmock.NewRows([]string{"r"}).AddRow(1))
	mock.ExpectQuery(isFreeSQL).WillReturnError(errors.New("boom"))

	running, err := IsPipelineRunning(context.Background(), db, "bpn")
	require.NoError(t, err)
	assert.True(t, running)

	running, err = IsPipelineRunning(context.Background(), db, "other")
	require.NoError(t, err)
	assert.False(t, running)

	_, err = IsPipelineRunning(context.Background(), db, "x")
	assert.ErrorContains(t, err, "failed to check if pipeline")
}
