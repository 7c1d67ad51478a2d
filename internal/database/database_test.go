package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/goscrape/internal/backoff"
	"github.com/dbsmedya/goscrape/internal/config"
)

func TestBuildDSN(t *testing.T) {
	tests := []struct {
		name     string
		cfg      *config.LedgerConfig
		expected string
	}{
		{
			name: "basic DSN",
			cfg: &config.LedgerConfig{
				Host: "localhost", Port: 3306, User: "root", Password: "secret",
				Database: "scrape", TLS: "preferred",
			},
			expected: "root:secret@tcp(localhost:3306)/scrape?parseTime=true&tls=preferred",
		},
		{
			name: "DSN without database",
			cfg: &config.LedgerConfig{
				Host: "localhost", Port: 3306, User: "root", Password: "secret",
			},
			expected: "root:secret@tcp(localhost:3306)/?parseTime=true&tls=preferred",
		},
		{
			name: "DSN with TLS disabled",
			cfg: &config.LedgerConfig{
				Host: "localhost", Port: 3306, User: "root", Password: "secret",
				Database: "scrape", TLS: "disable",
			},
			expected: "root:secret@tcp(localhost:3306)/scrape?parseTime=true&tls=false",
		},
		{
			name: "DSN with TLS required",
			cfg: &config.LedgerConfig{
				Host: "db", Port: 3307, User: "admin", Password: "p@ssw0rd!",
				Database: "scrape", TLS: "required",
			},
			expected: "admin:p@ssw0rd!@tcp(db:3307)/scrape?parseTime=true&tls=true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, BuildDSN(tt.cfg))
		})
	}
}

func fastPolicy() backoff.Policy {
	return backoff.Policy{MaxRetries: 2, Min: time.Millisecond, Max: time.Millisecond, Factor: 1}
}

func TestManager_Connect(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	mock.ExpectPing()

	var gotDSN string
	m := NewManager(&config.LedgerConfig{Host: "db", Port: 3306, User: "u", Database: "scrape", MaxConnections: 4})
	m.SetRetryPolicy(fastPolicy())
	m.SetOpener(func(dsn string) (*sql.DB, error) {
		gotDSN = dsn
		return db, nil
	})

	require.NoError(t, m.Connect(context.Background()))
	assert.Same(t, db, m.Ledger)
	assert.Contains(t, gotDSN, "@tcp(db:3306)/scrape")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_ConnectRetries(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	mock.ExpectPing()

	opens := 0
	m := NewManager(&config.LedgerConfig{Host: "db", Port: 3306})
	m.SetRetryPolicy(fastPolicy())
	m.SetOpener(func(string) (*sql.DB, error) {
		opens++
		if opens < 3 {
			return nil, errors.New("connection refused")
		}
		return db, nil
	})

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, 3, opens)
}

func TestManager_ConnectGivesUp(t *testing.T) {
	m := NewManager(&config.LedgerConfig{Host: "db", Port: 3306})
	m.SetRetryPolicy(fastPolicy())
	m.SetOpener(func(string) (*sql.DB, error) {
		return nil, errors.New("connection refused")
	})

	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Nil(t, m.Ledger)
}

func TestManager_NilConfig(t *testing.T) {
	assert.ErrorContains(t, NewManager(nil).Connect(context.Background()), "ledger config is nil")
}

func TestManager_PingAndClose(t *testing.T) {
	m := NewManager(&config.LedgerConfig{})
	assert.ErrorContains(t, m.Ping(context.Background()), "not connected")
	assert.NoError(t, m.Close(), "closing an unconnected manager is a no-op")

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	mock.ExpectPing()
	mock.ExpectClose()

	m.Ledger = db
	require.NoError(t, m.Ping(context.Background()))
	require.NoError(t, m.Close())
	assert.Nil(t, m.Ledger)
	assert.NoError(t, mock.ExpectationsWereMet())
}
