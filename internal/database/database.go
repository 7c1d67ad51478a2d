// Package database manages the MySQL connection that backs the run ledger and
// the pipeline lock.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver

	"github.com/dbsmedya/goscrape/internal/backoff"
	"github.com/dbsmedya/goscrape/internal/config"
)

// OpenFunc opens a database handle for a DSN. Tests replace it with sqlmock.
type OpenFunc func(dsn string) (*sql.DB, error)

// Manager owns the ledger connection.
type Manager struct {
	Ledger *sql.DB
	config *config.LedgerConfig
	open   OpenFunc
	policy backoff.Policy
}

// NewManager creates a new database manager from the ledger configuration.
func NewManager(cfg *config.LedgerConfig) *Manager {
	return &Manager{
		config: cfg,
		open: func(dsn string) (*sql.DB, error) {
			return sql.Open("mysql", dsn)
		},
		policy: backoff.Policy{
			MaxRetries: 2,
			Min:        time.Second,
			Max:        time.Second,
			Factor:     2,
		},
	}
}

// SetOpener replaces the function used to open connections.
func (m *Manager) SetOpener(open OpenFunc) { m.open = open }

// SetRetryPolicy replaces the connect retry policy.
func (m *Manager) SetRetryPolicy(p backoff.Policy) { m.policy = p }

// Connect opens and pings the ledger database, retrying with backoff.
func (m *Manager) Connect(ctx context.Context) error {
	if m.config == nil {
		return fmt.Errorf("ledger config is nil")
	}

	var db *sql.DB
	err := m.policy.Retry(ctx, func(ctx context.Context, _ int) error {
		conn, err := m.connect()
		if err != nil {
			return err
		}
		if err := conn.PingContext(ctx); err != nil {
			_ = conn.Close()
			return err
		}
		db = conn
		return nil
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to ledger database: %w", err)
	}

	m.Ledger = db
	return nil
}

func (m *Manager) connect() (*sql.DB, error) {
	db, err := m.open(BuildDSN(m.config))
	if err != nil {
		return nil, err
	}

	if m.config.MaxConnections > 0 {
		db.SetMaxOpenConns(m.config.MaxConnections)
	}
	if m.config.MaxIdleConnections > 0 {
		db.SetMaxIdleConns(m.config.MaxIdleConnections)
	}
	db.SetConnMaxLifetime(10 * time.Minute)

	return db, nil
}

// BuildDSN constructs a MySQL DSN from configuration.
func BuildDSN(cfg *config.LedgerConfig) string {
	// Format: user:password@tcp(host:port)/database?params
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Database,
	)

	params := "?parseTime=true"
	switch cfg.TLS {
	case "disable":
		params += "&tls=false"
	case "required":
		params += "&tls=true"
	case "preferred", "":
		params += "&tls=preferred"
	}

	return dsn + params
}

// Close closes the ledger connection.
func (m *Manager) Close() error {
	if m.Ledger == nil {
		return nil
	}
	if err := m.Ledger.Close(); err != nil {
		return fmt.Errorf("ledger close: %w", err)
	}
	m.Ledger = nil
	return nil
}

// Ping verifies the ledger connection is alive.
func (m *Manager) Ping(ctx context.Context) error {
	if m.Ledger == nil {
		return fmt.Errorf("ledger database not connected")
	}
	if err := m.Ledger.PingContext(ctx); err != nil {
		return fmt.Errorf("ledger ping failed: %w", err)
	}
	return nil
}
