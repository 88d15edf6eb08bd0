// ABOUTME: Lazily opened, process-wide connection pool to the backend database
// ABOUTME: Sessions hold references; the last release closes it, and closing is idempotent

package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/tablegate/internal/metrics"
)

// Config describes how to reach the backend.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
	Pragmas         []string
}

// Opener creates a *sql.DB for the given config. It must not assume the
// backend is reachable; reachability is checked with a ping afterwards.
type Opener func(cfg Config) (*sql.DB, error)

// SQLOpener opens the pool with database/sql.
func SQLOpener(cfg Config) (*sql.DB, error) {
	return sql.Open(cfg.Driver, cfg.DSN)
}

// Manager owns the single shared *sql.DB. Sessions borrow it through GetPool,
// Query and Exec; only the manager opens or closes it. Sessions that reached
// active hold a reference via Acquire, and the pool is closed when the last
// reference is released.
type Manager struct {
	cfg     Config
	open    Opener
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	db      *sql.DB
	opened  time.Time
	holders int
	gen     uint64 // bumped by every close

	group singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithOpener replaces the function used to create the pool.
func WithOpener(open Opener) Option {
	return func(m *Manager) { m.open = open }
}

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics records pool open/close counts.
func WithMetrics(mm *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mm }
}

// NewManager creates a manager. No connection is made until the first GetPool.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg,
		open:   SQLOpener,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "pool")
	return m
}

// GetPool returns the shared pool, creating it on first use.
// A failure is returned as *ResourcePoolError and is not remembered.
func (m *Manager) GetPool(ctx context.Context) (*sql.DB, error) {
	m.mu.RLock()
	db := m.db
	gen := m.gen
	m.mu.RUnlock()
	if db != nil {
		return db, nil
	}

	// The open attempt is shared by every waiting caller, so it must not be
	// cancelled by any one of them. Callers arriving after a close start a
	// fresh attempt rather than joining one the close has made stale.
	ch := m.group.DoChan("pool-"+strconv.FormatUint(gen, 10), func() (any, error) {
		m.mu.RLock()
		existing := m.db
		m.mu.RUnlock()
		if existing != nil {
			return existing, nil
		}

		db, err := m.connect(context.WithoutCancel(ctx))
		m.metrics.PoolOpened(err == nil)
		if err != nil {
			m.logger.Warn("pool open failed", "driver", m.cfg.Driver, "error", err)
			return nil, err
		}

		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			db.Close()
			m.metrics.PoolClosed()
			m.logger.Debug("discarding pool closed while opening")
			return nil, &ResourcePoolError{Op: "open", Err: ErrPoolClosed}
		}
		m.db = db
		m.opened = time.Now()
		m.mu.Unlock()

		m.logger.Info("pool opened", "driver", m.cfg.Driver)
		return db, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*sql.DB), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) connect(ctx context.Context) (*sql.DB, error) {
	if m.cfg.Driver == "" || m.cfg.DSN == "" {
		return nil, &ResourcePoolError{Op: "open", Err: ErrNotConfigured}
	}

	db, err := m.open(m.cfg)
	if err != nil {
		return nil, &ResourcePoolError{Op: "open", Err: err}
	}

	if m.cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(m.cfg.MaxOpenConns)
	}
	if m.cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(m.cfg.MaxIdleConns)
	}
	if m.cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(m.cfg.ConnMaxLifetime)
	}

	pingCtx := ctx
	if m.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()
	}

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, &ResourcePoolError{Op: "ping", Err: err}
	}

	for _, pragma := range m.cfg.Pragmas {
		if _, err := db.ExecContext(pingCtx, "PRAGMA "+pragma); err != nil {
			db.Close()
			return nil, &ResourcePoolError{Op: "open", Err: fmt.Errorf("applying pragma %q: %w", pragma, err)}
		}
	}

	return db, nil
}

// Acquire records a session holding the pool. It does not open it.
func (m *Manager) Acquire() {
	m.mu.Lock()
	m.holders++
	m.mu.Unlock()
}

// Release drops a reference taken by Acquire and closes the pool when none
// remain. Extra releases are ignored.
func (m *Manager) Release() {
	m.mu.Lock()
	if m.holders == 0 {
		m.mu.Unlock()
		return
	}
	m.holders--
	last := m.holders == 0
	m.mu.Unlock()

	if last {
		m.ClosePool()
	}
}

// ClosePool closes the shared pool if one is open, including one still being
// opened. Calling it on a closed or never-opened pool does nothing. Close
// failures are logged, never returned.
func (m *Manager) ClosePool() {
	m.mu.Lock()
	db := m.db
	opened := m.opened
	m.db = nil
	m.gen++
	m.mu.Unlock()

	if db == nil {
		return
	}

	m.metrics.PoolClosed()
	if err := db.Close(); err != nil {
		m.logger.Warn("pool close failed", "error", err)
		return
	}
	m.logger.Info("pool closed", "open_for", time.Since(opened).Round(time.Millisecond))
}

// Open reports whether a pool is currently open.
func (m *Manager) Open() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.db != nil
}

// QueryResult holds the rows of a query in column order.
type QueryResult struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

// Query runs a row-returning statement on a borrowed connection.
func (m *Manager) Query(ctx context.Context, query string, args ...any) (*QueryResult, error) {
	var result *QueryResult
	err := m.withDB(ctx, "query", func(db *sql.DB) error {
		var err error
		result, err = scanRows(ctx, db, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Exec runs a statement that returns no rows and reports rows affected.
func (m *Manager) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	err := m.withDB(ctx, "exec", func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reading rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// withDB runs fn against the shared pool. If the pool is closed under the
// call it is retried once on a reopened pool; a second close is reported as
// a *ResourcePoolError.
func (m *Manager) withDB(ctx context.Context, op string, fn func(db *sql.DB) error) error {
	for attempt := 0; ; attempt++ {
		db, err := m.GetPool(ctx)
		if err != nil {
			if attempt == 0 && errors.Is(err, ErrPoolClosed) {
				continue
			}
			return err
		}

		err = fn(db)
		if !isDBClosed(err) {
			return err
		}
		if attempt > 0 {
			return &ResourcePoolError{Op: op, Err: fmt.Errorf("%w: %v", ErrPoolClosed, err)}
		}
		m.logger.Debug("pool closed during call, retrying", "op", op)
	}
}

// isDBClosed matches the error database/sql returns for a closed *sql.DB,
// which the package does not export.
func isDBClosed(err error) bool {
	return err != nil && strings.Contains(err.Error(), "sql: database is closed")
}

func scanRows(ctx context.Context, db *sql.DB, query string, args ...any) (*QueryResult, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns: %w", err)
	}

	result := &QueryResult{Columns: cols, Rows: []map[string]any{}}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}
