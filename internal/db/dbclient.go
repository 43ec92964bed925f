package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/barryq93/dbwatch/internal/poolmon"
	"github.com/barryq93/dbwatch/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

const (
	defaultPoolSize    = 10
	defaultMaxOverflow = 20
)

var (
	ErrClosed          = errors.New("database client is closed")
	errConnDiscarded   = errors.New("connection discarded while checked out")
	errUnsupportedType = errors.New("unsupported database type")
)

// Client owns the application's connection pool and reports query and
// pool lifecycle events to the registered hooks.
type Client struct {
	db       *sqlx.DB
	pool     *pgxpool.Pool
	dialect  Dialect
	conn     types.Connection
	size     int
	overflow int
	hooks    Hooks

	closed atomic.Bool

	mu   sync.Mutex
	held map[*pgx.Conn]struct{}
}

// ParseDialect maps a configured db_type onto a supported dialect.
func ParseDialect(dbType string) (Dialect, error) {
	switch dbType {
	case "postgres", "postgresql", "PostgreSQL", "POSTGRES":
		return Postgres, nil
	case "sqlite", "sqlite3", "SQLite", "SQLITE":
		return SQLite, nil
	}
	return "", fmt.Errorf("%w: %s", errUnsupportedType, dbType)
}

func NewClient(ctx context.Context, conn types.Connection, hooks Hooks) (*Client, error) {
	dialect, err := ParseDialect(conn.DBType)
	if err != nil {
		return nil, err
	}

	c := &Client{
		dialect:  dialect,
		conn:     conn,
		size:     conn.PoolSize,
		overflow: conn.MaxOverflow,
		hooks:    hooks,
		held:     make(map[*pgx.Conn]struct{}),
	}
	if c.size <= 0 {
		c.size = defaultPoolSize
	}
	if c.overflow < 0 {
		c.overflow = defaultMaxOverflow
	}

	switch dialect {
	case Postgres:
		err = c.openPostgres(ctx)
	case SQLite:
		err = c.openSQLite(ctx)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// PostgresDSN builds a connection URI from the configured fields.
func PostgresDSN(conn types.Connection) string {
	port := conn.DBPort
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(conn.DBUser, conn.DBPasswd),
		Host:   net.JoinHostPort(conn.DBHost, strconv.Itoa(port)),
		Path:   "/" + conn.DBName,
	}
	if conn.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": []string{conn.SSLMode}}.Encode()
	}
	return u.String()
}

func (c *Client) openPostgres(ctx context.Context) error {
	cfg, err := pgxpool.ParseConfig(PostgresDSN(c.conn))
	if err != nil {
		return fmt.Errorf("parse postgres config: %w", err)
	}
	cfg.MaxConns = int32(c.size + c.overflow)
	if c.conn.IdleTimeout > 0 {
		cfg.MaxConnIdleTime = time.Duration(c.conn.IdleTimeout) * time.Second
	}
	cfg.ConnConfig.Tracer = &tracer{hooks: c.hooks}
	cfg.AfterConnect = c.afterConnect
	cfg.BeforeAcquire = c.beforeAcquire
	cfg.AfterRelease = c.afterRelease
	cfg.BeforeClose = c.beforeClose

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open postgres pool: %w", err)
	}
	sqlDB := stdlib.OpenDBFromPool(pool)
	// database/sql must not park pool connections of its own.
	sqlDB.SetMaxIdleConns(0)

	c.pool = pool
	c.db = sqlx.NewDb(sqlDB, "pgx")
	return nil
}

func (c *Client) openSQLite(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", c.conn.DBPath)
	sqlDB, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(c.size + c.overflow)
	sqlDB.SetMaxIdleConns(c.size)
	if c.conn.IdleTimeout > 0 {
		sqlDB.SetConnMaxIdleTime(time.Duration(c.conn.IdleTimeout) * time.Second)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return fmt.Errorf("ping sqlite db: %w", err)
	}
	c.db = sqlDB
	c.hooks.OnConnect(sqlDB)
	return nil
}

func (c *Client) afterConnect(_ context.Context, pc *pgx.Conn) error {
	c.hooks.OnConnect(pc)
	return nil
}

func (c *Client) beforeAcquire(_ context.Context, pc *pgx.Conn) bool {
	c.mu.Lock()
	c.held[pc] = struct{}{}
	c.mu.Unlock()
	c.hooks.OnCheckout(pc)
	return true
}

func (c *Client) afterRelease(pc *pgx.Conn) bool {
	c.release(pc)
	c.hooks.OnCheckin(pc)
	return true
}

// beforeClose runs for every connection the pool destroys. The pool skips
// AfterRelease when it retires a checked-out connection, either because the
// connection is broken or because it outlived MaxConnLifetime.
func (c *Client) beforeClose(pc *pgx.Conn) {
	c.retire(pc, connBroken(pc))
}

func (c *Client) retire(pc *pgx.Conn, broken bool) {
	if !c.release(pc) {
		return
	}
	if broken {
		c.hooks.OnInvalidate(pc, errConnDiscarded)
		return
	}
	c.hooks.OnCheckin(pc)
}

// connBroken mirrors the state checks pgxpool applies on release.
func connBroken(pc *pgx.Conn) bool {
	return pc.IsClosed() || pc.PgConn().IsBusy() || pc.PgConn().TxStatus() != 'I'
}

func (c *Client) release(pc *pgx.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.held[pc]; !ok {
		return false
	}
	delete(c.held, pc)
	return true
}

func (c *Client) Dialect() Dialect { return c.dialect }

// Connection returns the settings the client was opened with.
func (c *Client) Connection() types.Connection { return c.conn }

// DB exposes the underlying handle. Statements run through it on SQLite
// bypass the query hooks.
func (c *Client) DB() *sqlx.DB { return c.db }

// PoolCounts implements poolmon.PoolHandle.
func (c *Client) PoolCounts() (poolmon.Counts, error) {
	if c.closed.Load() {
		return poolmon.Counts{}, ErrClosed
	}
	counts := poolmon.Counts{
		PoolSize:    c.size,
		MaxOverflow: c.overflow,
	}
	var total int
	if c.pool != nil {
		st := c.pool.Stat()
		counts.CheckedOut = int(st.AcquiredConns())
		counts.CheckedIn = int(st.IdleConns())
		total = int(st.TotalConns())
	} else {
		st := c.db.Stats()
		counts.CheckedOut = st.InUse
		counts.CheckedIn = st.Idle
		total = st.OpenConnections
	}
	if total > c.size {
		counts.Overflow = total - c.size
	}
	return counts, nil
}

// Ping verifies connectivity.
func (c *Client) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.db.PingContext(ctx)
}

func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.db.Close()
	if c.pool != nil {
		c.pool.Close()
	}
	return err
}

// The pgx tracer reports statements on Postgres. SQLite statements are
// reported by the wrappers below.
func (c *Client) traced() bool { return c.pool != nil }

func (c *Client) observe(statement string, args []any, fn func() error) {
	if c.traced() {
		_ = fn()
		return
	}
	token := new(int)
	c.hooks.OnCheckout(token)
	c.hooks.BeforeExecute(statement, args)
	started := time.Now()
	err := fn()
	c.hooks.AfterExecute(statement, args, started, time.Now(), err)
	if errors.Is(err, driver.ErrBadConn) {
		c.hooks.OnInvalidate(token, err)
		return
	}
	c.hooks.OnCheckin(token)
}

func (c *Client) DriverName() string { return c.db.DriverName() }
func (c *Client) Rebind(query string) string { return c.db.Rebind(query) }
func (c *Client) BindNamed(query string, arg any) (string, []any, error) {
	return c.db.BindNamed(query, arg)
}

func (c *Client) ExecContext(ctx context.Context, query string, args ...any) (res sql.Result, err error) {
	c.observe(query, args, func() error {
		res, err = c.db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

func (c *Client) QueryContext(ctx context.Context, query string, args ...any) (rows *sql.Rows, err error) {
	c.observe(query, args, func() error {
		rows, err = c.db.QueryContext(ctx, query, args...)
		return err
	})
	return rows, err
}

func (c *Client) QueryxContext(ctx context.Context, query string, args ...any) (rows *sqlx.Rows, err error) {
	c.observe(query, args, func() error {
		rows, err = c.db.QueryxContext(ctx, query, args...)
		return err
	})
	return rows, err
}

func (c *Client) QueryRowxContext(ctx context.Context, query string, args ...any) (row *sqlx.Row) {
	c.observe(query, args, func() error {
		row = c.db.QueryRowxContext(ctx, query, args...)
		return row.Err()
	})
	return row
}

// WithConn checks out a dedicated connection for fn.
func (c *Client) WithConn(ctx context.Context, fn func(*sqlx.Conn) error) error {
	if c.closed.Load() {
		return ErrClosed
	}
	conn, err := c.db.Connx(ctx)
	if err != nil {
		return err
	}
	if !c.traced() {
		c.hooks.OnCheckout(conn)
		defer c.hooks.OnCheckin(conn)
	}
	defer conn.Close()
	return fn(conn)
}

type traceKey struct{}

type traceStart struct {
	sql  string
	args []any
	at   time.Time
}

type tracer struct {
	hooks Hooks
}

func (t *tracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	t.hooks.BeforeExecute(data.SQL, data.Args)
	return context.WithValue(ctx, traceKey{}, traceStart{sql: data.SQL, args: data.Args, at: time.Now()})
}

func (t *tracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	start, ok := ctx.Value(traceKey{}).(traceStart)
	if !ok {
		return
	}
	t.hooks.AfterExecute(start.sql, start.args, start.at, time.Now(), data.Err)
}
