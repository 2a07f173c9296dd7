package kv

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on kv.revision for change polling
const currentSchemaVersion = 1

// DefaultPollInterval is how often SQLite checks for commits made by other
// connections.
const DefaultPollInterval = 250 * time.Millisecond

// SQLite is a file-backed Store.
//
// The connection pool is limited to one connection: SQLite supports one
// writer at a time, and PRAGMA data_version is per connection, so polling
// must run on the same connection that performs our own writes.
type SQLite struct {
	db     *sql.DB
	origin string
	hub    *hub
	logger *slog.Logger

	pollInterval time.Duration
	stop         chan struct{}
	wg           sync.WaitGroup

	mu          sync.Mutex
	closed      bool
	dataVersion int64
	lastPolled  Revision
}

var _ Store = (*SQLite)(nil)

// SQLiteOption configures OpenSQLite.
type SQLiteOption func(*SQLite)

// WithPollInterval sets the foreign-commit polling interval.
// Zero or negative disables polling.
func WithPollInterval(d time.Duration) SQLiteOption {
	return func(s *SQLite) {
		s.pollInterval = d
	}
}

// WithSQLiteLogger sets the logger used by the poller.
func WithSQLiteLogger(l *slog.Logger) SQLiteOption {
	return func(s *SQLite) {
		s.logger = l
	}
}

// OpenSQLite creates or opens a database at path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - FULL synchronous mode (a queued mutation must survive power loss)
//   - 5-second busy timeout for lock contention
//   - immediate transactions, so the revision read and the write happen
//     under the same lock
func OpenSQLite(path string, opts ...SQLiteOption) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &SQLite{
		db:           db,
		origin:       newOrigin(),
		hub:          newHub(),
		logger:       slog.Default(),
		pollInterval: DefaultPollInterval,
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.db.QueryRow("PRAGMA data_version").Scan(&s.dataVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read data_version: %w", err)
	}
	var maxRev int64
	if err := s.db.QueryRow("SELECT COALESCE(MAX(revision), 0) FROM kv").Scan(&maxRev); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read revision: %w", err)
	}
	s.lastPolled = Revision(maxRev)

	if s.pollInterval > 0 {
		s.wg.Add(1)
		go s.pollLoop()
	}

	return s, nil
}

// dsn turns a path or file: URI into a DSN whose transactions take the
// write lock up front. An explicit _txlock in a URI is kept.
func dsn(path string) string {
	switch {
	case path == ":memory:":
		return path
	case strings.HasPrefix(path, "file:"):
		if strings.Contains(path, "_txlock=") {
			return path
		}
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + "_txlock=immediate"
	default:
		return "file:" + path + "?_txlock=immediate"
	}
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 adds the revision index the poller scans.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_kv_revision ON kv(revision)`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// Origin returns this handle's origin identifier.
func (s *SQLite) Origin() string {
	return s.origin
}

// Get reads one key.
func (s *SQLite) Get(ctx context.Context, key string) (Record, error) {
	if err := s.checkOpen("get", key); err != nil {
		return Record{}, err
	}

	rec := Record{Key: key}
	var rev int64
	err := s.db.QueryRowContext(ctx, `SELECT value, revision FROM kv WHERE key = ?`, key).Scan(&rec.Value, &rev)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, nil
	}
	if err != nil {
		return Record{}, &StoreError{Op: "get", Key: key, Err: err}
	}
	rec.Revision = Revision(rev)
	return rec, nil
}

// Set writes all entries in one transaction under one revision.
func (s *SQLite) Set(ctx context.Context, entries ...Entry) (Revision, error) {
	key := keysOf(entries)
	if err := s.checkOpen("set", key); err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return s.currentRevision(ctx)
	}

	var rev Revision
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		rev, err = nextRevision(ctx, tx)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := upsert(ctx, tx, e.Key, e.Value, rev, s.origin); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, &StoreError{Op: "set", Key: key, Err: err}
	}

	changes := make([]Change, len(entries))
	for i, e := range entries {
		changes[i] = Change{Key: e.Key, Value: cloneBytes(e.Value), Revision: rev, Origin: s.origin}
	}
	s.hub.publish(changes...)
	return rev, nil
}

// Merge applies patch to key inside one transaction.
func (s *SQLite) Merge(ctx context.Context, key string, patch []byte) (Revision, error) {
	if err := s.checkOpen("merge", key); err != nil {
		return 0, err
	}

	var (
		rev    Revision
		merged []byte
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var base []byte
		err := tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&base)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read: %w", err)
		}
		if merged, err = MergePatch(base, patch); err != nil {
			return err
		}
		if rev, err = nextRevision(ctx, tx); err != nil {
			return err
		}
		return upsert(ctx, tx, key, merged, rev, s.origin)
	})
	if err != nil {
		return 0, &StoreError{Op: "merge", Key: key, Err: err}
	}

	s.hub.publish(Change{Key: key, Value: cloneBytes(merged), Revision: rev, Origin: s.origin})
	return rev, nil
}

// Subscribe registers fn for local writes and for commits made by other
// connections (detected by the poller).
func (s *SQLite) Subscribe(fn func(Change)) func() {
	return s.hub.subscribe(fn)
}

// Close stops the poller and closes the database connection.
// Safe to call more than once.
func (s *SQLite) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()

	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer Store methods.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

func (s *SQLite) checkOpen(op, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &StoreError{Op: op, Key: key, Err: ErrClosed}
	}
	return nil
}

func (s *SQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLite) currentRevision(ctx context.Context) (Revision, error) {
	var rev int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(revision), 0) FROM kv`).Scan(&rev); err != nil {
		return 0, &StoreError{Op: "revision", Err: err}
	}
	return Revision(rev), nil
}

func nextRevision(ctx context.Context, tx *sql.Tx) (Revision, error) {
	var rev int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(revision), 0) + 1 FROM kv`).Scan(&rev); err != nil {
		return 0, fmt.Errorf("next revision: %w", err)
	}
	return Revision(rev), nil
}

func upsert(ctx context.Context, tx *sql.Tx, key string, value []byte, rev Revision, origin string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO kv (key, value, revision, origin)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			revision = excluded.revision,
			origin = excluded.origin
	`, key, value, int64(rev), origin)
	if err != nil {
		return fmt.Errorf("upsert %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) pollLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.poll(context.Background()); err != nil {
				s.logger.Warn("kv poll failed", "error", err)
			}
		}
	}
}

// poll publishes rows committed by other connections since the last poll.
// Rows this handle wrote are skipped: they were published at write time.
func (s *SQLite) poll(ctx context.Context) error {
	var version int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&version); err != nil {
		return fmt.Errorf("data_version: %w", err)
	}

	s.mu.Lock()
	if version == s.dataVersion {
		s.mu.Unlock()
		return nil
	}
	s.dataVersion = version
	since := s.lastPolled
	s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, revision, origin FROM kv
		WHERE revision > ? AND origin != ?
		ORDER BY revision ASC, key ASC
	`, int64(since), s.origin)
	if err != nil {
		return fmt.Errorf("scan changes: %w", err)
	}
	defer rows.Close()

	var changes []Change
	maxRev := since
	for rows.Next() {
		var (
			c   Change
			rev int64
		)
		if err := rows.Scan(&c.Key, &c.Value, &rev, &c.Origin); err != nil {
			return fmt.Errorf("scan change row: %w", err)
		}
		c.Revision = Revision(rev)
		if c.Revision > maxRev {
			maxRev = c.Revision
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("scan changes: %w", err)
	}

	s.mu.Lock()
	if maxRev > s.lastPolled {
		s.lastPolled = maxRev
	}
	s.mu.Unlock()

	s.hub.publish(changes...)
	return nil
}
