package transport

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - messages and dead_letters tables
const currentSchemaVersion = 1

// DefaultPollInterval is how often Receive re-checks an empty queue when no
// in-process publish wakes it first.
const DefaultPollInterval = 50 * time.Millisecond

const (
	stateReady    = 0
	stateInFlight = 1
)

// SQLiteBroker is a Broker backed by a SQLite database file. Several
// processes may open the same file; each delivery is claimed inside a
// transaction so that only one consumer receives it.
type SQLiteBroker struct {
	db   *sql.DB
	poll time.Duration

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	wake   chan struct{}
}

// SQLiteOption configures a SQLiteBroker.
type SQLiteOption func(*SQLiteBroker)

// WithPollInterval sets how often an idle Receive re-checks the database.
func WithPollInterval(d time.Duration) SQLiteOption {
	return func(b *SQLiteBroker) {
		if d > 0 {
			b.poll = d
		}
	}
}

// OpenSQLite creates or opens the broker database at path. Messages left in
// flight by a previous process are made ready again, since their consumer
// never settled them.
//
// The database is configured with:
//   - WAL mode so readers do not block the writer
//   - NORMAL synchronous mode
//   - 5-second busy timeout for cross-process lock contention
func OpenSQLite(path string, opts ...SQLiteOption) (*SQLiteBroker, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite supports one writer at a time.
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

	res, err := db.Exec("UPDATE messages SET state = ? WHERE state = ?", stateReady, stateInFlight)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("reset in-flight messages: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Info("unsettled messages made ready for redelivery", "count", n, "path", path)
	}

	b := &SQLiteBroker{
		db:   db,
		poll: DefaultPollInterval,
		done: make(chan struct{}),
		wake: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, currentSchemaVersion)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func (b *SQLiteBroker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *SQLiteBroker) notify() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Publish implements Broker.
func (b *SQLiteBroker) Publish(ctx context.Context, queue string, body []byte) error {
	if b.isClosed() {
		return ErrClosed
	}
	_, err := b.db.ExecContext(ctx,
		"INSERT INTO messages (queue, body, state, deliveries, enqueued_at) VALUES (?, ?, ?, 0, ?)",
		queue, body, stateReady, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	b.notify()
	return nil
}

// Receive implements Broker.
func (b *SQLiteBroker) Receive(ctx context.Context, queue string) (Delivery, error) {
	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()

	for {
		if b.isClosed() {
			return nil, ErrClosed
		}
		d, err := b.claim(ctx, queue)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.done:
			return nil, ErrClosed
		case <-b.wake:
		case <-ticker.C:
		}
	}
}

// claim marks the oldest ready message on queue as in flight.
func (b *SQLiteBroker) claim(ctx context.Context, queue string) (*sqliteDelivery, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	d := &sqliteDelivery{broker: b, queue: queue}
	err = tx.QueryRowContext(ctx,
		"SELECT id, body, deliveries FROM messages WHERE queue = ? AND state = ? ORDER BY id LIMIT 1",
		queue, stateReady,
	).Scan(&d.id, &d.body, &d.deliveries)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", queue, err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE messages SET state = ?, deliveries = deliveries + 1 WHERE id = ?",
		stateInFlight, d.id,
	); err != nil {
		return nil, fmt.Errorf("claim message %d: %w", d.id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	d.deliveries++
	return d, nil
}

// Len returns the number of ready messages on queue.
func (b *SQLiteBroker) Len(ctx context.Context, queue string) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE queue = ? AND state = ?", queue, stateReady,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", queue, err)
	}
	return n, nil
}

// DeadLetters returns the bodies rejected from queue, oldest first.
func (b *SQLiteBroker) DeadLetters(ctx context.Context, queue string) ([][]byte, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT body FROM dead_letters WHERE queue = ? ORDER BY id", queue)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, body)
	}
	return out, rows.Err()
}

// Close implements Broker.
func (b *SQLiteBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()
	return b.db.Close()
}

type sqliteDelivery struct {
	broker     *SQLiteBroker
	queue      string
	id         int64
	body       []byte
	deliveries int
	settled    bool
}

func (d *sqliteDelivery) Body() []byte      { return d.body }
func (d *sqliteDelivery) Redelivered() bool { return d.deliveries > 1 }

func (d *sqliteDelivery) Ack() error {
	if d.settled {
		return ErrSettled
	}
	if _, err := d.broker.db.Exec("DELETE FROM messages WHERE id = ?", d.id); err != nil {
		return fmt.Errorf("ack message %d: %w", d.id, err)
	}
	d.settled = true
	return nil
}

func (d *sqliteDelivery) Nack(requeue bool) error {
	if d.settled {
		return ErrSettled
	}
	tx, err := d.broker.db.Begin()
	if err != nil {
		return fmt.Errorf("begin nack: %w", err)
	}
	defer tx.Rollback()

	if requeue {
		// Re-insert to move the message behind everything already queued.
		_, err = tx.Exec(
			"INSERT INTO messages (queue, body, state, deliveries, enqueued_at) VALUES (?, ?, ?, ?, ?)",
			d.queue, d.body, stateReady, d.deliveries, time.Now().UnixMilli(),
		)
	} else {
		_, err = tx.Exec(
			"INSERT INTO dead_letters (queue, body, deliveries, dead_at) VALUES (?, ?, ?, ?)",
			d.queue, d.body, d.deliveries, time.Now().UnixMilli(),
		)
	}
	if err != nil {
		return fmt.Errorf("nack message %d: %w", d.id, err)
	}
	if _, err := tx.Exec("DELETE FROM messages WHERE id = ?", d.id); err != nil {
		return fmt.Errorf("nack message %d: %w", d.id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit nack: %w", err)
	}
	d.settled = true
	if requeue {
		d.broker.notify()
	}
	return nil
}
