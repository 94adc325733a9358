// Package embedded provides a SQLite-backed durable FIFO queue for
// developer and single-node deployments. It implements the full
// visibility-timeout, receipt-handle and deduplication semantics of the
// hosted queue variants so the router behaves identically against it.
//
// The database is opened in WAL mode with a single writer connection;
// every operation serialises through that connection, which avoids
// "database is locked" errors under concurrent publishers and consumers.
package embedded

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Engine defaults.
const (
	DefaultVisibilityTimeout = 120 * time.Second
	DefaultReceiveTimeout    = time.Second
	DefaultDedupWindow       = 5 * time.Minute

	// pollSlice bounds the busy-wait granularity while simulating a
	// long-poll receive.
	pollSlice = 100 * time.Millisecond
)

// ddl is the idempotent schema; applying it repeatedly is safe.
const ddl = `
CREATE TABLE IF NOT EXISTS queue_messages (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    queue             TEXT    NOT NULL,
    message_id        TEXT    NOT NULL UNIQUE,
    message_group     TEXT    NOT NULL DEFAULT 'default',
    dedup_id          TEXT,
    body              BLOB    NOT NULL,
    created_at        INTEGER NOT NULL,
    visible_at        INTEGER NOT NULL,
    receipt_handle    TEXT    NOT NULL UNIQUE,
    receive_count     INTEGER NOT NULL DEFAULT 0,
    first_received_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_queue_messages_group
    ON queue_messages (queue, message_group, id);
CREATE INDEX IF NOT EXISTS idx_queue_messages_visible
    ON queue_messages (queue, visible_at);

CREATE TABLE IF NOT EXISTS message_deduplication (
    queue      TEXT    NOT NULL,
    dedup_id   TEXT    NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (queue, dedup_id)
);
CREATE INDEX IF NOT EXISTS idx_message_dedup_created
    ON message_deduplication (created_at);
`

// Message is a leased row returned by Receive.
type Message struct {
	MessageID       string
	Body            []byte
	MessageGroupID  string
	DeduplicationID string
	ReceiptHandle   string
	ReceiveCount    int
}

// EnqueueRequest describes a message to persist.
type EnqueueRequest struct {
	MessageID       string
	Body            []byte
	MessageGroupID  string
	DeduplicationID string
	Delay           time.Duration
}

// Config holds engine settings.
type Config struct {
	// Path is the database file; ":memory:" keeps everything in RAM
	Path string

	// Queue isolates multiple logical queues in one database
	Queue string

	// VisibilityTimeout is the lease duration granted on receive
	VisibilityTimeout time.Duration

	// ReceiveTimeout bounds the simulated long-poll when no rows are
	// visible
	ReceiveTimeout time.Duration

	// DedupWindow is how long a deduplication ID suppresses re-enqueues
	DedupWindow time.Duration
}

// DefaultEngineConfig returns engine defaults for a named queue.
func DefaultEngineConfig(path, queue string) *Config {
	return &Config{
		Path:              path,
		Queue:             queue,
		VisibilityTimeout: DefaultVisibilityTimeout,
		ReceiveTimeout:    DefaultReceiveTimeout,
		DedupWindow:       DefaultDedupWindow,
	}
}

// Engine is the SQLite-backed queue core. It is safe for concurrent use.
type Engine struct {
	db     *sql.DB
	config *Config
}

// NewEngine opens (or creates) the database at cfg.Path, enables WAL mode
// and applies the schema.
func NewEngine(cfg *Config) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("embedded: config is required")
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("embedded: database path is required")
	}
	if cfg.Queue == "" {
		return nil, fmt.Errorf("embedded: queue name is required")
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = DefaultReceiveTimeout
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("embedded: open %q: %w", cfg.Path, err)
	}

	// SQLite allows one writer at a time; a single pooled connection
	// serialises concurrent Enqueue/Receive/Ack callers instead of
	// surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("embedded: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("embedded: set synchronous: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("embedded: apply schema: %w", err)
	}

	slog.Info("Opened embedded queue",
		"path", cfg.Path,
		"queue", cfg.Queue,
		"visibilityTimeout", cfg.VisibilityTimeout)

	return &Engine{db: db, config: cfg}, nil
}

// Enqueue persists a message. When the request carries a deduplication ID
// that was seen within the dedup window, the call is a silent no-op that
// still reports success.
func (e *Engine) Enqueue(ctx context.Context, req *EnqueueRequest) error {
	if req.MessageID == "" {
		return fmt.Errorf("embedded: message ID is required")
	}
	if len(req.Body) == 0 {
		return fmt.Errorf("embedded: message body is required")
	}

	now := time.Now().UnixMilli()
	group := req.MessageGroupID
	if group == "" {
		group = "default"
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("embedded: begin enqueue: %w", err)
	}
	defer tx.Rollback()

	if req.DeduplicationID != "" {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM message_deduplication
			 WHERE queue = ? AND dedup_id = ? AND created_at > ?`,
			e.config.Queue, req.DeduplicationID, now-e.config.DedupWindow.Milliseconds(),
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("embedded: dedup lookup: %w", err)
		}
		if exists > 0 {
			slog.Debug("Deduplicated enqueue",
				"queue", e.config.Queue,
				"messageId", req.MessageID,
				"dedupId", req.DeduplicationID)
			return tx.Commit()
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO message_deduplication (queue, dedup_id, created_at)
			 VALUES (?, ?, ?)`,
			e.config.Queue, req.DeduplicationID, now,
		); err != nil {
			return fmt.Errorf("embedded: record dedup: %w", err)
		}
	}

	visibleAt := now + req.Delay.Milliseconds()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO queue_messages
		 (queue, message_id, message_group, dedup_id, body, created_at, visible_at, receipt_handle, receive_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		e.config.Queue, req.MessageID, group, nullable(req.DeduplicationID),
		req.Body, now, visibleAt, uuid.NewString(),
	); err != nil {
		return fmt.Errorf("embedded: insert message: %w", err)
	}

	// Best-effort GC of expired dedup rows; failure does not abort the
	// enqueue.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM message_deduplication WHERE created_at <= ?`,
		now-e.config.DedupWindow.Milliseconds(),
	); err != nil {
		slog.Warn("Dedup GC failed", "error", err)
	}

	return tx.Commit()
}

// Receive leases up to maxMessages rows, long-polling up to wait. Per
// message group only the head row (lowest id) is eligible, and only while
// it is visible; a group whose head is leased or delayed exposes nothing,
// which preserves strict FIFO within the group.
func (e *Engine) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]Message, error) {
	if maxMessages <= 0 {
		return nil, nil
	}
	if wait > e.config.ReceiveTimeout {
		wait = e.config.ReceiveTimeout
	}

	deadline := time.Now().Add(wait)
	for {
		msgs, err := e.receiveOnce(ctx, maxMessages)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		slice := pollSlice
		if remaining < slice {
			slice = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(slice):
		}
	}
}

func (e *Engine) receiveOnce(ctx context.Context, maxMessages int) ([]Message, error) {
	now := time.Now().UnixMilli()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("embedded: begin receive: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT m.id, m.message_id, m.message_group, m.dedup_id, m.body, m.receive_count
		 FROM queue_messages m
		 JOIN (
		     SELECT message_group, MIN(id) AS head_id
		     FROM queue_messages
		     WHERE queue = ?
		     GROUP BY message_group
		 ) g ON m.id = g.head_id
		 WHERE m.queue = ? AND m.visible_at <= ?
		 ORDER BY m.id
		 LIMIT ?`,
		e.config.Queue, e.config.Queue, now, maxMessages)
	if err != nil {
		return nil, fmt.Errorf("embedded: select visible: %w", err)
	}

	type candidate struct {
		rowID        int64
		messageID    string
		group        string
		dedupID      sql.NullString
		body         []byte
		receiveCount int
	}

	var selected []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.rowID, &c.messageID, &c.group, &c.dedupID, &c.body, &c.receiveCount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("embedded: scan candidate: %w", err)
		}
		selected = append(selected, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("embedded: iterate candidates: %w", err)
	}
	rows.Close()

	if len(selected) == 0 {
		return nil, tx.Commit()
	}

	visibleAt := now + e.config.VisibilityTimeout.Milliseconds()
	msgs := make([]Message, 0, len(selected))
	for _, c := range selected {
		handle := uuid.NewString()
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_messages
			 SET receipt_handle = ?, visible_at = ?, receive_count = receive_count + 1,
			     first_received_at = COALESCE(first_received_at, ?)
			 WHERE id = ?`,
			handle, visibleAt, now, c.rowID,
		); err != nil {
			return nil, fmt.Errorf("embedded: lease message: %w", err)
		}

		msgs = append(msgs, Message{
			MessageID:       c.messageID,
			Body:            c.body,
			MessageGroupID:  c.group,
			DeduplicationID: c.dedupID.String,
			ReceiptHandle:   handle,
			ReceiveCount:    c.receiveCount + 1,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("embedded: commit receive: %w", err)
	}
	return msgs, nil
}

// Ack deletes the row matching the receipt handle. An unknown or stale
// handle is a no-op.
func (e *Engine) Ack(ctx context.Context, receiptHandle string) error {
	res, err := e.db.ExecContext(ctx,
		`DELETE FROM queue_messages WHERE queue = ? AND receipt_handle = ?`,
		e.config.Queue, receiptHandle)
	if err != nil {
		return fmt.Errorf("embedded: ack: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Debug("Ack for unknown receipt handle", "queue", e.config.Queue)
	}
	return nil
}

// Nack makes the row visible again after delay and rotates its handle.
// An unknown handle is a no-op.
func (e *Engine) Nack(ctx context.Context, receiptHandle string, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	visibleAt := time.Now().UnixMilli() + delay.Milliseconds()
	res, err := e.db.ExecContext(ctx,
		`UPDATE queue_messages SET visible_at = ?, receipt_handle = ?
		 WHERE queue = ? AND receipt_handle = ?`,
		visibleAt, uuid.NewString(), e.config.Queue, receiptHandle)
	if err != nil {
		return fmt.Errorf("embedded: nack: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Debug("Nack for unknown receipt handle", "queue", e.config.Queue)
	}
	return nil
}

// Extend advances the lease by visibility from now and rotates the handle.
// The new handle is returned; an unknown handle returns the input unchanged.
func (e *Engine) Extend(ctx context.Context, receiptHandle string, visibility time.Duration) (string, error) {
	if visibility <= 0 {
		visibility = e.config.VisibilityTimeout
	}
	newHandle := uuid.NewString()
	visibleAt := time.Now().UnixMilli() + visibility.Milliseconds()
	res, err := e.db.ExecContext(ctx,
		`UPDATE queue_messages SET visible_at = ?, receipt_handle = ?
		 WHERE queue = ? AND receipt_handle = ?`,
		visibleAt, newHandle, e.config.Queue, receiptHandle)
	if err != nil {
		return receiptHandle, fmt.Errorf("embedded: extend: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return receiptHandle, nil
	}
	return newHandle, nil
}

// Depth returns the number of currently visible messages.
func (e *Engine) Depth(ctx context.Context) (int64, error) {
	var count int64
	err := e.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_messages WHERE queue = ? AND visible_at <= ?`,
		e.config.Queue, time.Now().UnixMilli(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("embedded: depth: %w", err)
	}
	return count, nil
}

// TotalCount returns all rows for the queue, leased or visible. Used by
// the monitoring API.
func (e *Engine) TotalCount(ctx context.Context) (int64, error) {
	var count int64
	err := e.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_messages WHERE queue = ?`,
		e.config.Queue,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("embedded: total count: %w", err)
	}
	return count, nil
}

// Healthy reports whether the database answers a trivial query.
func (e *Engine) Healthy(ctx context.Context) bool {
	var one int
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return e.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one) == nil
}

// SweepDedup removes deduplication rows older than the window. The janitor
// calls this periodically; Enqueue also GCs opportunistically.
func (e *Engine) SweepDedup(ctx context.Context) (int64, error) {
	cutoff := time.Now().UnixMilli() - e.config.DedupWindow.Milliseconds()
	res, err := e.db.ExecContext(ctx,
		`DELETE FROM message_deduplication WHERE created_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("embedded: sweep dedup: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close closes the underlying database.
func (e *Engine) Close() error {
	return e.db.Close()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
