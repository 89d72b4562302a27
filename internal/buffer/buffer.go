// Package buffer implements the edge agent's local durable queue:
// telemetry points accumulate here between flush attempts and survive a
// process restart. Backed by modernc.org/sqlite (pure Go, no cgo) so the
// edge binary stays a single static executable, per spec §4.1's local
// buffer requirements.
package buffer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// Row is one buffered point awaiting a successful flush.
type Row struct {
	ID        int64
	MessageID string
	Ts        time.Time
	Metrics   json.RawMessage
	Source    string
	ByteSize  int
	CreatedAt time.Time
}

// LocalBuffer is the edge agent's on-disk queue, opened over a single
// SQLite file at path.
type LocalBuffer struct {
	db   *sql.DB
	path string

	maxPoints int
	maxAge    time.Duration

	evictionsTotal int64
}

const schema = `
CREATE TABLE IF NOT EXISTS buffer_points (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL UNIQUE,
	ts TEXT NOT NULL,
	metrics TEXT NOT NULL,
	source TEXT NOT NULL,
	byte_size INTEGER NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_buffer_points_created_at ON buffer_points(created_at);
`

// Open opens (or creates) the buffer database at path, applying the WAL /
// synchronous-normal / in-memory-temp-store pragmas the edge runtime needs
// to tolerate frequent small writes on flash storage without corrupting
// the file on power loss mid-write.
func Open(path string, maxPoints int, maxAge time.Duration) (*LocalBuffer, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=temp_store(MEMORY)")
	if err != nil {
		return nil, fmt.Errorf("buffer: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, recoverFromCorruption(path, err)
	}
	return &LocalBuffer{db: db, path: path, maxPoints: maxPoints, maxAge: maxAge}, nil
}

// recoverFromCorruption quarantines an unreadable buffer file and starts
// fresh rather than crash-looping the edge agent forever on a corrupt
// SQLite file (spec §4.1's "corrupt buffer file" edge case).
func recoverFromCorruption(path string, cause error) error {
	quarantinePath := fmt.Sprintf("%s.corrupt.%d", path, time.Now().UnixNano())
	if err := os.Rename(path, quarantinePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("buffer: quarantine corrupt file: %w (original error: %v)", err, cause)
	}
	return fmt.Errorf("buffer: database file was corrupt, quarantined to %s: %w", quarantinePath, cause)
}

func (b *LocalBuffer) Close() error { return b.db.Close() }

// Enqueue inserts a point idempotently — a duplicate message_id is
// silently dropped, matching ingest's own (device_id, message_id) dedupe
// semantics so a re-queued retry never double-counts.
func (b *LocalBuffer) Enqueue(ctx context.Context, messageID string, ts time.Time, metrics json.RawMessage, source string) error {
	if err := b.enqueueOnce(ctx, messageID, ts, metrics, source); err != nil {
		if isDiskFull(err) {
			if evictErr := b.evictOldest(ctx, 1); evictErr != nil {
				return fmt.Errorf("buffer: evict after disk-full retry: %w", evictErr)
			}
			return b.enqueueOnce(ctx, messageID, ts, metrics, source)
		}
		return err
	}
	return b.enforceQuota(ctx)
}

func (b *LocalBuffer) enqueueOnce(ctx context.Context, messageID string, ts time.Time, metrics json.RawMessage, source string) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO buffer_points (message_id, ts, metrics, source, byte_size, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		messageID, ts.UTC().Format(time.RFC3339Nano), string(metrics), source, len(metrics), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func isDiskFull(err error) bool {
	return err != nil && (os.IsNotExist(err) || err.Error() == "database or disk is full")
}

// enforceQuota evicts the oldest rows past maxPoints or past maxAge,
// the byte-quota/age-quota eviction spec §4.1 requires of the buffer.
func (b *LocalBuffer) enforceQuota(ctx context.Context) error {
	var count int
	if err := b.db.QueryRowContext(ctx, `SELECT count(*) FROM buffer_points`).Scan(&count); err != nil {
		return err
	}
	if count > b.maxPoints {
		if err := b.evictOldest(ctx, count-b.maxPoints); err != nil {
			return err
		}
	}
	if b.maxAge > 0 {
		cutoff := time.Now().UTC().Add(-b.maxAge).Format(time.RFC3339Nano)
		if _, err := b.db.ExecContext(ctx, `DELETE FROM buffer_points WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	return nil
}

func (b *LocalBuffer) evictOldest(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	res, err := b.db.ExecContext(ctx, `
		DELETE FROM buffer_points WHERE id IN (
			SELECT id FROM buffer_points ORDER BY created_at ASC LIMIT ?
		)`, n)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		atomic.AddInt64(&b.evictionsTotal, affected)
	}
	return nil
}

// DequeueBatch returns up to limit of the oldest buffered rows, for one
// flush attempt.
func (b *LocalBuffer) DequeueBatch(ctx context.Context, limit int) ([]Row, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, message_id, ts, metrics, source, byte_size, created_at
		FROM buffer_points ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var ts, createdAt string
		var metrics string
		if err := rows.Scan(&r.ID, &r.MessageID, &ts, &metrics, &r.Source, &r.ByteSize, &createdAt); err != nil {
			return nil, err
		}
		r.Ts, _ = time.Parse(time.RFC3339Nano, ts)
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		r.Metrics = json.RawMessage(metrics)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes rows by id once their flush is acknowledged by the
// server.
func (b *LocalBuffer) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `DELETE FROM buffer_points WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Metrics reports the current queue depth, byte footprint, and lifetime
// eviction count for the heartbeat payload (spec §4.5:
// queue_depth/db_bytes/evictions_total).
type Metrics struct {
	Depth          int
	ByteTotal      int64
	EvictionsTotal int64
}

func (b *LocalBuffer) Metrics(ctx context.Context) (Metrics, error) {
	var m Metrics
	err := b.db.QueryRowContext(ctx, `SELECT count(*), COALESCE(sum(byte_size), 0) FROM buffer_points`).Scan(&m.Depth, &m.ByteTotal)
	m.EvictionsTotal = atomic.LoadInt64(&b.evictionsTotal)
	return m, err
}

// Prune deletes rows older than maxAge regardless of quota, called on a
// timer independent of enqueue pressure.
func (b *LocalBuffer) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339Nano)
	res, err := b.db.ExecContext(ctx, `DELETE FROM buffer_points WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
