// Package queue implements the bounded, crash-safe FIFO that backs both the
// agent outbox and the bus ingest path. A queue is a directory holding
// append-only segment logs plus a sqlite sidecar index carrying delivery
// state. Records are immutable once appended; all lifecycle transitions
// happen in the index.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/amoskys/amoskys/pkg/envelope"
)

// State is the delivery state of a queue record.
type State string

const (
	StatePending  State = "PENDING"
	StateInflight State = "INFLIGHT"
	StateDone     State = "DONE"
)

var (
	// ErrFull signals that the record-count or byte ceiling was hit. The
	// newest record is rejected so the producer observes backpressure;
	// existing records are never dropped.
	ErrFull = errors.New("queue: full")

	// ErrUnhealthy signals that the queue gave up on its storage after
	// bounded retries and refuses further operations.
	ErrUnhealthy = errors.New("queue: storage failed, queue is unhealthy")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue: closed")

	// ErrReadOnly is returned when a consumer-mode queue is asked to write
	// segment data.
	ErrReadOnly = errors.New("queue: read-only")
)

// Record is an envelope plus its delivery metadata. Records are owned by
// exactly one queue; consumers interact through PeekBatch/Ack/Nack and
// never hold references into queue storage.
type Record struct {
	Envelope  *envelope.Envelope
	Attempts  int
	NextDueNS int64
	State     State
}

// Options bound a queue. Zero values select the defaults.
type Options struct {
	MaxRecords      int           // non-DONE record ceiling (default 100000)
	MaxBytes        int64         // non-DONE payload byte ceiling (default 1 GiB)
	MaxSegmentBytes int64         // segment rotation threshold (default 64 MiB)
	DoneRetention   time.Duration // how long DONE ids are remembered (default 24h)

	// ReadOnly opens the queue as a consumer of a directory owned by another
	// process. Segments are never written or repaired; Enqueue and GC are
	// refused. PeekBatch/Ack/Nack still work, they only touch the index.
	ReadOnly bool
}

func (o *Options) defaults() {
	if o.MaxRecords <= 0 {
		o.MaxRecords = 100000
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = 1 << 30
	}
	if o.MaxSegmentBytes <= 0 {
		o.MaxSegmentBytes = 64 << 20
	}
	if o.DoneRetention <= 0 {
		o.DoneRetention = 24 * time.Hour
	}
}

// Queue is a single-writer, single-reader durable FIFO.
type Queue struct {
	mu      sync.Mutex
	dir     string
	opts    Options
	index   *sql.DB
	seg     *segmentWriter
	clock   func() time.Time
	failed  bool
	closed  bool
	retries int
}

// Open creates or recovers a queue at dir. Recovery replays segment records
// missing from the index (a crash between segment fsync and index insert)
// and truncates a torn tail record, so no partial record is ever observable.
func Open(dir string, opts Options) (*Queue, error) {
	opts.defaults()
	if err := os.MkdirAll(filepath.Join(dir, "segments"), 0o750); err != nil {
		return nil, fmt.Errorf("queue: create dir: %w", err)
	}
	// busy_timeout lets a producer and a consumer process share the index.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", filepath.Join(dir, "index.db"))
	index, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("queue: open index: %w", err)
	}
	// The index is single-writer; one connection avoids SQLITE_BUSY churn.
	index.SetMaxOpenConns(1)
	q := &Queue{dir: dir, opts: opts, index: index, clock: time.Now, retries: 3}
	if err := q.migrate(); err != nil {
		_ = index.Close()
		return nil, err
	}
	segDir := filepath.Join(dir, "segments")
	if opts.ReadOnly {
		seg, err := openSegmentsReader(segDir)
		if err != nil {
			_ = index.Close()
			return nil, err
		}
		q.seg = seg
		if err := q.releaseLeases(); err != nil {
			_ = q.Close()
			return nil, err
		}
		return q, nil
	}
	seg, err := openSegments(segDir, opts.MaxSegmentBytes)
	if err != nil {
		_ = index.Close()
		return nil, err
	}
	q.seg = seg
	if err := q.recover(); err != nil {
		_ = q.Close()
		return nil, err
	}
	return q, nil
}

// WithClock overrides the wall clock, for tests.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clock = now
	return q
}

func (q *Queue) migrate() error {
	_, err := q.index.Exec(`
	CREATE TABLE IF NOT EXISTS records (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id    TEXT NOT NULL UNIQUE,
		segment     INTEGER NOT NULL,
		offset      INTEGER NOT NULL,
		length      INTEGER NOT NULL,
		state       TEXT NOT NULL,
		attempts    INTEGER NOT NULL DEFAULT 0,
		next_due_ns INTEGER NOT NULL DEFAULT 0,
		enqueued_ns INTEGER NOT NULL,
		done_ns     INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_records_state ON records(state, next_due_ns);`)
	if err != nil {
		return fmt.Errorf("queue: migrate index: %w", err)
	}
	return nil
}

// releaseLeases re-pends records stranded INFLIGHT by a crash between
// PeekBatch and Ack/Nack. Leases never survive a restart; the records are
// redelivered and downstream idempotency absorbs any duplicate.
func (q *Queue) releaseLeases() error {
	if _, err := q.index.Exec(
		`UPDATE records SET state = ? WHERE state = ?`, StatePending, StateInflight); err != nil {
		return fmt.Errorf("queue: release stale leases: %w", err)
	}
	return nil
}

// recover reconciles segments with the index after a crash.
func (q *Queue) recover() error {
	if err := q.releaseLeases(); err != nil {
		return err
	}
	if _, err := q.seg.repairTail(); err != nil {
		return err
	}
	return q.seg.scan(func(segNum, off, length int64, payload []byte) error {
		var e envelope.Envelope
		if err := json.Unmarshal(payload, &e); err != nil {
			return fmt.Errorf("queue: corrupt record at segment %d offset %d: %w", segNum, off, err)
		}
		var n int
		row := q.index.QueryRow(`SELECT COUNT(1) FROM records WHERE event_id = ?`, e.EventID)
		if err := row.Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		_, err := q.index.Exec(
			`INSERT INTO records (event_id, segment, offset, length, state, enqueued_ns) VALUES (?, ?, ?, ?, ?, ?)`,
			e.EventID, segNum, off, length, StatePending, q.clock().UnixNano())
		return err
	})
}

// Enqueue appends an envelope. The append is fsynced before the index is
// updated and before Enqueue returns, so a returned ok implies durability.
// fresh is false when the event id is already known (idempotent no-op).
func (q *Queue) Enqueue(e *envelope.Envelope) (fresh bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.usable(); err != nil {
		return false, err
	}
	if q.opts.ReadOnly {
		return false, ErrReadOnly
	}

	var state string
	err = q.index.QueryRow(`SELECT state FROM records WHERE event_id = ?`, e.EventID).Scan(&state)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, q.storageErr(fmt.Errorf("queue: idempotency lookup: %w", err))
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("queue: marshal envelope: %w", err)
	}
	count, bytes, err := q.liveLoad()
	if err != nil {
		return false, q.storageErr(err)
	}
	if count >= q.opts.MaxRecords || bytes+int64(len(payload)) > q.opts.MaxBytes {
		return false, ErrFull
	}

	var segNum, off, length int64
	appendErr := q.withRetry(func() error {
		var err error
		segNum, off, length, err = q.seg.append(payload)
		return err
	})
	if appendErr != nil {
		return false, q.storageErr(appendErr)
	}
	insertErr := q.withRetry(func() error {
		_, err := q.index.Exec(
			`INSERT INTO records (event_id, segment, offset, length, state, enqueued_ns) VALUES (?, ?, ?, ?, ?, ?)`,
			e.EventID, segNum, off, length, StatePending, q.clock().UnixNano())
		return err
	})
	if insertErr != nil {
		return false, q.storageErr(insertErr)
	}
	return true, nil
}

// PeekBatch leases up to n due PENDING records in FIFO order, marking them
// INFLIGHT. The caller must Ack or Nack every returned event id.
func (q *Queue) PeekBatch(n int) ([]*Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.usable(); err != nil {
		return nil, err
	}
	now := q.clock().UnixNano()
	rows, err := q.index.Query(
		`SELECT event_id, segment, offset, length, attempts, next_due_ns
		 FROM records WHERE state = ? AND next_due_ns <= ? ORDER BY seq LIMIT ?`,
		StatePending, now, n)
	if err != nil {
		return nil, q.storageErr(err)
	}
	type loc struct {
		id               string
		segment, off, ln int64
		attempts         int
		nextDue          int64
	}
	var locs []loc
	for rows.Next() {
		var l loc
		if err := rows.Scan(&l.id, &l.segment, &l.off, &l.ln, &l.attempts, &l.nextDue); err != nil {
			_ = rows.Close()
			return nil, q.storageErr(err)
		}
		locs = append(locs, l)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, q.storageErr(err)
	}
	_ = rows.Close()

	records := make([]*Record, 0, len(locs))
	for _, l := range locs {
		payload, err := q.seg.read(l.segment, l.off, l.ln)
		if err != nil {
			return nil, q.storageErr(err)
		}
		var e envelope.Envelope
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("queue: corrupt record %s: %w", l.id, err)
		}
		if _, err := q.index.Exec(`UPDATE records SET state = ? WHERE event_id = ?`, StateInflight, l.id); err != nil {
			return nil, q.storageErr(err)
		}
		records = append(records, &Record{
			Envelope:  &e,
			Attempts:  l.attempts,
			NextDueNS: l.nextDue,
			State:     StateInflight,
		})
	}
	return records, nil
}

// Ack marks records DONE. DONE ids are retained for the dedupe window and
// garbage-collected afterwards.
func (q *Queue) Ack(eventIDs []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.usable(); err != nil {
		return err
	}
	now := q.clock().UnixNano()
	for _, id := range eventIDs {
		if _, err := q.index.Exec(
			`UPDATE records SET state = ?, done_ns = ? WHERE event_id = ?`, StateDone, now, id); err != nil {
			return q.storageErr(err)
		}
	}
	return nil
}

// Nack returns records to PENDING with a backoff before they become due
// again. Their position in FIFO order is preserved (ordering is by enqueue
// sequence, not by due time).
func (q *Queue) Nack(eventIDs []string, backoff time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.usable(); err != nil {
		return err
	}
	due := q.clock().Add(backoff).UnixNano()
	for _, id := range eventIDs {
		if _, err := q.index.Exec(
			`UPDATE records SET state = ?, attempts = attempts + 1, next_due_ns = ? WHERE event_id = ?`,
			StatePending, due, id); err != nil {
			return q.storageErr(err)
		}
	}
	return nil
}

// Release returns leased records to PENDING immediately, without counting a
// delivery attempt. Used when a lease is given up before anything was sent.
func (q *Queue) Release(eventIDs []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.usable(); err != nil {
		return err
	}
	for _, id := range eventIDs {
		if _, err := q.index.Exec(
			`UPDATE records SET state = ? WHERE event_id = ? AND state = ?`,
			StatePending, id, StateInflight); err != nil {
			return q.storageErr(err)
		}
	}
	return nil
}

// Contains reports whether an event id is known to the queue in any state,
// and that state. Used by the bus to answer DUPLICATE.
func (q *Queue) Contains(eventID string) (State, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.usable(); err != nil {
		return "", false, err
	}
	var state State
	err := q.index.QueryRow(`SELECT state FROM records WHERE event_id = ?`, eventID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, q.storageErr(err)
	}
	return state, true, nil
}

// Size returns the number of live (PENDING + INFLIGHT) records.
func (q *Queue) Size() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.usable(); err != nil {
		return 0, err
	}
	count, _, err := q.liveLoad()
	if err != nil {
		return 0, q.storageErr(err)
	}
	return count, nil
}

// OldestAge returns the age of the oldest live record, or zero when empty.
func (q *Queue) OldestAge() (time.Duration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.usable(); err != nil {
		return 0, err
	}
	var oldest sql.NullInt64
	err := q.index.QueryRow(
		`SELECT MIN(enqueued_ns) FROM records WHERE state != ?`, StateDone).Scan(&oldest)
	if err != nil {
		return 0, q.storageErr(err)
	}
	if !oldest.Valid {
		return 0, nil
	}
	return q.clock().Sub(time.Unix(0, oldest.Int64)), nil
}

// GC drops DONE records older than the retention window and deletes
// segments whose records are all gone.
func (q *Queue) GC(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.usable(); err != nil {
		return err
	}
	if q.opts.ReadOnly {
		return ErrReadOnly
	}
	cutoff := q.clock().Add(-q.opts.DoneRetention).UnixNano()
	if _, err := q.index.ExecContext(ctx,
		`DELETE FROM records WHERE state = ? AND done_ns > 0 AND done_ns < ?`, StateDone, cutoff); err != nil {
		return q.storageErr(err)
	}
	return q.dropEmptySegments(ctx)
}

func (q *Queue) dropEmptySegments(ctx context.Context) error {
	for _, n := range q.seg.sealedSegments() {
		var count int
		if err := q.index.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM records WHERE segment = ?`, n).Scan(&count); err != nil {
			return q.storageErr(err)
		}
		if count == 0 {
			if err := q.seg.remove(n); err != nil {
				return q.storageErr(err)
			}
		}
	}
	return nil
}

// Healthy reports whether the queue can serve. A false value should demote
// the owning component's readiness.
func (q *Queue) Healthy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.failed && !q.closed
}

// Close flushes and releases the queue.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	segErr := q.seg.close()
	idxErr := q.index.Close()
	if segErr != nil {
		return segErr
	}
	return idxErr
}

func (q *Queue) usable() error {
	if q.closed {
		return ErrClosed
	}
	if q.failed {
		return ErrUnhealthy
	}
	return nil
}

func (q *Queue) liveLoad() (int, int64, error) {
	var count int
	var bytes sql.NullInt64
	err := q.index.QueryRow(
		`SELECT COUNT(1), COALESCE(SUM(length), 0) FROM records WHERE state != ?`, StateDone).
		Scan(&count, &bytes)
	if err != nil {
		return 0, 0, err
	}
	return count, bytes.Int64, nil
}

// withRetry runs op with bounded retries for transient storage errors.
func (q *Queue) withRetry(op func() error) error {
	var err error
	for i := 0; i < q.retries; i++ {
		if err = op(); err == nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return err
}

// storageErr records a fatal storage failure and flips the queue unhealthy.
func (q *Queue) storageErr(err error) error {
	q.failed = true
	return fmt.Errorf("%w: %v", ErrUnhealthy, err)
}
