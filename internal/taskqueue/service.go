// Package taskqueue implements the per-group task queues shared by the
// backend, the job-grabber and the workers. The queue service is a SQLite
// database file; every process opens it independently.
package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrUnavailable is returned (wrapped) when the queue service cannot be
// reached. Callers treat it as fatal.
var ErrUnavailable = errors.New("task queue service unavailable")

const schema = `
CREATE TABLE IF NOT EXISTS queue_entries (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	queue TEXT NOT NULL,
	id TEXT NOT NULL,
	payload BLOB NOT NULL,
	enqueued_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_entries_queue ON queue_entries(queue, seq);
`

// Entry is one queued task.
type Entry struct {
	ID         string
	Queue      string
	Payload    []byte
	EnqueuedAt time.Time
}

// Service is an open connection to the queue database.
type Service struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the queue database at path.
func Open(path string) (*Service, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("%w: mkdir %s: %v", ErrUnavailable, dir, err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnavailable, path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: schema %s: %v", ErrUnavailable, path, err)
	}
	return &Service{db: db, path: path}, nil
}

// Path returns the database path, handed to child processes.
func (s *Service) Path() string {
	return s.path
}

// Queue returns a handle for the named queue. No I/O happens until the
// handle is used.
func (s *Service) Queue(name string) *Queue {
	return &Queue{svc: s, name: name}
}

// Close releases the database. Second Close is a no-op.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Service) conn() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("%w: service closed", ErrUnavailable)
	}
	return s.db, nil
}

// Queue is a named FIFO inside the queue service.
type Queue struct {
	svc  *Service
	name string
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Connect verifies the service is reachable.
func (q *Queue) Connect(ctx context.Context) error {
	db, err := q.svc.conn()
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: connect %s: %v", ErrUnavailable, q.name, err)
	}
	return nil
}

// Enqueue appends payload and returns the new entry id.
func (q *Queue) Enqueue(ctx context.Context, payload []byte) (string, error) {
	db, err := q.svc.conn()
	if err != nil {
		return "", err
	}
	if payload == nil {
		payload = []byte{}
	}
	id := uuid.New().String()
	_, err = db.ExecContext(ctx,
		`INSERT INTO queue_entries (queue, id, payload, enqueued_at) VALUES (?, ?, ?, ?)`,
		q.name, id, payload, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("%w: enqueue %s: %v", ErrUnavailable, q.name, err)
	}
	return id, nil
}

// Dequeue removes and returns the oldest entry. Returns nil, nil when the
// queue is empty. Selection and removal happen in one statement, so
// concurrent consumers in other processes never claim the same entry and
// only wait on the write lock.
func (q *Queue) Dequeue(ctx context.Context) (*Entry, error) {
	db, err := q.svc.conn()
	if err != nil {
		return nil, err
	}

	var (
		e          Entry
		enqueuedAt string
	)
	err = db.QueryRowContext(ctx, `
		DELETE FROM queue_entries
		WHERE seq = (SELECT seq FROM queue_entries WHERE queue = ? ORDER BY seq LIMIT 1)
		RETURNING id, payload, enqueued_at`,
		q.name).Scan(&e.ID, &e.Payload, &enqueuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dequeue %s: %v", ErrUnavailable, q.name, err)
	}
	e.Queue = q.name
	e.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueuedAt)
	return &e, nil
}

// Length returns the number of entries in the queue.
func (q *Queue) Length(ctx context.Context) (int, error) {
	db, err := q.svc.conn()
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_entries WHERE queue = ?`, q.name).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: length %s: %v", ErrUnavailable, q.name, err)
	}
	return n, nil
}
