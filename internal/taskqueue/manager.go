package taskqueue

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// NamePrefix prefixes every per-group queue name.
const NamePrefix = "copr-be"

// QueueName returns the queue name for a build group.
func QueueName(groupID int) string {
	return fmt.Sprintf("%s-%d", NamePrefix, groupID)
}

// Manager owns one queue per build group. No other component opens
// queue connections on the backend's behalf.
type Manager struct {
	path   string
	logger *log.Logger

	mu     sync.Mutex
	svc    *Service
	queues map[int]*Queue
	order  []int
}

// NewManager returns a manager for the queue database at path.
func NewManager(path string, logger *log.Logger) *Manager {
	return &Manager{
		path:   path,
		logger: logger,
		queues: make(map[int]*Queue),
	}
}

// Init connects one queue per group and drains stale entries left over from
// a previous run. Any connectivity failure wraps ErrUnavailable.
func (m *Manager) Init(ctx context.Context, groupIDs []int) error {
	m.mu.Lock()
	if m.svc == nil {
		svc, err := Open(m.path)
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("could not connect to a task queue: %w", err)
		}
		m.svc = svc
	}
	for _, id := range groupIDs {
		if _, ok := m.queues[id]; ok {
			continue
		}
		q := m.svc.Queue(QueueName(id))
		if err := q.Connect(ctx); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("could not connect to a task queue: %w", err)
		}
		m.queues[id] = q
		m.order = append(m.order, id)
	}
	m.mu.Unlock()

	_, err := m.DrainAll(ctx)
	return err
}

// Queue returns the managed queue for groupID, or nil.
func (m *Manager) Queue(groupID int) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queues[groupID]
}

// DrainAll dequeues every entry of every managed queue until each is empty.
// Queue entries never represent completed work, so leftovers are stale and
// discarded. Calling it on empty queues is a no-op. Returns the number of
// entries dropped.
func (m *Manager) DrainAll(ctx context.Context) (int, error) {
	m.mu.Lock()
	queues := make([]*Queue, 0, len(m.order))
	for _, id := range m.order {
		queues = append(queues, m.queues[id])
	}
	m.mu.Unlock()

	total := 0
	for _, q := range queues {
		n, err := drain(ctx, q)
		total += n
		if err != nil {
			return total, fmt.Errorf("could not connect to a task queue: %w", err)
		}
		if n > 0 {
			m.logger.Printf("TaskQueue: dropped %d stale entr(ies) from %s", n, q.Name())
		}
	}
	return total, nil
}

func drain(ctx context.Context, q *Queue) (int, error) {
	drained := 0
	for {
		n, err := q.Length(ctx)
		if err != nil {
			return drained, err
		}
		if n == 0 {
			return drained, nil
		}
		e, err := q.Dequeue(ctx)
		if err != nil {
			return drained, err
		}
		if e != nil {
			drained++
		}
	}
}

// Path returns the queue database path.
func (m *Manager) Path() string {
	return m.path
}

// Close closes the queue service. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.svc == nil {
		return nil
	}
	err := m.svc.Close()
	m.svc = nil
	m.queues = make(map[int]*Queue)
	m.order = nil
	return err
}
