// Package queue persists heartbeats the agent could not deliver. The queue
// is a bounded FIFO backed by a JSON file: when the server is unreachable
// samples accumulate up to the cap, dropping the oldest beyond it, and are
// replayed in order once connectivity returns. Queued samples keep their
// original capture timestamps so the server accounts them to the right
// interval.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/iamdevdhanush/Green/internal/protocol"
)

// Queue is a disk-backed bounded FIFO of heartbeat requests. Safe for
// concurrent use.
type Queue struct {
	mu    sync.Mutex
	path  string
	max   int
	items []protocol.HeartbeatRequest
}

// Open loads the queue from path, creating an empty one when the file does
// not exist. A corrupted file is discarded rather than wedging the agent.
func Open(path string, max int) (*Queue, error) {
	if max <= 0 {
		return nil, errors.New("queue: max must be positive")
	}

	q := &Queue{path: path, max: max}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return q, nil
	case err != nil:
		return nil, fmt.Errorf("queue: reading %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &q.items); err != nil {
		q.items = nil
	}
	if len(q.items) > max {
		q.items = q.items[len(q.items)-max:]
	}
	return q, nil
}

// Push appends a heartbeat, dropping the oldest entry when the queue is at
// capacity, and persists the result.
func (q *Queue) Push(hb protocol.HeartbeatRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.max {
		q.items = q.items[1:]
	}
	q.items = append(q.items, hb)
	return q.save()
}

// Drain removes and returns every queued heartbeat, oldest first. Entries
// the caller fails to deliver should be pushed back.
func (q *Queue) Drain() ([]protocol.HeartbeatRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, nil
	}
	items := q.items
	q.items = nil
	if err := q.save(); err != nil {
		// Keep them: better to replay twice than to lose telemetry.
		q.items = items
		return nil, err
	}
	return items, nil
}

// Len returns the number of queued heartbeats.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// save writes the queue file atomically via temp file + rename. Callers
// hold q.mu.
func (q *Queue) save() error {
	items := q.items
	if items == nil {
		items = []protocol.HeartbeatRequest{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("queue: marshaling: %w", err)
	}

	dir := filepath.Dir(q.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("queue: creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "queue.*.tmp")
	if err != nil {
		return fmt.Errorf("queue: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("queue: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("queue: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, q.path); err != nil {
		return fmt.Errorf("queue: replacing %s: %w", q.path, err)
	}
	ok = true
	return nil
}
