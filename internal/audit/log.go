package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/EternisAI/remote-control/internal/metrics"
)

const (
	DefaultBuffer = 256
	DefaultLimit  = 100
	writeTimeout  = 5 * time.Second
)

type Options struct {
	// Buffer bounds the entries waiting for the writer. Record drops beyond it.
	Buffer     int
	Publishers []Publisher
}

// Log is the append-only command trail. Record never blocks; entries that
// cannot be written are logged and counted, never surfaced to the caller.
type Log struct {
	store      Store
	publishers []Publisher
	entries    chan Entry

	mu          sync.RWMutex
	closed      bool
	subscribers map[int]chan Entry
	nextSub     int

	done chan struct{}
}

func NewLog(store Store, opts Options) *Log {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	l := &Log{
		store:       store,
		publishers:  opts.Publishers,
		entries:     make(chan Entry, opts.Buffer),
		subscribers: make(map[int]chan Entry),
		done:        make(chan struct{}),
	}
	go l.writeLoop()
	return l
}

// Record queues e for writing, filling in ID and Timestamp when unset.
func (l *Log) Record(e Entry) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		slog.Warn("Audit log closed, dropping entry", "request_id", e.RequestID, "endpoint", e.Endpoint)
		metrics.AuditDropped.Inc()
		return
	}

	select {
	case l.entries <- e:
	default:
		slog.Warn("Audit buffer full, dropping entry", "request_id", e.RequestID, "endpoint", e.Endpoint, "kind", e.Kind.String())
		metrics.AuditDropped.Inc()
	}
}

// List returns up to limit entries, most recent first.
func (l *Log) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return l.store.List(ctx, limit)
}

// Subscribe streams entries as they are written. Slow subscribers miss
// entries rather than holding up the writer. The returned func unsubscribes.
func (l *Log) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Entry, buffer)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := l.nextSub
	l.nextSub++
	l.subscribers[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			if sub, ok := l.subscribers[id]; ok {
				delete(l.subscribers, id)
				close(sub)
			}
			l.mu.Unlock()
		})
	}
}

// Close flushes queued entries, then closes the store and publishers.
func (l *Log) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.entries)
	l.mu.Unlock()

	var err error
	select {
	case <-l.done:
	case <-ctx.Done():
		slog.Warn("Audit flush timed out", "pending", len(l.entries))
		err = ctx.Err()
	}

	l.mu.Lock()
	for id, sub := range l.subscribers {
		delete(l.subscribers, id)
		close(sub)
	}
	l.mu.Unlock()

	for _, p := range l.publishers {
		if perr := p.Close(); perr != nil {
			slog.Warn("Failed to close audit publisher", "error", perr)
		}
	}
	if serr := l.store.Close(); serr != nil && err == nil {
		err = serr
	}
	return err
}

func (l *Log) writeLoop() {
	defer close(l.done)
	for e := range l.entries {
		l.write(e)
	}
}

func (l *Log) write(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := l.store.Append(ctx, e); err != nil {
		slog.Warn("Failed to write audit entry", "request_id", e.RequestID, "endpoint", e.Endpoint, "error", err)
		metrics.AuditDropped.Inc()
	}
	for _, p := range l.publishers {
		if err := p.Publish(ctx, e); err != nil {
			slog.Warn("Failed to publish audit entry", "request_id", e.RequestID, "error", err)
		}
	}

	l.mu.RLock()
	for _, sub := range l.subscribers {
		select {
		case sub <- e:
		default:
		}
	}
	l.mu.RUnlock()
}
