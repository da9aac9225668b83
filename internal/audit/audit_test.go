package audit

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EternisAI/remote-control/internal/command"
)

func entry(id uint32, status command.Status) Entry {
	return Entry{
		RequestID: id,
		Endpoint:  "192.168.1.20:12345",
		Kind:      command.KindListDirectory,
		Status:    status,
	}
}

func requestIDs(entries []Entry) []uint32 {
	ids := make([]uint32, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.RequestID)
	}
	return ids
}

func closeLog(t *testing.T, l *Log) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, l.Close(ctx))
}

func TestMemoryStoreRing(t *testing.T) {
	s := NewMemoryStore(3)
	ctx := context.Background()

	got, err := s.List(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	for i := uint32(1); i <= 5; i++ {
		require.NoError(t, s.Append(ctx, entry(i, command.StatusOk)))
	}

	got, err = s.List(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []uint32{5, 4, 3}, requestIDs(got))

	got, err = s.List(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint32{5, 4}, requestIDs(got))
}

func TestLogRecordAndList(t *testing.T) {
	l := NewLog(NewMemoryStore(10), Options{})
	defer closeLog(t, l)

	l.Record(entry(1, command.StatusOk))
	l.Record(entry(2, command.StatusFailed))
	l.Record(entry(3, command.StatusTimedOut))

	require.Eventually(t, func() bool {
		got, _ := l.List(context.Background(), 0)
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)

	got, err := l.List(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []uint32{3, 2}, requestIDs(got))
	assert.NotEqual(t, uuid.Nil, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
	assert.Equal(t, command.StatusTimedOut, got[0].Status)
}

func TestLogConcurrentWriters(t *testing.T) {
	l := NewLog(NewMemoryStore(1000), Options{Buffer: 1000})
	defer closeLog(t, l)

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				l.Record(entry(uint32(w*50+i), command.StatusOk))
			}
		}(w)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		got, _ := l.List(context.Background(), 1000)
		return len(got) == 500
	}, 2*time.Second, 10*time.Millisecond)
}

// blockingStore holds every Append until released.
type blockingStore struct {
	*MemoryStore
	release chan struct{}
}

func (s *blockingStore) Append(ctx context.Context, e Entry) error {
	<-s.release
	return s.MemoryStore.Append(ctx, e)
}

func TestLogRecordNeverBlocks(t *testing.T) {
	store := &blockingStore{MemoryStore: NewMemoryStore(10), release: make(chan struct{})}
	l := NewLog(store, Options{Buffer: 1})

	done := make(chan struct{})
	go func() {
		for i := uint32(0); i < 20; i++ {
			l.Record(entry(i, command.StatusOk))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a stalled store")
	}

	close(store.release)
	closeLog(t, l)
}

type failingStore struct {
	*MemoryStore
}

func (failingStore) Append(context.Context, Entry) error {
	return errors.New("disk full")
}

func TestLogStoreFailureIsSwallowed(t *testing.T) {
	l := NewLog(failingStore{NewMemoryStore(10)}, Options{})
	l.Record(entry(1, command.StatusOk))
	closeLog(t, l)

	got, err := l.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

type recordingPublisher struct {
	mu      sync.Mutex
	entries []Entry
	closed  bool
}

func (p *recordingPublisher) Publish(_ context.Context, e Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, e)
	return nil
}

func (p *recordingPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func TestLogPublishesAndFlushesOnClose(t *testing.T) {
	pub := &recordingPublisher{}
	l := NewLog(NewMemoryStore(10), Options{Publishers: []Publisher{pub}})

	for i := uint32(1); i <= 5; i++ {
		l.Record(entry(i, command.StatusOk))
	}
	closeLog(t, l)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Len(t, pub.entries, 5)
	assert.True(t, pub.closed)

	// Records after close are dropped quietly.
	l.Record(entry(6, command.StatusOk))
	require.NoError(t, l.Close(context.Background()))
}

func TestLogSubscribe(t *testing.T) {
	l := NewLog(NewMemoryStore(10), Options{})

	ch, unsubscribe := l.Subscribe(4)
	l.Record(entry(7, command.StatusFailed))

	select {
	case e := <-ch:
		assert.EqualValues(t, 7, e.RequestID)
	case <-time.After(time.Second):
		t.Fatal("no entry streamed")
	}

	unsubscribe()
	unsubscribe()
	_, open := <-ch
	assert.False(t, open)

	other, _ := l.Subscribe(1)
	closeLog(t, l)
	_, open = <-other
	assert.False(t, open)

	late, _ := l.Subscribe(1)
	_, open = <-late
	assert.False(t, open)
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.db")
	s, err := OpenSQLiteStore(path)
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Now().UTC()
	for i := uint32(1); i <= 4; i++ {
		e := entry(i, command.StatusOk)
		e.ID = uuid.New()
		e.Timestamp = now.Add(time.Duration(i) * time.Second)
		if i == 4 {
			e.Status = command.StatusFailed
			e.Reason = "connection_lost: agent went away"
			e.Kind = command.KindShutdown
		}
		require.NoError(t, s.Append(ctx, e))
	}

	got, err := s.List(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint32{4, 3, 2}, requestIDs(got))
	assert.Equal(t, command.StatusFailed, got[0].Status)
	assert.Equal(t, command.KindShutdown, got[0].Kind)
	assert.Equal(t, "connection_lost: agent went away", got[0].Reason)
	assert.True(t, now.Add(4*time.Second).Equal(got[0].Timestamp))

	// Reopening keeps entries and does not re-run migrations destructively.
	require.NoError(t, s.Close())
	s, err = OpenSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	got, err = s.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestSQLiteStoreBehindLog(t *testing.T) {
	s, err := OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	l := NewLog(s, Options{})

	for i := uint32(1); i <= 3; i++ {
		l.Record(entry(i, command.StatusOk))
	}
	require.Eventually(t, func() bool {
		got, _ := l.List(context.Background(), 10)
		return len(got) == 3
	}, 2*time.Second, 10*time.Millisecond)
	closeLog(t, l)
}

func TestNATSSubject(t *testing.T) {
	assert.Equal(t, "remote.audit.open_app", subjectFor(DefaultSubject, Entry{Kind: command.KindOpenApp}))
	assert.Equal(t, "custom.shutdown", subjectFor("custom", Entry{Kind: command.KindShutdown}))
	assert.Equal(t, fmt.Sprintf("%s.kind(9)", DefaultSubject), subjectFor(DefaultSubject, Entry{Kind: command.Kind(9)}))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("memory by default", func(t *testing.T) {
		l, err := Open(ctx, Config{Capacity: 2})
		require.NoError(t, err)
		defer closeLog(t, l)

		store, ok := l.store.(*MemoryStore)
		require.True(t, ok)
		assert.Len(t, store.entries, 2)
	})

	t.Run("sqlite", func(t *testing.T) {
		l, err := Open(ctx, Config{Backend: "SQLite", SQLitePath: filepath.Join(t.TempDir(), "audit.db")})
		require.NoError(t, err)
		defer closeLog(t, l)

		l.Record(entry(9, command.StatusOk))
		require.Eventually(t, func() bool {
			got, err := l.List(ctx, 10)
			return err == nil && len(got) == 1
		}, 2*time.Second, 10*time.Millisecond)
	})

	tests := []struct {
		name string
		cfg  Config
		msg  string
	}{
		{"sqlite without path", Config{Backend: BackendSQLite}, "sqlite_path"},
		{"postgres without url", Config{Backend: BackendPostgres}, "database_url"},
		{"unknown", Config{Backend: "redis"}, "unknown audit backend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(ctx, tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}
