package logging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type mockLogWriter struct {
	mu      sync.Mutex
	batches [][]LogEntry
	err     error
}

func (m *mockLogWriter) WriteBatch(ctx context.Context, entries []LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	batch := make([]LogEntry, len(entries))
	copy(batch, entries)
	m.batches = append(m.batches, batch)
	return nil
}

func (m *mockLogWriter) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func (m *mockLogWriter) batchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

func entry(level string) LogEntry {
	return LogEntry{Timestamp: time.Now(), Level: level, Service: "test", Message: "msg"}
}

func TestAsyncSink_FlushWritesEverything(t *testing.T) {
	writer := &mockLogWriter{}
	sink := NewAsyncSink(AsyncSinkConfig{
		Writer:        writer,
		BatchSize:     10,
		FlushInterval: time.Hour,
	})
	defer sink.Close()

	for i := 0; i < 25; i++ {
		sink.Write(entry("info"))
	}
	if err := sink.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if got := writer.total(); got != 25 {
		t.Errorf("expected 25 entries shipped, got %d", got)
	}
	if got := writer.batchCount(); got != 3 {
		t.Errorf("expected 3 batches (10+10+5), got %d", got)
	}
}

func TestAsyncSink_PeriodicFlush(t *testing.T) {
	writer := &mockLogWriter{}
	sink := NewAsyncSink(AsyncSinkConfig{
		Writer:        writer,
		BatchSize:     100,
		FlushInterval: 50 * time.Millisecond,
	})
	defer sink.Close()

	for i := 0; i < 5; i++ {
		sink.Write(entry("error"))
	}

	deadline := time.Now().Add(2 * time.Second)
	for writer.total() < 5 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := writer.total(); got != 5 {
		t.Errorf("expected periodic flush to ship 5 entries, got %d", got)
	}
}

func TestAsyncSink_MinLevel(t *testing.T) {
	writer := &mockLogWriter{}
	sink := NewAsyncSink(AsyncSinkConfig{Writer: writer, MinLevel: LevelWarn, FlushInterval: time.Hour})

	sink.Write(entry("debug"))
	sink.Write(entry("info"))
	sink.Write(entry("warn"))
	sink.Write(entry("error"))
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if got := writer.total(); got != 2 {
		t.Errorf("expected only warn and error shipped, got %d", got)
	}
}

func TestAsyncSink_CloseDrainsAndIgnoresLateWrites(t *testing.T) {
	writer := &mockLogWriter{}
	sink := NewAsyncSink(AsyncSinkConfig{Writer: writer, FlushInterval: time.Hour})

	for i := 0; i < 5; i++ {
		sink.Write(entry("info"))
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := writer.total(); got != 5 {
		t.Errorf("expected close to drain 5 entries, got %d", got)
	}

	sink.Write(entry("info"))
	if err := sink.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
	if err := sink.Flush(context.Background()); err != nil {
		t.Errorf("Flush after close returned %v", err)
	}
	if got := writer.total(); got != 5 {
		t.Errorf("expected late write to be ignored, got %d entries", got)
	}
}

func TestAsyncSink_WriterErrorIsReported(t *testing.T) {
	writer := &mockLogWriter{err: errors.New("broker down")}
	sink := NewAsyncSink(AsyncSinkConfig{Writer: writer, FlushInterval: time.Hour})
	defer sink.Close()

	sink.Write(entry("error"))
	if err := sink.Flush(context.Background()); err == nil {
		t.Error("expected Flush to surface the writer error")
	}
}
