package logging

import (
	"context"
	"fmt"
	"os"
	"path"
	"runtime"
	"strconv"
	"sync"
	"time"
)

// LogEntry is a log line handed to sinks.
type LogEntry struct {
	Timestamp time.Time
	Level     string
	Service   string
	Message   string
	Fields    map[string]string
	Caller    string
}

// LogWriter ships a batch of entries to a central destination.
type LogWriter interface {
	WriteBatch(ctx context.Context, entries []LogEntry) error
}

// Sink receives log entries.
type Sink interface {
	// Write queues an entry. It never blocks the caller.
	Write(entry LogEntry)
	// Flush blocks until queued entries are handed to the writer.
	Flush(ctx context.Context) error
	// Close drains the queue and stops the sink.
	Close() error
}

// AsyncSink buffers entries on a channel and hands them to a LogWriter in
// batches from a single background goroutine. Write failures go to stderr
// and the batch is dropped; logging must never fail the worker.
type AsyncSink struct {
	writer       LogWriter
	minLevel     int
	entries      chan LogEntry
	flushReq     chan chan error
	ticker       *time.Ticker
	batchSize    int
	writeTimeout time.Duration
	done         chan struct{}
	wg           sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// AsyncSinkConfig configures an AsyncSink.
type AsyncSinkConfig struct {
	Writer LogWriter
	// MinLevel drops entries below this level (default: info).
	MinLevel Level
	// BufferSize is the channel capacity (default: 1000).
	BufferSize int
	// BatchSize is the max entries per WriteBatch call (default: 50).
	BatchSize int
	// FlushInterval is how often partial batches are written (default: 2s).
	FlushInterval time.Duration
}

// NewAsyncSink starts an AsyncSink.
func NewAsyncSink(cfg AsyncSinkConfig) *AsyncSink {
	if cfg.Writer == nil {
		panic("logging: AsyncSink requires a non-nil Writer")
	}
	if cfg.MinLevel == "" {
		cfg.MinLevel = LevelInfo
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}

	s := &AsyncSink{
		writer:       cfg.Writer,
		minLevel:     levelRank(string(cfg.MinLevel)),
		entries:      make(chan LogEntry, cfg.BufferSize),
		flushReq:     make(chan chan error),
		ticker:       time.NewTicker(cfg.FlushInterval),
		batchSize:    cfg.BatchSize,
		writeTimeout: 5 * time.Second,
		done:         make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// levelRank orders level names by severity; unknown names rank as info.
func levelRank(level string) int {
	return int(toZerolog(Level(level)))
}

// Write queues an entry, dropping it when the buffer is full.
func (s *AsyncSink) Write(entry LogEntry) {
	if levelRank(entry.Level) < s.minLevel {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.entries <- entry:
	default:
		fmt.Fprintf(os.Stderr, "[logsink] buffer full, dropping entry: %s\n", entry.Message)
	}
}

// Flush asks the background goroutine to write everything buffered so far.
func (s *AsyncSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}

	errc := make(chan error, 1)
	select {
	case s.flushReq <- errc:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting entries, writes what is buffered and returns.
func (s *AsyncSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.ticker.Stop()
	s.wg.Wait()
	return nil
}

func (s *AsyncSink) run() {
	defer s.wg.Done()

	batch := make([]LogEntry, 0, s.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
		defer cancel()

		err := s.writer.WriteBatch(ctx, batch)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[logsink] failed to ship %d entries: %v\n", len(batch), err)
		}
		batch = batch[:0]
		return err
	}
	// drain moves whatever is queued into the batch, flushing as it fills.
	drain := func() {
		for {
			select {
			case entry := <-s.entries:
				batch = append(batch, entry)
				if len(batch) >= s.batchSize {
					_ = flush()
				}
			default:
				return
			}
		}
	}

	for {
		select {
		case entry := <-s.entries:
			batch = append(batch, entry)
			if len(batch) >= s.batchSize {
				_ = flush()
			}
		case <-s.ticker.C:
			_ = flush()
		case errc := <-s.flushReq:
			drain()
			errc <- flush()
		case <-s.done:
			drain()
			_ = flush()
			return
		}
	}
}

// getCaller returns file:line of the caller skip frames up.
func getCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return ""
	}
	return path.Base(file) + ":" + strconv.Itoa(line)
}
