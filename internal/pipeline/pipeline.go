// Package pipeline implements the asynchronous batching log pipeline:
// a non-blocking facade feeding a bounded queue, one background worker
// accumulating batches, and a flush path that delivers to the backing store
// or routes to the fallback sink.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/convolog/convolog/errs"
	"github.com/convolog/convolog/internal/domain/logstore"
	"github.com/convolog/convolog/internal/infra/telemetry"
	"github.com/convolog/convolog/internal/observability"
	"github.com/convolog/convolog/internal/sink"
)

const (
	defaultBatchSize     = 10
	defaultQueueCapacity = 1024
	defaultFlushInterval = 5 * time.Second
	defaultStoreTimeout  = 5 * time.Second

	maxReconnectAttempts = 3
)

// Flush triggers, recorded on metrics.
const (
	triggerThreshold = "threshold"
	triggerInterval  = "interval"
	triggerManual    = "manual"
	triggerClose     = "close"
)

// Config tunes the pipeline.
type Config struct {
	// MinLevel drops entries below it synchronously, before queueing.
	MinLevel logstore.Level
	// BatchSize is the buffer length that triggers a flush.
	BatchSize int
	// QueueCapacity bounds the producer queue. A full queue drops the
	// entry rather than blocking the caller; drops are counted and
	// surfaced on the diagnostic channel.
	QueueCapacity int
	// FlushInterval triggers periodic flushes of partial batches.
	FlushInterval time.Duration
	// StoreTimeout bounds every store connect and persist call so a
	// hanging backend cannot stall batching forever.
	StoreTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = defaultQueueCapacity
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = defaultStoreTimeout
	}
	return c
}

// Logger is the public logging facade plus the batching worker behind it.
// Producers never block on store I/O; all failure handling happens on the
// worker side, out of the caller's path.
type Logger struct {
	cfg      Config
	store    logstore.Store
	fallback *sink.Fallback

	queue    chan logstore.Entry
	flushReq chan chan struct{}
	stop     chan struct{}
	workers  conc.WaitGroup

	// mu guards buffer and ready. Append and swap-and-clear happen under
	// the same lock so entries are neither lost nor duplicated between the
	// worker and synchronous flush callers.
	mu     sync.Mutex
	buffer []logstore.Entry
	ready  bool

	closed      atomic.Bool
	closeOnce   sync.Once
	dropLimiter *rate.Limiter
}

// New constructs the pipeline and starts its worker. The initial store
// connection is attempted immediately; failure is recorded on the fallback
// sink and leaves the store in the disconnected state for the next flush
// or an explicit Reopen to retry.
func New(cfg Config, store logstore.Store, fallback *sink.Fallback) (*Logger, error) {
	if store == nil {
		return nil, errs.New("pipeline", errs.CodeInvalid, errs.WithMessage("store required"))
	}
	if fallback == nil {
		return nil, errs.New("pipeline", errs.CodeInvalid, errs.WithMessage("fallback sink required"))
	}
	l := &Logger{
		cfg:         cfg.withDefaults(),
		store:       store,
		fallback:    fallback,
		flushReq:    make(chan chan struct{}),
		stop:        make(chan struct{}),
		dropLimiter: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
	l.queue = make(chan logstore.Entry, l.cfg.QueueCapacity)

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.StoreTimeout)
	defer cancel()
	if err := l.store.Connect(ctx); err != nil {
		l.fallback.RecordText(fmt.Sprintf("[connect error] %v", err))
	} else {
		l.ready = true
	}

	l.workers.Go(l.run)
	return l, nil
}

// Log validates the level, stamps the entry with the enqueue time, and
// enqueues it without blocking. Downstream failures are never surfaced here.
func (l *Logger) Log(message string, level logstore.Level, attrs map[string]any, sessionID string) {
	if level < l.cfg.MinLevel || l.closed.Load() {
		return
	}
	entry := logstore.Entry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Attrs:     attrs,
		SessionID: sessionID,
	}
	select {
	case l.queue <- entry:
		telemetry.RecordEnqueued(context.Background())
	default:
		telemetry.RecordDropped(context.Background())
		if l.dropLimiter.Allow() {
			observability.Log().Error("log queue full, dropping entry",
				observability.Field{Key: "capacity", Value: l.cfg.QueueCapacity})
		}
	}
}

// Debug logs at DEBUG level without a session id.
func (l *Logger) Debug(message string, attrs map[string]any) {
	l.Log(message, logstore.LevelDebug, attrs, "")
}

// Info logs at INFO level without a session id.
func (l *Logger) Info(message string, attrs map[string]any) {
	l.Log(message, logstore.LevelInfo, attrs, "")
}

// Warning logs at WARNING level without a session id.
func (l *Logger) Warning(message string, attrs map[string]any) {
	l.Log(message, logstore.LevelWarning, attrs, "")
}

// Error logs at ERROR level without a session id.
func (l *Logger) Error(message string, attrs map[string]any) {
	l.Log(message, logstore.LevelError, attrs, "")
}

// Critical logs at CRITICAL level without a session id.
func (l *Logger) Critical(message string, attrs map[string]any) {
	l.Log(message, logstore.LevelCritical, attrs, "")
}

// Flush synchronously delivers everything currently queued or buffered.
// The request is served by the worker so the queue keeps a single consumer;
// once the worker has stopped, the flush runs directly under the shared lock.
func (l *Logger) Flush() {
	done := make(chan struct{})
	select {
	case l.flushReq <- done:
		<-done
	case <-l.stop:
		l.drainQueue()
		l.mu.Lock()
		l.flushLocked(triggerManual)
		l.mu.Unlock()
	}
}

// Reopen forces a fresh connection attempt on the store, independent of
// current readiness, retrying with exponential backoff. The outcome is
// recorded via the fallback sink, never through the primary pipeline, so a
// reconnect can never recurse into a flush of itself. It reports whether
// the store is ready afterwards.
func (l *Logger) Reopen(ctx context.Context) bool {
	attemptID := uuid.NewString()
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = time.Second

	var err error
	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		connectCtx, cancel := context.WithTimeout(ctx, l.cfg.StoreTimeout)
		err = l.store.Connect(connectCtx)
		cancel()
		if err == nil {
			break
		}
		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			attempt = maxReconnectAttempts
		case <-time.After(sleep):
		}
	}

	l.mu.Lock()
	l.ready = err == nil
	l.mu.Unlock()

	if err != nil {
		l.fallback.RecordText(fmt.Sprintf("[reopen %s] failed to reconnect: %v", attemptID, err))
		return false
	}
	l.fallback.RecordText(fmt.Sprintf("[reopen %s] reconnected to %s store", attemptID, l.store.Backend()))
	return true
}

// Close stops the facade, waits for the worker to drain the queue, then
// performs one final synchronous flush under the shared lock. Entries
// enqueued before Close are flushed to the store or the fallback; entries
// logged after Close are dropped silently.
func (l *Logger) Close(ctx context.Context) error {
	var err error
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.stop)

		done := make(chan struct{})
		go func() {
			l.workers.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = errs.New("pipeline", errs.CodeTimeout,
				errs.WithMessage("worker did not drain in time"), errs.WithCause(ctx.Err()))
		}

		l.mu.Lock()
		l.flushLocked(triggerClose)
		l.mu.Unlock()

		if cerr := l.store.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

// Status reports a point-in-time operational snapshot.
type Status struct {
	Ready        bool   `json:"ready"`
	QueueDepth   int    `json:"queue_depth"`
	BufferLength int    `json:"buffer_length"`
	Backend      string `json:"backend"`
	FallbackPath string `json:"fallback_path"`
}

// Status reports store readiness and pipeline depth for operators.
func (l *Logger) Status() Status {
	l.mu.Lock()
	ready := l.ready
	buffered := len(l.buffer)
	l.mu.Unlock()
	return Status{
		Ready:        ready,
		QueueDepth:   len(l.queue),
		BufferLength: buffered,
		Backend:      string(l.store.Backend()),
		FallbackPath: l.fallback.Path(),
	}
}

// run is the sole queue consumer. It appends dequeued entries to the
// buffer, flushes at the batch threshold, on the periodic ticker, and on
// explicit flush requests, and drains the queue before exiting on stop.
func (l *Logger) run() {
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-l.queue:
			l.append(entry)
		case done := <-l.flushReq:
			l.drainQueue()
			l.mu.Lock()
			l.flushLocked(triggerManual)
			l.mu.Unlock()
			close(done)
		case <-ticker.C:
			l.mu.Lock()
			l.flushLocked(triggerInterval)
			l.mu.Unlock()
		case <-l.stop:
			l.drainQueue()
			l.mu.Lock()
			l.flushLocked(triggerClose)
			l.mu.Unlock()
			return
		}
	}
}

func (l *Logger) append(entry logstore.Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buffer = append(l.buffer, entry)
	if len(l.buffer) >= l.cfg.BatchSize {
		l.flushLocked(triggerThreshold)
	}
}

func (l *Logger) drainQueue() {
	for {
		select {
		case entry := <-l.queue:
			l.append(entry)
		default:
			return
		}
	}
}

// flushLocked consumes the buffer exactly once per attempt: it is cleared
// before any I/O so a failing or hanging store converts into bounded loss
// for this batch, never unbounded buffer growth. Callers hold l.mu.
func (l *Logger) flushLocked(trigger string) {
	if len(l.buffer) == 0 {
		return
	}
	batch := l.buffer
	l.buffer = nil

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.StoreTimeout)
	defer cancel()

	backend := string(l.store.Backend())

	if !l.ready {
		if err := l.store.Connect(ctx); err != nil {
			l.fallback.RecordText(fmt.Sprintf("[flush error] store not ready: %v", err))
			l.fallback.RecordBatch(batch)
			telemetry.RecordFlush(ctx, backend, trigger, telemetry.ResultFallback, len(batch))
			return
		}
		l.ready = true
	}

	if err := l.store.Persist(ctx, batch); err != nil {
		// Readiness is deliberately left stale here: only a connect or an
		// explicit reopen mutates it. The fallback receives the original
		// ungrouped batch so its contents stay store-agnostic.
		l.fallback.RecordText(fmt.Sprintf("[flush error] %v", err))
		l.fallback.RecordBatch(batch)
		telemetry.RecordFlush(ctx, backend, trigger, telemetry.ResultFallback, len(batch))
		return
	}

	telemetry.RecordFlush(ctx, backend, trigger, telemetry.ResultSuccess, len(batch))
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

// SetDefault installs the process-wide logger handle. The composition root
// constructs the instance; this is only the narrow lookup for call sites
// that cannot take an injected dependency.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// Default returns the process-wide logger handle, or nil when unset.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}
