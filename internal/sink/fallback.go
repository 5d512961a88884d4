// Package sink implements the last-resort local fallback for batches the
// backing store could not accept.
package sink

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/convolog/convolog/internal/domain/logstore"
	"github.com/convolog/convolog/internal/infra/telemetry"
	"github.com/convolog/convolog/internal/observability"
)

const (
	defaultMaxSizeMB  = 5
	defaultMaxBackups = 3
)

// Fallback is an append-only JSON-lines writer with size rotation. It is the
// terminal safety net: nothing it does may raise back into the pipeline.
// Write failures are swallowed after a throttled diagnostic.
type Fallback struct {
	mu      sync.Mutex
	out     *lumberjack.Logger
	limiter *rate.Limiter
}

// NewFallback opens a rotating writer at path. Non-positive sizes and backup
// counts fall back to defaults.
func NewFallback(path string, maxSizeMB, maxBackups int) *Fallback {
	if maxSizeMB <= 0 {
		maxSizeMB = defaultMaxSizeMB
	}
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}
	return &Fallback{
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
		},
		// One diagnostic per 10s is plenty under a sustained outage.
		limiter: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
}

// Path reports the primary fallback file location.
func (f *Fallback) Path() string {
	if f == nil || f.out == nil {
		return ""
	}
	return f.out.Filename
}

// RecordEntry appends one serialized entry. Serialization failures degrade
// to stringified attributes inside Entry.EncodeJSON and never abort.
func (f *Fallback) RecordEntry(entry logstore.Entry) {
	data, err := entry.EncodeJSON()
	if err != nil {
		// Both marshal passes failed; keep at least the message text.
		f.RecordText("[unencodable entry] " + entry.Level.String() + " " + entry.Message)
		return
	}
	f.write(data)
	telemetry.RecordFallbackWrite(context.Background(), 1)
}

// RecordBatch appends every entry of the batch, one line each. A single bad
// entry does not stop the remaining entries from being written.
func (f *Fallback) RecordBatch(batch []logstore.Entry) {
	for _, entry := range batch {
		f.RecordEntry(entry)
	}
}

// RecordText appends a free text diagnostic line, used for connect and
// reopen outcomes that must bypass the primary pipeline.
func (f *Fallback) RecordText(text string) {
	f.write([]byte(text))
	telemetry.RecordFallbackWrite(context.Background(), 1)
}

// Close releases the underlying file.
func (f *Fallback) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.Close()
}

func (f *Fallback) write(line []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.out.Write(append(line, '\n')); err != nil && f.limiter.Allow() {
		observability.Log().Error("fallback sink write failed",
			observability.Field{Key: "path", Value: f.out.Filename},
			observability.Field{Key: "error", Value: err})
	}
}
