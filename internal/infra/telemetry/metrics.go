package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	instrumentsOnce sync.Once

	enqueuedCounter metric.Int64Counter
	droppedCounter  metric.Int64Counter
	flushCounter    metric.Int64Counter
	flushedEntries  metric.Int64Counter
	fallbackCounter metric.Int64Counter
)

func instruments() {
	instrumentsOnce.Do(func() {
		meter := otel.Meter("convolog.pipeline")
		enqueuedCounter, _ = meter.Int64Counter("convolog_entries_enqueued_total",
			metric.WithDescription("Entries accepted onto the pipeline queue"),
			metric.WithUnit("{entry}"))
		droppedCounter, _ = meter.Int64Counter("convolog_entries_dropped_total",
			metric.WithDescription("Entries rejected because the queue was full"),
			metric.WithUnit("{entry}"))
		flushCounter, _ = meter.Int64Counter("convolog_flush_total",
			metric.WithDescription("Batch flush attempts by trigger and result"),
			metric.WithUnit("{flush}"))
		flushedEntries, _ = meter.Int64Counter("convolog_flushed_entries_total",
			metric.WithDescription("Entries delivered per flush result"),
			metric.WithUnit("{entry}"))
		fallbackCounter, _ = meter.Int64Counter("convolog_fallback_writes_total",
			metric.WithDescription("Records written to the fallback sink"),
			metric.WithUnit("{record}"))
	})
}

// RecordEnqueued counts an entry accepted onto the queue.
func RecordEnqueued(ctx context.Context) {
	instruments()
	if enqueuedCounter == nil {
		return
	}
	enqueuedCounter.Add(ctx, 1, metric.WithAttributes(envAttr()))
}

// RecordDropped counts an entry rejected by a saturated queue.
func RecordDropped(ctx context.Context) {
	instruments()
	if droppedCounter == nil {
		return
	}
	droppedCounter.Add(ctx, 1, metric.WithAttributes(envAttr(), AttrResult.String(ResultDropped)))
}

// RecordFlush counts one flush attempt and the entries it consumed.
func RecordFlush(ctx context.Context, backend, trigger, result string, entries int) {
	instruments()
	attrs := metric.WithAttributes(envAttr(),
		AttrBackend.String(backend),
		AttrTrigger.String(trigger),
		AttrResult.String(result))
	if flushCounter != nil {
		flushCounter.Add(ctx, 1, attrs)
	}
	if flushedEntries != nil && entries > 0 {
		flushedEntries.Add(ctx, int64(entries), attrs)
	}
}

// RecordFallbackWrite counts records accepted by the fallback sink.
func RecordFallbackWrite(ctx context.Context, records int) {
	instruments()
	if fallbackCounter == nil || records <= 0 {
		return
	}
	fallbackCounter.Add(ctx, int64(records), metric.WithAttributes(envAttr()))
}

func envAttr() attribute.KeyValue {
	return AttrEnvironment.String(Environment())
}
