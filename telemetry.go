package reggraph

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/reggraph/reggraph")
var meter = otel.Meter("github.com/reggraph/reggraph")

// ---- pipeline.go ----

var (
	// consumedMessages counts entity batch events by terminal status: accepted
	// and upserted ("success"), rejected at the schema boundary ("rejected"),
	// or failed against the store and left for redelivery ("error").
	consumedMessages metric.Int64Counter
	// consumeDuration measures the handling time of a single entity batch
	// event, including the graph upsert.
	consumeDuration metric.Float64Histogram
)

func init() {
	var err error
	consumedMessages, err = meter.Int64Counter(
		"entitybatch.consume.messages",
		metric.WithDescription("The number of entity batch events handled, by terminal status."),
	)
	if err != nil {
		panic("reggraph: failed to init 'entitybatch.consume.messages' instrument")
	}

	consumeDuration, err = meter.Float64Histogram(
		"entitybatch.consume.duration",
		metric.WithDescription("The duration of handling a single entity batch event, including the graph upsert."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("reggraph: failed to init 'entitybatch.consume.duration' instrument")
	}
}

// measureConsume records one handled event with its terminal status.
func measureConsume(ctx context.Context, status string, d time.Duration) {
	attrs := attribute.NewSet(attribute.String("status", status))
	consumedMessages.Add(ctx, 1, metric.WithAttributeSet(attrs))
	consumeDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributeSet(attrs))
}
