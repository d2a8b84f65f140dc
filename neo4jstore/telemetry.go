package neo4jstore

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/reggraph/reggraph/neo4jstore")
var meter = otel.Meter("github.com/reggraph/reggraph/neo4jstore")

var (
	// upsertDuration measures one full Upsert call, covering the document
	// merge and every per-provision transaction.
	upsertDuration metric.Float64Histogram
	// analyticsDuration measures analytics queries by kind, so slow arbitrage
	// scans do not hide behind fast gap lookups.
	analyticsDuration metric.Float64Histogram
)

func init() {
	// We're initiating the metric instruments on the otel meter. An error
	// during an instrument's initialisation triggers a panic. This scenario
	// should not occur, if it does, it is likely related to the attributes
	// applied on the instrument.
	var err error
	upsertDuration, err = meter.Float64Histogram(
		"provision_graph_upsert_duration",
		metric.WithDescription("the duration of merging one document's entity batch into the provision graph"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		s := fmt.Sprintf("neo4jstore: failed to init 'provision_graph_upsert_duration' instrument: %v", err)
		panic(s)
	}

	analyticsDuration, err = meter.Float64Histogram(
		"provision_graph_analytics_duration",
		metric.WithDescription("the duration of analytics queries over the provision graph, by query kind"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		s := fmt.Sprintf("neo4jstore: failed to init 'provision_graph_analytics_duration' instrument: %v", err)
		panic(s)
	}
}

func measureUpsert(ctx context.Context, ok bool, d time.Duration) {
	attrs := attribute.NewSet(attribute.Bool("ok", ok))
	upsertDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributeSet(attrs))
}

func measureAnalytics(ctx context.Context, kind string, ok bool, d time.Duration) {
	attrs := attribute.NewSet(
		attribute.String("query", kind),
		attribute.Bool("ok", ok),
	)
	analyticsDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributeSet(attrs))
}
