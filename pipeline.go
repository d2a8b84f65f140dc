package reggraph

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gocloud.dev/pubsub"
	"golang.org/x/sync/errgroup"
)

// An Upserter merges one document's entity batch into the provision graph.
//
// Implementations must be idempotent (the message boundary delivers at least
// once) and safe for concurrent calls with different document ids. The graph
// store in the neo4jstore package is the canonical implementation.
type Upserter interface {
	Upsert(ctx context.Context, documentID, sourceURL string, entities []Entity) error
}

// How many entity batch events a consumer handles concurrently. Events for
// different documents are independent; events for the same document arrive on
// the same partition and their provisions are serialized by the store's
// transaction semantics, so modest parallelism is safe.
const defaultConcurrency = 4

type consumer struct {
	source *pubsub.Subscription
	store  Upserter
}

// NewConsumer returns a [component.Procedure] that receives entity batch
// events from the given subscription and upserts each into the store.
//
// Outcomes per message:
//
//   - Malformed events (schema violations, broken JSON) are acknowledged and
//     dropped after logging; redelivering them cannot succeed.
//   - Transient store failures leave the message unacknowledged (nacked when
//     the broker supports it) so it is redelivered; the upsert is idempotent,
//     making the retry safe.
//   - Successfully upserted events are acknowledged.
func NewConsumer(source *pubsub.Subscription, store Upserter) component.Procedure {
	return consumer{source: source, store: store}
}

func (c consumer) Exec(l *component.L) {
	logger := component.Logger(l.Context())

	g := new(errgroup.Group)
	g.SetLimit(defaultConcurrency)
	// Let in-flight upserts finish before the procedure reports completion.
	defer func() { _ = g.Wait() }()

	for l.Continue() {
		msg, err := c.source.Receive(l.GraceContext())
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return
			}
			// Receive only fails with a non-retryable driver error (or a done
			// context, handled above). Without a way to recreate the
			// subscription mid-flight, shutting down the process is the only
			// safe reaction; supervision restarts us with a fresh subscription.
			panic("cannot receive messages from the pubsub service")
		}

		g.Go(func() error {
			c.handleMessage(l.GraceContext(), logger, msg)
			return nil
		})
	}
}

// handleMessage drives one event to a terminal state. It never returns an
// error: every outcome is either acknowledged (success, malformed) or left
// for redelivery (store failure).
func (c consumer) handleMessage(ctx context.Context, logger *slog.Logger, msg *pubsub.Message) {
	ctx, span := tracer.Start(ctx, "consumer.handleMessage", trace.WithAttributes(
		attribute.String("msg.id", msg.LoggableID),
	))
	defer span.End()
	start := time.Now()

	batch, err := DecodeEntityBatch(msg.Body)
	if err != nil {
		// Malformed input is rejected at the boundary: logged, counted, and
		// acknowledged so the broker never redelivers a poison message.
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("Rejecting malformed entity batch event",
			slog.String("msg.id", msg.LoggableID),
			slog.Any("error", err),
		)
		measureConsume(ctx, "rejected", time.Since(start))
		msg.Ack()
		return
	}

	span.SetAttributes(
		attribute.String("event.id", batch.EventID),
		attribute.String("document.id", batch.DocumentID),
		attribute.Int("event.entities", len(batch.Entities)),
	)

	if err := c.store.Upsert(ctx, batch.DocumentID, batch.SourceURL, batch.Entities); err != nil {
		span.SetStatus(codes.Error, err.Error())
		logger.Error("Failed to upsert entity batch into the graph",
			slog.String("document.id", batch.DocumentID),
			slog.Any("error", err),
		)
		measureConsume(ctx, "error", time.Since(start))
		// Leave the message unacknowledged so the broker redelivers it once
		// the store recovers.
		if msg.Nackable() {
			msg.Nack()
		}
		return
	}

	logger.Info("Upserted entity batch into the graph",
		slog.String("document.id", batch.DocumentID),
		slog.Int("entity.count", len(batch.Entities)),
	)
	measureConsume(ctx, "success", time.Since(start))
	msg.Ack()
}
