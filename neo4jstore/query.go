package neo4jstore

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// A ProvisionVersion is one immutable version of a provision as stored in the
// graph. Timestamps are epoch milliseconds on both the transaction axis
// (tx_from/tx_to, when the store learned of the version) and the validity
// axis (valid_from/valid_to, when the version is in force); a nil end means
// the version is still open on that axis.
type ProvisionVersion struct {
	PID        string
	VersionID  string
	Text       string
	Hash       string
	Version    int64
	TxFrom     int64
	TxTo       *int64
	ValidFrom  int64
	ValidTo    *int64
	Superseded bool
}

// A ProvisionChange pairs a provision version that changed within a window
// with the version it superseded, if any.
type ProvisionChange struct {
	Version    ProvisionVersion
	Superseded *ProvisionVersion
}

// History returns every version of the provision, newest first. An unknown
// pid yields an empty history, not an error.
func (s *Store) History(ctx context.Context, pid string) ([]ProvisionVersion, error) {
	ctx, span := tracer.Start(ctx, "History", trace.WithAttributes(
		attribute.String("neo4j.database", s.database),
		attribute.String("provision.pid", pid),
	))
	defer span.End()

	records, err := s.readRecords(ctx, `
		MATCH (p:Provision {pid: $pid})
		RETURN p
		ORDER BY p.version DESC
	`, map[string]any{"pid": pid})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	versions := make([]ProvisionVersion, 0, len(records))
	for _, record := range records {
		v, err := provisionFromRecord(record, "p")
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		versions = append(versions, v)
	}
	span.SetAttributes(attribute.Int("provision.versions", len(versions)))
	return versions, nil
}

// ActiveAt returns the document's provision versions that were both known to
// the store and in force at the given instant. This is the bitemporal
// point-in-time view: a version qualifies when the instant falls inside its
// half-open windows on both time axes.
func (s *Store) ActiveAt(ctx context.Context, documentID string, at time.Time) ([]ProvisionVersion, error) {
	ctx, span := tracer.Start(ctx, "ActiveAt", trace.WithAttributes(
		attribute.String("neo4j.database", s.database),
		attribute.String("document.id", documentID),
	))
	defer span.End()

	records, err := s.readRecords(ctx, `
		MATCH (p:Provision)-[:IN_DOCUMENT]->(d:Document {id: $doc_id})
		WHERE p.tx_from <= $ts AND (p.tx_to IS NULL OR p.tx_to > $ts)
		  AND p.valid_from <= $ts AND (p.valid_to IS NULL OR p.valid_to > $ts)
		RETURN p
		ORDER BY p.pid
	`, map[string]any{"doc_id": documentID, "ts": at.UnixMilli()})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	versions := make([]ProvisionVersion, 0, len(records))
	for _, record := range records {
		v, err := provisionFromRecord(record, "p")
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		versions = append(versions, v)
	}
	span.SetAttributes(attribute.Int("provision.versions", len(versions)))
	return versions, nil
}

// ChangesBetween returns the provision versions, across all documents, whose
// transaction window started or ended inside [from, to], newest first, each
// paired with the version it superseded when there is one.
func (s *Store) ChangesBetween(ctx context.Context, from, to time.Time) ([]ProvisionChange, error) {
	ctx, span := tracer.Start(ctx, "ChangesBetween", trace.WithAttributes(
		attribute.String("neo4j.database", s.database),
	))
	defer span.End()

	records, err := s.readRecords(ctx, `
		MATCH (p:Provision)
		WHERE (p.tx_from >= $from AND p.tx_from <= $to)
		   OR (p.tx_to IS NOT NULL AND p.tx_to >= $from AND p.tx_to <= $to)
		OPTIONAL MATCH (p)-[:SUPERSEDES]->(old:Provision)
		RETURN p, old
		ORDER BY p.tx_from DESC
	`, map[string]any{
		"from": from.UnixMilli(),
		"to":   to.UnixMilli(),
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	changes := make([]ProvisionChange, 0, len(records))
	for _, record := range records {
		var change ProvisionChange
		if change.Version, err = provisionFromRecord(record, "p"); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if old, ok := record.Get("old"); ok && old != nil {
			node, ok := old.(neo4j.Node)
			if !ok {
				err := fmt.Errorf("%q: %w", "old", unexpectedPropertyTypeError{Type: reflect.TypeOf(old)})
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			v, err := provisionFromNode(node)
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			change.Superseded = &v
		}
		changes = append(changes, change)
	}
	span.SetAttributes(attribute.Int("provision.changes", len(changes)))
	return changes, nil
}

// readRecords runs a single read query in its own session and collects all
// records. Each query cycle gets a fresh session for transactional isolation,
// so session-specific errors never leak into subsequent operations.
func (s *Store) readRecords(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   neo4j.AccessModeRead,
	})
	defer func() {
		if err := session.Close(ctx); err != nil {
			component.Logger(ctx).Error("Failed to close session", "error", err, "mode", "read")
		}
	}()

	records, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, fmt.Errorf("run cypher: %w", err)
		}
		return result.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("execute read: %w", err)
	}
	return records.([]*neo4j.Record), nil
}

func provisionFromRecord(record *neo4j.Record, key string) (ProvisionVersion, error) {
	node, err := getRecordProperty[neo4j.Node](record, key)
	if err != nil {
		return ProvisionVersion{}, err
	}
	return provisionFromNode(node)
}

func provisionFromNode(node neo4j.Node) (ProvisionVersion, error) {
	var v ProvisionVersion
	var err error
	if v.PID, err = getNodeProperty[string](node, "pid"); err != nil {
		return ProvisionVersion{}, err
	}
	if v.VersionID, err = getNodeProperty[string](node, "version_id"); err != nil {
		return ProvisionVersion{}, err
	}
	if v.Text, err = getNodeProperty[string](node, "text"); err != nil {
		return ProvisionVersion{}, err
	}
	if v.Hash, err = getNodeProperty[string](node, "hash"); err != nil {
		return ProvisionVersion{}, err
	}
	if v.Version, err = getNodeProperty[int64](node, "version"); err != nil {
		return ProvisionVersion{}, err
	}
	if v.TxFrom, err = getNodeProperty[int64](node, "tx_from"); err != nil {
		return ProvisionVersion{}, err
	}
	if v.ValidFrom, err = getNodeProperty[int64](node, "valid_from"); err != nil {
		return ProvisionVersion{}, err
	}
	if v.TxTo, err = getOptionalNodeProperty[int64](node, "tx_to"); err != nil {
		return ProvisionVersion{}, err
	}
	if v.ValidTo, err = getOptionalNodeProperty[int64](node, "valid_to"); err != nil {
		return ProvisionVersion{}, err
	}
	if v.Superseded, err = getNodeProperty[bool](node, "superseded"); err != nil {
		return ProvisionVersion{}, err
	}
	return v, nil
}

func getNodeProperty[T any](node neo4j.Node, key string) (T, error) {
	var zero T
	v, ok := node.Props[key]
	if !ok {
		return zero, fmt.Errorf("%q: %w", key, errPropertyNotFound)
	}
	x, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%q: %w", key, unexpectedPropertyTypeError{Type: reflect.TypeOf(v)})
	}
	return x, nil
}

// getOptionalNodeProperty treats an absent property as nil. Closed-window
// timestamps are stored only on superseded versions, so absence is the normal
// state for current ones.
func getOptionalNodeProperty[T any](node neo4j.Node, key string) (*T, error) {
	v, ok := node.Props[key]
	if !ok || v == nil {
		return nil, nil
	}
	x, ok := v.(T)
	if !ok {
		return nil, fmt.Errorf("%q: %w", key, unexpectedPropertyTypeError{Type: reflect.TypeOf(v)})
	}
	return &x, nil
}
