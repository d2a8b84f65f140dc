// Package neo4jstore maintains the bitemporal regulatory provision graph on
// Neo4j.
//
// The store exclusively owns the provision, threshold, and provenance
// lifecycle. Each upsert executes inside managed transactions that are rolled
// back on failure, so a provision is versioned atomically: the one correctness
// property the store guarantees, even under partial failure or retried
// delivery, is that at most one version of a pid is current (tx_to IS NULL)
// at any time.
package neo4jstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/reggraph/reggraph"
)

// Store provides the write and query operations of the provision graph.
//
// Construct it with NewStore, passing an explicitly owned driver; the store
// never creates process-wide connection state of its own. A Store is safe for
// concurrent use: upserts for different documents may run in parallel, and
// writes to the same pid are serialized by the underlying transaction and
// merge semantics.
type Store struct {
	driver   neo4j.DriverWithContext // Connection to the neo4j server/cluster.
	database string                  // Target database name holding the provision graph.
}

// NewStore returns a ready-to-use Store operating on the given database.
func NewStore(driver neo4j.DriverWithContext, database string) *Store {
	return &Store{driver: driver, database: database}
}

// The jurisdiction recorded for documents that mention no jurisdiction at
// all, so every document carries at least one MENTIONS edge.
const unknownJurisdiction = "Unknown"

// The concept a provision is attached to when no concept was detected.
const unspecifiedConcept = "unspecified"

// ProvisionID derives the stable pid of a provision deterministically from
// the document and span it was extracted from. Two sightings of the same span
// in the same document always version the same provision.
func ProvisionID(documentID string, start, end int) string {
	return fmt.Sprintf("%s:%d:%d", documentID, start, end)
}

// ContentHash returns the stable hash of a provision's text. It decides
// whether re-ingestion is a no-op (same hash) or a supersession (different
// hash), so it must not change as the software evolves.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// A provisionInput is one provisionable entity prepared for versioning.
type provisionInput struct {
	PID     string
	Text    string
	Hash    string
	Start   int
	End     int
	Concept string
	Page    int
	// Threshold is the first threshold entity whose span is fully contained
	// within the provision's span, if any.
	Threshold *reggraph.ThresholdAttrs
}

// Upsert merges one document's entity batch into the graph.
//
// It is idempotent: repeating the call with identical input creates no new
// provision version and no duplicate provenance record. Processing follows
// named steps: merge the document, merge the mentioned jurisdictions, then
// version each provisionable entity in its own transaction (per-provision
// transactions keep a mid-batch failure from ever splitting a single
// provision's close-and-create across commits).
func (s *Store) Upsert(ctx context.Context, documentID, sourceURL string, entities []reggraph.Entity) (err error) {
	if documentID == "" {
		return errors.New("missing document id")
	}

	ctx, span := tracer.Start(ctx, "Upsert", trace.WithAttributes(
		attribute.String("neo4j.database", s.database),
		attribute.String("document.id", documentID),
	))
	defer span.End()
	logger := component.Logger(ctx).With("document.id", documentID)
	ctx = component.InjectLogger(ctx, logger)

	defer func(start time.Time) {
		measureUpsert(ctx, err == nil, time.Since(start))
	}(time.Now())

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer func() {
		if err := session.Close(ctx); err != nil {
			logger.Error("Failed to close session", "error", err, "mode", "write")
		}
	}()

	now := time.Now().UnixMilli()
	jurisdictions := jurisdictionNames(entities)
	inputs := buildProvisionInputs(documentID, entities)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, mergeDocument(ctx, tx, documentID, sourceURL, jurisdictions, now)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("merge document: %w", err)
	}

	for _, in := range inputs {
		_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			return nil, s.versionProvision(ctx, tx, documentID, in, jurisdictions, now)
		})
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("version provision %v: %w", in.PID, err)
		}
	}
	return nil
}

// jurisdictionNames collects the distinct canonical jurisdiction names
// referenced by the batch, sorted for deterministic queries. A batch without
// jurisdictions yields the Unknown jurisdiction.
func jurisdictionNames(entities []reggraph.Entity) []string {
	seen := make(map[string]struct{})
	for _, e := range entities {
		if e.Type == reggraph.Jurisdiction && e.Jurisdiction != nil && e.Jurisdiction.Name != "" {
			seen[e.Jurisdiction.Name] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return []string{unknownJurisdiction}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// buildProvisionInputs prepares the provisionable entities (obligations and
// prohibitions) of a batch. The first threshold entity fully contained within
// a provision's span attaches to it; further containing thresholds lose.
func buildProvisionInputs(documentID string, entities []reggraph.Entity) []provisionInput {
	var thresholds []reggraph.Entity
	for _, e := range entities {
		if e.Type == reggraph.Threshold && e.Threshold != nil {
			thresholds = append(thresholds, e)
		}
	}

	var inputs []provisionInput
	for _, e := range entities {
		if !e.Type.Provisionable() {
			continue
		}
		in := provisionInput{
			PID:     ProvisionID(documentID, e.Start, e.End),
			Text:    e.Text,
			Hash:    ContentHash(e.Text),
			Start:   e.Start,
			End:     e.End,
			Concept: unspecifiedConcept,
		}
		if e.Clause != nil {
			if e.Clause.Concept != "" {
				in.Concept = e.Clause.Concept
			}
			in.Page = e.Clause.Page
		}
		for _, t := range thresholds {
			if e.Start <= t.Start && t.Start <= e.End && t.End <= e.End {
				attrs := *t.Threshold
				in.Threshold = &attrs
				break
			}
		}
		inputs = append(inputs, in)
	}
	return inputs
}

// mergeDocument asserts the document node and its MENTIONS edges. One node
// exists per distinct document id; re-ingestion refreshes metadata but never
// duplicates the node.
func mergeDocument(ctx context.Context, tx neo4j.ManagedTransaction, documentID, sourceURL string, jurisdictions []string, now int64) error {
	result, err := tx.Run(ctx, `
		MERGE (d:Document {id: $doc_id})
		ON CREATE SET d.source_url = $source_url, d.created_at = $now
		ON MATCH SET d.source_url = coalesce($source_url, d.source_url)
		WITH d
		UNWIND $jurisdictions AS jname
		MERGE (j:Jurisdiction {name: jname})
		MERGE (d)-[:MENTIONS]->(j)
		RETURN count(DISTINCT d) AS documents
	`, map[string]any{
		"doc_id":        documentID,
		"source_url":    nullableString(sourceURL),
		"jurisdictions": jurisdictions,
		"now":           now,
	})
	if err != nil {
		return fmt.Errorf("run cypher: %w", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return fmt.Errorf("query single result: %w", err)
	}
	documents, err := getRecordProperty[int64](record, "documents")
	if err != nil {
		return fmt.Errorf("get documents: %w", err)
	}
	// A document id identifies exactly one node. Anything else means the
	// graph has lost its integrity and we must not keep operating on it.
	if documents != 1 {
		panicWithCorruptedGraph(ctx, fmt.Sprintf("merge-document touched %v document nodes instead of 1", documents))
	}
	return nil
}

// versionProvision resolves the current version of the provision and applies
// the versioning lifecycle within the enclosing transaction:
//
//   - no current version: create version 1;
//   - current version with identical hash: no-op (links and provenance are
//     re-asserted idempotently);
//   - current version with a different hash: close it (tx_to, valid_to,
//     superseded) and create the next version, linked via SUPERSEDES.
//
// Version identifiers derive from the pid and the version ordinal, so a
// retried delivery merges into the same node instead of duplicating it; the
// uniqueness constraint on (pid, version_id) backs this up.
func (s *Store) versionProvision(ctx context.Context, tx neo4j.ManagedTransaction, documentID string, in provisionInput, jurisdictions []string, now int64) error {
	current, err := resolveCurrentVersion(ctx, tx, in.PID)
	if err != nil {
		return fmt.Errorf("resolve current version: %w", err)
	}

	version := int64(1)
	var supersededID string
	switch {
	case current == nil:
		// First sighting of this pid.
	case current.Hash == in.Hash:
		// Identical re-ingestion: re-assert links only.
		return attachVersion(ctx, tx, documentID, in, current.VersionID, jurisdictions)
	default:
		if err := closeVersion(ctx, tx, in.PID, current.VersionID, now); err != nil {
			return fmt.Errorf("close version %v: %w", current.VersionID, err)
		}
		version = current.Version + 1
		supersededID = current.VersionID
	}

	versionID := fmt.Sprintf("%s:%d", in.PID, version)
	if err := createVersion(ctx, tx, in, versionID, version, supersededID, now); err != nil {
		return fmt.Errorf("create version %v: %w", versionID, err)
	}
	return attachVersion(ctx, tx, documentID, in, versionID, jurisdictions)
}

// currentVersion is the subset of version properties the lifecycle decision
// needs.
type currentVersion struct {
	VersionID string
	Hash      string
	Version   int64
}

func resolveCurrentVersion(ctx context.Context, tx neo4j.ManagedTransaction, pid string) (*currentVersion, error) {
	result, err := tx.Run(ctx, `
		MATCH (p:Provision {pid: $pid})
		WHERE p.tx_to IS NULL
		RETURN p.version_id AS version_id, p.hash AS hash, p.version AS version
	`, map[string]any{"pid": pid})
	if err != nil {
		return nil, fmt.Errorf("run cypher: %w", err)
	}
	records, err := result.Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect records: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	// The single-current-version invariant is the store's one correctness
	// property; finding it violated means the graph is corrupted and no
	// further writes can be trusted.
	if len(records) > 1 {
		panicWithCorruptedGraph(ctx, fmt.Sprintf("pid %v has %v current versions instead of at most 1", pid, len(records)))
	}

	var cur currentVersion
	if cur.VersionID, err = getRecordProperty[string](records[0], "version_id"); err != nil {
		return nil, fmt.Errorf("get version_id: %w", err)
	}
	if cur.Hash, err = getRecordProperty[string](records[0], "hash"); err != nil {
		return nil, fmt.Errorf("get hash: %w", err)
	}
	if cur.Version, err = getRecordProperty[int64](records[0], "version"); err != nil {
		return nil, fmt.Errorf("get version: %w", err)
	}
	return &cur, nil
}

// closeVersion ends the validity of the given version on both time axes.
// History is append-only: the node survives, marked superseded.
func closeVersion(ctx context.Context, tx neo4j.ManagedTransaction, pid, versionID string, now int64) error {
	result, err := tx.Run(ctx, `
		MATCH (p:Provision {pid: $pid, version_id: $version_id})
		SET p.tx_to = $now, p.valid_to = $now, p.superseded = true
		RETURN count(p) AS closed
	`, map[string]any{"pid": pid, "version_id": versionID, "now": now})
	if err != nil {
		return fmt.Errorf("run cypher: %w", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return fmt.Errorf("query single result: %w", err)
	}
	closed, err := getRecordProperty[int64](record, "closed")
	if err != nil {
		return fmt.Errorf("get closed: %w", err)
	}
	if closed != 1 {
		panicWithCorruptedGraph(ctx, fmt.Sprintf("close-version touched %v provision nodes instead of 1", closed))
	}
	return nil
}

// createVersion merges the new version node and, when superseding, links it
// to the version it replaces. MERGE (rather than CREATE) makes a retried
// delivery converge on the same node.
func createVersion(ctx context.Context, tx neo4j.ManagedTransaction, in provisionInput, versionID string, version int64, supersededID string, now int64) error {
	result, err := tx.Run(ctx, `
		MERGE (p:Provision {pid: $pid, version_id: $version_id})
		ON CREATE SET
			p.text = $text,
			p.hash = $hash,
			p.version = $version,
			p.tx_from = $now,
			p.valid_from = $now,
			p.tx_to = NULL,
			p.valid_to = NULL,
			p.superseded = false
		RETURN count(p) AS provisions
	`, map[string]any{
		"pid":        in.PID,
		"version_id": versionID,
		"text":       in.Text,
		"hash":       in.Hash,
		"version":    version,
		"now":        now,
	})
	if err != nil {
		return fmt.Errorf("run cypher: %w", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return fmt.Errorf("query single result: %w", err)
	}
	provisions, err := getRecordProperty[int64](record, "provisions")
	if err != nil {
		return fmt.Errorf("get provisions: %w", err)
	}
	if provisions != 1 {
		panicWithCorruptedGraph(ctx, fmt.Sprintf("create-version touched %v provision nodes instead of 1", provisions))
	}

	if supersededID == "" {
		return nil
	}
	_, err = tx.Run(ctx, `
		MATCH (p:Provision {pid: $pid, version_id: $version_id})
		MATCH (old:Provision {pid: $pid, version_id: $superseded_id})
		MERGE (p)-[:SUPERSEDES]->(old)
	`, map[string]any{
		"pid":           in.PID,
		"version_id":    versionID,
		"superseded_id": supersededID,
	})
	if err != nil {
		return fmt.Errorf("link supersession: %w", err)
	}
	return nil
}

// attachVersion asserts the version's edges: the owning document, the
// concept, the applicable jurisdictions, the owned threshold (if any), and
// the provenance record keyed by (document, span). Every MERGE here is
// idempotent.
func attachVersion(ctx context.Context, tx neo4j.ManagedTransaction, documentID string, in provisionInput, versionID string, jurisdictions []string) error {
	params := map[string]any{
		"pid":           in.PID,
		"version_id":    versionID,
		"doc_id":        documentID,
		"concept":       in.Concept,
		"jurisdictions": jurisdictions,
		"start":         in.Start,
		"end":           in.End,
		"page":          nullableInt(in.Page),
		"threshold_set": in.Threshold != nil,
	}
	if in.Threshold != nil {
		params["threshold_value"] = in.Threshold.Value
		params["threshold_unit"] = in.Threshold.Unit
		params["threshold_unit_normalized"] = in.Threshold.UnitNormalized
	} else {
		params["threshold_value"] = nil
		params["threshold_unit"] = nil
		params["threshold_unit_normalized"] = nil
	}

	_, err := tx.Run(ctx, `
		MATCH (p:Provision {pid: $pid, version_id: $version_id})
		MATCH (d:Document {id: $doc_id})
		MERGE (p)-[:IN_DOCUMENT]->(d)
		MERGE (c:Concept {name: $concept})
		MERGE (p)-[:ABOUT]->(c)
		WITH p, d
		UNWIND $jurisdictions AS jname
			MERGE (j:Jurisdiction {name: jname})
			MERGE (p)-[:APPLIES_TO]->(j)
		WITH DISTINCT p, d
		FOREACH (_ IN CASE WHEN $threshold_set THEN [1] ELSE [] END |
			MERGE (t:Threshold {pid: $pid, version_id: $version_id})
			ON CREATE SET
				t.value = $threshold_value,
				t.unit = $threshold_unit,
				t.unit_normalized = $threshold_unit_normalized
			ON MATCH SET
				t.value = $threshold_value,
				t.unit = $threshold_unit,
				t.unit_normalized = $threshold_unit_normalized
			MERGE (p)-[:HAS_THRESHOLD]->(t)
		)
		MERGE (prov:Provenance {doc_id: $doc_id, start: $start, end: $end})
		ON CREATE SET prov.page = $page
		ON MATCH SET prov.page = coalesce($page, prov.page)
		MERGE (p)-[:PROVENANCE]->(prov)
	`, params)
	if err != nil {
		return fmt.Errorf("run cypher: %w", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

// We modify the underlying neo4j graph in a way that prompts us when the
// graph violates our basic constraints.
//
// When we suspect the graph has lost its integrity, we may no longer operate
// on it and must immediately stop all operations. This is achieved with a
// panic preceded by telemetry signals to bring the situation to our immediate
// attention.
func panicWithCorruptedGraph(ctx context.Context, reason string) {
	component.Logger(ctx).ErrorContext(ctx, "Encountered corrupted provision graph that violates versioning invariants", "error", reason)
	trace.SpanFromContext(ctx).SetStatus(codes.Error, reason)
	panic(fmt.Errorf("neo4j graph violates provision versioning invariants: %v", reason))
}

// An unexpectedPropertyTypeError occurs when a property of a node or record
// has a runtime type different from the expected type. It most likely means a
// Cypher query was changed without modifying dependent code.
type unexpectedPropertyTypeError struct {
	Type reflect.Type // Effective type encountered at runtime.
}

func (e unexpectedPropertyTypeError) Error() string {
	return "unexpected property type: " + e.Type.String()
}

// A errPropertyNotFound occurs when a property of a record is missing,
// most likely after a Cypher query was changed carelessly.
var errPropertyNotFound = errors.New("property not found")

func getRecordProperty[T any](record *neo4j.Record, key string) (T, error) {
	var zero T
	v, ok := record.Get(key)
	if !ok {
		return zero, fmt.Errorf("%q: %w", key, errPropertyNotFound)
	}
	x, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%q: %w", key, unexpectedPropertyTypeError{Type: reflect.TypeOf(v)})
	}
	return x, nil
}
