package neo4jstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"golang.org/x/sync/errgroup"

	"github.com/reggraph/reggraph"
	"github.com/reggraph/reggraph/internal/dbtest"
	"github.com/reggraph/reggraph/neo4jstore"
)

// The span shared by every test provision. The pid derives from the span, so
// re-ingesting a batch with different text but the same span versions the
// same provision.
const provisionSpanEnd = 40

// provisionBatch is a minimal entity batch with one obligation, a threshold
// contained in its span, and a jurisdiction.
func provisionBatch(text string, value float64, jurisdiction string) []reggraph.Entity {
	entities := []reggraph.Entity{
		{
			Type:   reggraph.Obligation,
			Text:   text,
			Start:  0,
			End:    provisionSpanEnd,
			Clause: &reggraph.ClauseAttrs{Confidence: 0.9, Concept: "reserves"},
		},
		{
			Type:  reggraph.Threshold,
			Text:  "threshold",
			Start: 1,
			End:   10,
			Threshold: &reggraph.ThresholdAttrs{
				Value:          value,
				Unit:           "percent",
				UnitNormalized: "percent",
				Confidence:     0.9,
			},
		},
	}
	if jurisdiction != "" {
		entities = append(entities, reggraph.Entity{
			Type:         reggraph.Jurisdiction,
			Text:         jurisdiction,
			Start:        0,
			End:          1,
			Jurisdiction: &reggraph.JurisdictionAttrs{Name: jurisdiction, Confidence: 0.95},
		})
	}
	return entities
}

func TestUpsertIdempotence(t *testing.T) {
	store, driver, database := dbtest.SetupProvisionGraph(t)
	ctx := context.Background()

	batch := provisionBatch("Banks shall hold reserves of at least 100 percent.", 100, "US")
	for range 2 {
		if err := store.Upsert(ctx, "doc-1", "https://example.gov/doc-1", batch); err != nil {
			t.Fatal("Upsert() =", err)
		}
	}

	pid := neo4jstore.ProvisionID("doc-1", 0, provisionSpanEnd)
	history, err := store.History(ctx, pid)
	if err != nil {
		t.Fatal("History() =", err)
	}
	if len(history) != 1 {
		t.Fatalf("History() returned %d versions after identical re-ingestion, want 1", len(history))
	}
	if history[0].Version != 1 || history[0].TxTo != nil || history[0].Superseded {
		t.Errorf("version = %+v, want an open first version", history[0])
	}

	if got := countNodes(t, driver, database, `MATCH (prov:Provenance {doc_id: "doc-1"}) RETURN count(prov) AS n`); got != 1 {
		t.Errorf("found %d provenance nodes, want 1", got)
	}
	if got := countNodes(t, driver, database, `MATCH (d:Document {id: "doc-1"}) RETURN count(d) AS n`); got != 1 {
		t.Errorf("found %d document nodes, want 1", got)
	}
}

func TestUpsertVersioning(t *testing.T) {
	store, driver, database := dbtest.SetupProvisionGraph(t)
	ctx := context.Background()

	const text1 = "Banks shall hold reserves of at least 100 percent."
	const text2 = "Banks shall hold reserves of at least 120 percent."
	if err := store.Upsert(ctx, "doc-1", "", provisionBatch(text1, 100, "US")); err != nil {
		t.Fatal("Upsert() =", err)
	}
	if err := store.Upsert(ctx, "doc-1", "", provisionBatch(text2, 120, "US")); err != nil {
		t.Fatal("Upsert() =", err)
	}

	pid := neo4jstore.ProvisionID("doc-1", 0, provisionSpanEnd)
	history, err := store.History(ctx, pid)
	if err != nil {
		t.Fatal("History() =", err)
	}
	if len(history) != 2 {
		t.Fatalf("History() returned %d versions, want 2", len(history))
	}

	// Newest first: the current version leads, the superseded one follows.
	current, old := history[0], history[1]
	if current.Version != 2 || current.TxTo != nil || current.Superseded || current.Text != text2 {
		t.Errorf("current version = %+v, want open version 2 with the new text", current)
	}
	if old.Version != 1 || old.TxTo == nil || old.ValidTo == nil || !old.Superseded || old.Text != text1 {
		t.Errorf("old version = %+v, want closed superseded version 1", old)
	}

	if got := countNodes(t, driver, database, `
		MATCH (:Provision {version_id: "`+current.VersionID+`"})-[:SUPERSEDES]->(:Provision {version_id: "`+old.VersionID+`"})
		RETURN count(*) AS n
	`); got != 1 {
		t.Errorf("found %d SUPERSEDES edges, want 1", got)
	}
	assertSingleCurrentVersion(t, driver, database, pid)
}

func TestUpsertSingleCurrentVersionInvariant(t *testing.T) {
	store, driver, database := dbtest.SetupProvisionGraph(t)
	ctx := context.Background()

	// Mixed re-ingestion: alternate between two texts several times. However
	// the writes interleave, a pid must never hold two open versions.
	for i := range 5 {
		text := "Operators shall report annually to the agency."
		value := 10.0
		if i%2 == 1 {
			text = "Operators shall report quarterly to the agency."
			value = 40.0
		}
		if err := store.Upsert(ctx, "doc-1", "", provisionBatch(text, value, "US")); err != nil {
			t.Fatal("Upsert() =", err)
		}
	}

	assertSingleCurrentVersion(t, driver, database, neo4jstore.ProvisionID("doc-1", 0, provisionSpanEnd))
}

// Spans of the obligations in reportingBatch, one provision each.
var reportingSpans = [][2]int{{0, 40}, {45, 90}, {95, 140}}

// reportingBatch is an entity batch whose upsert spans several per-provision
// transactions, so an interruption can land between them.
func reportingBatch() []reggraph.Entity {
	texts := []string{
		"Operators shall file annual reports.",
		"Operators shall retain filings for five years.",
		"Operators shall notify the agency of material changes.",
	}
	entities := make([]reggraph.Entity, len(reportingSpans))
	for i, span := range reportingSpans {
		entities[i] = reggraph.Entity{
			Type:   reggraph.Obligation,
			Text:   texts[i],
			Start:  span[0],
			End:    span[1],
			Clause: &reggraph.ClauseAttrs{Confidence: 0.9},
		}
	}
	return entities
}

func TestUpsertInterruptedMidBatch(t *testing.T) {
	store, driver, database := dbtest.SetupProvisionGraph(t)

	batch := reportingBatch()

	// Cancel while the batch is mid-flight. The interrupted upsert may commit
	// any prefix of the batch's provisions; each provision's close-and-create
	// runs in one transaction, so whichever committed, no pid may hold more
	// than one open version.
	interrupted, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_ = store.Upsert(interrupted, "doc-1", "", batch)
	cancel()

	for _, span := range reportingSpans {
		assertSingleCurrentVersion(t, driver, database, neo4jstore.ProvisionID("doc-1", span[0], span[1]))
	}

	// A clean redelivery completes the batch: provisions that committed before
	// the interruption carry identical hashes and are left alone, the rest get
	// their first version.
	ctx := context.Background()
	if err := store.Upsert(ctx, "doc-1", "", batch); err != nil {
		t.Fatal("Upsert() =", err)
	}
	for _, span := range reportingSpans {
		pid := neo4jstore.ProvisionID("doc-1", span[0], span[1])
		history, err := store.History(ctx, pid)
		if err != nil {
			t.Fatal("History() =", err)
		}
		if len(history) != 1 || history[0].Version != 1 || history[0].TxTo != nil {
			t.Errorf("pid %v history = %+v, want exactly one open first version", pid, history)
		}
	}
}

func TestUpsertConcurrentDeliveries(t *testing.T) {
	store, driver, database := dbtest.SetupProvisionGraph(t)
	ctx := context.Background()

	const text1 = "Operators shall report annually to the agency."
	const text2 = "Operators shall report quarterly to the agency."

	// Redundant deliveries of competing revisions race on the same pid. Some
	// writes may fail on lock contention; whichever land, the deterministic
	// version identifiers make the merges converge on shared nodes and the pid
	// must end up with at most one open version.
	var g errgroup.Group
	for i := range 8 {
		text, value := text1, 10.0
		if i%2 == 1 {
			text, value = text2, 40.0
		}
		g.Go(func() error {
			_ = store.Upsert(ctx, "doc-1", "", provisionBatch(text, value, "US"))
			return nil
		})
	}
	_ = g.Wait()

	assertSingleCurrentVersion(t, driver, database, neo4jstore.ProvisionID("doc-1", 0, provisionSpanEnd))
}

func TestActiveAtBitemporalView(t *testing.T) {
	store, _, _ := dbtest.SetupProvisionGraph(t)
	ctx := context.Background()

	const text1 = "Operators shall file reports."
	const text2 = "Operators shall file audited reports."
	if err := store.Upsert(ctx, "doc-1", "", provisionBatch(text1, 1, "")); err != nil {
		t.Fatal("Upsert() =", err)
	}
	time.Sleep(50 * time.Millisecond)
	mid := time.Now()
	time.Sleep(50 * time.Millisecond)
	if err := store.Upsert(ctx, "doc-1", "", provisionBatch(text2, 2, "")); err != nil {
		t.Fatal("Upsert() =", err)
	}

	// Before the supersession, version 1 was both recorded and in force.
	atMid, err := store.ActiveAt(ctx, "doc-1", mid)
	if err != nil {
		t.Fatal("ActiveAt(mid) =", err)
	}
	if len(atMid) != 1 || atMid[0].Text != text1 {
		t.Errorf("ActiveAt(mid) = %+v, want only the first version", atMid)
	}

	// Now, only version 2 qualifies.
	atNow, err := store.ActiveAt(ctx, "doc-1", time.Now())
	if err != nil {
		t.Fatal("ActiveAt(now) =", err)
	}
	if len(atNow) != 1 || atNow[0].Text != text2 {
		t.Errorf("ActiveAt(now) = %+v, want only the second version", atNow)
	}

	// Before anything was recorded, nothing was active.
	atDawn, err := store.ActiveAt(ctx, "doc-1", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal("ActiveAt(dawn) =", err)
	}
	if len(atDawn) != 0 {
		t.Errorf("ActiveAt(dawn) = %+v, want none", atDawn)
	}
}

func TestChangesBetween(t *testing.T) {
	store, _, _ := dbtest.SetupProvisionGraph(t)
	ctx := context.Background()

	before := time.Now().Add(-time.Second)
	if err := store.Upsert(ctx, "doc-1", "", provisionBatch("Operators shall file reports.", 1, "")); err != nil {
		t.Fatal("Upsert() =", err)
	}
	// Distinct transaction timestamps keep the newest-first ordering stable.
	time.Sleep(10 * time.Millisecond)
	if err := store.Upsert(ctx, "doc-2", "", provisionBatch("Vendors shall register with the agency.", 3, "")); err != nil {
		t.Fatal("Upsert() =", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := store.Upsert(ctx, "doc-1", "", provisionBatch("Operators shall file audited reports.", 2, "")); err != nil {
		t.Fatal("Upsert() =", err)
	}
	after := time.Now().Add(time.Second)

	// The window is global: versions from every document qualify.
	changes, err := store.ChangesBetween(ctx, before, after)
	if err != nil {
		t.Fatal("ChangesBetween() =", err)
	}
	if len(changes) != 3 {
		t.Fatalf("ChangesBetween() = %d changes, want all three versions in the window", len(changes))
	}

	// Newest first; only the superseding version carries its predecessor.
	if changes[0].Superseded == nil {
		t.Error("newest change has no superseded version")
	} else if changes[0].Superseded.Version != 1 {
		t.Errorf("superseded version = %d, want 1", changes[0].Superseded.Version)
	}
	if got, want := changes[1].Version.PID, neo4jstore.ProvisionID("doc-2", 0, provisionSpanEnd); got != want {
		t.Errorf("middle change pid = %v, want the other document's provision %v", got, want)
	}
	if changes[2].Superseded != nil {
		t.Errorf("first version reports a superseded predecessor: %+v", changes[2].Superseded)
	}

	empty, err := store.ChangesBetween(ctx, after, after.Add(time.Hour))
	if err != nil {
		t.Fatal("ChangesBetween(empty window) =", err)
	}
	if len(empty) != 0 {
		t.Errorf("ChangesBetween(empty window) = %+v, want none", empty)
	}
}

func TestHistoryUnknownPID(t *testing.T) {
	store, _, _ := dbtest.SetupProvisionGraph(t)

	history, err := store.History(context.Background(), "doc-404:0:10")
	if err != nil {
		t.Fatal("History() =", err)
	}
	if len(history) != 0 {
		t.Errorf("History() = %+v, want empty result for unknown pid", history)
	}
}

func TestUpsertUnknownJurisdiction(t *testing.T) {
	store, driver, database := dbtest.SetupProvisionGraph(t)
	ctx := context.Background()

	// No jurisdiction entity in the batch: the document still gets a MENTIONS
	// edge, pointing at the Unknown jurisdiction.
	if err := store.Upsert(ctx, "doc-1", "", provisionBatch("Operators shall file reports.", 1, "")); err != nil {
		t.Fatal("Upsert() =", err)
	}

	if got := countNodes(t, driver, database, `
		MATCH (:Document {id: "doc-1"})-[:MENTIONS]->(j:Jurisdiction {name: "Unknown"})
		RETURN count(j) AS n
	`); got != 1 {
		t.Errorf("found %d Unknown MENTIONS edges, want 1", got)
	}
}

func TestUpsertThresholdAttachment(t *testing.T) {
	store, driver, database := dbtest.SetupProvisionGraph(t)
	ctx := context.Background()

	// The threshold span [1, 10) is contained in the obligation span, so the
	// provision owns it.
	if err := store.Upsert(ctx, "doc-1", "", provisionBatch("Banks shall hold 100 percent.", 100, "")); err != nil {
		t.Fatal("Upsert() =", err)
	}

	if got := countNodes(t, driver, database, `
		MATCH (:Provision)-[:HAS_THRESHOLD]->(t:Threshold {value: 100.0, unit_normalized: "percent"})
		RETURN count(t) AS n
	`); got != 1 {
		t.Errorf("found %d attached thresholds, want 1", got)
	}
}

func TestUpsertRejectsMissingDocumentID(t *testing.T) {
	store, _, _ := dbtest.SetupProvisionGraph(t)

	if err := store.Upsert(context.Background(), "", "", nil); err == nil {
		t.Error("Upsert() accepted an empty document id")
	}
}

func assertSingleCurrentVersion(t *testing.T, driver neo4j.DriverWithContext, database, pid string) {
	t.Helper()
	got := countNodes(t, driver, database, `
		MATCH (p:Provision {pid: "`+pid+`"})
		WHERE p.tx_to IS NULL
		RETURN count(p) AS n
	`)
	if got > 1 {
		t.Errorf("pid %v has %d current versions, want at most 1", pid, got)
	}
}

func countNodes(t *testing.T, driver neo4j.DriverWithContext, database, cypher string) int64 {
	t.Helper()
	ctx := context.Background()
	s := driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: database, AccessMode: neo4j.AccessModeRead})
	defer func() {
		if err := s.Close(ctx); err != nil {
			t.Errorf("Failed to close neo4j session: %v", err)
		}
	}()

	result, err := s.Run(ctx, cypher, nil)
	if err != nil {
		t.Fatalf("Failed to run count query: %v", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		t.Fatalf("Failed to collect count: %v", err)
	}
	n, ok := record.Get("n")
	if !ok {
		t.Fatal("Count query returned no 'n' column")
	}
	return n.(int64)
}

