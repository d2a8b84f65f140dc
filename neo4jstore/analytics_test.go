package neo4jstore_test

import (
	"context"
	"testing"

	"github.com/reggraph/reggraph"
	"github.com/reggraph/reggraph/internal/dbtest"
	"github.com/reggraph/reggraph/neo4jstore"
)

func conceptBatch(concept, text string, value float64, jurisdiction string) []reggraph.Entity {
	batch := provisionBatch(text, value, jurisdiction)
	batch[0].Clause.Concept = concept
	return batch
}

func TestArbitrageRelativeDelta(t *testing.T) {
	store, _, _ := dbtest.SetupProvisionGraph(t)
	ctx := context.Background()

	// Two documents regulate the same concept with percent thresholds 100 and
	// 120, in different jurisdictions.
	if err := store.Upsert(ctx, "doc-us", "https://example.gov/us", conceptBatch("reserves", "Banks shall hold reserves of 100 percent.", 100, "US")); err != nil {
		t.Fatal("Upsert() =", err)
	}
	if err := store.Upsert(ctx, "doc-eu", "https://example.eu/eu", conceptBatch("reserves", "Banks shall hold reserves of 120 percent.", 120, "EU")); err != nil {
		t.Fatal("Upsert() =", err)
	}

	// |100-120|/100 = 0.2, at or above the 0.1 floor: the US→EU pair matches.
	items, err := store.Arbitrage(ctx, neo4jstore.ArbitrageOptions{J1: "US", J2: "EU", RelDelta: 0.1})
	if err != nil {
		t.Fatal("Arbitrage() =", err)
	}
	if len(items) != 1 {
		t.Fatalf("Arbitrage(0.1) = %d items, want exactly the US/EU pair: %+v", len(items), items)
	}
	got := items[0]
	if got.V1 != 100 || got.V2 != 120 || got.Unit != "percent" || got.Concept != "reserves" {
		t.Errorf("item = %+v, want v1=100 v2=120 percent reserves", got)
	}
	if got.Citation1.DocID != "doc-us" || got.Citation2.DocID != "doc-eu" {
		t.Errorf("citations = (%+v, %+v), want doc-us and doc-eu", got.Citation1, got.Citation2)
	}
	if got.Citation1.SourceURL != "https://example.gov/us" {
		t.Errorf("citation source url = %q, want the document's source url", got.Citation1.SourceURL)
	}

	// With a 0.25 floor neither direction qualifies (0.2 and ~0.167).
	items, err = store.Arbitrage(ctx, neo4jstore.ArbitrageOptions{J1: "US", J2: "EU", RelDelta: 0.25})
	if err != nil {
		t.Fatal("Arbitrage() =", err)
	}
	if len(items) != 0 {
		t.Errorf("Arbitrage(0.25) = %+v, want no matches", items)
	}
}

func TestArbitrageConceptFilter(t *testing.T) {
	store, _, _ := dbtest.SetupProvisionGraph(t)
	ctx := context.Background()

	if err := store.Upsert(ctx, "doc-us", "", conceptBatch("reserves", "Banks shall hold reserves of 100 percent.", 100, "US")); err != nil {
		t.Fatal("Upsert() =", err)
	}
	if err := store.Upsert(ctx, "doc-eu", "", conceptBatch("reserves", "Banks shall hold reserves of 150 percent.", 150, "EU")); err != nil {
		t.Fatal("Upsert() =", err)
	}

	// The concept filter is case-insensitive.
	items, err := store.Arbitrage(ctx, neo4jstore.ArbitrageOptions{Concept: "RESERVES"})
	if err != nil {
		t.Fatal("Arbitrage() =", err)
	}
	if len(items) == 0 {
		t.Error("Arbitrage(concept=RESERVES) found nothing, want case-insensitive concept match")
	}

	items, err = store.Arbitrage(ctx, neo4jstore.ArbitrageOptions{Concept: "emissions"})
	if err != nil {
		t.Fatal("Arbitrage() =", err)
	}
	if len(items) != 0 {
		t.Errorf("Arbitrage(concept=emissions) = %+v, want no matches for an unknown concept", items)
	}
}

func TestGapDirectionality(t *testing.T) {
	store, _, _ := dbtest.SetupProvisionGraph(t)
	ctx := context.Background()

	// The capital concept applies to the US only.
	if err := store.Upsert(ctx, "doc-us", "https://example.gov/us", conceptBatch("capital", "Banks shall hold 10 percent capital.", 10, "US")); err != nil {
		t.Fatal("Upsert() =", err)
	}

	usToEU, err := store.Gaps(ctx, "US", "EU", 0)
	if err != nil {
		t.Fatal("Gaps(US, EU) =", err)
	}
	if len(usToEU) != 1 || usToEU[0].Concept != "capital" {
		t.Fatalf("Gaps(US, EU) = %+v, want the capital concept", usToEU)
	}
	if usToEU[0].Citation.DocID != "doc-us" {
		t.Errorf("gap citation = %+v, want doc-us", usToEU[0].Citation)
	}

	// The reverse direction asks a different question and finds nothing.
	euToUS, err := store.Gaps(ctx, "EU", "US", 0)
	if err != nil {
		t.Fatal("Gaps(EU, US) =", err)
	}
	if len(euToUS) != 0 {
		t.Errorf("Gaps(EU, US) = %+v, want none", euToUS)
	}
}

func TestGapClosesWhenCovered(t *testing.T) {
	store, _, _ := dbtest.SetupProvisionGraph(t)
	ctx := context.Background()

	if err := store.Upsert(ctx, "doc-us", "", conceptBatch("capital", "Banks shall hold 10 percent capital.", 10, "US")); err != nil {
		t.Fatal("Upsert() =", err)
	}
	if err := store.Upsert(ctx, "doc-eu", "", conceptBatch("capital", "Banks shall hold 12 percent capital.", 12, "EU")); err != nil {
		t.Fatal("Upsert() =", err)
	}

	items, err := store.Gaps(ctx, "US", "EU", 0)
	if err != nil {
		t.Fatal("Gaps() =", err)
	}
	if len(items) != 0 {
		t.Errorf("Gaps(US, EU) = %+v, want none once both jurisdictions cover the concept", items)
	}
}
