package neo4jstore

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Analytics queries serve interactive callers, so they run under a bounded
// deadline and fail instead of hanging on a slow or unreachable server. They
// are read-only and free to re-run.
const analyticsTimeout = 5 * time.Second

// Default and ceiling for the result limits of analytics queries.
const (
	defaultAnalyticsLimit = 50
	maxAnalyticsLimit     = 200
)

// How far apart two thresholds must be, relative to the baseline value, to
// count as divergence when the caller does not say otherwise.
const defaultRelDelta = 0.2

// ArbitrageOptions narrow an arbitrage query. The zero value detects
// divergence across all concepts and jurisdictions with the default
// sensitivity and limit.
type ArbitrageOptions struct {
	// J1 and J2 restrict the pair to provisions applying to these
	// jurisdictions (first and second position respectively). Both must be
	// set for the filter to take effect.
	J1 string
	J2 string
	// Concept restricts results to one concept, case-insensitively.
	Concept string
	// RelDelta is the minimum relative threshold difference, measured against
	// the first provision's value. Zero means the default.
	RelDelta float64
	// Limit caps the number of result items. Zero means the default; values
	// beyond the ceiling are clamped.
	Limit int
	// Since keeps only pairs whose documents were both created at or after
	// this instant.
	Since *time.Time
}

// A Citation points back to the exact span of source text a result item was
// derived from.
type Citation struct {
	DocID     string `json:"doc_id"`
	Start     int64  `json:"start"`
	End       int64  `json:"end"`
	SourceURL string `json:"source_url"`
}

// An ArbitrageItem is one pair of provisions about the same concept whose
// thresholds share a unit but diverge in value.
type ArbitrageItem struct {
	Concept   string   `json:"concept"`
	Unit      string   `json:"unit"`
	V1        float64  `json:"v1"`
	V2        float64  `json:"v2"`
	Text1     string   `json:"text1"`
	Text2     string   `json:"text2"`
	Citation1 Citation `json:"citation_1"`
	Citation2 Citation `json:"citation_2"`
}

// A GapItem is one concept regulated in the first jurisdiction with no
// counterpart provision in the second.
type GapItem struct {
	Concept     string   `json:"concept"`
	ExampleText string   `json:"example_text"`
	Citation    Citation `json:"citation"`
}

// Arbitrage finds provision pairs about a shared concept whose thresholds
// share a normalized unit and differ by at least the relative delta. The
// relative difference is measured against the first value, with a zero
// baseline treated as divisor 1 to avoid division errors. Results are ordered
// by absolute value gap, largest first.
func (s *Store) Arbitrage(ctx context.Context, opts ArbitrageOptions) (items []ArbitrageItem, err error) {
	ctx, cancel := context.WithTimeout(ctx, analyticsTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "Arbitrage", trace.WithAttributes(
		attribute.String("neo4j.database", s.database),
	))
	defer span.End()
	defer func(start time.Time) {
		measureAnalytics(ctx, "arbitrage", err == nil, time.Since(start))
	}(time.Now())

	cypher, params := buildArbitrageQuery(opts)
	records, err := s.readRecords(ctx, cypher, params)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	items = make([]ArbitrageItem, 0, len(records))
	for _, record := range records {
		var item ArbitrageItem
		if item.Concept, err = getRecordProperty[string](record, "concept"); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if item.Unit, err = getRecordProperty[string](record, "unit"); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if item.V1, err = getNumericProperty(record, "v1"); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if item.V2, err = getNumericProperty(record, "v2"); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if item.Text1, err = getRecordProperty[string](record, "text1"); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if item.Text2, err = getRecordProperty[string](record, "text2"); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if item.Citation1, err = citationFromRecord(record, "_1"); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if item.Citation2, err = citationFromRecord(record, "_2"); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		items = append(items, item)
	}
	span.SetAttributes(attribute.Int("arbitrage.items", len(items)))
	return items, nil
}

// Gaps finds concepts regulated by provisions applying to jurisdiction j1
// with no provision at all applying to j2. The query is directional, not a
// symmetric diff: Gaps(a, b) and Gaps(b, a) answer different questions.
func (s *Store) Gaps(ctx context.Context, j1, j2 string, limit int) (items []GapItem, err error) {
	ctx, cancel := context.WithTimeout(ctx, analyticsTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "Gaps", trace.WithAttributes(
		attribute.String("neo4j.database", s.database),
		attribute.String("jurisdiction.from", j1),
		attribute.String("jurisdiction.to", j2),
	))
	defer span.End()
	defer func(start time.Time) {
		measureAnalytics(ctx, "gaps", err == nil, time.Since(start))
	}(time.Now())

	records, err := s.readRecords(ctx, `
		MATCH (j1:Jurisdiction {name: $j1})<-[:APPLIES_TO]-(p1:Provision)-[:ABOUT]->(c:Concept)
		WHERE NOT EXISTS {
			MATCH (j2:Jurisdiction {name: $j2})<-[:APPLIES_TO]-(p2:Provision)-[:ABOUT]->(c)
		}
		MATCH (p1)-[:PROVENANCE]->(prov:Provenance)
		MATCH (p1)-[:IN_DOCUMENT]->(d:Document)
		RETURN DISTINCT c.name AS concept,
			p1.text AS example_text,
			prov.doc_id AS doc_id,
			prov.start AS start,
			prov.end AS end,
			d.source_url AS source_url
		LIMIT $limit
	`, map[string]any{"j1": j1, "j2": j2, "limit": clampLimit(limit)})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	items = make([]GapItem, 0, len(records))
	for _, record := range records {
		var item GapItem
		if item.Concept, err = getRecordProperty[string](record, "concept"); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if item.ExampleText, err = getRecordProperty[string](record, "example_text"); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if item.Citation, err = citationFromRecord(record, ""); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		items = append(items, item)
	}
	span.SetAttributes(attribute.Int("gap.items", len(items)))
	return items, nil
}

// buildArbitrageQuery assembles the pair-matching query with only the filter
// clauses the options call for. Filters are appended as parameterized WHERE
// conjunctions; user input never reaches the query text itself.
func buildArbitrageQuery(opts ArbitrageOptions) (string, map[string]any) {
	relDelta := opts.RelDelta
	if relDelta == 0 {
		relDelta = defaultRelDelta
	}
	params := map[string]any{
		"rel_delta": relDelta,
		"limit":     clampLimit(opts.Limit),
	}

	var filters strings.Builder
	if opts.J1 != "" && opts.J2 != "" {
		filters.WriteString("  AND EXISTS { MATCH (p1)-[:APPLIES_TO]->(:Jurisdiction {name: $j1}) }\n")
		filters.WriteString("  AND EXISTS { MATCH (p2)-[:APPLIES_TO]->(:Jurisdiction {name: $j2}) }\n")
		params["j1"] = opts.J1
		params["j2"] = opts.J2
	}
	if opts.Concept != "" {
		filters.WriteString("  AND toLower(c.name) = toLower($concept)\n")
		params["concept"] = opts.Concept
	}
	if opts.Since != nil {
		filters.WriteString("  AND d1.created_at >= $since\n  AND d2.created_at >= $since\n")
		params["since"] = opts.Since.UnixMilli()
	}

	cypher := `
		MATCH (c:Concept)<-[:ABOUT]-(p1:Provision)-[:HAS_THRESHOLD]->(t1:Threshold),
			(p2:Provision)-[:ABOUT]->(c),
			(p2)-[:HAS_THRESHOLD]->(t2:Threshold),
			(p1)-[:PROVENANCE]->(prov1:Provenance),
			(p2)-[:PROVENANCE]->(prov2:Provenance),
			(p1)-[:IN_DOCUMENT]->(d1:Document),
			(p2)-[:IN_DOCUMENT]->(d2:Document)
		WHERE t1.unit_normalized = t2.unit_normalized
		  AND t1.unit_normalized IS NOT NULL
		  AND abs(t1.value - t2.value) / CASE WHEN t1.value = 0 THEN 1 ELSE t1.value END >= $rel_delta
		` + filters.String() + `
		RETURN c.name AS concept,
			p1.text AS text1, t1.value AS v1, t1.unit_normalized AS unit,
			p2.text AS text2, t2.value AS v2,
			prov1.doc_id AS doc_id_1,
			prov1.start AS start_1,
			prov1.end AS end_1,
			prov2.doc_id AS doc_id_2,
			prov2.start AS start_2,
			prov2.end AS end_2,
			d1.source_url AS source_url_1,
			d2.source_url AS source_url_2
		ORDER BY abs(t1.value - t2.value) DESC
		LIMIT $limit
	`
	return cypher, params
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultAnalyticsLimit
	case limit > maxAnalyticsLimit:
		return maxAnalyticsLimit
	default:
		return limit
	}
}

// citationFromRecord reads the doc_id/start/end/source_url columns carrying
// the given suffix. A document without a source URL cites an empty string.
func citationFromRecord(record *neo4j.Record, suffix string) (Citation, error) {
	var c Citation
	var err error
	if c.DocID, err = getRecordProperty[string](record, "doc_id"+suffix); err != nil {
		return Citation{}, err
	}
	if c.Start, err = getRecordProperty[int64](record, "start"+suffix); err != nil {
		return Citation{}, err
	}
	if c.End, err = getRecordProperty[int64](record, "end"+suffix); err != nil {
		return Citation{}, err
	}
	url, ok := record.Get("source_url" + suffix)
	if ok && url != nil {
		s, ok := url.(string)
		if !ok {
			return Citation{}, fmt.Errorf("%q: %w", "source_url"+suffix, unexpectedPropertyTypeError{Type: reflect.TypeOf(url)})
		}
		c.SourceURL = s
	}
	return c, nil
}

// getNumericProperty reads a float column that the server may report as an
// integer when the stored literal happens to be whole.
func getNumericProperty(record *neo4j.Record, key string) (float64, error) {
	v, ok := record.Get(key)
	if !ok {
		return 0, fmt.Errorf("%q: %w", key, errPropertyNotFound)
	}
	switch x := v.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	default:
		return 0, fmt.Errorf("%q: %w", key, unexpectedPropertyTypeError{Type: reflect.TypeOf(v)})
	}
}
