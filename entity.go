package reggraph

import (
	"encoding/json"
	"fmt"
)

// EntityType classifies an extracted span of regulatory text.
//
// The constant values double as the wire names used in entity batch events, so
// they must remain stable as the software evolves.
type EntityType string

const (
	Obligation   EntityType = "OBLIGATION"
	Prohibition  EntityType = "PROHIBITION"
	Incentive    EntityType = "INCENTIVE"
	Deadline     EntityType = "DEADLINE"
	Penalty      EntityType = "PENALTY"
	Threshold    EntityType = "THRESHOLD"
	Jurisdiction EntityType = "JURISDICTION"
)

// Clause reports whether the type belongs to the clause family - spans matched
// by the lexical rule tables (everything except thresholds and jurisdictions).
func (t EntityType) Clause() bool {
	switch t {
	case Obligation, Prohibition, Incentive, Deadline, Penalty:
		return true
	}
	return false
}

// Provisionable reports whether entities of this type become versioned
// provisions in the graph store.
func (t EntityType) Provisionable() bool {
	return t == Obligation || t == Prohibition
}

// An Entity is a typed span of a source document, immutable once emitted by
// the extractor.
//
// Start and End are character (rune) offsets into the original text with
// Start <= End. Exactly one of the attribute variants is set, matching Type;
// an Entity is a tagged variant rather than a bag of dynamic attributes so
// that extractor output is statically checkable.
//
// Overlapping and duplicate spans are legal: the extractor's rule families
// match independently and never deduplicate, so consumers must tolerate the
// same span appearing under several types.
type Entity struct {
	Type  EntityType
	Text  string
	Start int
	End   int

	Clause       *ClauseAttrs
	Threshold    *ThresholdAttrs
	Jurisdiction *JurisdictionAttrs
}

// ClauseAttrs carries the attributes of clause-family entities.
type ClauseAttrs struct {
	// Confidence in [0, 1], fixed per lexical rule; stronger language scores
	// higher ("shall" > "should" > "may").
	Confidence float64
	// Concept is the regulatory concept the clause is about, when detected.
	// Empty means unspecified.
	Concept string
	// Page within the source document, when known. Zero means unknown.
	Page int
}

// ThresholdAttrs carries the numeric value parsed from a threshold span.
type ThresholdAttrs struct {
	Value          float64
	Unit           string // unit token as matched, e.g. "%" or "bps"
	UnitNormalized string // fixed-table normalization, e.g. "percent"
	Confidence     float64
	// Concept is set by upstream enrichment when the threshold is known to
	// quantify a specific regulatory concept. The extractor leaves it empty.
	Concept string
}

// JurisdictionAttrs names the canonical jurisdiction from the gazetteer.
type JurisdictionAttrs struct {
	Name       string
	Confidence float64
}

// Validate checks the structural invariants of the entity. It does not judge
// the plausibility of the span contents.
func (e Entity) Validate() error {
	if e.Start < 0 || e.End < e.Start {
		return fmt.Errorf("entity span [%d, %d) is invalid", e.Start, e.End)
	}
	switch e.Type {
	case Threshold:
		if e.Threshold == nil {
			return fmt.Errorf("threshold entity without threshold attributes")
		}
	case Jurisdiction:
		if e.Jurisdiction == nil || e.Jurisdiction.Name == "" {
			return fmt.Errorf("jurisdiction entity without a canonical name")
		}
	default:
		if !e.Type.Clause() {
			return fmt.Errorf("unknown entity type %q", e.Type)
		}
	}
	return nil
}

// entityAttrs is the flat wire representation of the attribute variants. The
// upstream extraction service historically emitted a single "attrs" object
// whose keys depend on the entity type, and the event schema pins that shape.
type entityAttrs struct {
	Confidence     float64  `json:"confidence,omitempty"`
	Value          *float64 `json:"value,omitempty"`
	Unit           string   `json:"unit,omitempty"`
	UnitNormalized string   `json:"unit_normalized,omitempty"`
	Name           string   `json:"name,omitempty"`
	Concept        string   `json:"concept,omitempty"`
	Page           int      `json:"page,omitempty"`
}

type entityJSON struct {
	Type  EntityType  `json:"type"`
	Text  string      `json:"text"`
	Start int         `json:"start"`
	End   int         `json:"end"`
	Attrs entityAttrs `json:"attrs"`
}

func (e Entity) MarshalJSON() ([]byte, error) {
	x := entityJSON{Type: e.Type, Text: e.Text, Start: e.Start, End: e.End}
	switch {
	case e.Clause != nil:
		x.Attrs.Confidence = e.Clause.Confidence
		x.Attrs.Concept = e.Clause.Concept
		x.Attrs.Page = e.Clause.Page
	case e.Threshold != nil:
		v := e.Threshold.Value
		x.Attrs.Value = &v
		x.Attrs.Unit = e.Threshold.Unit
		x.Attrs.UnitNormalized = e.Threshold.UnitNormalized
		x.Attrs.Confidence = e.Threshold.Confidence
		x.Attrs.Concept = e.Threshold.Concept
	case e.Jurisdiction != nil:
		x.Attrs.Name = e.Jurisdiction.Name
		x.Attrs.Confidence = e.Jurisdiction.Confidence
	}
	return json.Marshal(x)
}

func (e *Entity) UnmarshalJSON(p []byte) error {
	var x entityJSON
	if err := json.Unmarshal(p, &x); err != nil {
		return err
	}
	*e = Entity{Type: x.Type, Text: x.Text, Start: x.Start, End: x.End}
	switch {
	case x.Type.Clause():
		e.Clause = &ClauseAttrs{
			Confidence: x.Attrs.Confidence,
			Concept:    x.Attrs.Concept,
			Page:       x.Attrs.Page,
		}
	case x.Type == Threshold:
		t := ThresholdAttrs{
			Unit:           x.Attrs.Unit,
			UnitNormalized: x.Attrs.UnitNormalized,
			Confidence:     x.Attrs.Confidence,
			Concept:        x.Attrs.Concept,
		}
		if x.Attrs.Value != nil {
			t.Value = *x.Attrs.Value
		}
		e.Threshold = &t
	case x.Type == Jurisdiction:
		e.Jurisdiction = &JurisdictionAttrs{
			Name:       x.Attrs.Name,
			Confidence: x.Attrs.Confidence,
		}
	}
	return e.Validate()
}
