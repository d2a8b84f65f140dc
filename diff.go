package reggraph

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
)

// A Document is a normalized regulatory document paired with its extracted
// entities, as handed to the diff engine. The diff engine never consults the
// graph store; it operates on the two documents alone.
type Document struct {
	DocumentID string   `json:"document_id"`
	Text       string   `json:"text"`
	Entities   []Entity `json:"entities"`
}

// ChangeType labels one detected difference between two documents.
type ChangeType string

const (
	TextModified        ChangeType = "text_modified"
	TextAdded           ChangeType = "text_added"
	TextRemoved         ChangeType = "text_removed"
	TextReplaced        ChangeType = "text_replaced"
	ObligationAdded     ChangeType = "obligation_added"
	ObligationRemoved   ChangeType = "obligation_removed"
	ObligationModified  ChangeType = "obligation_modified"
	ThresholdAdded      ChangeType = "threshold_added"
	ThresholdRemoved    ChangeType = "threshold_removed"
	ThresholdChanged    ChangeType = "threshold_changed"
	JurisdictionAdded   ChangeType = "jurisdiction_added"
	JurisdictionRemoved ChangeType = "jurisdiction_removed"
)

// A DiffChange is one detected difference. OldValue and NewValue carry short
// diagnostic excerpts or numeric values, never full document text.
type DiffChange struct {
	Type        ChangeType `json:"type"`
	Description string     `json:"description"`
	OldValue    any        `json:"old_value"`
	NewValue    any        `json:"new_value"`
	Location    string     `json:"location,omitempty"`
}

// Diff is the ordered changelist produced by Compare.
type Diff struct {
	doc1, doc2 Document
	changes    []DiffChange
}

func (d *Diff) add(t ChangeType, description string, old, new any) {
	d.changes = append(d.changes, DiffChange{Type: t, Description: description, OldValue: old, NewValue: new})
}

func (d *Diff) addAt(t ChangeType, description string, old, new any, location string) {
	d.changes = append(d.changes, DiffChange{Type: t, Description: description, OldValue: old, NewValue: new, Location: location})
}

// Changes returns the detected changes in detection order.
func (d *Diff) Changes() []DiffChange { return d.changes }

// Summary tallies the change counts per type in a human-readable line.
// Types appear in order of first detection.
func (d *Diff) Summary() string {
	if len(d.changes) == 0 {
		return "No changes detected between documents."
	}
	counts := make(map[ChangeType]int)
	var order []ChangeType
	for _, c := range d.changes {
		if counts[c.Type] == 0 {
			order = append(order, c.Type)
		}
		counts[c.Type]++
	}
	parts := make([]string, len(order))
	for i, t := range order {
		parts[i] = fmt.Sprintf("%d %s", counts[t], t)
	}
	return fmt.Sprintf("Detected %d total changes: %s", len(d.changes), strings.Join(parts, ", "))
}

type diffJSON struct {
	Doc1ID       string       `json:"doc1_id"`
	Doc2ID       string       `json:"doc2_id"`
	TotalChanges int          `json:"total_changes"`
	Changes      []DiffChange `json:"changes"`
	Summary      string       `json:"summary"`
}

func (d *Diff) MarshalJSON() ([]byte, error) {
	changes := d.changes
	if changes == nil {
		changes = []DiffChange{}
	}
	return json.Marshal(diffJSON{
		Doc1ID:       d.doc1.DocumentID,
		Doc2ID:       d.doc2.DocumentID,
		TotalChanges: len(d.changes),
		Changes:      changes,
		Summary:      d.Summary(),
	})
}

// Compare detects the differences between two normalized documents: text
// block changes from an edit-script alignment, then entity-level changes for
// obligations, thresholds, and jurisdictions.
//
// doc1 is the baseline, doc2 the comparison. Comparing a document against
// itself yields an empty changelist.
func Compare(doc1, doc2 Document) *Diff {
	d := &Diff{doc1: doc1, doc2: doc2}
	compareText(doc1.Text, doc2.Text, d)
	compareObligations(doc1.Entities, doc2.Entities, d)
	compareThresholds(doc1.Entities, doc2.Entities, d)
	compareJurisdictions(doc1.Entities, doc2.Entities, d)
	return d
}

// Length of the diagnostic excerpt captured for each changed text block.
const textExcerptLen = 100

func compareText(text1, text2 string, d *Diff) {
	if text1 == text2 {
		return
	}
	a, b := []rune(text1), []rune(text2)
	m := newSequenceMatcher(a, b)

	if similarity := m.ratio(); similarity < 1.0 {
		d.add(TextModified,
			fmt.Sprintf("Document text changed (%.1f%% similar)", similarity*100),
			len(a), len(b))
	}

	for _, op := range m.opcodes() {
		switch op.Tag {
		case opDelete:
			d.addAt(TextRemoved, "Text section removed",
				excerpt(a, op.I1, op.I2), nil, fmt.Sprintf("chars %d-%d", op.I1, op.I2))
		case opInsert:
			d.addAt(TextAdded, "Text section added",
				nil, excerpt(b, op.J1, op.J2), fmt.Sprintf("chars %d-%d", op.J1, op.J2))
		case opReplace:
			d.addAt(TextReplaced, "Text section modified",
				excerpt(a, op.I1, op.I2), excerpt(b, op.J1, op.J2), fmt.Sprintf("chars %d-%d", op.I1, op.I2))
		}
	}
}

func excerpt(runes []rune, lo, hi int) string {
	hi = min(hi, lo+textExcerptLen)
	return string(runes[lo:hi])
}

// Similarity bounds for flagging an obligation pair as modified. Exact
// matches are handled by the set diff; anything at or below the floor is
// considered unrelated.
const (
	obligationSimilarityFloor   = 0.7
	obligationSimilarityCeiling = 1.0
	obligationExcerptLen        = 200
)

// compareObligations diffs obligation texts by normalized set membership,
// then flags every (old, new) pair whose normalized similarity falls strictly
// between the bounds as modified. The pairing is O(n*m) and intentionally
// permissive: near-duplicate boilerplate across unrelated obligations can
// surface as noise, a deliberate trade-off for recall.
func compareObligations(entities1, entities2 []Entity, d *Diff) {
	obs1 := normalizedObligations(entities1)
	obs2 := normalizedObligations(entities2)

	set1 := stringSet(obs1)
	set2 := stringSet(obs2)

	for _, text := range sortedDifference(set2, set1) {
		d.add(ObligationAdded, "New obligation detected", nil, truncateRunes(text, obligationExcerptLen))
	}
	for _, text := range sortedDifference(set1, set2) {
		d.add(ObligationRemoved, "Obligation removed", truncateRunes(text, obligationExcerptLen), nil)
	}

	for _, t1 := range obs1 {
		for _, t2 := range obs2 {
			similarity := similarityRatio(t1, t2)
			if similarity > obligationSimilarityFloor && similarity < obligationSimilarityCeiling {
				d.add(ObligationModified,
					fmt.Sprintf("Obligation modified (%.1f%% similar)", similarity*100),
					truncateRunes(t1, obligationExcerptLen), truncateRunes(t2, obligationExcerptLen))
			}
		}
	}
}

func normalizedObligations(entities []Entity) []string {
	var texts []string
	for _, e := range entities {
		if e.Type == Obligation {
			texts = append(texts, normalizeText(e.Text))
		}
	}
	return texts
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// normalizeText lowercases and collapses whitespace so comparisons ignore
// formatting-only differences.
func normalizeText(text string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(strings.ToLower(text), " "))
}

// compareThresholds keys each threshold by concept and normalized unit and
// reports added, removed, and changed values. A changed value carries a
// percent delta; a zero baseline reports the delta as +Inf rather than
// failing on division by zero.
func compareThresholds(entities1, entities2 []Entity, d *Diff) {
	t1 := thresholdValues(entities1)
	t2 := thresholdValues(entities2)

	for _, key := range sortedKeys(t1, t2) {
		v1, ok1 := t1[key]
		v2, ok2 := t2[key]
		switch {
		case !ok1:
			d.add(ThresholdAdded, fmt.Sprintf("New threshold: %s", key), nil, v2)
		case !ok2:
			d.add(ThresholdRemoved, fmt.Sprintf("Threshold removed: %s", key), v1, nil)
		case v1 != v2:
			pct := math.Inf(1)
			if v1 != 0 {
				pct = (v2 - v1) / v1 * 100
			}
			d.add(ThresholdChanged,
				fmt.Sprintf("Threshold changed: %s (%+.1f%%)", key, pct),
				v1, v2)
		}
	}
}

// thresholdValues indexes threshold values by "concept_unit". Later
// occurrences of the same key overwrite earlier ones, mirroring how repeated
// thresholds shadow each other within a document.
func thresholdValues(entities []Entity) map[string]float64 {
	values := make(map[string]float64)
	for _, e := range entities {
		if e.Type != Threshold || e.Threshold == nil {
			continue
		}
		concept := e.Threshold.Concept
		if concept == "" {
			concept = "unknown"
		}
		unit := e.Threshold.UnitNormalized
		if unit == "" {
			unit = e.Threshold.Unit
		}
		if unit == "" {
			unit = "units"
		}
		values[concept+"_"+unit] = e.Threshold.Value
	}
	return values
}

func compareJurisdictions(entities1, entities2 []Entity, d *Diff) {
	names1 := jurisdictionNames(entities1)
	names2 := jurisdictionNames(entities2)

	for _, name := range sortedDifference(names2, names1) {
		d.add(JurisdictionAdded, fmt.Sprintf("New jurisdiction mentioned: %s", name), nil, name)
	}
	for _, name := range sortedDifference(names1, names2) {
		d.add(JurisdictionRemoved, fmt.Sprintf("Jurisdiction no longer mentioned: %s", name), name, nil)
	}
}

func jurisdictionNames(entities []Entity) map[string]struct{} {
	names := make(map[string]struct{})
	for _, e := range entities {
		if e.Type == Jurisdiction && e.Jurisdiction != nil && e.Jurisdiction.Name != "" {
			names[e.Jurisdiction.Name] = struct{}{}
		}
	}
	return names
}

func stringSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[s] = struct{}{}
	}
	return set
}

// sortedDifference returns the members of a that are absent from b, sorted
// for deterministic change ordering.
func sortedDifference(a, b map[string]struct{}) []string {
	var out []string
	for s := range a {
		if _, ok := b[s]; !ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func sortedKeys(maps ...map[string]float64) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, m := range maps {
		for k := range m {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
