package reggraph

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Extract maps raw document text to a sequence of typed entity spans.
//
// It is a pure function: deterministic (two calls on identical input yield
// identical output, including ordering and offsets), free of side effects, and
// total - malformed input yields best-effort partial results rather than an
// error, and zero matches is a valid result.
//
// Matching is lexical. Clause-family rules fire independently of each other,
// so a span may be tagged by multiple rule families; duplicates are never
// removed. All offsets are rune indices into the original text.
func Extract(text string) []Entity {
	runes := []rune(text)
	offs := newRuneOffsets(text)

	var ents []Entity
	for _, family := range clauseFamilies {
		for _, r := range family.rules {
			for _, m := range r.re.FindAllStringIndex(text, -1) {
				start, end := offs.rune(m[0]), offs.rune(m[1])
				ents = append(ents, clauseEntity(runes, family.t, start, end, r.confidence))
			}
		}
	}
	ents = append(ents, extractThresholds(text, runes, offs)...)
	ents = append(ents, extractJurisdictions(text, offs)...)
	return ents
}

type rule struct {
	re         *regexp.Regexp
	confidence float64
}

// Rule tables are ordered: the output sequence follows family order, then
// rule order, then match position. Stronger language carries a higher base
// confidence.
var clauseFamilies = []struct {
	t     EntityType
	rules []rule
}{
	{Obligation, []rule{
		{regexp.MustCompile(`(?i)\b(shall|must|required to|obligated to|has to|needs to)\b`), 0.9},
		{regexp.MustCompile(`(?i)\b(should|ought to|expected to)\b`), 0.7},
		{regexp.MustCompile(`(?i)\b(may|might|could)\b`), 0.5},
	}},
	{Prohibition, []rule{
		{regexp.MustCompile(`(?i)\b(shall not|must not|prohibited|forbidden|banned)\b`), 0.95},
		{regexp.MustCompile(`(?i)\b(may not|cannot|not allowed|not permitted)\b`), 0.85},
	}},
	{Incentive, []rule{
		{regexp.MustCompile(`(?i)\b(tax credit|grant|subsidy|rebate|deduction|exemption)\b`), 0.9},
		{regexp.MustCompile(`(?i)\b(incentive|benefit|reward|bonus)\b`), 0.75},
	}},
	{Deadline, []rule{
		{regexp.MustCompile(`(?i)\b(by|before|no later than|within|deadline)\s+\d+\s+(days?|months?|years?)\b`), 0.85},
		{regexp.MustCompile(`(?i)\b(effective\s+date|expiration\s+date|due\s+date)\b`), 0.8},
	}},
	{Penalty, []rule{
		{regexp.MustCompile(`(?i)\b(fine|penalty|sanction|punishment|enforcement)\b`), 0.9},
		{regexp.MustCompile(`(?i)\b(violation|non-compliance|breach)\b`), 0.75},
	}},
}

// clauseEntity widens a rule match to its containing sentence so the emitted
// span reads as a complete regulatory statement. The sentence runs from just
// after the previous period to the next period; with no period ahead, the
// span is capped 200 runes past the match.
func clauseEntity(runes []rune, t EntityType, matchStart, matchEnd int, confidence float64) Entity {
	start := 0
	for i := matchStart - 1; i >= 0; i-- {
		if runes[i] == '.' {
			start = i + 1
			break
		}
	}
	end := -1
	for i := matchEnd; i < len(runes); i++ {
		if runes[i] == '.' {
			end = i
			break
		}
	}
	if end == -1 {
		end = min(len(runes), matchEnd+200)
	}
	return Entity{
		Type:   t,
		Text:   strings.TrimSpace(string(runes[start:end])),
		Start:  start,
		End:    end,
		Clause: &ClauseAttrs{Confidence: confidence},
	}
}

var thresholdPattern = regexp.MustCompile(
	`(?i)(\d+(?:[,.]\d+)*)\s*(%|percent|basis\s+points?|bps|USD|US\$|\$|€|EUR|GBP|£|units?|tons?|kg|mg|ppm|degrees?)`,
)

// Keywords that, when found shortly before a numeric match, indicate the
// number is a binding threshold rather than incidental arithmetic.
var thresholdContextKeywords = []string{"shall", "must", "required", "threshold", "limit"}

// How far back (in runes) to look for obligation-strength keywords when
// scoring a threshold match.
const thresholdContextWindow = 50

func extractThresholds(text string, runes []rune, offs *runeOffsets) []Entity {
	var ents []Entity
	for _, m := range thresholdPattern.FindAllStringSubmatchIndex(text, -1) {
		value, ok := parseThresholdValue(text[m[2]:m[3]])
		if !ok {
			continue
		}
		unit := text[m[4]:m[5]]
		start, end := offs.rune(m[0]), offs.rune(m[1])

		confidence := 0.7
		context := strings.ToLower(string(runes[max(0, start-thresholdContextWindow):end]))
		for _, kw := range thresholdContextKeywords {
			if strings.Contains(context, kw) {
				confidence = 0.9
				break
			}
		}

		ents = append(ents, Entity{
			Type:  Threshold,
			Text:  string(runes[start:end]),
			Start: start,
			End:   end,
			Threshold: &ThresholdAttrs{
				Value:          value,
				Unit:           unit,
				UnitNormalized: NormalizeUnit(unit),
				Confidence:     confidence,
			},
		})
	}
	return ents
}

// parseThresholdValue parses a matched numeric literal as a 64-bit float.
// Commas are treated as group separators and stripped. Literals like "1.2.3"
// survive the pattern but are not numbers, so parsing may still fail.
func parseThresholdValue(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

var unitNormalization = map[string]string{
	"%":            "percent",
	"percent":      "percent",
	"basis points": "basis_points",
	"basis point":  "basis_points",
	"bps":          "basis_points",
	"usd":          "USD",
	"us$":          "USD",
	"$":            "USD",
	"€":            "EUR",
	"eur":          "EUR",
	"£":            "GBP",
	"gbp":          "GBP",
	"units":        "units",
	"unit":         "units",
	"tons":         "tons",
	"ton":          "tons",
	"kg":           "kg",
	"mg":           "mg",
	"ppm":          "ppm",
	"degrees":      "degrees",
	"degree":       "degrees",
}

var spaceRun = regexp.MustCompile(`\s+`)

// NormalizeUnit maps a matched unit token to its canonical form via a fixed
// lookup table. Unknown units pass through lowercased so downstream keys stay
// comparable.
func NormalizeUnit(unit string) string {
	key := spaceRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(unit)), " ")
	if n, ok := unitNormalization[key]; ok {
		return n
	}
	return key
}

// The jurisdiction gazetteer maps name/alias patterns to canonical names.
// Matching is case-insensitive; the emitted attribute always carries the
// canonical name, never the alias that happened to match.
var jurisdictionGazetteer = []struct {
	re         *regexp.Regexp
	name       string
	confidence float64
}{
	{regexp.MustCompile(`(?i)\b(United\s+States?|U\.?S\.?A?\.?)\b`), "US", 0.95},
	{regexp.MustCompile(`(?i)\b(European\s+Union|E\.?U\.?)\b`), "EU", 0.95},
	{regexp.MustCompile(`(?i)\b(United\s+Kingdom|U\.?K\.?)\b`), "UK", 0.95},
	{regexp.MustCompile(`(?i)\b(California|CA)\b`), "California", 0.9},
	{regexp.MustCompile(`(?i)\b(New\s+York|NY)\b`), "New York", 0.9},
	{regexp.MustCompile(`(?i)\b(Texas|TX)\b`), "Texas", 0.9},
	{regexp.MustCompile(`(?i)\b(Florida|FL)\b`), "Florida", 0.9},
}

func extractJurisdictions(text string, offs *runeOffsets) []Entity {
	var ents []Entity
	for _, g := range jurisdictionGazetteer {
		for _, m := range g.re.FindAllStringIndex(text, -1) {
			ents = append(ents, Entity{
				Type:         Jurisdiction,
				Text:         text[m[0]:m[1]],
				Start:        offs.rune(m[0]),
				End:          offs.rune(m[1]),
				Jurisdiction: &JurisdictionAttrs{Name: g.name, Confidence: g.confidence},
			})
		}
	}
	return ents
}

// runeOffsets converts the byte offsets reported by regexp matches into rune
// offsets, which is the unit of the entity model (a span must mean the same
// thing regardless of how the text is encoded).
type runeOffsets struct {
	// byteAt[i] is the byte offset where rune i starts; a final sentinel entry
	// holds len(text) so the end of the last match converts too.
	byteAt []int
}

func newRuneOffsets(s string) *runeOffsets {
	byteAt := make([]int, 0, len(s)+1)
	for i := range s {
		byteAt = append(byteAt, i)
	}
	byteAt = append(byteAt, len(s))
	return &runeOffsets{byteAt: byteAt}
}

func (r *runeOffsets) rune(byteOff int) int {
	return sort.SearchInts(r.byteAt, byteOff)
}
