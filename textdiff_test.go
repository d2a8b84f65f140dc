package reggraph

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSimilarityRatio(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "abc", "abc", 1},
		{"both empty", "", "", 1},
		{"disjoint", "abc", "xyz", 0},
		// 3 matching runes out of 8 total: 2*3/8.
		{"partial", "abcd", "bcde", 0.75},
		{"one empty", "abc", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := similarityRatio(tt.a, tt.b); got != tt.want {
				t.Errorf("similarityRatio(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestSimilarityRatioSymmetricBounds(t *testing.T) {
	const a = "Operators shall maintain records for five years."
	const b = "Operators shall maintain records for seven years."

	r := similarityRatio(a, b)
	if r <= 0.7 || r >= 1 {
		t.Errorf("similarityRatio() = %v, want strictly between 0.7 and 1 for a near-identical sentence", r)
	}
}

func TestOpcodes(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want []opcode
	}{
		{
			name: "identical",
			a:    "abc",
			b:    "abc",
			want: []opcode{{Tag: opEqual, I1: 0, I2: 3, J1: 0, J2: 3}},
		},
		{
			name: "trailing replace",
			a:    "abc",
			b:    "abd",
			want: []opcode{
				{Tag: opEqual, I1: 0, I2: 2, J1: 0, J2: 2},
				{Tag: opReplace, I1: 2, I2: 3, J1: 2, J2: 3},
			},
		},
		{
			name: "pure insert",
			a:    "",
			b:    "abc",
			want: []opcode{{Tag: opInsert, I1: 0, I2: 0, J1: 0, J2: 3}},
		},
		{
			name: "pure delete",
			a:    "abc",
			b:    "",
			want: []opcode{{Tag: opDelete, I1: 0, I2: 3, J1: 0, J2: 0}},
		},
		{
			name: "middle insert",
			a:    "ac",
			b:    "abc",
			want: []opcode{
				{Tag: opEqual, I1: 0, I2: 1, J1: 0, J2: 1},
				{Tag: opInsert, I1: 1, I2: 1, J1: 1, J2: 2},
				{Tag: opEqual, I1: 1, I2: 2, J1: 2, J2: 3},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newSequenceMatcher([]rune(tt.a), []rune(tt.b))
			got := m.opcodes()
			opts := cmp.AllowUnexported(opcode{})
			if diff := cmp.Diff(tt.want, got, opts); diff != "" {
				t.Errorf("opcodes(%q, %q) mismatch (-want +got)\n%v", tt.a, tt.b, diff)
			}
		})
	}
}

func TestMatchingBlocksCoalesce(t *testing.T) {
	// The two halves of "abcd" are found as separate blocks by the recursive
	// split and must come back as one contiguous run plus the sentinel.
	m := newSequenceMatcher([]rune("abcd"), []rune("abcd"))
	got := m.matchingBlocks()
	want := []matchBlock{{a: 0, b: 0, size: 4}, {a: 4, b: 4, size: 0}}
	opts := cmp.AllowUnexported(matchBlock{})
	if diff := cmp.Diff(want, got, opts); diff != "" {
		t.Errorf("matchingBlocks() mismatch (-want +got)\n%v", diff)
	}
}
