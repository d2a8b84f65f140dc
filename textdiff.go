package reggraph

// This file implements the matching-subsequence alignment the diff engine is
// built on: a similarity ratio over two rune sequences, and an edit script of
// contiguous equal/replace/delete/insert blocks.
//
// The algorithm recursively picks the longest contiguous matching block and
// aligns the regions to its left and right, which favours "intuitive" matches
// over minimal edit distance. Ties break on the earliest block in the first
// sequence, keeping the output deterministic.

type opTag string

const (
	opEqual   opTag = "equal"
	opDelete  opTag = "delete"
	opInsert  opTag = "insert"
	opReplace opTag = "replace"
)

// An opcode describes how a[I1:I2] relates to b[J1:J2].
type opcode struct {
	Tag    opTag
	I1, I2 int
	J1, J2 int
}

type matchBlock struct {
	a, b, size int
}

type sequenceMatcher struct {
	a, b []rune
	// b2j maps each rune to the positions where it occurs in b, so candidate
	// matches extend in amortised constant time per element of a.
	b2j map[rune][]int
}

func newSequenceMatcher(a, b []rune) *sequenceMatcher {
	m := &sequenceMatcher{a: a, b: b, b2j: make(map[rune][]int)}
	for j, c := range b {
		m.b2j[c] = append(m.b2j[c], j)
	}
	return m
}

// ratio returns 2*M/T where M is the total size of the matching blocks and T
// the combined length of both sequences. Two empty sequences are identical by
// convention (ratio 1).
func (m *sequenceMatcher) ratio() float64 {
	total := len(m.a) + len(m.b)
	if total == 0 {
		return 1
	}
	matched := 0
	for _, bl := range m.matchingBlocks() {
		matched += bl.size
	}
	return 2 * float64(matched) / float64(total)
}

// findLongestMatch returns the longest matching block within a[alo:ahi] and
// b[blo:bhi]. Of all maximal blocks, it prefers the one starting earliest in
// a, then earliest in b.
func (m *sequenceMatcher) findLongestMatch(alo, ahi, blo, bhi int) matchBlock {
	best := matchBlock{a: alo, b: blo}
	// j2len[j] holds the length of the longest match ending at a[i-1], b[j-1]
	// from the previous row of the implicit DP table.
	j2len := make(map[int]int)
	for i := alo; i < ahi; i++ {
		next := make(map[int]int)
		for _, j := range m.b2j[m.a[i]] {
			if j < blo {
				continue
			}
			if j >= bhi {
				break
			}
			k := j2len[j-1] + 1
			next[j] = k
			if k > best.size {
				best = matchBlock{a: i - k + 1, b: j - k + 1, size: k}
			}
		}
		j2len = next
	}
	return best
}

// matchingBlocks returns the non-adjacent matching blocks, sorted by position,
// terminated by a zero-size sentinel at (len(a), len(b)).
func (m *sequenceMatcher) matchingBlocks() []matchBlock {
	type region struct{ alo, ahi, blo, bhi int }
	queue := []region{{0, len(m.a), 0, len(m.b)}}

	var blocks []matchBlock
	for len(queue) > 0 {
		r := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		bl := m.findLongestMatch(r.alo, r.ahi, r.blo, r.bhi)
		if bl.size == 0 {
			continue
		}
		blocks = append(blocks, bl)
		if r.alo < bl.a && r.blo < bl.b {
			queue = append(queue, region{r.alo, bl.a, r.blo, bl.b})
		}
		if bl.a+bl.size < r.ahi && bl.b+bl.size < r.bhi {
			queue = append(queue, region{bl.a + bl.size, r.ahi, bl.b + bl.size, r.bhi})
		}
	}

	// The queue yields blocks out of order; sort, then coalesce adjacent ones
	// so callers see maximal contiguous runs.
	sortBlocks(blocks)
	merged := blocks[:0]
	for _, bl := range blocks {
		if n := len(merged); n > 0 {
			prev := &merged[n-1]
			if prev.a+prev.size == bl.a && prev.b+prev.size == bl.b {
				prev.size += bl.size
				continue
			}
		}
		merged = append(merged, bl)
	}
	return append(merged, matchBlock{a: len(m.a), b: len(m.b)})
}

func sortBlocks(blocks []matchBlock) {
	// Blocks never overlap, so ordering by the a-coordinate is total.
	for i := 1; i < len(blocks); i++ {
		for j := i; j > 0 && blocks[j].a < blocks[j-1].a; j-- {
			blocks[j], blocks[j-1] = blocks[j-1], blocks[j]
		}
	}
}

// opcodes returns the edit script transforming a into b as a sequence of
// contiguous blocks covering both sequences end to end.
func (m *sequenceMatcher) opcodes() []opcode {
	var ops []opcode
	i, j := 0, 0
	for _, bl := range m.matchingBlocks() {
		tag := opTag("")
		switch {
		case i < bl.a && j < bl.b:
			tag = opReplace
		case i < bl.a:
			tag = opDelete
		case j < bl.b:
			tag = opInsert
		}
		if tag != "" {
			ops = append(ops, opcode{Tag: tag, I1: i, I2: bl.a, J1: j, J2: bl.b})
		}
		i, j = bl.a+bl.size, bl.b+bl.size
		if bl.size > 0 {
			ops = append(ops, opcode{Tag: opEqual, I1: bl.a, I2: i, J1: bl.b, J2: j})
		}
	}
	return ops
}

// similarityRatio is a convenience wrapper for one-shot string comparisons.
func similarityRatio(a, b string) float64 {
	return newSequenceMatcher([]rune(a), []rune(b)).ratio()
}
