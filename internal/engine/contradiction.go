package engine

import (
	"strings"
)

// ContradictionVerdict is the outcome of the heuristic contradiction check
// between a new memory and one similar existing memory.
type ContradictionVerdict int

const (
	// ContradictionNone means the statements can coexist.
	ContradictionNone ContradictionVerdict = iota

	// ContradictionAmbiguous means the heuristics see tension but cannot
	// decide; the caller confirms with the LLM when one is available.
	ContradictionAmbiguous

	// ContradictionLikely means the statements almost certainly conflict
	// and the new memory should supersede the old.
	ContradictionLikely
)

// negationMarkers flip the polarity of a statement. A marker present in
// exactly one of two otherwise-similar statements is a strong conflict
// signal.
var negationMarkers = []string{
	"not ", "never ", "no longer ", "n't ", "stopped ", "quit ", "gave up ",
}

// antonymPairs are verb/adjective opposites that conflict when applied to
// the same subject and object.
var antonymPairs = [][2]string{
	{"likes", "dislikes"},
	{"likes", "hates"},
	{"loves", "hates"},
	{"enjoys", "avoids"},
	{"always", "never"},
	{"married", "single"},
	{"married", "divorced"},
	{"employed", "unemployed"},
	{"enabled", "disabled"},
	{"allergic", "tolerant"},
	{"prefers", "avoids"},
	{"starts", "stops"},
	{"open", "closed"},
}

// valuePivots split a statement into subject and value. Two statements with
// the same subject but different values for a single-valued pivot conflict:
// "User lives in Berlin" vs "User lives in Paris".
var valuePivots = []string{
	" lives in ", " moved to ", " works at ", " works for ", " is employed at ",
	" is named ", " was born in ", " is ", " are ", " was ", " were ",
}

// DetectContradiction runs the layered heuristics over two statements.
// It compares normalized word sets first; statements with little overlap
// are unrelated regardless of what the later layers would say.
func DetectContradiction(a, b string) ContradictionVerdict {
	na, nb := normalizeStatement(a), normalizeStatement(b)
	if na == nb {
		return ContradictionNone
	}

	overlap := wordOverlap(na, nb)
	if overlap < 0.3 {
		return ContradictionNone
	}

	if negationMismatch(na, nb) {
		return ContradictionLikely
	}
	if antonymConflict(na, nb) {
		return ContradictionLikely
	}

	switch pivotConflict(na, nb) {
	case ContradictionLikely:
		return ContradictionLikely
	case ContradictionAmbiguous:
		return ContradictionAmbiguous
	}

	// heavy overlap with differing remainders is the ambiguous band
	if overlap >= 0.7 {
		return ContradictionAmbiguous
	}
	return ContradictionNone
}

func normalizeStatement(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, ".")
	return s
}

// wordOverlap is the Jaccard index over words longer than one rune.
func wordOverlap(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for w := range setA {
		if setB[w] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, w := range strings.Fields(s) {
		if len([]rune(w)) > 1 {
			set[w] = true
		}
	}
	return set
}

// negationMismatch reports whether exactly one statement carries a negation
// marker. " "-prefixing both sides lets the markers match at position zero.
func negationMismatch(a, b string) bool {
	a, b = " "+a, " "+b
	for _, marker := range negationMarkers {
		inA := strings.Contains(a, marker)
		inB := strings.Contains(b, marker)
		if inA != inB {
			return true
		}
	}
	return false
}

// antonymConflict reports whether the statements use opposite words of a
// known pair.
func antonymConflict(a, b string) bool {
	setA := wordSet(a)
	setB := wordSet(b)
	for _, pair := range antonymPairs {
		if (setA[pair[0]] && setB[pair[1]]) || (setA[pair[1]] && setB[pair[0]]) {
			return true
		}
	}
	return false
}

// pivotConflict looks for a shared single-valued pivot with differing
// values. Specific pivots ("lives in") are checked before the generic verb
// pivots; a generic-pivot hit is only ambiguous because "is" statements
// routinely coexist ("is a doctor" / "is Canadian").
func pivotConflict(a, b string) ContradictionVerdict {
	for i, pivot := range valuePivots {
		ia := strings.Index(a, pivot)
		ib := strings.Index(b, pivot)
		if ia < 0 || ib < 0 {
			continue
		}
		subjectA := strings.TrimSpace(a[:ia])
		subjectB := strings.TrimSpace(b[:ib])
		if subjectA != subjectB {
			continue
		}
		valueA := strings.TrimSpace(a[ia+len(pivot):])
		valueB := strings.TrimSpace(b[ib+len(pivot):])
		if valueA == valueB || valueA == "" || valueB == "" {
			continue
		}
		// the generic verb pivots are the trailing four entries
		if i >= len(valuePivots)-4 {
			return ContradictionAmbiguous
		}
		return ContradictionLikely
	}
	return ContradictionNone
}
