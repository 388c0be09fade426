// Package stabilize turns successive overlapping partial hypotheses into a
// growing committed prefix and an unstable suffix.
package stabilize

import "strings"

// DefaultMaxCheck bounds the overlap search in MergeOverlap.
const DefaultMaxCheck = 50

// SplitWords splits decoder text on whitespace.
func SplitWords(text string) []string {
	return strings.Fields(text)
}

// MergeOverlap splices tail onto committed. It looks for the largest k
// (at most maxCheck) where the last k committed words equal the first k tail
// words and drops that overlap from tail. Without an overlap tail is appended.
func MergeOverlap(committed, tail []string, maxCheck int) []string {
	if len(committed) == 0 {
		return append([]string(nil), tail...)
	}
	if len(tail) == 0 {
		return append([]string(nil), committed...)
	}
	if maxCheck <= 0 {
		maxCheck = DefaultMaxCheck
	}
	maxK := min(len(committed), len(tail), maxCheck)
	out := make([]string, 0, len(committed)+len(tail))
	out = append(out, committed...)
	for k := maxK; k > 0; k-- {
		if equalWords(committed[len(committed)-k:], tail[:k]) {
			return append(out, tail[k:]...)
		}
	}
	return append(out, tail...)
}

// CommonPrefix returns the longest common word prefix of hyps.
func CommonPrefix(hyps [][]string) []string {
	if len(hyps) == 0 {
		return nil
	}
	shortest := len(hyps[0])
	for _, h := range hyps[1:] {
		shortest = min(shortest, len(h))
	}
	n := 0
outer:
	for ; n < shortest; n++ {
		w := hyps[0][n]
		for _, h := range hyps[1:] {
			if h[n] != w {
				break outer
			}
		}
	}
	return append([]string(nil), hyps[0][:n]...)
}

// FormatLine renders a partial caption: stable words followed by the
// bracketed unstable words.
func FormatLine(stable, unstable []string) string {
	s := strings.TrimSpace(strings.Join(stable, " "))
	u := strings.TrimSpace(strings.Join(unstable, " "))
	switch {
	case s != "" && u != "":
		return s + "  [" + u + "]"
	case s != "":
		return s
	case u != "":
		return "[" + u + "]"
	default:
		return ""
	}
}

func equalWords(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Stabilizer holds per-utterance stabilization state. It is owned by a single
// goroutine.
type Stabilizer struct {
	history  int
	maxCheck int

	committed []string
	recent    [][]string
}

// Snapshot is the outcome of one Update.
type Snapshot struct {
	Hypothesis []string
	Committed  []string
	Unstable   []string
}

// Line renders the snapshot with FormatLine.
func (s Snapshot) Line() string {
	return FormatLine(s.Committed, s.Unstable)
}

// New returns a Stabilizer that keeps the last history hypotheses.
func New(history, maxCheck int) *Stabilizer {
	if history < 1 {
		history = 1
	}
	if maxCheck <= 0 {
		maxCheck = DefaultMaxCheck
	}
	return &Stabilizer{history: history, maxCheck: maxCheck}
}

// Update merges a freshly decoded tail into the current hypothesis and
// promotes the words that agree across recent hypotheses.
func (s *Stabilizer) Update(tail []string) Snapshot {
	hyp := MergeOverlap(s.committed, tail, s.maxCheck)

	s.recent = append(s.recent, hyp)
	if len(s.recent) > s.history {
		s.recent = s.recent[len(s.recent)-s.history:]
	}

	// A single decode has nothing to agree with unless history is one.
	stable := s.committed
	switch {
	case len(s.recent) >= 2:
		stable = CommonPrefix(s.recent)
	case s.history == 1:
		stable = hyp
	}

	n := max(len(s.committed), len(stable))
	n = min(n, len(hyp))
	s.committed = append([]string(nil), hyp[:n]...)

	return Snapshot{
		Hypothesis: hyp,
		Committed:  append([]string(nil), s.committed...),
		Unstable:   append([]string(nil), hyp[n:]...),
	}
}

// Committed returns a copy of the committed words.
func (s *Stabilizer) Committed() []string {
	return append([]string(nil), s.committed...)
}

// CommittedTail returns up to n trailing committed words.
func (s *Stabilizer) CommittedTail(n int) []string {
	if n <= 0 {
		return nil
	}
	if n > len(s.committed) {
		n = len(s.committed)
	}
	return append([]string(nil), s.committed[len(s.committed)-n:]...)
}

// Reset clears all utterance state.
func (s *Stabilizer) Reset() {
	s.committed = nil
	s.recent = nil
}
