package rollparser

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultColumnThresholds are the character offsets separating the three
// printed columns of the reference roll layout.
var DefaultColumnThresholds = []int{40, 90}

// fragmentSeparator splits a line on pipes picked up from grid lines or on
// runs of two or more spaces.
var fragmentSeparator = regexp.MustCompile(`\||\s{2,}`)

// ColumnLayout maps a fragment's character offset to a column bucket.
// N thresholds describe N+1 buckets.
type ColumnLayout struct {
	Thresholds []int
}

// DefaultColumnLayout returns the 3-column layout with thresholds 40 and 90.
func DefaultColumnLayout() ColumnLayout {
	return ColumnLayout{Thresholds: append([]int(nil), DefaultColumnThresholds...)}
}

// Buckets returns the number of column buckets in the layout.
func (l ColumnLayout) Buckets() int {
	return len(l.Thresholds) + 1
}

// Validate checks that thresholds are positive and strictly increasing.
func (l ColumnLayout) Validate() error {
	prev := 0
	for i, t := range l.Thresholds {
		if t <= prev {
			return fmt.Errorf("column threshold %d (%d) must be greater than %d", i, t, prev)
		}
		prev = t
	}
	return nil
}

// Bucket returns the column index for a character offset.
func (l ColumnLayout) Bucket(offset int) int {
	for i, t := range l.Thresholds {
		if offset < t {
			return i
		}
	}
	return len(l.Thresholds)
}

// SplitFragments splits a line into candidate column fragments, dropping
// fragments whose trimmed length is one character or less. Kept fragments
// are returned untrimmed.
func SplitFragments(line string) []string {
	parts := fragmentSeparator.Split(line, -1)
	fragments := make([]string, 0, len(parts))
	for _, p := range parts {
		if utf8.RuneCountInString(strings.TrimSpace(p)) > 1 {
			fragments = append(fragments, p)
		}
	}
	return fragments
}

// Assign routes the fragments of one line into buckets. A line with exactly
// as many fragments as buckets is routed positionally; anything else is
// routed by each fragment's character offset within the line.
func (l ColumnLayout) Assign(line string, buckets [][]string) {
	fragments := SplitFragments(line)
	if len(fragments) == 0 {
		return
	}

	if len(fragments) == l.Buckets() {
		for i, f := range fragments {
			buckets[i] = append(buckets[i], f)
		}
		return
	}

	searchFrom := 0
	for _, f := range fragments {
		byteIdx := strings.Index(line[searchFrom:], f)
		if byteIdx < 0 {
			// Split output always occurs in the line; keep the fragment in
			// the first column rather than losing it.
			buckets[0] = append(buckets[0], f)
			continue
		}
		byteIdx += searchFrom
		offset := utf8.RuneCountInString(line[:byteIdx])
		searchFrom = byteIdx + len(f)

		b := l.Bucket(offset)
		buckets[b] = append(buckets[b], f)
	}
}
