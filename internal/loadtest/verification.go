package loadtest

import (
	"fmt"
	"math"
	"slices"
)

// sumTolerance bounds rounding drift per response: averages come back rounded
// to two decimals, so avg*count may be off by up to 0.005*count.
const sumTolerance = 0.005

// Verify compares before and after snapshots against the expected deltas and
// returns one message per mismatch.
func Verify(before, after []Snapshot, expected Expected) []string {
	prev := make(map[string]Snapshot, len(before))
	for _, s := range before {
		prev[s.ID] = s
	}
	next := make(map[string]Snapshot, len(after))
	for _, s := range after {
		next[s.ID] = s
	}

	ids := make([]string, 0, len(expected))
	for id := range expected {
		ids = append(ids, id)
	}
	for id := range next {
		if _, ok := expected[id]; !ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	var problems []string
	for _, id := range ids {
		want := expected[id]
		b, a := prev[id], next[id]
		if got := a.TotalResponses - b.TotalResponses; got != want.Count {
			problems = append(problems, fmt.Sprintf("%s: count grew by %d, want %d", id, got, want.Count))
			continue
		}
		sumBefore := b.AveragePercentage * float64(b.TotalResponses)
		sumAfter := a.AveragePercentage * float64(a.TotalResponses)
		tol := sumTolerance * float64(a.TotalResponses+b.TotalResponses)
		if diff := math.Abs(sumAfter - (sumBefore + float64(want.Sum))); diff > tol+1e-9 {
			problems = append(problems, fmt.Sprintf("%s: sum off by %.3f (tolerance %.3f)", id, diff, tol))
		}
	}
	return problems
}
