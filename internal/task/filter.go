package task

import (
	"slices"
	"strconv"

	"repair-bench/internal/benchmark"
	"repair-bench/internal/config"
)

// Filter selects experiment items. All predicates must hold; a zero-valued
// predicate never restricts.
type Filter struct {
	BugIDs      []string
	BugIndices  []int
	SkipIndices []string
	Subject     string
	StartIndex  int
	EndIndex    int
}

func FilterFromSettings(f config.FilterSettings) Filter {
	return Filter{
		BugIDs:      slices.Clone(f.BugIDs),
		BugIndices:  slices.Clone(f.BugIndices),
		SkipIndices: slices.Clone(f.SkipIndices),
		Subject:     f.Subject,
		StartIndex:  f.StartIndex,
		EndIndex:    f.EndIndex,
	}
}

// Apply returns the items passing the filter, in their original order. The
// bug index of an item is its ID, which benchmark.NewCatalog pins to the
// 1-based position in the full benchmark, so applying a filter to its own
// output selects the same items. The scan stops at the first
// otherwise-selected item past EndIndex.
func (f Filter) Apply(items []benchmark.ExperimentItem) []benchmark.ExperimentItem {
	out := make([]benchmark.ExperimentItem, 0, len(items))
	for _, item := range items {
		bugIndex := item.ID
		if len(f.BugIDs) > 0 && !slices.Contains(f.BugIDs, item.BugID) {
			continue
		}
		if len(f.BugIndices) > 0 && !slices.Contains(f.BugIndices, bugIndex) {
			continue
		}
		if len(f.SkipIndices) > 0 && slices.Contains(f.SkipIndices, strconv.Itoa(bugIndex)) {
			continue
		}
		if f.StartIndex != 0 && bugIndex < f.StartIndex {
			continue
		}
		if f.Subject != "" && f.Subject != item.Subject {
			continue
		}
		if f.EndIndex != 0 && bugIndex > f.EndIndex {
			break
		}
		out = append(out, item)
	}
	return out
}
