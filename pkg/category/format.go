package category

import (
	"fmt"
	"sort"
	"strings"
)

// FormatListing renders a GetCategories result as the pre-formatted
// listing spec.md §4.6.3 expects in the categorization prompt context:
// one line per main_category, followed by its sub_categories, sorted
// for deterministic output across otherwise-equal calls.
func FormatListing(categories map[string][]string) string {
	if len(categories) == 0 {
		return "(no existing categories)"
	}

	mains := make([]string, 0, len(categories))
	for main := range categories {
		mains = append(mains, main)
	}
	sort.Strings(mains)

	var b strings.Builder
	for _, main := range mains {
		subs := categories[main]
		fmt.Fprintf(&b, "- %s: %s\n", main, strings.Join(subs, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}
