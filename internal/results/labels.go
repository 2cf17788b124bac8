package results

import (
	"sort"

	"golang.org/x/text/collate"
)

// sortByLabel orders nodes by display label using the engine locale, then by key.
// A collator is not safe for concurrent use, so each call builds its own.
func (e *Engine) sortByLabel(nodes []ResultNode) {
	collator := collate.New(e.locale)

	labels := make(map[string]string, len(nodes))
	for _, n := range nodes {
		labels[n.Category] = e.label(n.Category)
	}

	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i].Category, nodes[j].Category
		if c := collator.CompareString(labels[a], labels[b]); c != 0 {
			return c < 0
		}
		return a < b
	})
}
