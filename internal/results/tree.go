package results

import (
	"fmt"

	"go.uber.org/zap"

	"bilan-carbone/results-engine/internal/emissions"
	"bilan-carbone/results-engine/internal/quality"
	"bilan-carbone/results-engine/internal/uncertainty"
)

// ResultNode is a post or sub post total. Value equals the sum of the
// children values; Uncertainty is a multiplicative factor, nil when nothing
// contributes to it.
type ResultNode struct {
	Category    string       `json:"category"`
	Value       float64      `json:"value"`
	Uncertainty *float64     `json:"uncertainty,omitempty"`
	Children    []ResultNode `json:"children,omitempty"`
}

// QualityBucket returns the display bucket of the node uncertainty
func (n ResultNode) QualityBucket() quality.QualityBucket {
	return quality.BucketForFactor(n.Uncertainty)
}

// SourceResult is the contribution of a single source
type SourceResult struct {
	Value       float64               `json:"value"`
	Uncertainty *float64              `json:"uncertainty,omitempty"`
	Bucket      quality.QualityBucket `json:"bucket"`
}

// ComputeSourceResult returns the value, uncertainty factor and quality bucket of a source
func ComputeSourceResult(s *emissions.EmissionSource) SourceResult {
	result := SourceResult{Value: s.Emission()}

	relative, ok := quality.ComputeRelativeUncertainty(s.Quality, s.EmissionFactor)
	if !ok {
		return result
	}
	factor := quality.ToFactor(relative)
	result.Uncertainty = &factor
	result.Bucket = quality.ComputeQualityBucket(&relative)
	return result
}

// sourceChild turns a source into a weighted child, false when it has no factor
func sourceChild(s *emissions.EmissionSource) (uncertainty.Child, bool) {
	if s.EmissionFactor == nil {
		return uncertainty.Child{}, false
	}
	r := ComputeSourceResult(s)
	return uncertainty.Child{Value: r.Value, Uncertainty: r.Uncertainty}, true
}

// BuildResultTree aggregates sources into the post -> sub post tree of an environment.
// Sources with an unknown sub post are logged and excluded. Zero-value sub posts
// and posts left without sub posts are omitted.
func (e *Engine) BuildResultTree(sources []emissions.EmissionSource, filters Filters, environment emissions.Environment) ([]ResultNode, error) {
	tax, err := e.tables.Taxonomies.Get(environment)
	if err != nil {
		return nil, fmt.Errorf("failed to build result tree: %w", err)
	}

	bySubPost := make(map[emissions.SubPost][]*emissions.EmissionSource)
	for i := range sources {
		s := &sources[i]
		if !filters.Matches(s) {
			continue
		}

		subPost, ok := e.resolveSubPost(s, environment, environment, filters.Consolidate)
		if !ok {
			continue
		}
		if !tax.Contains(subPost) {
			e.logger.Warn("Unknown sub post, source excluded from results",
				zap.Stringer("source_id", s.ID),
				zap.String("sub_post", string(subPost)),
				zap.String("environment", string(environment)))
			continue
		}
		bySubPost[subPost] = append(bySubPost[subPost], s)
	}

	tree := make([]ResultNode, 0)
	for _, category := range tax.Categories() {
		children := make([]ResultNode, 0, len(category.SubPosts))
		for _, subPost := range category.SubPosts {
			leaf := buildLeaf(string(subPost), bySubPost[subPost])
			if leaf.Value == 0 {
				continue
			}
			children = append(children, leaf)
		}
		if len(children) == 0 {
			continue
		}

		e.sortByLabel(children)
		tree = append(tree, parentNode(string(category.Post), children))
	}

	e.sortByLabel(tree)
	return tree, nil
}

// buildLeaf sums the sources of a sub post and combines their uncertainties
func buildLeaf(key string, sources []*emissions.EmissionSource) ResultNode {
	node := ResultNode{Category: key}
	children := make([]uncertainty.Child, 0, len(sources))
	for _, s := range sources {
		child, ok := sourceChild(s)
		if !ok {
			continue
		}
		node.Value += child.Value
		children = append(children, child)
	}
	node.Uncertainty = uncertainty.CombinePtr(children)
	return node
}

// parentNode builds a node whose value and uncertainty derive from its children
func parentNode(key string, children []ResultNode) ResultNode {
	node := ResultNode{Category: key, Children: children}
	weighted := make([]uncertainty.Child, len(children))
	for i, c := range children {
		node.Value += c.Value
		weighted[i] = uncertainty.Child{Value: c.Value, Uncertainty: c.Uncertainty}
	}
	node.Uncertainty = uncertainty.CombinePtr(weighted)
	return node
}

// TotalNode returns a synthetic node holding the grand total of a tree
func TotalNode(tree []ResultNode) ResultNode {
	total := parentNode("total", tree)
	total.Children = nil
	return total
}
