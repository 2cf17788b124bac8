package taxonomy

import (
	"fmt"

	"bilan-carbone/results-engine/internal/emissions"
)

// Mapping translates the subcategories of one environment into another
type Mapping struct {
	From     emissions.Environment                   `yaml:"from" json:"from"`
	To       emissions.Environment                   `yaml:"to" json:"to"`
	SubPosts map[emissions.SubPost]emissions.SubPost `yaml:"sub_posts" json:"sub_posts"`
}

type envPair struct {
	from emissions.Environment
	to   emissions.Environment
}

// CrossMap is the partial function (source env, target env, sub post) -> sub post.
// Each source subcategory has at most one target, so every source lands in exactly one bucket.
type CrossMap struct {
	mappings map[envPair]map[emissions.SubPost]emissions.SubPost
}

// NewCrossMap builds a cross map from mappings; a pair may only be declared once
func NewCrossMap(mappings []Mapping) (*CrossMap, error) {
	c := &CrossMap{mappings: make(map[envPair]map[emissions.SubPost]emissions.SubPost, len(mappings))}
	for _, m := range mappings {
		if m.From == m.To {
			return nil, fmt.Errorf("mapping %s -> %s: identity mappings are implicit", m.From, m.To)
		}
		key := envPair{from: m.From, to: m.To}
		if _, exists := c.mappings[key]; exists {
			return nil, fmt.Errorf("mapping %s -> %s declared twice", m.From, m.To)
		}
		table := make(map[emissions.SubPost]emissions.SubPost, len(m.SubPosts))
		for from, to := range m.SubPosts {
			if to == "" {
				return nil, fmt.Errorf("mapping %s -> %s: empty target for %s", m.From, m.To, from)
			}
			table[from] = to
		}
		c.mappings[key] = table
	}
	return c, nil
}

// TranslateSubcategory returns the equivalent subcategory in the target environment.
// It is the identity when both environments match, and reports false when the
// environments are unrelated or no equivalent exists.
func (c *CrossMap) TranslateSubcategory(sourceEnv, targetEnv emissions.Environment, subPost emissions.SubPost) (emissions.SubPost, bool) {
	if sourceEnv == targetEnv {
		return subPost, true
	}
	if c == nil {
		return "", false
	}
	table, ok := c.mappings[envPair{from: sourceEnv, to: targetEnv}]
	if !ok {
		return "", false
	}
	target, ok := table[subPost]
	return target, ok
}
