package taxonomy

import (
	"errors"
	"fmt"
	"sort"

	"bilan-carbone/results-engine/internal/emissions"
)

// ErrUnknownEnvironment is returned when no taxonomy is registered for an environment
var ErrUnknownEnvironment = errors.New("unknown environment")

// Category is a post with its ordered subcategories
type Category struct {
	Post     emissions.Post      `yaml:"post" json:"post"`
	SubPosts []emissions.SubPost `yaml:"sub_posts" json:"sub_posts"`
}

// Taxonomy is the two-level category tree of one environment.
// It is immutable once built.
type Taxonomy struct {
	environment emissions.Environment
	categories  []Category
	postOf      map[emissions.SubPost]emissions.Post
}

// NewTaxonomy builds a taxonomy, checking that every subcategory belongs to exactly one category
func NewTaxonomy(env emissions.Environment, categories []Category) (*Taxonomy, error) {
	t := &Taxonomy{
		environment: env,
		categories:  make([]Category, 0, len(categories)),
		postOf:      make(map[emissions.SubPost]emissions.Post),
	}

	seenPosts := make(map[emissions.Post]bool, len(categories))
	for _, c := range categories {
		if c.Post == "" {
			return nil, fmt.Errorf("environment %s: category without post", env)
		}
		if seenPosts[c.Post] {
			return nil, fmt.Errorf("environment %s: duplicate post %s", env, c.Post)
		}
		seenPosts[c.Post] = true

		subPosts := make([]emissions.SubPost, len(c.SubPosts))
		copy(subPosts, c.SubPosts)
		for _, sp := range subPosts {
			if owner, ok := t.postOf[sp]; ok {
				return nil, fmt.Errorf("environment %s: sub post %s belongs to both %s and %s", env, sp, owner, c.Post)
			}
			t.postOf[sp] = c.Post
		}
		t.categories = append(t.categories, Category{Post: c.Post, SubPosts: subPosts})
	}

	return t, nil
}

// Environment returns the environment this taxonomy describes
func (t *Taxonomy) Environment() emissions.Environment {
	return t.environment
}

// Categories returns a copy of the ordered categories
func (t *Taxonomy) Categories() []Category {
	out := make([]Category, len(t.categories))
	for i, c := range t.categories {
		out[i] = Category{Post: c.Post, SubPosts: append([]emissions.SubPost(nil), c.SubPosts...)}
	}
	return out
}

// PostOf returns the category owning a subcategory
func (t *Taxonomy) PostOf(subPost emissions.SubPost) (emissions.Post, bool) {
	post, ok := t.postOf[subPost]
	return post, ok
}

// Contains reports whether the subcategory is part of this taxonomy
func (t *Taxonomy) Contains(subPost emissions.SubPost) bool {
	_, ok := t.postOf[subPost]
	return ok
}

// Registry holds the taxonomy of every known environment
type Registry struct {
	taxonomies map[emissions.Environment]*Taxonomy
}

// NewRegistry creates a registry from taxonomies, rejecting duplicates
func NewRegistry(taxonomies ...*Taxonomy) (*Registry, error) {
	r := &Registry{taxonomies: make(map[emissions.Environment]*Taxonomy, len(taxonomies))}
	for _, t := range taxonomies {
		if _, exists := r.taxonomies[t.environment]; exists {
			return nil, fmt.Errorf("duplicate taxonomy for environment %s", t.environment)
		}
		r.taxonomies[t.environment] = t
	}
	return r, nil
}

// Get returns the taxonomy of an environment
func (r *Registry) Get(env emissions.Environment) (*Taxonomy, error) {
	t, ok := r.taxonomies[env]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEnvironment, env)
	}
	return t, nil
}

// Environments returns the registered environments in lexical order
func (r *Registry) Environments() []emissions.Environment {
	envs := make([]emissions.Environment, 0, len(r.taxonomies))
	for env := range r.taxonomies {
		envs = append(envs, env)
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i] < envs[j] })
	return envs
}
