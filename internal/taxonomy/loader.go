package taxonomy

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"bilan-carbone/results-engine/internal/emissions"
)

//go:embed data/taxonomy.yaml
var defaultTaxonomyYAML []byte

//go:embed data/crossmap.yaml
var defaultCrossMapYAML []byte

//go:embed data/labels_fr.yaml
var defaultLabelsYAML []byte

type taxonomyFile struct {
	Environments []struct {
		Environment emissions.Environment `yaml:"environment"`
		Categories  []Category            `yaml:"categories"`
	} `yaml:"environments"`
}

type crossMapFile struct {
	Mappings []Mapping `yaml:"mappings"`
}

// LoadRegistry parses a taxonomy document holding every environment
func LoadRegistry(data []byte) (*Registry, error) {
	var file taxonomyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse taxonomy: %w", err)
	}

	taxonomies := make([]*Taxonomy, 0, len(file.Environments))
	for _, env := range file.Environments {
		t, err := NewTaxonomy(env.Environment, env.Categories)
		if err != nil {
			return nil, fmt.Errorf("failed to build taxonomy: %w", err)
		}
		taxonomies = append(taxonomies, t)
	}

	return NewRegistry(taxonomies...)
}

// LoadRegistryFile reads a taxonomy document from disk
func LoadRegistryFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read taxonomy %q: %w", path, err)
	}
	return LoadRegistry(data)
}

// DefaultRegistry returns the built-in taxonomies
func DefaultRegistry() (*Registry, error) {
	return LoadRegistry(defaultTaxonomyYAML)
}

// LoadCrossMap parses an environment cross-mapping document
func LoadCrossMap(data []byte) (*CrossMap, error) {
	var file crossMapFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse cross map: %w", err)
	}
	return NewCrossMap(file.Mappings)
}

// LoadCrossMapFile reads a cross-mapping document from disk
func LoadCrossMapFile(path string) (*CrossMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cross map %q: %w", path, err)
	}
	return LoadCrossMap(data)
}

// DefaultCrossMap returns the built-in cross-environment mappings
func DefaultCrossMap() (*CrossMap, error) {
	return LoadCrossMap(defaultCrossMapYAML)
}

// Labels maps post and sub post keys to display labels
type Labels map[string]string

// Label returns the display label of a key, the key itself when unknown
func (l Labels) Label(key string) string {
	if label, ok := l[key]; ok && label != "" {
		return label
	}
	return key
}

// LoadLabels parses a key to label document
func LoadLabels(data []byte) (Labels, error) {
	labels := make(Labels)
	if err := yaml.Unmarshal(data, &labels); err != nil {
		return nil, fmt.Errorf("failed to parse labels: %w", err)
	}
	return labels, nil
}

// LoadLabelsFile reads a labels document from disk
func LoadLabelsFile(path string) (Labels, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read labels %q: %w", path, err)
	}
	return LoadLabels(data)
}

// DefaultLabels returns the built-in French labels
func DefaultLabels() (Labels, error) {
	return LoadLabels(defaultLabelsYAML)
}
