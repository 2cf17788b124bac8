package exportrules

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"bilan-carbone/results-engine/internal/emissions"
)

//go:embed data/rules.yaml
var defaultRulesYAML []byte

type rulesFile struct {
	Environment emissions.Environment `yaml:"environment"`
	Exports     map[ExportType][]Rule `yaml:"exports"`
}

// Load parses a rule document; the export type of each rule comes from its section
func Load(data []byte) (*Table, error) {
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse export rules: %w", err)
	}
	if file.Environment == "" {
		return nil, fmt.Errorf("%w: rule document without environment", ErrInvalidRule)
	}

	var rules []Rule
	for export, section := range file.Exports {
		for _, r := range section {
			r.Export = export
			rules = append(rules, r)
		}
	}

	table, err := NewTable(file.Environment, rules)
	if err != nil {
		return nil, fmt.Errorf("failed to build export rules: %w", err)
	}
	return table, nil
}

// LoadFile reads a rule document from disk
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read export rules %q: %w", path, err)
	}
	return Load(data)
}

// Default returns the built-in BEGES and GHGP rules
func Default() (*Table, error) {
	return Load(defaultRulesYAML)
}
