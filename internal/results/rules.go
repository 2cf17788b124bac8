package results

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"bilan-carbone/results-engine/internal/emissions"
	"bilan-carbone/results-engine/internal/exportrules"
	"bilan-carbone/results-engine/internal/uncertainty"
)

// RuleResultNode is the gas breakdown of one rule code. Gas columns are plain
// masses (no warming potential applied); Total is the sum of the factors'
// CO2e totals and is kept as is even when it differs from the gas columns.
type RuleResultNode struct {
	RuleCode    string   `json:"rule_code"`
	Co2         float64  `json:"co2"`
	Ch4f        float64  `json:"ch4f"`
	Ch4b        float64  `json:"ch4b"`
	N2o         float64  `json:"n2o"`
	Other       float64  `json:"other"`
	Co2Biogenic float64  `json:"co2_biogenic"`
	Total       float64  `json:"total"`
	Uncertainty *float64 `json:"uncertainty,omitempty"`
	SourceCount int      `json:"source_count"`
}

// Ch4 returns fossil and biogenic methane merged, for standards disclosing a single figure
func (n RuleResultNode) Ch4() float64 {
	return n.Ch4f + n.Ch4b
}

// IsDerived reports whether the row is a computed subtotal or the grand total
func (n RuleResultNode) IsDerived() bool {
	return exportrules.IsDerived(n.RuleCode)
}

func (n *RuleResultNode) addSource(s *emissions.EmissionSource) {
	activity := s.Activity()
	gases := s.EmissionFactor.Gases
	n.Co2 += activity * gases.Co2f
	n.Ch4f += activity * gases.Ch4f
	n.Ch4b += activity * gases.Ch4b
	n.N2o += activity * gases.N2o
	n.Other += activity * (gases.OtherGES + gases.Sf6 + gases.Hfc + gases.Pfc)
	n.Co2Biogenic += activity * gases.Co2b
	n.Total += s.Emission()
	n.SourceCount++
}

func (n *RuleResultNode) addRow(row RuleResultNode) {
	n.Co2 += row.Co2
	n.Ch4f += row.Ch4f
	n.Ch4b += row.Ch4b
	n.N2o += row.N2o
	n.Other += row.Other
	n.Co2Biogenic += row.Co2Biogenic
	n.Total += row.Total
	n.SourceCount += row.SourceCount
}

type ruleAccumulator struct {
	node     RuleResultNode
	children []uncertainty.Child
}

func (a *ruleAccumulator) finish() RuleResultNode {
	node := a.node
	node.Uncertainty = uncertainty.CombinePtr(a.children)
	return node
}

// BuildRuleResultTree aggregates sources by the rule codes of an export standard.
// Sources without a rule are left out. Every ancestor prefix of a leaf code gets
// a "<prefix>.total" row and the "total" row sums every leaf, whatever the table says.
// Sources without environment are read as recorded in studyEnv; an empty studyEnv
// means the environment of the rule table.
func (e *Engine) BuildRuleResultTree(sources []emissions.EmissionSource, studyEnv emissions.Environment, exportType exportrules.ExportType, filters Filters) ([]RuleResultNode, error) {
	rules := e.tables.Rules
	if rules == nil || !rules.HasExport(exportType) {
		return nil, fmt.Errorf("failed to build rule tree: %w: %s", exportrules.ErrUnknownExport, exportType)
	}
	if studyEnv == "" {
		studyEnv = rules.Environment()
	}
	if _, err := e.tables.Taxonomies.Get(studyEnv); err != nil {
		return nil, fmt.Errorf("failed to build rule tree: %w", err)
	}

	leaves := make(map[string]*ruleAccumulator)
	for i := range sources {
		s := &sources[i]
		if !filters.Matches(s) || s.EmissionFactor == nil {
			continue
		}

		subPost, ok := e.resolveSubPost(s, studyEnv, rules.Environment(), true)
		if !ok {
			continue
		}

		code, ok := rules.Resolve(exportType, subPost, s.Caracterisation)
		if !ok {
			e.logger.Warn("No export rule for sub post, source excluded from export",
				zap.Stringer("source_id", s.ID),
				zap.String("export", string(exportType)),
				zap.String("sub_post", string(subPost)))
			continue
		}
		if exportrules.IsDerived(code) {
			e.logger.Warn("Export rule maps to a derived code, source skipped",
				zap.String("export", string(exportType)),
				zap.String("sub_post", string(subPost)),
				zap.String("rule", code))
			continue
		}

		acc, ok := leaves[code]
		if !ok {
			acc = &ruleAccumulator{node: RuleResultNode{RuleCode: code}}
			leaves[code] = acc
		}
		acc.node.addSource(s)
		r := ComputeSourceResult(s)
		acc.children = append(acc.children, uncertainty.Child{Value: r.Value, Uncertainty: r.Uncertainty})
	}

	derived := map[string]*ruleAccumulator{
		exportrules.TotalCode: {node: RuleResultNode{RuleCode: exportrules.TotalCode}},
	}
	codes := make([]string, 0, len(leaves))
	for code := range leaves {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return exportrules.CompareCodes(codes[i], codes[j]) < 0 })

	rows := make([]RuleResultNode, 0, len(leaves)+1)
	for _, code := range codes {
		leaf := leaves[code].finish()
		rows = append(rows, leaf)

		targets := []string{exportrules.TotalCode}
		for _, prefix := range exportrules.AncestorPrefixes(code) {
			targets = append(targets, exportrules.SubtotalCode(prefix))
		}
		for _, target := range targets {
			d, ok := derived[target]
			if !ok {
				d = &ruleAccumulator{node: RuleResultNode{RuleCode: target}}
				derived[target] = d
			}
			d.node.addRow(leaf)
			d.children = append(d.children, uncertainty.Child{Value: leaf.Total, Uncertainty: leaf.Uncertainty})
		}
	}
	for _, acc := range derived {
		rows = append(rows, acc.finish())
	}

	sort.Slice(rows, func(i, j int) bool {
		return exportrules.CompareCodes(rows[i].RuleCode, rows[j].RuleCode) < 0
	})
	return rows, nil
}
