// Package exportrules maps subcategories to the hierarchical rule codes of
// regulatory export standards.
//
// Rule codes are dotted paths ("1.1", "3.a"). A code "p.total" is the subtotal of
// every code under "p."; the bare code "total" is the grand total. Those derived
// codes are computed by the aggregator and may not appear in a table, nor may
// a code that is the prefix of another code of the same export ("1" with "1.a").
package exportrules

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"bilan-carbone/results-engine/internal/emissions"
)

// ExportType identifies a regulatory export standard
type ExportType string

const (
	ExportBEGES ExportType = "BEGES"
	ExportGHGP  ExportType = "GHGP"
)

const (
	// TotalCode is the grand total of an export
	TotalCode = "total"

	separator      = "."
	subtotalLeaf   = "total"
	subtotalSuffix = separator + subtotalLeaf
)

var (
	// ErrUnknownExport is returned for an export type without rules
	ErrUnknownExport = errors.New("unknown export type")

	// ErrInvalidRule is returned when a rule cannot be loaded
	ErrInvalidRule = errors.New("invalid export rule")
)

// Rule maps a subcategory, optionally qualified by a caracterisation, to a rule code
type Rule struct {
	Export          ExportType                 `yaml:"export" json:"export"`
	SubPost         emissions.SubPost          `yaml:"sub_post" json:"sub_post"`
	Caracterisation *emissions.Caracterisation `yaml:"caracterisation,omitempty" json:"caracterisation,omitempty"`
	Code            string                     `yaml:"rule" json:"rule"`
}

type subPostRules struct {
	generic           string
	byCaracterisation map[emissions.Caracterisation]string
}

// Table resolves rule codes. Its sub posts belong to a single environment.
type Table struct {
	environment emissions.Environment
	rules       map[ExportType]map[emissions.SubPost]*subPostRules
}

// NewTable validates rules and builds a table for the given environment
func NewTable(env emissions.Environment, rules []Rule) (*Table, error) {
	t := &Table{
		environment: env,
		rules:       make(map[ExportType]map[emissions.SubPost]*subPostRules),
	}

	for _, r := range rules {
		if err := validateRule(r); err != nil {
			return nil, err
		}

		bySubPost, ok := t.rules[r.Export]
		if !ok {
			bySubPost = make(map[emissions.SubPost]*subPostRules)
			t.rules[r.Export] = bySubPost
		}
		entry, ok := bySubPost[r.SubPost]
		if !ok {
			entry = &subPostRules{byCaracterisation: make(map[emissions.Caracterisation]string)}
			bySubPost[r.SubPost] = entry
		}

		if r.Caracterisation == nil {
			if entry.generic != "" && entry.generic != r.Code {
				return nil, fmt.Errorf("%w: %s/%s mapped to both %s and %s", ErrInvalidRule, r.Export, r.SubPost, entry.generic, r.Code)
			}
			entry.generic = r.Code
			continue
		}

		if existing, ok := entry.byCaracterisation[*r.Caracterisation]; ok && existing != r.Code {
			return nil, fmt.Errorf("%w: %s/%s/%s mapped to both %s and %s", ErrInvalidRule, r.Export, r.SubPost, *r.Caracterisation, existing, r.Code)
		}
		entry.byCaracterisation[*r.Caracterisation] = r.Code
	}

	for export, bySubPost := range t.rules {
		if err := checkLeafCodes(export, bySubPost); err != nil {
			return nil, err
		}
	}

	return t, nil
}

// checkLeafCodes rejects a code that is also the prefix of another code of the
// same export: subtotals only sum the codes strictly below a prefix.
func checkLeafCodes(export ExportType, bySubPost map[emissions.SubPost]*subPostRules) error {
	codes := make(map[string]bool)
	for _, entry := range bySubPost {
		if entry.generic != "" {
			codes[entry.generic] = true
		}
		for _, code := range entry.byCaracterisation {
			codes[code] = true
		}
	}

	for code := range codes {
		for _, prefix := range AncestorPrefixes(code) {
			if codes[prefix] {
				return fmt.Errorf("%w: %s code %s is also the prefix of %s", ErrInvalidRule, export, prefix, code)
			}
		}
	}
	return nil
}

func validateRule(r Rule) error {
	switch {
	case r.Export == "":
		return fmt.Errorf("%w: missing export type for %s", ErrInvalidRule, r.SubPost)
	case r.SubPost == "":
		return fmt.Errorf("%w: missing sub post in %s", ErrInvalidRule, r.Export)
	case r.Code == "":
		return fmt.Errorf("%w: missing code for %s/%s", ErrInvalidRule, r.Export, r.SubPost)
	case IsDerived(r.Code):
		return fmt.Errorf("%w: %s/%s maps to derived code %s", ErrInvalidRule, r.Export, r.SubPost, r.Code)
	}
	for _, segment := range strings.Split(r.Code, separator) {
		if segment == "" {
			return fmt.Errorf("%w: malformed code %q for %s/%s", ErrInvalidRule, r.Code, r.Export, r.SubPost)
		}
	}
	return nil
}

// Environment returns the environment whose sub posts the table is keyed on
func (t *Table) Environment() emissions.Environment {
	return t.environment
}

// HasExport reports whether rules exist for the export type
func (t *Table) HasExport(export ExportType) bool {
	_, ok := t.rules[export]
	return ok
}

// Exports returns the export types of the table in lexical order
func (t *Table) Exports() []ExportType {
	exports := make([]ExportType, 0, len(t.rules))
	for e := range t.rules {
		exports = append(exports, e)
	}
	sort.Slice(exports, func(i, j int) bool { return exports[i] < exports[j] })
	return exports
}

// Resolve returns the rule code of a subcategory. A rule qualified with the
// source caracterisation wins over the unqualified rule.
func (t *Table) Resolve(export ExportType, subPost emissions.SubPost, caracterisation *emissions.Caracterisation) (string, bool) {
	entry, ok := t.rules[export][subPost]
	if !ok {
		return "", false
	}
	if caracterisation != nil {
		if code, ok := entry.byCaracterisation[*caracterisation]; ok {
			return code, true
		}
	}
	if entry.generic == "" {
		return "", false
	}
	return entry.generic, true
}

// IsDerived reports whether a code is a computed subtotal or the grand total
func IsDerived(code string) bool {
	return code == TotalCode || strings.HasSuffix(code, subtotalSuffix)
}

// SubtotalCode returns the subtotal code of a prefix
func SubtotalCode(prefix string) string {
	return prefix + subtotalSuffix
}

// AncestorPrefixes returns every proper prefix of a code, shortest first.
// "1.2.a" yields ["1", "1.2"]; a single-segment code has none.
func AncestorPrefixes(code string) []string {
	segments := strings.Split(code, separator)
	prefixes := make([]string, 0, len(segments)-1)
	for i := 1; i < len(segments); i++ {
		prefixes = append(prefixes, strings.Join(segments[:i], separator))
	}
	return prefixes
}

// CompareCodes orders codes segment by segment: numeric segments numerically,
// others lexically, a subtotal after its siblings and the grand total last.
func CompareCodes(a, b string) int {
	if a == b {
		return 0
	}
	if a == TotalCode {
		return 1
	}
	if b == TotalCode {
		return -1
	}

	as := strings.Split(a, separator)
	bs := strings.Split(b, separator)
	for i := 0; i < len(as) && i < len(bs); i++ {
		if c := compareSegments(as[i], bs[i]); c != 0 {
			return c
		}
	}
	return len(as) - len(bs)
}

func compareSegments(a, b string) int {
	if a == b {
		return 0
	}
	if a == subtotalLeaf {
		return 1
	}
	if b == subtotalLeaf {
		return -1
	}
	an, aErr := strconv.Atoi(a)
	bn, bErr := strconv.Atoi(b)
	switch {
	case aErr == nil && bErr == nil:
		if an != bn {
			return an - bn
		}
		return strings.Compare(a, b)
	case aErr == nil:
		return -1
	case bErr == nil:
		return 1
	}
	return strings.Compare(a, b)
}
