// Package uncertainty combines child uncertainties into a parent uncertainty
// under a weighted log-normal model.
//
// Uncertainties are multiplicative factors (geometric standard deviations,
// 1 meaning exact). For children with values v_i summing to V and factors u_i:
//
//	combined = exp( sqrt( Σ (v_i/V)² · ln(u_i)² ) )
//
// A child without an uncertainty is combined as MissingUncertainty: it keeps
// its full weight in V but adds no variance.
package uncertainty

import (
	"math"
)

// MissingUncertainty is the factor used for a child whose uncertainty is unknown
const MissingUncertainty = 1.0

// Child is one weighted input of a combination
type Child struct {
	Value       float64
	Uncertainty *float64
}

// Combine returns the combined uncertainty factor of children.
// ok is false when no child has both a positive value and an uncertainty, or
// when the values sum to zero.
func Combine(children []Child) (float64, bool) {
	total := 0.0
	contributing := false
	for _, c := range children {
		total += c.Value
		if c.Value > 0 && c.Uncertainty != nil {
			contributing = true
		}
	}

	if !contributing || total == 0 {
		return 0, false
	}

	variance := 0.0
	for _, c := range children {
		u := MissingUncertainty
		if c.Uncertainty != nil {
			u = *c.Uncertainty
		}
		if u <= 0 {
			u = MissingUncertainty
		}
		weight := c.Value / total
		logU := math.Log(u)
		variance += weight * weight * logU * logU
	}

	combined := math.Exp(math.Sqrt(variance))
	if math.IsNaN(combined) || math.IsInf(combined, 0) {
		return 0, false
	}
	return combined, true
}

// CombinePtr is Combine returning nil instead of ok == false
func CombinePtr(children []Child) *float64 {
	combined, ok := Combine(children)
	if !ok {
		return nil
	}
	return &combined
}
