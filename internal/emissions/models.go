package emissions

import (
	"github.com/google/uuid"
)

// =====================================================
// Enums and Constants
// =====================================================

// Environment is a named taxonomy context (a product line with its own subcategory set)
type Environment string

const (
	EnvironmentBC       Environment = "BC"
	EnvironmentCUT      Environment = "CUT"
	EnvironmentTILT     Environment = "TILT"
	EnvironmentCLICKSON Environment = "CLICKSON"
)

// Post is a top-level category of the taxonomy
type Post string

// SubPost is a subcategory; every SubPost belongs to exactly one Post of its environment
type SubPost string

// SourceType represents the kind of activity data recorded by a source
type SourceType string

const (
	SourceTypePhysicalMeasurement SourceType = "physical_measurement"
	SourceTypeAccountingData      SourceType = "accounting_data"
	SourceTypeSurvey              SourceType = "survey"
	SourceTypeEstimation          SourceType = "estimation"
	SourceTypeExtrapolation       SourceType = "extrapolation"
	SourceTypeProxy               SourceType = "proxy"
)

// Caracterisation qualifies how an emission is controlled by the organization
type Caracterisation string

const (
	CaracterisationOperating               Caracterisation = "operating"
	CaracterisationOperatingWithLowControl Caracterisation = "operating_with_low_control"
	CaracterisationOperatingAndFinancial   Caracterisation = "operating_and_financial"
	CaracterisationIncluded                Caracterisation = "included"
	CaracterisationNotIncluded             Caracterisation = "not_included"
	CaracterisationFinancial               Caracterisation = "financial"
)

// =====================================================
// Input records
// =====================================================

// QualityRatings holds the five data-quality ratings, each 1 (worst) to 5 (best) or nil
type QualityRatings struct {
	Reliability                  *int `json:"reliability,omitempty"`
	TechnicalRepresentativeness  *int `json:"technical_representativeness,omitempty"`
	GeographicRepresentativeness *int `json:"geographic_representativeness,omitempty"`
	TemporalRepresentativeness   *int `json:"temporal_representativeness,omitempty"`
	Completeness                 *int `json:"completeness,omitempty"`
}

// Fields returns the ratings in a fixed order
func (q QualityRatings) Fields() [5]*int {
	return [5]*int{
		q.Reliability,
		q.TechnicalRepresentativeness,
		q.GeographicRepresentativeness,
		q.TemporalRepresentativeness,
		q.Completeness,
	}
}

// IsEmpty reports whether no rating is set
func (q QualityRatings) IsEmpty() bool {
	for _, r := range q.Fields() {
		if r != nil {
			return false
		}
	}
	return true
}

// GasBreakdown is the per-gas emission factor, in mass per unit of activity
type GasBreakdown struct {
	Co2f     float64 `json:"co2f"`
	Ch4f     float64 `json:"ch4f"`
	Ch4b     float64 `json:"ch4b"`
	N2o      float64 `json:"n2o"`
	Co2b     float64 `json:"co2b"`
	Sf6      float64 `json:"sf6"`
	Hfc      float64 `json:"hfc"`
	Pfc      float64 `json:"pfc"`
	OtherGES float64 `json:"other_ges"`
}

// EmissionFactor converts an activity quantity into CO2 equivalent.
// TotalCo2 is taken as given and never reconciled with the gas columns.
type EmissionFactor struct {
	ID       uuid.UUID      `json:"id"`
	Name     string         `json:"name,omitempty"`
	Unit     string         `json:"unit,omitempty"`
	TotalCo2 float64        `json:"total_co2"`
	Gases    GasBreakdown   `json:"gases"`
	Quality  QualityRatings `json:"quality"`
}

// EmissionSource is one recorded activity of a study
type EmissionSource struct {
	ID                 uuid.UUID        `json:"id"`
	StudyID            uuid.UUID        `json:"study_id"`
	Name               string           `json:"name"`
	SubPost            SubPost          `json:"sub_post"`
	SiteID             string           `json:"site_id"`
	Value              float64          `json:"value"`
	Validated          bool             `json:"validated"`
	EmissionFactor     *EmissionFactor  `json:"emission_factor,omitempty"`
	Quality            QualityRatings   `json:"quality"`
	Tags               []uuid.UUID      `json:"tags,omitempty"`
	Type               SourceType       `json:"type,omitempty"`
	Caracterisation    *Caracterisation `json:"caracterisation,omitempty"`
	Environment        Environment      `json:"environment,omitempty"`
	DepreciationPeriod *int             `json:"depreciation_period,omitempty"`
}

// HasTag reports whether the source carries the given tag
func (s *EmissionSource) HasTag(tag uuid.UUID) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Activity returns the activity quantity attributable to one reporting year.
// Fixed assets spread their value over their depreciation period.
func (s *EmissionSource) Activity() float64 {
	if s.DepreciationPeriod != nil && *s.DepreciationPeriod > 0 {
		return s.Value / float64(*s.DepreciationPeriod)
	}
	return s.Value
}

// Emission returns the CO2e contribution of the source, 0 without a factor
func (s *EmissionSource) Emission() float64 {
	if s.EmissionFactor == nil {
		return 0
	}
	return s.Activity() * s.EmissionFactor.TotalCo2
}
