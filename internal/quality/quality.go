// Package quality turns the five data-quality ratings of an emission source
// into a relative uncertainty and a 1-5 display bucket.
package quality

import (
	"math"

	"bilan-carbone/results-engine/internal/emissions"
)

// QualityBucket is a discrete 1 (worst) to 5 (best) rating for display
type QualityBucket int

const (
	// BucketUnavailable means no uncertainty could be computed
	BucketUnavailable QualityBucket = 0
	BucketVeryPoor    QualityBucket = 1
	BucketPoor        QualityBucket = 2
	BucketFair        QualityBucket = 3
	BucketGood        QualityBucket = 4
	BucketVeryGood    QualityBucket = 5
)

const (
	minRating = 1
	maxRating = 5
)

// ratingUncertainty is the data-quality matrix: relative uncertainty per rating.
// Index 0 is unused.
var ratingUncertainty = [maxRating + 1]float64{
	0,
	0.50,
	0.25,
	0.10,
	0.05,
	0.02,
}

// bucketThresholds are upper bounds (exclusive) of relative uncertainty per bucket, best first
var bucketThresholds = []struct {
	limit  float64
	bucket QualityBucket
}{
	{0.05, BucketVeryGood},
	{0.20, BucketGood},
	{0.45, BucketFair},
	{0.75, BucketPoor},
}

// RatingUncertainty returns the matrix entry for a rating, clamping it into 1..5
func RatingUncertainty(rating int) float64 {
	if rating < minRating {
		rating = minRating
	}
	if rating > maxRating {
		rating = maxRating
	}
	return ratingUncertainty[rating]
}

// MergeRatings overrides the factor ratings with the source ratings field by field
func MergeRatings(source emissions.QualityRatings, factor *emissions.EmissionFactor) emissions.QualityRatings {
	merged := source
	if factor == nil {
		return merged
	}
	if merged.Reliability == nil {
		merged.Reliability = factor.Quality.Reliability
	}
	if merged.TechnicalRepresentativeness == nil {
		merged.TechnicalRepresentativeness = factor.Quality.TechnicalRepresentativeness
	}
	if merged.GeographicRepresentativeness == nil {
		merged.GeographicRepresentativeness = factor.Quality.GeographicRepresentativeness
	}
	if merged.TemporalRepresentativeness == nil {
		merged.TemporalRepresentativeness = factor.Quality.TemporalRepresentativeness
	}
	if merged.Completeness == nil {
		merged.Completeness = factor.Quality.Completeness
	}
	return merged
}

// ComputeRelativeUncertainty combines the five per-field uncertainties by
// root-sum-of-squares. A field rated neither on the source nor on the factor
// counts as rating 1. ok is false only when there is nothing to rate at all:
// no source rating and no factor.
func ComputeRelativeUncertainty(source emissions.QualityRatings, factor *emissions.EmissionFactor) (float64, bool) {
	if factor == nil && source.IsEmpty() {
		return 0, false
	}

	merged := MergeRatings(source, factor)

	sum := 0.0
	for _, rating := range merged.Fields() {
		r := minRating
		if rating != nil {
			r = *rating
		}
		u := RatingUncertainty(r)
		sum += u * u
	}

	return math.Sqrt(sum), true
}

// ComputeQualityBucket maps a relative uncertainty to its display bucket.
// Lower uncertainty never yields a worse bucket.
func ComputeQualityBucket(relative *float64) QualityBucket {
	if relative == nil || math.IsNaN(*relative) || *relative < 0 {
		return BucketUnavailable
	}
	for _, t := range bucketThresholds {
		if *relative < t.limit {
			return t.bucket
		}
	}
	return BucketVeryPoor
}

// ToFactor converts a relative uncertainty into the multiplicative
// (geometric standard deviation) form used for propagation.
func ToFactor(relative float64) float64 {
	return 1 + relative
}

// FactorToRelative converts a propagated multiplicative factor back into a relative uncertainty
func FactorToRelative(factor float64) float64 {
	return factor - 1
}

// BucketForFactor buckets a propagated uncertainty factor, nil yields BucketUnavailable
func BucketForFactor(factor *float64) QualityBucket {
	if factor == nil {
		return BucketUnavailable
	}
	relative := FactorToRelative(*factor)
	return ComputeQualityBucket(&relative)
}
