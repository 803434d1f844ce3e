// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package divergence turns raw (variant, divergence) pairs into typed
// scores and filters them down to poisoning indicators.
package divergence

import (
	"github.com/AleutianAI/ContextGuard/services/guard/counterfactual"
)

// DefaultThreshold is the divergence at or above which a variant is
// considered a poisoning indicator.
const DefaultThreshold = 0.5

// Score is a typed divergence measurement for one variant.
type Score struct {
	// BaseRequestID identifies the base request the variant probed.
	BaseRequestID string `json:"base_request_id"`

	// VariantID identifies the counterfactual variant.
	VariantID string `json:"variant_id"`

	// Divergence is the measured output divergence. Never negative.
	Divergence float64 `json:"divergence"`
}

// Indicator is a divergence score that met the threshold, implicating a
// specific segment.
type Indicator struct {
	Score

	// MutatedSegmentID is the segment the originating variant probed.
	// Empty when the variant is unknown to the analyzer.
	MutatedSegmentID string `json:"mutated_segment_id,omitempty"`
}

// Analyzer converts divergences into scores and indicators.
//
// Thread Safety:
//
//	Analyzer is immutable and safe for concurrent use.
type Analyzer struct {
	threshold float64
}

// NewAnalyzer creates an analyzer with the given threshold. Negative
// thresholds are clamped to zero.
func NewAnalyzer(threshold float64) *Analyzer {
	if threshold < 0 {
		threshold = 0
	}
	return &Analyzer{threshold: threshold}
}

// NewDefaultAnalyzer creates an analyzer with DefaultThreshold.
func NewDefaultAnalyzer() *Analyzer {
	return NewAnalyzer(DefaultThreshold)
}

// Threshold returns the configured indicator threshold.
func (a *Analyzer) Threshold() float64 {
	return a.threshold
}

// Score maps raw divergences to typed scores.
//
// Description:
//
//	Direct mapping with no filtering. Divergence values below zero are
//	clamped so downstream consumers can rely on non-negative scores
//	even under a misbehaving custom strategy.
func (a *Analyzer) Score(baseRequestID string, divergences []counterfactual.VariantDivergence) []Score {
	scores := make([]Score, 0, len(divergences))
	for _, d := range divergences {
		value := d.Divergence
		if value < 0 {
			value = 0
		}
		scores = append(scores, Score{
			BaseRequestID: baseRequestID,
			VariantID:     d.VariantID,
			Divergence:    value,
		})
	}
	return scores
}

// DetectPoisoning filters scores to indicators at or above the threshold.
//
// Description:
//
//	The threshold boundary is inclusive: a score of exactly the
//	threshold is an indicator. Each indicator is enriched with the
//	originating variant's mutated segment id, looked up by variant id;
//	an unknown variant yields an indicator with an empty segment id
//	rather than an error.
func (a *Analyzer) DetectPoisoning(scores []Score, variants []counterfactual.Variant) []Indicator {
	segmentByVariant := make(map[string]string, len(variants))
	for _, v := range variants {
		segmentByVariant[v.ID] = v.MutatedSegmentID
	}

	var indicators []Indicator
	for _, s := range scores {
		if s.Divergence < a.threshold {
			continue
		}
		indicators = append(indicators, Indicator{
			Score:            s,
			MutatedSegmentID: segmentByVariant[s.VariantID],
		})
	}
	return indicators
}
