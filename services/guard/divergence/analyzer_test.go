// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package divergence

import (
	"testing"

	"github.com/AleutianAI/ContextGuard/services/guard/counterfactual"
)

func TestScore_DirectMapping(t *testing.T) {
	a := NewDefaultAnalyzer()

	scores := a.Score("base-1", []counterfactual.VariantDivergence{
		{VariantID: "v1", Divergence: 0.25},
		{VariantID: "v2", Divergence: 0.75},
	})

	if len(scores) != 2 {
		t.Fatalf("got %d scores, want 2", len(scores))
	}
	for _, s := range scores {
		if s.BaseRequestID != "base-1" {
			t.Errorf("score %s has base id %q", s.VariantID, s.BaseRequestID)
		}
	}
	if scores[0].Divergence != 0.25 || scores[1].Divergence != 0.75 {
		t.Errorf("divergences not mapped: %+v", scores)
	}
}

func TestScore_ClampsNegative(t *testing.T) {
	a := NewDefaultAnalyzer()
	scores := a.Score("base", []counterfactual.VariantDivergence{
		{VariantID: "v", Divergence: -0.1},
	})
	if scores[0].Divergence != 0 {
		t.Errorf("negative divergence not clamped: %v", scores[0].Divergence)
	}
}

func TestDetectPoisoning_InclusiveBoundary(t *testing.T) {
	a := NewAnalyzer(0.5)

	testCases := []struct {
		name       string
		divergence float64
		want       int
	}{
		{"just below threshold", 0.4999999, 0},
		{"exactly threshold", 0.5, 1},
		{"above threshold", 0.9, 1},
		{"zero", 0, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			scores := []Score{{BaseRequestID: "base", VariantID: "v", Divergence: tc.divergence}}
			indicators := a.DetectPoisoning(scores, nil)
			if len(indicators) != tc.want {
				t.Errorf("divergence %v produced %d indicators, want %d",
					tc.divergence, len(indicators), tc.want)
			}
		})
	}
}

func TestDetectPoisoning_EnrichesSegmentID(t *testing.T) {
	a := NewAnalyzer(0.5)

	variants := []counterfactual.Variant{
		{ID: "ctx-remove-b", Mutation: counterfactual.MutationRemove, MutatedSegmentID: "b"},
	}
	scores := []Score{
		{BaseRequestID: "base", VariantID: "ctx-remove-b", Divergence: 0.8},
		{BaseRequestID: "base", VariantID: "unknown-variant", Divergence: 0.9},
	}

	indicators := a.DetectPoisoning(scores, variants)
	if len(indicators) != 2 {
		t.Fatalf("got %d indicators, want 2", len(indicators))
	}
	if indicators[0].MutatedSegmentID != "b" {
		t.Errorf("known variant segment id = %q, want b", indicators[0].MutatedSegmentID)
	}
	// Unknown variants must not fail; they simply carry no segment id.
	if indicators[1].MutatedSegmentID != "" {
		t.Errorf("unknown variant segment id = %q, want empty", indicators[1].MutatedSegmentID)
	}
}

func TestNewAnalyzer_ClampsNegativeThreshold(t *testing.T) {
	a := NewAnalyzer(-1)
	if a.Threshold() != 0 {
		t.Errorf("threshold = %v, want 0", a.Threshold())
	}
}
