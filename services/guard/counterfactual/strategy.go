// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package counterfactual

import (
	"encoding/json"
	"fmt"
	"math"
)

// DivergenceStrategy measures how much a variant's model output differs
// from the base output. Results must be non-negative; the default strategy
// is total and never panics.
//
// A custom strategy may be injected per Reassembler via Config.Strategy.
type DivergenceStrategy func(baseOutput, variantOutput any) float64

// DefaultStrategy is the baseline divergence measure.
//
// Description:
//
//	Numeric outputs diverge by |a-b| / max(1, |a|, |b|), a normalized
//	relative difference. String outputs diverge 0 when equal, 1 otherwise.
//	Anything else is compared through a stable, order-independent
//	canonical stringification: equal canonical forms diverge 0, unequal 1.
func DefaultStrategy(baseOutput, variantOutput any) float64 {
	if a, aok := asFloat(baseOutput); aok {
		if b, bok := asFloat(variantOutput); bok {
			denom := math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
			return math.Abs(a-b) / denom
		}
	}

	if a, aok := baseOutput.(string); aok {
		if b, bok := variantOutput.(string); bok {
			if a == b {
				return 0
			}
			return 1
		}
	}

	if canonicalString(baseOutput) == canonicalString(variantOutput) {
		return 0
	}
	return 1
}

// asFloat widens any numeric output to float64.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// canonicalString produces a stable stringification for arbitrary outputs.
//
// Values are round-tripped through JSON so structurally equal maps render
// identically regardless of insertion order (encoding/json sorts object
// keys). Unmarshalable values fall back to the Go-syntax representation.
func canonicalString(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return string(raw)
	}
	canonical, err := json.Marshal(normalized)
	if err != nil {
		return string(raw)
	}
	return string(canonical)
}
