// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package segment

// Invariant is a named predicate that a segment's content must satisfy.
//
// Many invariants may apply to many segments. Violations are reported, not
// raised; Validate must be total over any content value it is handed.
type Invariant interface {
	// ID returns the invariant's stable identifier.
	ID() string

	// Description returns a human-readable explanation of the predicate.
	Description() string

	// Validate reports whether the content satisfies the predicate.
	Validate(content any) bool
}

// PredicateInvariant adapts a plain predicate function to the Invariant
// interface.
//
// Thread Safety:
//
//	Safe for concurrent use provided the wrapped predicate is.
type PredicateInvariant struct {
	id          string
	description string
	predicate   func(content any) bool
}

// NewPredicateInvariant creates a closure-backed invariant.
//
// Inputs:
//
//	id - Stable identifier. Must be non-empty for meaningful reports.
//	description - Human-readable explanation of the predicate.
//	predicate - The check. A nil predicate validates everything.
//
// Outputs:
//
//	*PredicateInvariant - The adapter.
//
// Example:
//
//	nonEmpty := segment.NewPredicateInvariant("non-empty", "content must not be empty",
//	    func(content any) bool {
//	        s, ok := content.(string)
//	        return !ok || s != ""
//	    })
func NewPredicateInvariant(id, description string, predicate func(content any) bool) *PredicateInvariant {
	return &PredicateInvariant{
		id:          id,
		description: description,
		predicate:   predicate,
	}
}

// ID returns the invariant's identifier.
func (p *PredicateInvariant) ID() string { return p.id }

// Description returns the invariant's description.
func (p *PredicateInvariant) Description() string { return p.description }

// Validate applies the wrapped predicate.
func (p *PredicateInvariant) Validate(content any) bool {
	if p.predicate == nil {
		return true
	}
	return p.predicate(content)
}

// Ensure PredicateInvariant implements Invariant.
var _ Invariant = (*PredicateInvariant)(nil)
