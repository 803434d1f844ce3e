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

// Capsule bundles a fixed set of segments with a fixed set of invariants
// and answers whether the group is valid as a whole.
//
// Capsule validation uses cross-product semantics: every invariant is
// checked against every segment's content. This is deliberately broader
// than the per-segment check the assembler performs, where a segment is
// only validated against its own invariants. The per-segment check is the
// canonical one; the capsule's group semantics exist for callers that want
// a blanket guarantee over a batch (for example, "no segment in this batch
// contains an instruction override") and is kept distinct on purpose.
//
// Thread Safety:
//
//	Capsule is immutable after construction and safe for concurrent use.
type Capsule struct {
	segments   []ContextSegment
	invariants []Invariant
}

// NewCapsule creates a capsule over the given segments and invariants.
//
// Both slices are copied so later mutation by the caller cannot alter the
// capsule's contents.
func NewCapsule(segments []ContextSegment, invariants []Invariant) *Capsule {
	c := &Capsule{
		segments:   make([]ContextSegment, len(segments)),
		invariants: make([]Invariant, len(invariants)),
	}
	copy(c.segments, segments)
	copy(c.invariants, invariants)
	return c
}

// Validate reports whether every invariant holds for every segment.
//
// Outputs:
//
//	bool - True iff the full cross product of invariants and segment
//	       contents validates. An empty capsule is vacuously valid.
func (c *Capsule) Validate() bool {
	for _, inv := range c.invariants {
		if inv == nil {
			continue
		}
		for _, seg := range c.segments {
			if !inv.Validate(seg.Content) {
				return false
			}
		}
	}
	return true
}

// WithInvariant returns a new capsule with the invariant appended.
//
// Description:
//
//	The receiver is untouched. Segments are structurally shared between
//	the two capsules (they are read-only); the invariant list is copied.
//
// Inputs:
//
//	inv - The invariant to append. May be nil; nil entries are skipped
//	      during validation.
//
// Outputs:
//
//	*Capsule - The extended capsule.
func (c *Capsule) WithInvariant(inv Invariant) *Capsule {
	invariants := make([]Invariant, 0, len(c.invariants)+1)
	invariants = append(invariants, c.invariants...)
	invariants = append(invariants, inv)
	return &Capsule{
		segments:   c.segments,
		invariants: invariants,
	}
}

// Segments returns a copy of the capsule's segment list.
func (c *Capsule) Segments() []ContextSegment {
	out := make([]ContextSegment, len(c.segments))
	copy(out, c.segments)
	return out
}

// Invariants returns a copy of the capsule's invariant list.
func (c *Capsule) Invariants() []Invariant {
	out := make([]Invariant, len(c.invariants))
	copy(out, c.invariants)
	return out
}
