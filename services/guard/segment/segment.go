// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package segment provides the core data model for the context-integrity
// subsystem: trust-weighted context segments, content invariants, and
// invariant capsules.
//
// # Ownership Model
//
// A ContextSegment is owned by whichever structure currently holds it
// (a provenance graph node, or a transient slice inside the assembler or
// reassembler). Segments are never mutated in place; every transformation
// produces a new segment via Clone or WithTrust.
//
// # Thread Safety
//
// All types in this package are immutable after construction and safe for
// concurrent reads.
package segment

import "time"

// TrustWeight is a scalar confidence assigned to a segment.
//
// The value is not intrinsically bounded; ingestion is expected to keep it
// on a comparable, consistent scale (typically 0-1) but the core does not
// enforce a range.
type TrustWeight struct {
	// Value is the confidence used to rank and filter segments.
	Value float64 `json:"value"`

	// Rationale optionally explains how the value was derived.
	Rationale string `json:"rationale,omitempty"`
}

// Metadata carries provenance attributes for a segment.
type Metadata struct {
	// ID uniquely identifies the segment within one provenance graph.
	ID string `json:"id"`

	// Source names where the segment was ingested from.
	Source string `json:"source"`

	// CreatedAt is when the ingestion collaborator produced the segment.
	CreatedAt time.Time `json:"created_at"`

	// Labels are ordered, free-form tags attached at ingestion.
	Labels []string `json:"labels,omitempty"`
}

// ContextSegment is a unit of retrieved content with provenance and a
// trust weight, eligible for inclusion in a prompt.
type ContextSegment struct {
	// Metadata holds the segment's identity and provenance.
	Metadata Metadata `json:"metadata"`

	// Content is the opaque payload handed to the model collaborator.
	Content any `json:"content"`

	// Trust is the segment's current trust weight.
	Trust TrustWeight `json:"trust_weight"`

	// Invariants are predicates the segment's own content must satisfy.
	Invariants []Invariant `json:"-"`
}

// ID returns the segment's unique identifier.
func (s ContextSegment) ID() string {
	return s.Metadata.ID
}

// Clone returns a deep-enough copy of the segment.
//
// Description:
//
//	Labels and the invariant list are copied so the clone can be held by a
//	different owner. Content is shared; it is treated as opaque and
//	read-only throughout the core.
//
// Outputs:
//
//	ContextSegment - An independent copy.
func (s ContextSegment) Clone() ContextSegment {
	out := s
	if s.Metadata.Labels != nil {
		out.Metadata.Labels = make([]string, len(s.Metadata.Labels))
		copy(out.Metadata.Labels, s.Metadata.Labels)
	}
	if s.Invariants != nil {
		out.Invariants = make([]Invariant, len(s.Invariants))
		copy(out.Invariants, s.Invariants)
	}
	return out
}

// WithTrust returns a copy of the segment with a replacement trust weight.
//
// The receiver is untouched; counterfactual attenuation relies on this to
// build mutated variants without aliasing the base segment.
func (s ContextSegment) WithTrust(tw TrustWeight) ContextSegment {
	out := s.Clone()
	out.Trust = tw
	return out
}

// Validate checks the segment's content against its own invariants.
//
// Description:
//
//	This is the canonical per-segment validation used by the assembler.
//	Each failing invariant produces one Violation; validation never stops
//	early so the report is complete.
//
// Outputs:
//
//	[]Violation - One entry per failing invariant. Empty when valid.
func (s ContextSegment) Validate() []Violation {
	var violations []Violation
	for _, inv := range s.Invariants {
		if inv == nil {
			continue
		}
		if !inv.Validate(s.Content) {
			violations = append(violations, Violation{
				SegmentID:   s.Metadata.ID,
				InvariantID: inv.ID(),
				Description: inv.Description(),
			})
		}
	}
	return violations
}

// Violation reports a failed invariant check.
//
// A Violation is a first-class report value, not an error; assembly
// surfaces violations alongside a successful result.
type Violation struct {
	// SegmentID identifies the offending segment.
	SegmentID string `json:"segment_id"`

	// InvariantID identifies the failed invariant.
	InvariantID string `json:"invariant_id"`

	// Description is the invariant's human-readable description.
	Description string `json:"description"`
}
