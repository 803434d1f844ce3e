// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package assembly deterministically selects and orders context segments
// into an AssembledContext for the model collaborator.
//
// Assembly is a pure function of its inputs: equal segments and options
// always produce a byte-identical context id, and violations are reported
// alongside the result rather than raised.
package assembly

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/AleutianAI/ContextGuard/services/guard/segment"
)

// DefaultMaxSegments is the assembler's own selection cap, applied when no
// explicit cap is configured. It exists to bound fan-out and memory, not as
// a quality heuristic.
const DefaultMaxSegments = 32

// ErrInvalidInput is returned when required inputs are missing.
var ErrInvalidInput = errors.New("invalid input")

// Options controls segment selection.
type Options struct {
	// MaxSegments truncates the final selection. Zero or negative means
	// DefaultMaxSegments.
	MaxSegments int

	// MinTrustWeight filters out segments below this trust value.
	MinTrustWeight float64

	// EnforceInvariants additionally drops segments whose own invariants
	// fail. Violations are reported either way.
	EnforceInvariants bool
}

// Option is a functional option for assembly.
type Option func(*Options)

// WithMaxSegments caps the number of retained segments.
func WithMaxSegments(n int) Option {
	return func(o *Options) { o.MaxSegments = n }
}

// WithMinTrustWeight filters segments below the given trust value.
func WithMinTrustWeight(min float64) Option {
	return func(o *Options) { o.MinTrustWeight = min }
}

// WithEnforceInvariants drops segments that violate their own invariants.
func WithEnforceInvariants(enforce bool) Option {
	return func(o *Options) { o.EnforceInvariants = enforce }
}

// DefaultOptions returns the assembler defaults.
func DefaultOptions() Options {
	return Options{
		MaxSegments:    DefaultMaxSegments,
		MinTrustWeight: 0,
	}
}

// EncodedSegment is the plain transport record for one retained segment.
//
// The ordered list of these records is the artifact handed to the model
// collaborator as prompt context.
type EncodedSegment struct {
	ID      string   `json:"id"`
	Source  string   `json:"source"`
	Content any      `json:"content"`
	Weight  float64  `json:"weight"`
	Labels  []string `json:"labels,omitempty"`
}

// AssembledContext is the deterministic, ordered, filtered set of segments
// actually sent to the model.
type AssembledContext struct {
	// ID is a pure function of the selected (segment id, trust weight)
	// pairs and their count. Equal inputs produce equal ids.
	ID string `json:"id"`

	// Segments are the retained segments in final order.
	Segments []segment.ContextSegment `json:"segments"`

	// Encoded is the serializable form of Segments, same order.
	Encoded []EncodedSegment `json:"encoded"`
}

// SegmentIDs returns the retained segment ids in order.
func (c *AssembledContext) SegmentIDs() []string {
	ids := make([]string, len(c.Segments))
	for i, s := range c.Segments {
		ids[i] = s.ID()
	}
	return ids
}

// Without returns a new context with the given segment ids filtered out.
//
// Description:
//
//	Filtering compares by segment id only. The result's id and encoded
//	form are recomputed so the derived context carries the same
//	determinism guarantee as a fresh assembly. The receiver is untouched.
func (c *AssembledContext) Without(ids ...string) *AssembledContext {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	retained := make([]segment.ContextSegment, 0, len(c.Segments))
	for _, s := range c.Segments {
		if !drop[s.ID()] {
			retained = append(retained, s)
		}
	}
	return newAssembledContext(retained)
}

// Report is the full assembly result.
type Report struct {
	// Context is the assembled selection. Never nil on success.
	Context *AssembledContext `json:"context"`

	// Violations holds every invariant failure observed during
	// validation, whether or not enforcement dropped the segment.
	Violations []segment.Violation `json:"violations,omitempty"`

	// DroppedSegmentIDs are input segment ids absent from the final
	// selection, keyed by id rather than structural equality.
	DroppedSegmentIDs []string `json:"dropped_segment_ids,omitempty"`
}

// Assembler builds assembled contexts from candidate segments.
//
// Thread Safety:
//
//	Assembler is immutable after construction and safe for concurrent use;
//	each call operates on its own copies.
type Assembler struct {
	options Options
}

// NewAssembler creates an assembler with the given default options.
//
// Example:
//
//	asm := assembly.NewAssembler(
//	    assembly.WithMaxSegments(16),
//	    assembly.WithMinTrustWeight(0.2),
//	)
func NewAssembler(opts ...Option) *Assembler {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &Assembler{options: options}
}

// Options returns the assembler's default options.
func (a *Assembler) Options() Options {
	return a.options
}

// Assemble selects and orders segments into an AssembledContext.
//
// Convenience wrapper over AssembleWithReport that discards the violation
// report.
func (a *Assembler) Assemble(ctx context.Context, segments []segment.ContextSegment, opts ...Option) (*AssembledContext, error) {
	report, err := a.AssembleWithReport(ctx, segments, opts...)
	if err != nil {
		return nil, err
	}
	return report.Context, nil
}

// AssembleWithReport selects, validates, and deterministically orders
// segments.
//
// Description:
//
//	The selection pipeline:
//	 1. Validate every segment against its own invariants.
//	 2. Filter segments below the minimum trust weight.
//	 3. If enforcement is on, drop segments with violations.
//	 4. Sort by (trust desc, created-at asc, id asc). The tie-break order
//	    is load-bearing for determinism.
//	 5. Truncate to the segment cap.
//	 6. Compute the deterministic context id over the ordered
//	    (id, weight) pairs and the final count.
//	 7. Encode the retained segments for transport.
//
// Inputs:
//
//	ctx - Context for tracing. Must not be nil.
//	segments - Candidate segments. May be empty.
//	opts - Per-call overrides merged over the assembler defaults.
//
// Outputs:
//
//	*Report - Context, violations, and dropped ids. Violations are always
//	          surfaced, never silently dropped.
//	error - ErrInvalidInput only; the selection itself is total.
func (a *Assembler) AssembleWithReport(ctx context.Context, segments []segment.ContextSegment, opts ...Option) (*Report, error) {
	if ctx == nil {
		return nil, ErrInvalidInput
	}

	ctx, span := startAssembleSpan(ctx, len(segments))
	defer span.End()
	start := time.Now()

	options := a.options
	for _, opt := range opts {
		opt(&options)
	}
	maxSegments := options.MaxSegments
	if maxSegments <= 0 {
		maxSegments = DefaultMaxSegments
	}

	// Step 1: per-segment invariant validation.
	var violations []segment.Violation
	violating := make(map[string]bool)
	for _, s := range segments {
		if vs := s.Validate(); len(vs) > 0 {
			violations = append(violations, vs...)
			violating[s.ID()] = true
		}
	}

	// Steps 2-3: trust filter and optional enforcement.
	eligible := make([]segment.ContextSegment, 0, len(segments))
	for _, s := range segments {
		if s.Trust.Value < options.MinTrustWeight {
			continue
		}
		if options.EnforceInvariants && violating[s.ID()] {
			continue
		}
		eligible = append(eligible, s.Clone())
	}

	// Step 4: deterministic ordering.
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Trust.Value != b.Trust.Value {
			return a.Trust.Value > b.Trust.Value
		}
		if !a.Metadata.CreatedAt.Equal(b.Metadata.CreatedAt) {
			return a.Metadata.CreatedAt.Before(b.Metadata.CreatedAt)
		}
		return a.ID() < b.ID()
	})

	// Step 5: truncate to cap.
	if len(eligible) > maxSegments {
		eligible = eligible[:maxSegments]
	}

	// Steps 6-7: identity and transport encoding.
	assembled := newAssembledContext(eligible)

	// Step 8: dropped ids, compared by id against the input.
	retained := make(map[string]bool, len(eligible))
	for _, s := range eligible {
		retained[s.ID()] = true
	}
	var dropped []string
	seen := make(map[string]bool, len(segments))
	for _, s := range segments {
		id := s.ID()
		if !retained[id] && !seen[id] {
			dropped = append(dropped, id)
			seen[id] = true
		}
	}

	recordAssembleMetrics(ctx, time.Since(start), len(eligible), len(dropped))

	return &Report{
		Context:           assembled,
		Violations:        violations,
		DroppedSegmentIDs: dropped,
	}, nil
}

// newAssembledContext computes identity and encoding for an ordered,
// final selection.
func newAssembledContext(retained []segment.ContextSegment) *AssembledContext {
	encoded := make([]EncodedSegment, len(retained))
	for i, s := range retained {
		labels := s.Metadata.Labels
		if labels != nil {
			labels = append([]string(nil), labels...)
		}
		encoded[i] = EncodedSegment{
			ID:      s.ID(),
			Source:  s.Metadata.Source,
			Content: s.Content,
			Weight:  s.Trust.Value,
			Labels:  labels,
		}
	}
	return &AssembledContext{
		ID:       contextID(retained),
		Segments: retained,
		Encoded:  encoded,
	}
}
