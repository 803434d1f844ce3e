// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package counterfactual produces mutated variants of a base execution
// request to probe how sensitive the model's output is to individual
// context segments.
//
// Each variant removes, attenuates, isolates, or reorders one segment and
// reassembles the context through the same trust-weighted assembler that
// built the base, so variant contexts carry the same determinism and
// filtering guarantees.
package counterfactual

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/AleutianAI/ContextGuard/services/guard/assembly"
	"github.com/AleutianAI/ContextGuard/services/guard/model"
	"github.com/AleutianAI/ContextGuard/services/guard/segment"
)

// Default configuration.
const (
	// DefaultMaxVariants bounds how many leading segments are probed.
	DefaultMaxVariants = 5

	// DefaultAttenuateFactor scales a probed segment's trust weight.
	DefaultAttenuateFactor = 0.5

	// DefaultMaxConcurrency bounds parallel model calls during a sweep.
	DefaultMaxConcurrency = 4

	// DefaultPerCallTimeout bounds a single model call during a sweep.
	DefaultPerCallTimeout = 30 * time.Second
)

// Sentinel errors for reassembly.
var (
	// ErrInvalidRequest is returned when the base request or its
	// assembled context is missing.
	ErrInvalidRequest = errors.New("invalid execution request")
)

// Mutation names the kind of counterfactual change applied to a segment.
type Mutation string

const (
	// MutationRemove reassembles without the probed segment.
	MutationRemove Mutation = "remove"

	// MutationAttenuate reassembles with the probed segment's trust
	// weight scaled down.
	MutationAttenuate Mutation = "attenuate"

	// MutationIsolate reassembles using only the probed segment.
	MutationIsolate Mutation = "isolate"

	// MutationReorder reassembles with the probed segment swapped one
	// position later.
	MutationReorder Mutation = "reorder"
)

// Variant is one deliberately mutated version of a base request.
//
// Variants are ephemeral probe artifacts; they are never registered in the
// provenance graph.
type Variant struct {
	// ID is deterministic given the base context id, the mutation kind,
	// the target segment id, and an optional disambiguating suffix.
	ID string `json:"id"`

	// Mutation is the applied change.
	Mutation Mutation `json:"mutation"`

	// MutatedSegmentID is the probed segment, when the mutation targets
	// one.
	MutatedSegmentID string `json:"mutated_segment_id,omitempty"`

	// Request is the reassembled execution request for this variant.
	Request *model.ExecutionRequest `json:"request"`
}

// VariantResponse pairs a variant id with the collaborator's response.
type VariantResponse struct {
	VariantID string                   `json:"variant_id"`
	Response  *model.ExecutionResponse `json:"response"`
}

// VariantDivergence pairs a variant id with its measured divergence from
// the base output.
type VariantDivergence struct {
	VariantID  string  `json:"variant_id"`
	Divergence float64 `json:"divergence"`
}

// Config configures the reassembler.
type Config struct {
	// MaxVariants is the number of leading segments probed per request.
	// Zero or negative means DefaultMaxVariants.
	MaxVariants int

	// AttenuateFactor scales the probed segment's trust weight for the
	// attenuate mutation. Zero or negative means DefaultAttenuateFactor.
	AttenuateFactor float64

	// IncludeIsolation adds an isolate variant per probed segment.
	IncludeIsolation bool

	// MaxConcurrency bounds parallel model calls in Sweep.
	MaxConcurrency int

	// PerCallTimeout bounds each model call in Sweep. Zero disables the
	// per-call deadline.
	PerCallTimeout time.Duration

	// Strategy measures output divergence. Nil means DefaultStrategy.
	Strategy DivergenceStrategy
}

// DefaultConfig returns the reassembler defaults.
func DefaultConfig() Config {
	return Config{
		MaxVariants:      DefaultMaxVariants,
		AttenuateFactor:  DefaultAttenuateFactor,
		IncludeIsolation: true,
		MaxConcurrency:   DefaultMaxConcurrency,
		PerCallTimeout:   DefaultPerCallTimeout,
		Strategy:         DefaultStrategy,
	}
}

// Reassembler builds counterfactual variants on top of the trust-weighted
// assembler.
//
// Thread Safety:
//
//	Reassembler is immutable after construction and safe for concurrent
//	use; every call operates on its own copies.
type Reassembler struct {
	assembler *assembly.Assembler
	config    Config
}

// NewReassembler creates a reassembler over the given assembler.
//
// Inputs:
//
//	asm - The assembler used to rebuild variant contexts. A nil assembler
//	      is replaced with a default-configured one.
//	cfg - Configuration; zero fields fall back to package defaults.
func NewReassembler(asm *assembly.Assembler, cfg Config) *Reassembler {
	if asm == nil {
		asm = assembly.NewAssembler()
	}
	if cfg.MaxVariants <= 0 {
		cfg.MaxVariants = DefaultMaxVariants
	}
	if cfg.AttenuateFactor <= 0 {
		cfg.AttenuateFactor = DefaultAttenuateFactor
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.Strategy == nil {
		cfg.Strategy = DefaultStrategy
	}
	return &Reassembler{assembler: asm, config: cfg}
}

// Config returns the reassembler's effective configuration.
func (r *Reassembler) Config() Config {
	return r.config
}

// BuildVariants produces mutated variants of the base request.
//
// Description:
//
//	Iterates over up to MaxVariants leading segments of the request's
//	context. For the segment at index i it produces, in order: a remove
//	variant, an attenuate variant, an isolate variant (when enabled),
//	and a reorder variant swapping the segment to position i+1 (only when
//	that position exists). A reorder whose target cannot be resolved
//	degrades to a no-op variant that replays the original request,
//	tagged with the "noop" suffix.
//
// Inputs:
//
//	ctx - Context for tracing through reassembly.
//	req - The base request. Must carry an assembled context.
//
// Outputs:
//
//	[]Variant - Variants in deterministic probe order.
//	error - ErrInvalidRequest, or an assembly error.
func (r *Reassembler) BuildVariants(ctx context.Context, req *model.ExecutionRequest) ([]Variant, error) {
	if req == nil || req.Context == nil {
		return nil, ErrInvalidRequest
	}

	segments := req.Context.Segments
	probeCount := r.config.MaxVariants
	if probeCount > len(segments) {
		probeCount = len(segments)
	}

	variants := make([]Variant, 0, probeCount*4)
	for i := 0; i < probeCount; i++ {
		probed := segments[i]

		removed := append(append([]segment.ContextSegment(nil), segments[:i]...), segments[i+1:]...)
		v, err := r.variant(ctx, req, MutationRemove, probed.ID(), "", removed)
		if err != nil {
			return nil, err
		}
		variants = append(variants, v)

		attenuated := make([]segment.ContextSegment, len(segments))
		copy(attenuated, segments)
		attenuated[i] = probed.WithTrust(segment.TrustWeight{
			Value: probed.Trust.Value * r.config.AttenuateFactor,
			Rationale: fmt.Sprintf("attenuated by factor %g for counterfactual probe of %s",
				r.config.AttenuateFactor, probed.ID()),
		})
		v, err = r.variant(ctx, req, MutationAttenuate, probed.ID(), "", attenuated)
		if err != nil {
			return nil, err
		}
		variants = append(variants, v)

		if r.config.IncludeIsolation {
			v, err = r.variant(ctx, req, MutationIsolate, probed.ID(), "", []segment.ContextSegment{probed})
			if err != nil {
				return nil, err
			}
			variants = append(variants, v)
		}

		if i+1 < len(segments) {
			v, err = r.reorderVariant(ctx, req, probed.ID(), i)
			if err != nil {
				return nil, err
			}
			variants = append(variants, v)
		}
	}
	return variants, nil
}

// variant reassembles the mutated segment list and wraps it in a new
// request keyed by the variant id.
func (r *Reassembler) variant(
	ctx context.Context,
	req *model.ExecutionRequest,
	mutation Mutation,
	segmentID, suffix string,
	mutated []segment.ContextSegment,
) (Variant, error) {
	reassembled, err := r.assembler.Assemble(ctx, mutated)
	if err != nil {
		return Variant{}, fmt.Errorf("reassemble %s variant for %s: %w", mutation, segmentID, err)
	}

	id := variantID(req.Context.ID, mutation, segmentID, suffix)
	return Variant{
		ID:               id,
		Mutation:         mutation,
		MutatedSegmentID: segmentID,
		Request:          req.WithContext(id, reassembled),
	}, nil
}

// reorderVariant swaps the probed segment one position later and
// reassembles. Unresolvable targets degrade to a replayed no-op variant.
func (r *Reassembler) reorderVariant(
	ctx context.Context,
	req *model.ExecutionRequest,
	segmentID string,
	index int,
) (Variant, error) {
	segments := req.Context.Segments

	// Resolve the probed segment by id rather than trusting the index;
	// callers may hand contexts whose segment list was filtered upstream.
	at := -1
	for i, s := range segments {
		if s.ID() == segmentID {
			at = i
			break
		}
	}
	if at < 0 || at+1 >= len(segments) || index+1 >= len(segments) {
		id := variantID(req.Context.ID, MutationReorder, segmentID, "noop")
		return Variant{
			ID:               id,
			Mutation:         MutationReorder,
			MutatedSegmentID: segmentID,
			Request:          req,
		}, nil
	}

	swapped := make([]segment.ContextSegment, len(segments))
	copy(swapped, segments)
	swapped[at], swapped[at+1] = swapped[at+1], swapped[at]
	return r.variant(ctx, req, MutationReorder, segmentID, "", swapped)
}

// AnalyzeResponses measures each variant response against the base.
//
// Description:
//
//	Applies the configured divergence strategy to every (base, variant)
//	output pair. Responses with a nil envelope are skipped; the strategy
//	itself is total over any output values.
//
// Outputs:
//
//	[]VariantDivergence - One entry per analyzable response, input order.
func (r *Reassembler) AnalyzeResponses(base *model.ExecutionResponse, responses []VariantResponse) []VariantDivergence {
	if base == nil {
		return nil
	}

	out := make([]VariantDivergence, 0, len(responses))
	for _, vr := range responses {
		if vr.Response == nil {
			continue
		}
		out = append(out, VariantDivergence{
			VariantID:  vr.VariantID,
			Divergence: r.config.Strategy(base.Output, vr.Response.Output),
		})
	}
	return out
}

// variantID builds the deterministic variant identity.
//
// Sanitizing is lossy ("B!" and "B?" both normalize to "b"), so whenever
// the sanitized token differs from the raw segment id a short hash of the
// raw id is appended. Variant identities stay distinct per segment, which
// the sweep's request dedupe and indicator attribution both rely on.
func variantID(contextID string, mutation Mutation, segmentID, suffix string) string {
	token := sanitizeSegmentID(segmentID)
	if token != segmentID {
		h := fnv.New32a()
		h.Write([]byte(segmentID))
		if token == "" {
			token = fmt.Sprintf("%08x", h.Sum32())
		} else {
			token = fmt.Sprintf("%s-%08x", token, h.Sum32())
		}
	}
	id := fmt.Sprintf("%s-%s-%s", contextID, mutation, token)
	if suffix != "" {
		id += "-" + suffix
	}
	return id
}

// sanitizeSegmentID normalizes a segment id for embedding in a variant id:
// lowercased, with runs of anything outside [a-z0-9._-] squeezed to a
// single dash.
func sanitizeSegmentID(id string) string {
	var sb strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(id) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			sb.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				sb.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(sb.String(), "-")
}
