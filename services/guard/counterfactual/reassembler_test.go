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
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/ContextGuard/services/guard/assembly"
	"github.com/AleutianAI/ContextGuard/services/guard/model"
	"github.com/AleutianAI/ContextGuard/services/guard/segment"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func seg(id string, trust float64, offset time.Duration) segment.ContextSegment {
	return segment.ContextSegment{
		Metadata: segment.Metadata{
			ID:        id,
			Source:    "ingest",
			CreatedAt: baseTime.Add(offset),
		},
		Content: "content-" + id,
		Trust:   segment.TrustWeight{Value: trust},
	}
}

// threeSegmentRequest assembles A(0.9), B(0.5), C(0.2) into a base
// request; assembly order is [A, B, C] by trust.
func threeSegmentRequest(t *testing.T) *model.ExecutionRequest {
	t.Helper()
	asm := assembly.NewAssembler()
	assembled, err := asm.Assemble(context.Background(), []segment.ContextSegment{
		seg("A", 0.9, 0), seg("B", 0.5, time.Minute), seg("C", 0.2, 2*time.Minute),
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	return model.NewRequest(assembled, "answer the question")
}

func TestBuildVariants_Count(t *testing.T) {
	req := threeSegmentRequest(t)
	r := NewReassembler(assembly.NewAssembler(), Config{
		MaxVariants:      3,
		IncludeIsolation: true,
	})

	variants, err := r.BuildVariants(context.Background(), req)
	if err != nil {
		t.Fatalf("BuildVariants: %v", err)
	}

	// 3 per segment (remove/attenuate/isolate) plus one reorder for each
	// of the first two segments, none for the last.
	if len(variants) != 11 {
		t.Fatalf("got %d variants, want 11", len(variants))
	}

	counts := map[Mutation]int{}
	for _, v := range variants {
		counts[v.Mutation]++
	}
	if counts[MutationRemove] != 3 || counts[MutationAttenuate] != 3 ||
		counts[MutationIsolate] != 3 || counts[MutationReorder] != 2 {
		t.Errorf("mutation counts = %v", counts)
	}
}

func TestBuildVariants_NoIsolation(t *testing.T) {
	req := threeSegmentRequest(t)
	r := NewReassembler(assembly.NewAssembler(), Config{
		MaxVariants:      3,
		IncludeIsolation: false,
	})

	variants, err := r.BuildVariants(context.Background(), req)
	if err != nil {
		t.Fatalf("BuildVariants: %v", err)
	}
	if len(variants) != 8 {
		t.Errorf("got %d variants, want 8 without isolation", len(variants))
	}
}

func TestBuildVariants_RemoveMiddleSegment(t *testing.T) {
	req := threeSegmentRequest(t)
	r := NewReassembler(assembly.NewAssembler(), Config{MaxVariants: 3})

	variants, err := r.BuildVariants(context.Background(), req)
	if err != nil {
		t.Fatalf("BuildVariants: %v", err)
	}

	var removeB *Variant
	for i := range variants {
		if variants[i].Mutation == MutationRemove && variants[i].MutatedSegmentID == "B" {
			removeB = &variants[i]
			break
		}
	}
	if removeB == nil {
		t.Fatal("no remove variant for B")
	}

	got := removeB.Request.Context.SegmentIDs()
	if !slices.Equal(got, []string{"A", "C"}) {
		t.Errorf("remove-B context = %v, want [A C]", got)
	}
	if removeB.Request.Context.ID == req.Context.ID {
		t.Error("remove variant kept the base context id")
	}
}

func TestBuildVariants_AttenuateScalesTrust(t *testing.T) {
	req := threeSegmentRequest(t)
	r := NewReassembler(assembly.NewAssembler(), Config{MaxVariants: 1, AttenuateFactor: 0.5})

	variants, err := r.BuildVariants(context.Background(), req)
	if err != nil {
		t.Fatalf("BuildVariants: %v", err)
	}

	var att *Variant
	for i := range variants {
		if variants[i].Mutation == MutationAttenuate {
			att = &variants[i]
			break
		}
	}
	if att == nil {
		t.Fatal("no attenuate variant")
	}

	// A's weight halves from 0.9 to 0.45; it still outranks B(0.5)? No:
	// 0.45 < 0.5, so B leads the attenuated assembly.
	ids := att.Request.Context.SegmentIDs()
	if !slices.Equal(ids, []string{"B", "A", "C"}) {
		t.Errorf("attenuated order = %v, want [B A C]", ids)
	}
	for _, s := range att.Request.Context.Segments {
		if s.ID() == "A" {
			if s.Trust.Value != 0.45 {
				t.Errorf("attenuated trust = %v, want 0.45", s.Trust.Value)
			}
			if s.Trust.Rationale == "" {
				t.Error("attenuated weight missing rationale")
			}
		}
	}

	// The base request's segments are untouched.
	for _, s := range req.Context.Segments {
		if s.ID() == "A" && s.Trust.Value != 0.9 {
			t.Errorf("base segment mutated: %v", s.Trust.Value)
		}
	}
}

func TestBuildVariants_IsolateUsesOnlyProbedSegment(t *testing.T) {
	req := threeSegmentRequest(t)
	r := NewReassembler(assembly.NewAssembler(), Config{MaxVariants: 1, IncludeIsolation: true})

	variants, err := r.BuildVariants(context.Background(), req)
	if err != nil {
		t.Fatalf("BuildVariants: %v", err)
	}

	for _, v := range variants {
		if v.Mutation == MutationIsolate {
			if got := v.Request.Context.SegmentIDs(); !slices.Equal(got, []string{"A"}) {
				t.Errorf("isolate context = %v, want [A]", got)
			}
			return
		}
	}
	t.Fatal("no isolate variant")
}

func TestBuildVariants_DeterministicIDs(t *testing.T) {
	req := threeSegmentRequest(t)
	r := NewReassembler(assembly.NewAssembler(), Config{MaxVariants: 3, IncludeIsolation: true})

	first, err := r.BuildVariants(context.Background(), req)
	if err != nil {
		t.Fatalf("BuildVariants: %v", err)
	}
	second, err := r.BuildVariants(context.Background(), req)
	if err != nil {
		t.Fatalf("BuildVariants: %v", err)
	}

	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("variant %d id differs: %q vs %q", i, first[i].ID, second[i].ID)
		}
		wantPrefix := req.Context.ID + "-" + string(first[i].Mutation)
		if !strings.HasPrefix(first[i].ID, wantPrefix) {
			t.Errorf("variant id %q missing prefix %q", first[i].ID, wantPrefix)
		}
	}
}

func TestBuildVariants_CollidingSanitizedIDs(t *testing.T) {
	// "B!" and "B?" both sanitize to "b"; their variants must still get
	// distinct ids or the sweep would serve one probe's response for both
	// and indicator attribution would implicate the wrong segment.
	asm := assembly.NewAssembler()
	assembled, err := asm.Assemble(context.Background(), []segment.ContextSegment{
		seg("B!", 0.9, 0), seg("B?", 0.5, time.Minute),
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	req := model.NewRequest(assembled, "answer the question")

	r := NewReassembler(asm, Config{MaxVariants: 2, IncludeIsolation: true})
	variants, err := r.BuildVariants(context.Background(), req)
	if err != nil {
		t.Fatalf("BuildVariants: %v", err)
	}

	seen := map[string]string{}
	for _, v := range variants {
		if prev, dup := seen[v.ID]; dup {
			t.Errorf("variant id %q shared by segments %q and %q", v.ID, prev, v.MutatedSegmentID)
		}
		seen[v.ID] = v.MutatedSegmentID
		if v.ID != v.Request.ID {
			t.Errorf("variant request id %q != variant id %q", v.Request.ID, v.ID)
		}
	}

	// The two remove probes drop different segments.
	removed := map[string][]string{}
	for _, v := range variants {
		if v.Mutation == MutationRemove {
			removed[v.MutatedSegmentID] = v.Request.Context.SegmentIDs()
		}
	}
	if !slices.Equal(removed["B!"], []string{"B?"}) {
		t.Errorf("remove-B! context = %v, want [B?]", removed["B!"])
	}
	if !slices.Equal(removed["B?"], []string{"B!"}) {
		t.Errorf("remove-B? context = %v, want [B!]", removed["B?"])
	}
}

func TestReorderVariant_MissingTargetReplaysOriginal(t *testing.T) {
	req := threeSegmentRequest(t)
	r := NewReassembler(assembly.NewAssembler(), Config{MaxVariants: 3})

	// The probed segment is absent from the context's segment list, as
	// happens when the list was filtered upstream of the probe loop.
	v, err := r.reorderVariant(context.Background(), req, "Z", 0)
	if err != nil {
		t.Fatalf("reorderVariant: %v", err)
	}
	if !strings.HasSuffix(v.ID, "-noop") {
		t.Errorf("degraded reorder id = %q, want -noop suffix", v.ID)
	}
	if v.Mutation != MutationReorder {
		t.Errorf("mutation = %q, want reorder", v.Mutation)
	}
	if v.Request != req {
		t.Error("degraded reorder should replay the original request")
	}
}

func TestReorderVariant_LastSegmentReplaysOriginal(t *testing.T) {
	req := threeSegmentRequest(t)
	r := NewReassembler(assembly.NewAssembler(), Config{MaxVariants: 3})

	// "C" sits last; there is no later position to swap into.
	v, err := r.reorderVariant(context.Background(), req, "C", 2)
	if err != nil {
		t.Fatalf("reorderVariant: %v", err)
	}
	if !strings.HasSuffix(v.ID, "-noop") {
		t.Errorf("degraded reorder id = %q, want -noop suffix", v.ID)
	}
	if v.Request != req {
		t.Error("degraded reorder should replay the original request")
	}
}

func TestBuildVariants_InvalidRequest(t *testing.T) {
	r := NewReassembler(nil, DefaultConfig())

	if _, err := r.BuildVariants(context.Background(), nil); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("nil request: got %v, want ErrInvalidRequest", err)
	}
	if _, err := r.BuildVariants(context.Background(), &model.ExecutionRequest{}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("missing context: got %v, want ErrInvalidRequest", err)
	}
}

func TestAnalyzeResponses_AppliesStrategy(t *testing.T) {
	r := NewReassembler(nil, DefaultConfig())

	base := &model.ExecutionResponse{RequestID: "base", Output: 10.0}
	responses := []VariantResponse{
		{VariantID: "v1", Response: &model.ExecutionResponse{Output: 12.0}},
		{VariantID: "v2", Response: &model.ExecutionResponse{Output: 10.0}},
		{VariantID: "v3", Response: nil}, // skipped
	}

	divergences := r.AnalyzeResponses(base, responses)
	if len(divergences) != 2 {
		t.Fatalf("got %d divergences, want 2", len(divergences))
	}
	if d := divergences[0].Divergence; d < 0.1666 || d > 0.1667 {
		t.Errorf("v1 divergence = %v, want ~0.1667", d)
	}
	if divergences[1].Divergence != 0 {
		t.Errorf("v2 divergence = %v, want 0", divergences[1].Divergence)
	}
}

func TestSanitizeSegmentID(t *testing.T) {
	testCases := []struct {
		in, want string
	}{
		{"Simple", "simple"},
		{"with space", "with-space"},
		{"weird!!chars##here", "weird-chars-here"},
		{"dots.and_underscores-ok", "dots.and_underscores-ok"},
		{"--edges--", "edges"},
	}
	for _, tc := range testCases {
		if got := sanitizeSegmentID(tc.in); got != tc.want {
			t.Errorf("sanitizeSegmentID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
