// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package respond converts poisoning indicators into administrative
// actions: suppression (removal from future assemblies) or quarantine
// (flagging for isolated review).
package respond

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/ContextGuard/services/guard/assembly"
	"github.com/AleutianAI/ContextGuard/services/guard/divergence"
)

var (
	suppressedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contextguard_segments_suppressed_total",
		Help: "Total context segments suppressed in response to poisoning indicators",
	})

	quarantinedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contextguard_segments_quarantined_total",
		Help: "Total context segments quarantined in response to poisoning indicators",
	})
)

// Response is the administrative outcome for a set of indicators.
type Response struct {
	// SuppressedSegmentIDs are segments removed from future assemblies.
	SuppressedSegmentIDs []string `json:"suppressed_segment_ids,omitempty"`

	// QuarantinedSegmentIDs are segments flagged for isolated review.
	QuarantinedSegmentIDs []string `json:"quarantined_segment_ids,omitempty"`

	// Warnings summarize the action for the upstream orchestrator.
	Warnings []string `json:"warnings,omitempty"`
}

// SuppressionResult extends Response with the cleaned context.
type SuppressionResult struct {
	Response

	// RetainedContext is the input context with suppressed segment ids
	// filtered out.
	RetainedContext *assembly.AssembledContext `json:"retained_context"`
}

// Responder converts indicators into suppression or quarantine actions.
//
// Thread Safety:
//
//	Responder is stateless and safe for concurrent use.
type Responder struct{}

// NewResponder creates a responder.
func NewResponder() *Responder {
	return &Responder{}
}

// Suppress marks every implicated segment for removal from future
// assemblies.
//
// Description:
//
//	Suppressed ids are the distinct mutated segment ids across the
//	indicators, in first-seen order, so repeated calls over the same
//	indicator list produce identical output. An empty indicator list is
//	a well-defined no-op: empty ids, no warnings.
func (r *Responder) Suppress(indicators []divergence.Indicator) Response {
	ids := distinctSegmentIDs(indicators)

	resp := Response{SuppressedSegmentIDs: ids}
	if len(ids) > 0 {
		resp.Warnings = []string{
			fmt.Sprintf("suppressed %d segment(s) implicated by divergence analysis", len(ids)),
		}
		suppressedTotal.Add(float64(len(ids)))
	}
	return resp
}

// SuppressWithContext suppresses implicated segments and returns the
// cleaned context.
//
// Description:
//
//	As Suppress, plus a retained context equal to the input with
//	suppressed segment ids filtered out by id. The input context is
//	untouched; the retained context is a recomputed derivation.
func (r *Responder) SuppressWithContext(ctx *assembly.AssembledContext, indicators []divergence.Indicator) SuppressionResult {
	resp := r.Suppress(indicators)

	retained := ctx
	if ctx != nil && len(resp.SuppressedSegmentIDs) > 0 {
		retained = ctx.Without(resp.SuppressedSegmentIDs...)
	}
	return SuppressionResult{
		Response:        resp,
		RetainedContext: retained,
	}
}

// Quarantine flags every implicated segment for isolated review.
//
// Description:
//
//	Same distinct-id extraction as Suppress, but segments are flagged
//	rather than removed, with one warning per quarantined id.
func (r *Responder) Quarantine(indicators []divergence.Indicator) Response {
	ids := distinctSegmentIDs(indicators)

	resp := Response{QuarantinedSegmentIDs: ids}
	for _, id := range ids {
		resp.Warnings = append(resp.Warnings,
			fmt.Sprintf("segment %s quarantined for review", id))
	}
	if len(ids) > 0 {
		quarantinedTotal.Add(float64(len(ids)))
	}
	return resp
}

// distinctSegmentIDs extracts mutated segment ids in first-seen order,
// dropping duplicates and indicators that implicate no segment.
func distinctSegmentIDs(indicators []divergence.Indicator) []string {
	var ids []string
	seen := make(map[string]bool, len(indicators))
	for _, ind := range indicators {
		id := ind.MutatedSegmentID
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}
