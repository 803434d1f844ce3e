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
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/ContextGuard/services/guard/model"
)

var sweepTracer = otel.Tracer("contextguard.counterfactual")

// Semaphore implements a counting semaphore for bounded sweep concurrency.
//
// Thread Safety: Safe for concurrent use.
type Semaphore struct {
	ch chan struct{}
}

// NewSemaphore creates a semaphore with the given capacity. Capacities
// below one are clamped to one.
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &Semaphore{ch: make(chan struct{}, capacity)}
}

// Acquire acquires a slot, blocking until one is available or the context
// is cancelled.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release releases a slot acquired with Acquire.
func (s *Semaphore) Release() {
	select {
	case <-s.ch:
	default:
		panic("counterfactual: semaphore release without acquire")
	}
}

// SweepFailure records a variant whose model call failed or timed out.
//
// Failed variants are excluded from divergence analysis rather than
// aborting the sweep.
type SweepFailure struct {
	VariantID string `json:"variant_id"`
	Err       error  `json:"-"`
}

// SweepResult is the outcome of executing the base request and every
// counterfactual variant against the model collaborator.
type SweepResult struct {
	// BaseResponse is the collaborator's answer to the base request.
	BaseResponse *model.ExecutionResponse `json:"base_response"`

	// Variants are the probes that were built, in probe order.
	Variants []Variant `json:"variants"`

	// Responses are the successful variant responses, sorted by variant
	// id so output order is deterministic regardless of completion order.
	Responses []VariantResponse `json:"responses"`

	// Failed lists variants excluded from analysis, sorted by variant id.
	Failed []SweepFailure `json:"failed,omitempty"`

	// Divergences are the measured divergences for Responses.
	Divergences []VariantDivergence `json:"divergences"`
}

// Sweep builds all variants for the request and evaluates them against
// the model collaborator.
//
// Description:
//
//	The base request and every variant are fanned out to a bounded worker
//	pool (Config.MaxConcurrency), each call capped by
//	Config.PerCallTimeout. Reorder no-op variants replay the base request
//	verbatim; concurrent calls for the same request id are deduplicated
//	with singleflight so the collaborator is not asked twice for an
//	identical in-flight request. Successful responses are sorted by
//	variant id before divergence analysis.
//
// Inputs:
//
//	ctx - Context governing the whole sweep.
//	exec - The injected model execution capability. Must not be nil.
//	req - The base request carrying an assembled context.
//
// Outputs:
//
//	*SweepResult - Responses, failures, and divergences.
//	error - ErrInvalidRequest, a variant-construction error, or the base
//	        call's failure. Individual variant call failures are
//	        reported in SweepResult.Failed, not returned.
func (r *Reassembler) Sweep(ctx context.Context, exec model.Executor, req *model.ExecutionRequest) (*SweepResult, error) {
	if exec == nil {
		return nil, fmt.Errorf("%w: nil executor", ErrInvalidRequest)
	}

	variants, err := r.BuildVariants(ctx, req)
	if err != nil {
		return nil, err
	}

	ctx, span := sweepTracer.Start(ctx, "Reassembler.Sweep",
		trace.WithAttributes(
			attribute.String("sweep.base_request_id", req.ID),
			attribute.Int("sweep.variants", len(variants)),
		),
	)
	defer span.End()

	var flight singleflight.Group
	call := func(ctx context.Context, callReq *model.ExecutionRequest) (*model.ExecutionResponse, error) {
		v, err, _ := flight.Do(callReq.ID, func() (any, error) {
			callCtx := ctx
			if r.config.PerCallTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, r.config.PerCallTimeout)
				defer cancel()
			}
			return exec.Execute(callCtx, callReq)
		})
		if err != nil {
			return nil, err
		}
		return v.(*model.ExecutionResponse), nil
	}

	type outcome struct {
		variantIdx int // -1 for the base request
		response   *model.ExecutionResponse
		err        error
	}

	sem := NewSemaphore(r.config.MaxConcurrency)
	outcomes := make(chan outcome, len(variants)+1)
	var wg sync.WaitGroup

	launch := func(idx int, callReq *model.ExecutionRequest) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(ctx); err != nil {
				outcomes <- outcome{variantIdx: idx, err: err}
				return
			}
			defer sem.Release()
			resp, err := call(ctx, callReq)
			outcomes <- outcome{variantIdx: idx, response: resp, err: err}
		}()
	}

	launch(-1, req)
	for i := range variants {
		launch(i, variants[i].Request)
	}

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	result := &SweepResult{Variants: variants}
	var baseErr error
	for o := range outcomes {
		switch {
		case o.variantIdx < 0:
			result.BaseResponse = o.response
			baseErr = o.err
		case o.err != nil:
			result.Failed = append(result.Failed, SweepFailure{
				VariantID: variants[o.variantIdx].ID,
				Err:       o.err,
			})
		default:
			result.Responses = append(result.Responses, VariantResponse{
				VariantID: variants[o.variantIdx].ID,
				Response:  o.response,
			})
		}
	}

	if baseErr != nil {
		span.RecordError(baseErr)
		return nil, fmt.Errorf("base request %s: %w", req.ID, baseErr)
	}

	sort.Slice(result.Responses, func(i, j int) bool {
		return result.Responses[i].VariantID < result.Responses[j].VariantID
	})
	sort.Slice(result.Failed, func(i, j int) bool {
		return result.Failed[i].VariantID < result.Failed[j].VariantID
	})

	result.Divergences = r.AnalyzeResponses(result.BaseResponse, result.Responses)
	span.SetAttributes(
		attribute.Int("sweep.responses", len(result.Responses)),
		attribute.Int("sweep.failed", len(result.Failed)),
	)
	return result, nil
}
