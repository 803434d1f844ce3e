// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline coordinates the full guard flow: provenance-tracked
// segments are assembled by trust weight, the assembled context is
// executed alongside counterfactual probes, divergences are scored,
// and poisoning indicators drive suppression on subsequent runs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/ContextGuard/pkg/logging"
	"github.com/AleutianAI/ContextGuard/services/guard/assembly"
	"github.com/AleutianAI/ContextGuard/services/guard/config"
	"github.com/AleutianAI/ContextGuard/services/guard/counterfactual"
	"github.com/AleutianAI/ContextGuard/services/guard/divergence"
	"github.com/AleutianAI/ContextGuard/services/guard/model"
	"github.com/AleutianAI/ContextGuard/services/guard/provenance"
	"github.com/AleutianAI/ContextGuard/services/guard/respond"
	"github.com/AleutianAI/ContextGuard/services/guard/segment"
)

var (
	// ErrNilExecutor is returned when a Coordinator is created without
	// a model executor.
	ErrNilExecutor = errors.New("pipeline: executor must not be nil")

	// ErrCyclicProvenance is returned by Evaluate when the provenance
	// graph contains a cycle. A cyclic graph means segment lineage can
	// no longer be audited, so evaluation refuses to proceed.
	ErrCyclicProvenance = errors.New("pipeline: provenance graph contains a cycle")

	// ErrNoSegments is returned by Evaluate when every ingested
	// segment has been suppressed or nothing was ever ingested.
	ErrNoSegments = errors.New("pipeline: no segments available for assembly")
)

// Evaluation is the result of one guarded execution run.
type Evaluation struct {
	// RunID uniquely identifies this evaluation run.
	RunID string `json:"run_id"`

	// Report is the assembly report for the base context, including
	// invariant violations and trust-dropped segment ids.
	Report *assembly.Report `json:"report"`

	// Sweep holds the counterfactual probe results.
	Sweep *counterfactual.SweepResult `json:"sweep"`

	// Scores are the per-variant divergence scores.
	Scores []divergence.Score `json:"scores"`

	// Indicators are the above-threshold scores enriched with the
	// mutated segment.
	Indicators []divergence.Indicator `json:"indicators"`

	// Suppression is the responder outcome, including the retained
	// context with flagged segments removed.
	Suppression respond.SuppressionResult `json:"suppression"`
}

// Coordinator owns the provenance graph and runs the guard flow
// end to end.
//
// Description:
//
//	Segments enter through Ingest and accumulate in the provenance
//	graph. Each Evaluate call assembles the non-suppressed segments,
//	executes the base request and its counterfactual variants, scores
//	divergences, and suppresses segments flagged as poisoning
//	indicators. Suppressed segments stay in the graph for audit but
//	are excluded from every later assembly.
//
// Thread Safety:
//
//	Safe for concurrent use. The graph has its own locking; the
//	suppressed set is protected by mu.
type Coordinator struct {
	graph       *provenance.Graph
	assembler   *assembly.Assembler
	reassembler *counterfactual.Reassembler
	analyzer    *divergence.Analyzer
	responder   *respond.Responder
	executor    model.Executor
	logger      *logging.Logger

	mu         sync.Mutex
	suppressed map[string]struct{}
}

// NewCoordinator creates a Coordinator from a guard configuration.
//
// Inputs:
//
//	cfg - Pipeline configuration; config.Default() gives the embedded
//	      defaults.
//	exec - The model executor for base and variant requests.
//	logger - Structured logger; nil falls back to logging.Default().
//
// Outputs:
//
//	*Coordinator - Ready to Ingest and Evaluate.
//	error - ErrNilExecutor if exec is nil.
func NewCoordinator(cfg config.GuardConfig, exec model.Executor, logger *logging.Logger) (*Coordinator, error) {
	if exec == nil {
		return nil, ErrNilExecutor
	}
	if logger == nil {
		logger = logging.Default()
	}

	asm := assembly.NewAssembler(cfg.AssemblyOptions()...)
	return &Coordinator{
		graph:       provenance.NewGraph(),
		assembler:   asm,
		reassembler: counterfactual.NewReassembler(asm, cfg.ReassemblerConfig()),
		analyzer:    divergence.NewAnalyzer(cfg.Divergence.Threshold),
		responder:   respond.NewResponder(),
		executor:    exec,
		logger:      logger,
		suppressed:  make(map[string]struct{}),
	}, nil
}

// Ingest registers a segment in the provenance graph.
//
// Parents must already exist in the graph; see provenance.AddSegment
// for the full contract.
func (c *Coordinator) Ingest(seg segment.ContextSegment, parents ...string) (string, error) {
	id, err := c.graph.AddSegment(seg, parents...)
	if err != nil {
		return "", fmt.Errorf("ingest segment: %w", err)
	}
	c.logger.Debug("segment ingested",
		"segment_id", id,
		"source", seg.Metadata.Source,
		"trust_weight", seg.Trust.Value,
		"parents", len(parents),
	)
	return id, nil
}

// Graph returns the provenance graph for lineage queries.
func (c *Coordinator) Graph() *provenance.Graph {
	return c.graph
}

// Suppressed returns the ids of all segments suppressed across runs,
// sorted for determinism.
func (c *Coordinator) Suppressed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.suppressed))
	for id := range c.suppressed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reinstate removes a segment id from the suppressed set, making it
// eligible for assembly again. Returns true if the id was suppressed.
func (c *Coordinator) Reinstate(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.suppressed[id]
	delete(c.suppressed, id)
	return ok
}

// Evaluate runs one guarded execution for the given prompt.
//
// Description:
//
//	Assembles the non-suppressed graph segments by trust weight,
//	executes the base request and counterfactual variants, scores
//	divergences against the analyzer threshold, and suppresses any
//	segments flagged as indicators. Newly suppressed segments are
//	excluded from subsequent Evaluate calls.
//
// Inputs:
//
//	ctx - Context for cancellation; propagated to the executor.
//	prompt - The instruction to execute against the assembled context.
//
// Outputs:
//
//	*Evaluation - The full run result.
//	error - ErrCyclicProvenance, ErrNoSegments, assembly or sweep
//	        failure. A base execution failure is fatal; individual
//	        variant failures are reported in Sweep.Failed.
func (c *Coordinator) Evaluate(ctx context.Context, prompt string) (*Evaluation, error) {
	if c.graph.HasCycle() {
		return nil, ErrCyclicProvenance
	}

	segments := c.eligibleSegments()
	if len(segments) == 0 {
		return nil, ErrNoSegments
	}

	runID := uuid.NewString()
	runLogger := c.logger.With("run_id", runID)

	report, err := c.assembler.AssembleWithReport(ctx, segments)
	if err != nil {
		return nil, fmt.Errorf("assemble context: %w", err)
	}
	runLogger.Info("context assembled",
		"context_id", report.Context.ID,
		"segments_retained", len(report.Context.Segments),
		"segments_dropped", len(report.DroppedSegmentIDs),
		"violations", len(report.Violations),
	)

	req := model.NewRequest(report.Context, prompt)
	sweep, err := c.reassembler.Sweep(ctx, c.executor, req)
	if err != nil {
		return nil, fmt.Errorf("counterfactual sweep: %w", err)
	}
	if len(sweep.Failed) > 0 {
		runLogger.Warn("variant executions failed",
			"failed", len(sweep.Failed),
			"evaluated", len(sweep.Responses),
		)
	}

	scores := c.analyzer.Score(req.ID, sweep.Divergences)
	indicators := c.analyzer.DetectPoisoning(scores, sweep.Variants)

	suppression := c.responder.SuppressWithContext(report.Context, indicators)
	c.recordSuppressed(suppression.SuppressedSegmentIDs)

	if len(indicators) > 0 {
		runLogger.Warn("poisoning indicators detected",
			"indicators", len(indicators),
			"suppressed", suppression.SuppressedSegmentIDs,
		)
	} else {
		runLogger.Info("no poisoning indicators", "variants", len(sweep.Variants))
	}

	return &Evaluation{
		RunID:       runID,
		Report:      report,
		Sweep:       sweep,
		Scores:      scores,
		Indicators:  indicators,
		Suppression: suppression,
	}, nil
}

// eligibleSegments returns graph segments minus the suppressed set.
func (c *Coordinator) eligibleSegments() []segment.ContextSegment {
	all := c.graph.Segments()

	c.mu.Lock()
	defer c.mu.Unlock()
	eligible := make([]segment.ContextSegment, 0, len(all))
	for _, seg := range all {
		if _, skip := c.suppressed[seg.ID()]; skip {
			continue
		}
		eligible = append(eligible, seg)
	}
	return eligible
}

func (c *Coordinator) recordSuppressed(ids []string) {
	if len(ids) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		c.suppressed[id] = struct{}{}
	}
}
