// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package model defines the execution envelopes and the opaque capability
// boundary to the external model collaborator.
//
// The collaborator that executes a request is a black box to this core: it
// may be local or remote, synchronous or asynchronous behind the interface.
// Provider integrations live outside this module.
package model

import (
	"context"

	"github.com/google/uuid"

	"github.com/AleutianAI/ContextGuard/services/guard/assembly"
)

// ExecutionRequest carries an assembled context to the model collaborator.
type ExecutionRequest struct {
	// ID uniquely identifies the request. NewRequest assigns a UUID;
	// counterfactual variants reuse their variant id here so responses
	// can be correlated deterministically.
	ID string `json:"id"`

	// Context is the assembled prompt context.
	Context *assembly.AssembledContext `json:"context"`

	// Prompt is the instruction accompanying the context.
	Prompt string `json:"prompt,omitempty"`

	// RawTrace is opaque passthrough for the collaborator.
	RawTrace any `json:"raw_trace,omitempty"`
}

// NewRequest creates a request with a fresh UUID.
func NewRequest(assembled *assembly.AssembledContext, prompt string) *ExecutionRequest {
	return &ExecutionRequest{
		ID:      uuid.NewString(),
		Context: assembled,
		Prompt:  prompt,
	}
}

// WithContext returns a copy of the request carrying a different assembled
// context and the given id. The receiver is untouched.
func (r *ExecutionRequest) WithContext(id string, assembled *assembly.AssembledContext) *ExecutionRequest {
	return &ExecutionRequest{
		ID:       id,
		Context:  assembled,
		Prompt:   r.Prompt,
		RawTrace: r.RawTrace,
	}
}

// ExecutionResponse is the collaborator's answer to one request.
type ExecutionResponse struct {
	// RequestID echoes the originating request.
	RequestID string `json:"request_id"`

	// Output is the model's opaque output value.
	Output any `json:"output"`

	// RawTrace is opaque passthrough from the collaborator.
	RawTrace any `json:"raw_trace,omitempty"`
}

// Executor is the injected model execution capability.
//
// Implementations must be safe for concurrent use; the counterfactual
// sweep fans requests out to a bounded worker pool.
type Executor interface {
	// Execute runs one request and returns the collaborator's response.
	Execute(ctx context.Context, req *ExecutionRequest) (*ExecutionResponse, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req *ExecutionRequest) (*ExecutionResponse, error)

// Execute calls the wrapped function.
func (f ExecutorFunc) Execute(ctx context.Context, req *ExecutionRequest) (*ExecutionResponse, error) {
	return f(ctx, req)
}

// StaticExecutor returns a fixed output for every request. Useful as a
// test double.
type StaticExecutor struct {
	// Output is returned for every request.
	Output any
}

// Execute returns the static output tagged with the request id.
func (s *StaticExecutor) Execute(_ context.Context, req *ExecutionRequest) (*ExecutionResponse, error) {
	return &ExecutionResponse{RequestID: req.ID, Output: s.Output}, nil
}

// Ensure adapters implement Executor.
var (
	_ Executor = ExecutorFunc(nil)
	_ Executor = (*StaticExecutor)(nil)
)
