// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package provenance maintains the directed acyclic graph of segment
// derivation and answers ancestry, descendant, and cycle queries.
//
// # Ownership Model
//
// The graph is an arena: an id-keyed node map with adjacency stored as
// lists of ids rather than owning pointers, so derivation chains can never
// form ownership cycles. Segments handed to AddSegment are copied into the
// node; callers keep their own instances.
//
// # Thread Safety
//
// Graph is a mutable shared structure. Writes (AddSegment, Link) are
// serialized behind a write lock; Lineage, Descendants, HasCycle, and the
// snapshot accessors take a read lock and may run concurrently with each
// other but never interleave with an in-flight write.
package provenance

import "errors"

// Sentinel errors for graph operations.
var (
	// ErrNodeNotFound is returned when an operation references a segment
	// id that has not been registered in the graph.
	ErrNodeNotFound = errors.New("provenance node not found")

	// ErrDuplicateNode is returned when registering a segment whose id is
	// already present. Segment ids are unique within one graph.
	ErrDuplicateNode = errors.New("duplicate provenance node id")

	// ErrInvalidSegment is returned when registering a segment with an
	// empty id.
	ErrInvalidSegment = errors.New("invalid segment")
)
