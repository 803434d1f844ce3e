// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assembly

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/minio/highwayhash"

	"github.com/AleutianAI/ContextGuard/services/guard/segment"
)

// signatureKey is the fixed HighwayHash key for context identity. The key
// is part of the identity definition; changing it changes every context id.
var signatureKey = []byte("ContextGuardAssemblySignatureKey")

// contextID derives the deterministic context identity from the ordered
// selection.
//
// Description:
//
//	The signature string concatenates each retained segment's id with its
//	exact trust value (shortest round-trippable float form), then appends
//	the final count, so both reordering and truncation change the id.
//	The string is hashed with HighwayHash-64 to keep ids short and
//	collision-resistant with respect to the (id, weight) pairs.
func contextID(retained []segment.ContextSegment) string {
	var sb strings.Builder
	for i, s := range retained {
		if i > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString(s.ID())
		sb.WriteByte('@')
		sb.WriteString(strconv.FormatFloat(s.Trust.Value, 'g', -1, 64))
	}
	sb.WriteString("#n=")
	sb.WriteString(strconv.Itoa(len(retained)))

	return "ctx-" + hashSignature(sb.String())
}

// hashSignature hashes a signature string to a fixed-width hex token.
func hashSignature(signature string) string {
	h, err := highwayhash.New64(signatureKey)
	if err != nil {
		// Key length is a compile-time constant; New64 only fails on a
		// malformed key.
		panic(fmt.Sprintf("assembly: bad signature key: %v", err))
	}
	_, _ = h.Write([]byte(signature))
	return fmt.Sprintf("%016x", h.Sum64())
}
