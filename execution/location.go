// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package execution

// LocationMode selects which endpoints an operation may target and in
// which order attempts alternate between them.
type LocationMode string

const (
	PrimaryOnly          LocationMode = "primary_only"
	PrimaryThenSecondary LocationMode = "primary_then_secondary"
	SecondaryOnly        LocationMode = "secondary_only"
	SecondaryThenPrimary LocationMode = "secondary_then_primary"
)

// First returns the location of the first attempt.
func (m LocationMode) First() Location {
	switch m {
	case SecondaryOnly, SecondaryThenPrimary:
		return Secondary
	default:
		return Primary
	}
}

// Next returns the location of the attempt following one that
// targeted cur. Modes with two endpoints alternate; single-endpoint
// modes stay put.
func (m LocationMode) Next(cur Location) Location {
	switch m {
	case PrimaryThenSecondary, SecondaryThenPrimary:
		if cur == Primary {
			return Secondary
		}
		return Primary
	default:
		return m.First()
	}
}

// Uses tells whether the mode ever targets l.
func (m LocationMode) Uses(l Location) bool {
	switch m {
	case PrimaryOnly:
		return l == Primary
	case SecondaryOnly:
		return l == Secondary
	default:
		return true
	}
}
