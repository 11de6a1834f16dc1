package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Severity grades a reorg by its depth.
type Severity string

const (
	SeverityShallow  Severity = "shallow"
	SeverityModerate Severity = "moderate"
	SeverityDeep     Severity = "deep"
	// SeverityCritical halts dispatch on the chain until an operator
	// clears it.
	SeverityCritical Severity = "critical"
)

// SeverityThresholds are the inclusive depth boundaries per grade.
// Depths beyond Deep are critical.
type SeverityThresholds struct {
	Shallow  int
	Moderate int
	Deep     int
}

// ClassifySeverity grades a reorg depth against the chain's thresholds.
func ClassifySeverity(depth int, t SeverityThresholds) Severity {
	switch {
	case depth <= t.Shallow:
		return SeverityShallow
	case depth <= t.Moderate:
		return SeverityModerate
	case depth <= t.Deep:
		return SeverityDeep
	default:
		return SeverityCritical
	}
}

// ReorgEvent describes one detected chain reorganization.
type ReorgEvent struct {
	Chain string
	// Depth is the number of blocks replaced.
	Depth    int
	Severity Severity
	// OldHead is the head that was abandoned, NewHead the canonical head
	// that replaced it.
	OldHead common.Hash
	NewHead common.Hash
	// AncestorNumber is the height of the last block shared by both
	// branches.
	AncestorNumber uint64
	AncestorHash   common.Hash
	// AffectedTxs are watched transactions whose inclusion block left the
	// canonical chain.
	AffectedTxs []common.Hash
	DetectedAt  time.Time
}
