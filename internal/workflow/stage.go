// Package workflow defines the canonical stage enumeration for the
// construction pipeline. Every other package imports this one; no stage
// constants are declared anywhere else.
package workflow

import (
	"errors"
	"fmt"
)

// Stage is a discrete phase of the pipeline.
type Stage string

const (
	StageInitial        Stage = "INITIAL"
	StageRequirements   Stage = "REQUIREMENTS_ANALYSIS"
	StageArchitecture   Stage = "ARCHITECTURE_DESIGN"
	StageUIDesign       Stage = "UI_UX_DESIGN"
	StageImplementation Stage = "IMPLEMENTATION"
	StageTesting        Stage = "TESTING"
	StageQA             Stage = "QUALITY_ASSURANCE"
	StageCompleted      Stage = "COMPLETED"
	StageFailed         Stage = "FAILED"
)

// ErrInvalidStageTransition is returned when a transition skips forward past
// the adjacent stage or moves backward. Jumping to FAILED is always allowed.
var ErrInvalidStageTransition = errors.New("invalid stage transition")

// order is the total order of the main pipeline. FAILED sits outside it as
// the alternate terminal.
var order = []Stage{
	StageInitial,
	StageRequirements,
	StageArchitecture,
	StageUIDesign,
	StageImplementation,
	StageTesting,
	StageQA,
	StageCompleted,
}

// Order returns the main pipeline in total order, INITIAL through COMPLETED.
func Order() []Stage {
	out := make([]Stage, len(order))
	copy(out, order)
	return out
}

// Pipeline returns the working stages a workflow executes, in order. The UI
// stage is omitted when skipUI is set.
func Pipeline(skipUI bool) []Stage {
	stages := make([]Stage, 0, len(order)-2)
	for _, s := range order {
		if s == StageInitial || s == StageCompleted {
			continue
		}
		if skipUI && s == StageUIDesign {
			continue
		}
		stages = append(stages, s)
	}
	return stages
}

// Index returns the position of s in the total order, or -1 for FAILED and
// unknown values.
func (s Stage) Index() int {
	for i, st := range order {
		if st == s {
			return i
		}
	}
	return -1
}

// Known reports whether s is a declared stage (including FAILED).
func (s Stage) Known() bool {
	return s == StageFailed || s.Index() >= 0
}

// IsTerminal reports whether s ends the workflow.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// IsRefinement reports whether s runs in a bounded repair loop.
func (s Stage) IsRefinement() bool {
	return s == StageTesting || s == StageQA
}

// Next returns the stage that follows s in the pipeline, honoring skipUI.
// The second return is false when s is terminal or unknown.
func Next(s Stage, skipUI bool) (Stage, bool) {
	idx := s.Index()
	if idx < 0 || idx >= len(order)-1 {
		return "", false
	}
	next := order[idx+1]
	if skipUI && next == StageUIDesign {
		next = order[idx+2]
	}
	return next, true
}

// ValidateTransition enforces the advancement invariant: the workflow moves
// only to the adjacent forward stage (with the UI stage elided when skipped)
// or jumps to FAILED.
func ValidateTransition(from, to Stage, skipUI bool) error {
	if to == StageFailed {
		return nil
	}
	next, ok := Next(from, skipUI)
	if !ok || to != next {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStageTransition, from, to)
	}
	return nil
}

// PercentComplete maps a stage onto overall workflow progress. INITIAL is 0,
// COMPLETED is 100, working stages are spread evenly across the pipeline.
func PercentComplete(s Stage, skipUI bool) float64 {
	switch s {
	case StageCompleted:
		return 100
	case StageInitial, StageFailed:
		return 0
	}
	pipeline := Pipeline(skipUI)
	for i, st := range pipeline {
		if st == s {
			return float64(i+1) / float64(len(pipeline)+1) * 100
		}
	}
	return 0
}

// HistoryRestoredMarker is prepended to a stage history when a workflow is
// resumed from a checkpoint.
const HistoryRestoredMarker = "RESTORED"
