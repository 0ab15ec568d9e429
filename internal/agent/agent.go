// Package agent implements the pipeline participants. Each agent owns one
// capability slice of the workflow, declares the state regions it writes so
// the scheduler can detect conflicts, and talks to the rest of the system
// only through the shared project state and the message bus.
package agent

import (
	"context"

	"forge/internal/state"
	"forge/internal/workflow"
)

// Agent is a pipeline participant.
type Agent interface {
	// Role returns the agent's fixed role.
	Role() workflow.Role

	// ResponsibleStages lists the stages this agent executes. An empty
	// list means the agent never runs a stage and only does bookkeeping.
	ResponsibleStages() []workflow.Stage

	// Capabilities names what the agent can do, for request routing and
	// cache keying.
	Capabilities() []string

	// StateRegions lists the regions the agent writes. Two agents that
	// share a region must not run concurrently.
	StateRegions() []state.Region

	// ContextParts returns the deterministic semantic inputs of the
	// agent's stage work. Equal parts imply an equivalent task, which is
	// what makes result caching sound.
	ContextParts(project *state.Project, stage workflow.Stage) map[string]string

	// ExecuteStage performs the agent's work for one stage and returns
	// the output to apply to the project. It must not hold any region
	// lock across a generator call.
	ExecuteStage(ctx context.Context, stage workflow.Stage, project *state.Project) (Output, error)
}

// Repairer is implemented by agents that can rework their output from
// refinement feedback.
type Repairer interface {
	Repair(ctx context.Context, project *state.Project, feedback string) (Output, error)
}

// Note is a decision the agent made while producing its output.
type Note struct {
	Decision  string `json:"decision"`
	Rationale string `json:"rationale,omitempty"`
}

// Output is the applied effect of one stage execution. It is assembled off
// to the side and committed to the project in one pass, so a failed
// execution leaves no partial writes. Outputs are serializable so the
// result cache can persist them across runs.
type Output struct {
	Summary      string                            `json:"summary,omitempty"`
	Artifacts    map[string]state.Artifact         `json:"artifacts,omitempty"`
	StateUpdates map[state.Region]map[string]any   `json:"state_updates,omitempty"`
	Decisions    []Note                            `json:"decisions,omitempty"`
	Tokens       int                               `json:"tokens,omitempty"`
}

// Apply commits the output to the project on behalf of the given role.
func (o Output) Apply(p *state.Project, by workflow.Role) {
	for region, updates := range o.StateUpdates {
		for key, value := range updates {
			p.SetRegionValue(region, key, value)
		}
	}
	for key, artifact := range o.Artifacts {
		p.AddArtifact(key, artifact)
	}
	for _, note := range o.Decisions {
		p.AddDecision(note.Decision, string(by), note.Rationale)
	}
}
