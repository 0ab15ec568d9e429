package agent

import (
	"context"

	"forge/internal/state"
	"forge/internal/workflow"
)

const architectSystemPrompt = `You are a software architect. Design the system
architecture for the specified requirements: components, interfaces, data
flow, and technology choices. Justify the trade-offs you make.`

// Architect owns the ARCHITECTURE_DESIGN stage and the architecture region.
// It reads the requirements region produced upstream.
type Architect struct {
	BaseAgent
}

// NewArchitect builds the architect agent.
func NewArchitect(deps Deps) *Architect {
	a := &Architect{}
	a.init(
		workflow.RoleArchitect,
		[]workflow.Stage{workflow.StageArchitecture},
		[]string{"architecture_design"},
		[]state.Region{state.RegionRequirements},
		[]state.Region{state.RegionArchitecture},
		deps,
	)
	return a
}

// ExecuteStage produces the architecture document.
func (a *Architect) ExecuteStage(ctx context.Context, stage workflow.Stage, project *state.Project) (Output, error) {
	prompt := a.buildPrompt(project, stage, "Design the system architecture for the specified requirements.")
	res, err := a.generate(ctx, stage, "architecture_design", architectSystemPrompt, prompt)
	if err != nil {
		return Output{}, err
	}
	return Output{
		Summary: "architecture designed",
		Artifacts: map[string]state.Artifact{
			"architecture_doc": {Blob: res.Content},
		},
		StateUpdates: map[state.Region]map[string]any{
			state.RegionArchitecture: {"design": res.Content},
		},
		Decisions: []Note{{
			Decision:  "architecture selected",
			Rationale: "derived from the baselined requirements",
		}},
		Tokens: res.TotalTokens,
	}, nil
}

var _ Agent = (*Architect)(nil)
