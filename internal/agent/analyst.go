package agent

import (
	"context"

	"forge/internal/state"
	"forge/internal/workflow"
)

const analystSystemPrompt = `You are a requirements analyst. Turn the client
requirement into a structured specification: user stories, functional
requirements, constraints, and acceptance criteria. Be precise and complete.`

// RequirementsAnalyst owns the REQUIREMENTS_ANALYSIS stage and the
// requirements region.
type RequirementsAnalyst struct {
	BaseAgent
}

// NewRequirementsAnalyst builds the analyst agent.
func NewRequirementsAnalyst(deps Deps) *RequirementsAnalyst {
	a := &RequirementsAnalyst{}
	a.init(
		workflow.RoleRequirementsAnalyst,
		[]workflow.Stage{workflow.StageRequirements},
		[]string{"requirements_analysis"},
		nil,
		[]state.Region{state.RegionRequirements},
		deps,
	)
	return a
}

// ExecuteStage produces the requirements specification.
func (a *RequirementsAnalyst) ExecuteStage(ctx context.Context, stage workflow.Stage, project *state.Project) (Output, error) {
	prompt := a.buildPrompt(project, stage, "Analyze the requirement and produce the requirements specification.")
	res, err := a.generate(ctx, stage, "requirements_analysis", analystSystemPrompt, prompt)
	if err != nil {
		return Output{}, err
	}
	return Output{
		Summary: "requirements specification produced",
		Artifacts: map[string]state.Artifact{
			"requirements_doc": {Blob: res.Content},
		},
		StateUpdates: map[state.Region]map[string]any{
			state.RegionRequirements: {"specification": res.Content},
		},
		Decisions: []Note{{
			Decision:  "requirements baselined",
			Rationale: "specification derived from the client requirement",
		}},
		Tokens: res.TotalTokens,
	}, nil
}

var _ Agent = (*RequirementsAnalyst)(nil)
