package agent

import (
	"context"

	"forge/internal/state"
	"forge/internal/workflow"
)

const designerSystemPrompt = `You are a UX/UI designer. Produce the interface
design for the system: screens, navigation, interaction patterns, and visual
guidelines consistent with the requirements and architecture.`

// UXUIDesigner owns the optional UI_UX_DESIGN stage and the design region.
type UXUIDesigner struct {
	BaseAgent
}

// NewUXUIDesigner builds the designer agent.
func NewUXUIDesigner(deps Deps) *UXUIDesigner {
	a := &UXUIDesigner{}
	a.init(
		workflow.RoleUXUIDesigner,
		[]workflow.Stage{workflow.StageUIDesign},
		[]string{"ui_design"},
		[]state.Region{state.RegionRequirements, state.RegionArchitecture},
		[]state.Region{state.RegionDesign},
		deps,
	)
	return a
}

// ExecuteStage produces the UI design document.
func (a *UXUIDesigner) ExecuteStage(ctx context.Context, stage workflow.Stage, project *state.Project) (Output, error) {
	prompt := a.buildPrompt(project, stage, "Produce the UI/UX design for the system.")
	res, err := a.generate(ctx, stage, "ui_design", designerSystemPrompt, prompt)
	if err != nil {
		return Output{}, err
	}
	return Output{
		Summary: "ui design produced",
		Artifacts: map[string]state.Artifact{
			"design_doc": {Blob: res.Content},
		},
		StateUpdates: map[state.Region]map[string]any{
			state.RegionDesign: {"ui": res.Content},
		},
		Tokens: res.TotalTokens,
	}, nil
}

var _ Agent = (*UXUIDesigner)(nil)
