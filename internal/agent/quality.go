package agent

import (
	"context"

	"forge/internal/state"
	"forge/internal/workflow"
)

const qualitySystemPrompt = `You are a quality expert performing the final
review. Judge whether the project meets its requirements end to end. Report
the verdict as JSON with an "approved" boolean, followed by a review summary
naming any gaps.`

// QAResultsKey is the metadata region key the reviewer writes its verdict
// under. The scheduler reads the "approved" flag to drive the QA refinement
// loop.
const QAResultsKey = "qa_results"

// QualityExpert owns the QUALITY_ASSURANCE stage.
type QualityExpert struct {
	BaseAgent
}

// NewQualityExpert builds the reviewer agent.
func NewQualityExpert(deps Deps) *QualityExpert {
	a := &QualityExpert{}
	a.init(
		workflow.RoleQualityExpert,
		[]workflow.Stage{workflow.StageQA},
		[]string{"quality_review"},
		[]state.Region{state.RegionRequirements, state.RegionArchitecture, state.RegionImplementationPlan},
		[]state.Region{state.RegionMetadata},
		deps,
	)
	return a
}

// ExecuteStage runs the final review and records the verdict.
func (a *QualityExpert) ExecuteStage(ctx context.Context, stage workflow.Stage, project *state.Project) (Output, error) {
	prompt := a.buildPrompt(project, stage, "Review the project end to end and report the approval verdict.")
	res, err := a.generate(ctx, stage, "quality_review", qualitySystemPrompt, prompt)
	if err != nil {
		return Output{}, err
	}
	approved := flagFromContent(res.Content, "approved")
	return Output{
		Summary: "quality review recorded",
		Artifacts: map[string]state.Artifact{
			"qa_report": {Blob: res.Content},
		},
		StateUpdates: map[state.Region]map[string]any{
			state.RegionMetadata: {
				QAResultsKey: map[string]any{
					"approved": approved,
					"report":   res.Content,
				},
			},
		},
		Tokens: res.TotalTokens,
	}, nil
}

var _ Agent = (*QualityExpert)(nil)
