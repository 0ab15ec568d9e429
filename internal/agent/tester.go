package agent

import (
	"context"

	"forge/internal/state"
	"forge/internal/workflow"
)

const testerSystemPrompt = `You are a test engineer. Exercise the
implementation against the requirements. Report the results as JSON with an
"all_passed" boolean, followed by a readable test report listing what you
checked and what failed.`

// TestResultsKey is the metadata region key the tester writes its verdict
// under. The scheduler reads the "all_passed" flag to drive the testing
// refinement loop.
const TestResultsKey = "test_results"

// TestEngineer owns the TESTING stage. Its verdict lands in the metadata
// region rather than a document region of its own.
type TestEngineer struct {
	BaseAgent
}

// NewTestEngineer builds the tester agent.
func NewTestEngineer(deps Deps) *TestEngineer {
	a := &TestEngineer{}
	a.init(
		workflow.RoleTestEngineer,
		[]workflow.Stage{workflow.StageTesting},
		[]string{"testing"},
		[]state.Region{state.RegionRequirements, state.RegionImplementationPlan},
		[]state.Region{state.RegionMetadata},
		deps,
	)
	return a
}

// ExecuteStage runs the test pass and records the verdict.
func (a *TestEngineer) ExecuteStage(ctx context.Context, stage workflow.Stage, project *state.Project) (Output, error) {
	prompt := a.buildPrompt(project, stage, "Test the implementation against the requirements and report the verdict.")
	res, err := a.generate(ctx, stage, "testing", testerSystemPrompt, prompt)
	if err != nil {
		return Output{}, err
	}
	passed := flagFromContent(res.Content, "all_passed")
	return Output{
		Summary: "test pass recorded",
		Artifacts: map[string]state.Artifact{
			"test_results": {Blob: res.Content},
		},
		StateUpdates: map[state.Region]map[string]any{
			state.RegionMetadata: {
				TestResultsKey: map[string]any{
					"all_passed": passed,
					"report":     res.Content,
				},
			},
		},
		Tokens: res.TotalTokens,
	}, nil
}

var _ Agent = (*TestEngineer)(nil)
