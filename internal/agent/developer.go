package agent

import (
	"context"
	"fmt"
	"sync/atomic"

	"forge/internal/state"
	"forge/internal/workflow"
)

const developerSystemPrompt = `You are a senior developer. Implement the
system described by the requirements, architecture, and design documents.
Produce working code with clear structure and note any implementation
decisions you make.`

// Developer owns the IMPLEMENTATION stage and the implementation plan
// region. It is the only agent that participates in refinement loops, by
// reworking its output from tester or reviewer feedback.
type Developer struct {
	BaseAgent
	revisions atomic.Int64
}

// NewDeveloper builds the developer agent.
func NewDeveloper(deps Deps) *Developer {
	a := &Developer{}
	a.init(
		workflow.RoleDeveloper,
		[]workflow.Stage{workflow.StageImplementation},
		[]string{"implementation", "repair"},
		[]state.Region{state.RegionRequirements, state.RegionArchitecture, state.RegionDesign},
		[]state.Region{state.RegionImplementationPlan},
		deps,
	)
	return a
}

// ExecuteStage produces the implementation.
func (a *Developer) ExecuteStage(ctx context.Context, stage workflow.Stage, project *state.Project) (Output, error) {
	prompt := a.buildPrompt(project, stage, "Implement the system described by the project documents.")
	res, err := a.generate(ctx, stage, "implementation", developerSystemPrompt, prompt)
	if err != nil {
		return Output{}, err
	}
	return Output{
		Summary: "implementation produced",
		Artifacts: map[string]state.Artifact{
			"source_code": {Blob: res.Content},
		},
		StateUpdates: map[state.Region]map[string]any{
			state.RegionImplementationPlan: {
				"plan":     res.Content,
				"revision": int(a.revisions.Load()),
			},
		},
		Decisions: []Note{{
			Decision:  "implementation completed",
			Rationale: "built against the approved architecture",
		}},
		Tokens: res.TotalTokens,
	}, nil
}

// Repair reworks the implementation from refinement feedback. Each call
// bumps the revision recorded in the implementation plan region.
func (a *Developer) Repair(ctx context.Context, project *state.Project, feedback string) (Output, error) {
	revision := a.revisions.Add(1)
	instruction := fmt.Sprintf("Rework the implementation to address this feedback:\n%s", feedback)
	prompt := a.buildPrompt(project, workflow.StageImplementation, instruction)
	res, err := a.generate(ctx, workflow.StageImplementation, "repair", developerSystemPrompt, prompt)
	if err != nil {
		return Output{}, err
	}
	return Output{
		Summary: fmt.Sprintf("implementation revised (revision %d)", revision),
		Artifacts: map[string]state.Artifact{
			"source_code": {Blob: res.Content},
		},
		StateUpdates: map[state.Region]map[string]any{
			state.RegionImplementationPlan: {
				"plan":     res.Content,
				"revision": int(revision),
			},
		},
		Decisions: []Note{{
			Decision:  fmt.Sprintf("implementation revision %d", revision),
			Rationale: "reworked from refinement feedback",
		}},
		Tokens: res.TotalTokens,
	}, nil
}

var (
	_ Agent    = (*Developer)(nil)
	_ Repairer = (*Developer)(nil)
)
