package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge/internal/bus"
	"forge/internal/llm"
	"forge/internal/state"
	"forge/internal/workflow"
)

func testDeps(project *state.Project, gen llm.Generator, b *bus.Bus) Deps {
	return Deps{
		Generator: gen,
		Project:   project,
		Bus:       b,
	}
}

func TestTeamComposition(t *testing.T) {
	project := state.NewProject("wf-1", "demo", "build a cli")
	team := NewTeam(testDeps(project, llm.NewScripted(), nil))

	require.Len(t, team, 7)
	roles := workflow.Roles()
	for i, a := range team {
		assert.Equal(t, roles[i], a.Role(), "team order matches dispatch order")
	}

	// Exactly one agent per working stage, none for the coordinator.
	assert.Empty(t, team.ByRole(workflow.RoleProjectManager).ResponsibleStages())
	for _, stage := range workflow.Pipeline(false) {
		assert.Len(t, team.ForStage(stage), 1, "stage %s", stage)
	}
	assert.Nil(t, team.ByRole(workflow.Role("INTERN")))
}

func TestContextPartsDeterminism(t *testing.T) {
	project := state.NewProject("wf-1", "demo", "build a cli")
	project.SetRegionValue(state.RegionRequirements, "spec", "v1")
	arch := NewArchitect(testDeps(project, llm.NewScripted(), nil))

	a := arch.ContextParts(project, workflow.StageArchitecture)
	b := arch.ContextParts(project, workflow.StageArchitecture)
	assert.Equal(t, a, b, "same state, same parts")

	project.SetRegionValue(state.RegionRequirements, "spec", "v2")
	c := arch.ContextParts(project, workflow.StageArchitecture)
	assert.NotEqual(t, a["region:requirements"], c["region:requirements"])

	// Regions the agent does not read never leak into its parts.
	project.SetRegionValue(state.RegionDesign, "ui", "blue")
	d := arch.ContextParts(project, workflow.StageArchitecture)
	assert.NotContains(t, d, "region:design")
}

func TestAnalystExecuteStage(t *testing.T) {
	project := state.NewProject("wf-1", "demo", "build a cli")
	gen := llm.NewScripted().WithResponse(
		string(workflow.RoleRequirementsAnalyst),
		string(workflow.StageRequirements),
		"# Requirements\n- parse args",
	)
	analyst := NewRequirementsAnalyst(testDeps(project, gen, nil))

	out, err := analyst.ExecuteStage(context.Background(), workflow.StageRequirements, project)
	require.NoError(t, err)
	assert.Contains(t, out.Artifacts, "requirements_doc")
	assert.Equal(t, "# Requirements\n- parse args", out.StateUpdates[state.RegionRequirements]["specification"])
	assert.Positive(t, out.Tokens)

	out.Apply(project, analyst.Role())
	v, ok := project.RegionValue(state.RegionRequirements, "specification")
	require.True(t, ok)
	assert.Equal(t, "# Requirements\n- parse args", v)
	_, ok = project.Artifact("requirements_doc")
	assert.True(t, ok)
	assert.NotEmpty(t, project.LastDecisions(1))
}

func TestGeneratorErrorSurfaces(t *testing.T) {
	project := state.NewProject("wf-1", "demo", "build a cli")
	gen := llm.NewScripted().FailNextAny(llm.NewError(llm.KindInvalidRequest, "bad prompt"))
	analyst := NewRequirementsAnalyst(testDeps(project, gen, nil))

	_, err := analyst.ExecuteStage(context.Background(), workflow.StageRequirements, project)
	require.Error(t, err)
	kind, ok := llm.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, llm.KindInvalidRequest, kind)
}

func TestTesterVerdict(t *testing.T) {
	project := state.NewProject("wf-1", "demo", "build a cli")

	gen := llm.NewScripted().WithResponse(
		string(workflow.RoleTestEngineer),
		string(workflow.StageTesting),
		`{"all_passed": false}`+"\nTwo assertions failed.",
	)
	tester := NewTestEngineer(testDeps(project, gen, nil))

	out, err := tester.ExecuteStage(context.Background(), workflow.StageTesting, project)
	require.NoError(t, err)
	results := out.StateUpdates[state.RegionMetadata][TestResultsKey].(map[string]any)
	assert.False(t, results["all_passed"].(bool))
	assert.NotEmpty(t, results["report"])
}

func TestFlagFromContent(t *testing.T) {
	assert.True(t, flagFromContent(`{"all_passed": true}`, "all_passed"))
	assert.False(t, flagFromContent(`{"all_passed": false}`, "all_passed"))
	assert.True(t, flagFromContent(`prose then {"approved": true} trailing`, "approved"))

	// JSON verdict wins over scary prose around it.
	assert.True(t, flagFromContent(`previous run failed, now: {"all_passed": true}`, "all_passed"))

	// Keyword fallback when no parsable JSON flag exists.
	assert.False(t, flagFromContent("3 tests FAILED", "all_passed"))
	assert.False(t, flagFromContent("change rejected", "approved"))
	assert.True(t, flagFromContent("everything looks good", "all_passed"))
}

func TestDeveloperRepairBumpsRevision(t *testing.T) {
	project := state.NewProject("wf-1", "demo", "build a cli")
	gen := llm.NewScripted().WithFallback("code")
	dev := NewDeveloper(testDeps(project, gen, nil))

	out, err := dev.ExecuteStage(context.Background(), workflow.StageImplementation, project)
	require.NoError(t, err)
	assert.Equal(t, 0, out.StateUpdates[state.RegionImplementationPlan]["revision"])

	out, err = dev.Repair(context.Background(), project, "tests failed: nil deref")
	require.NoError(t, err)
	assert.Equal(t, 1, out.StateUpdates[state.RegionImplementationPlan]["revision"])
	assert.Contains(t, out.Artifacts, "source_code")

	out, err = dev.Repair(context.Background(), project, "still failing")
	require.NoError(t, err)
	assert.Equal(t, 2, out.StateUpdates[state.RegionImplementationPlan]["revision"])

	// Repair requests carry the repair capability for cache keying.
	reqs := gen.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, "repair", reqs[1].Metadata["capability"])
	assert.Contains(t, reqs[1].Prompt, "nil deref")
}

func TestBusRequestResponse(t *testing.T) {
	project := state.NewProject("wf-1", "demo", "build a cli")
	b := bus.New(16)
	defer b.Close()

	team := NewTeam(testDeps(project, llm.NewScripted(), b))
	require.NoError(t, team.Attach())
	defer team.Detach()

	responses := make(chan bus.Message, 1)
	_, err := b.Subscribe("receiver:"+workflow.SenderUser, func(msg bus.Message) {
		if msg.Type == bus.TypeAgentResponse {
			responses <- msg
		}
	})
	require.NoError(t, err)

	req := bus.NewRoleMessage(bus.TypeAgentRequest, workflow.SenderUser, workflow.RoleDeveloper, map[string]any{
		"action": "capabilities",
	})
	require.NoError(t, b.Publish(req))

	select {
	case resp := <-responses:
		assert.Equal(t, req.ID, resp.CorrelationID)
		assert.Equal(t, "ok", resp.Payload["status"])
		assert.Contains(t, resp.Payload["capabilities"], "implementation")
	case <-time.After(2 * time.Second):
		t.Fatal("no response on the bus")
	}
}

func TestBusRequestErrorReply(t *testing.T) {
	project := state.NewProject("wf-1", "demo", "build a cli")
	b := bus.New(16)
	defer b.Close()

	team := NewTeam(testDeps(project, llm.NewScripted(), b))
	require.NoError(t, team.Attach())
	defer team.Detach()

	responses := make(chan bus.Message, 1)
	_, err := b.Subscribe("receiver:"+workflow.SenderUser, func(msg bus.Message) {
		responses <- msg
	})
	require.NoError(t, err)

	req := bus.NewRoleMessage(bus.TypeAgentRequest, workflow.SenderUser, workflow.RoleArchitect, map[string]any{
		"action": "paint the bikeshed",
	})
	require.NoError(t, b.Publish(req))

	select {
	case resp := <-responses:
		assert.Equal(t, "error", resp.Payload["status"])
		assert.Contains(t, resp.Payload["error"], "unsupported action")
	case <-time.After(2 * time.Second):
		t.Fatal("no response on the bus")
	}
}

func TestUserFeedbackRecorded(t *testing.T) {
	project := state.NewProject("wf-1", "demo", "build a cli")
	b := bus.New(16)
	defer b.Close()

	team := NewTeam(testDeps(project, llm.NewScripted(), b))
	require.NoError(t, team.Attach())
	defer team.Detach()

	require.NoError(t, b.Publish(bus.NewRoleMessage(bus.TypeUserFeedback, workflow.SenderUser, workflow.RoleUXUIDesigner, map[string]any{
		"text":  "prefer dark mode",
		"stage": string(workflow.StageUIDesign),
	})))

	require.Eventually(t, func() bool {
		return len(project.ClientFeedback()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	fb := project.ClientFeedback()
	assert.Equal(t, "prefer dark mode", fb[0].Text)
	assert.Equal(t, workflow.StageUIDesign, fb[0].Stage)
}

func TestProjectManagerClosesTasks(t *testing.T) {
	project := state.NewProject("wf-1", "demo", "build a cli")
	b := bus.New(16)
	defer b.Close()

	team := NewTeam(testDeps(project, llm.NewScripted(), b))
	require.NoError(t, team.Attach())
	defer team.Detach()

	task := project.AddTask("implement", "", workflow.StageImplementation, workflow.RoleDeveloper)
	require.NoError(t, b.Publish(bus.NewMessage(bus.TypeTaskComplete, string(workflow.RoleDeveloper), "", map[string]any{
		"task_id": task.ID,
	})))

	require.Eventually(t, func() bool {
		got, _ := project.Task(task.ID)
		return got.Status == state.TaskCompleted
	}, 2*time.Second, 10*time.Millisecond)
}
