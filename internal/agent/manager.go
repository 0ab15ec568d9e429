package agent

import (
	"context"
	"fmt"

	"forge/internal/bus"
	"forge/internal/state"
	"forge/internal/workflow"
)

// ProjectManager coordinates the team without executing any stage itself.
// It tracks task completion and stage milestones from the bus and keeps the
// decision log current, so the working agents stay focused on their stages.
type ProjectManager struct {
	BaseAgent
}

// NewProjectManager builds the coordinator agent.
func NewProjectManager(deps Deps) *ProjectManager {
	a := &ProjectManager{}
	a.init(
		workflow.RoleProjectManager,
		nil,
		[]string{"coordination"},
		nil,
		nil,
		deps,
	)
	return a
}

// Attach wires the coordinator to its directed topics plus the completion
// broadcasts it does bookkeeping on.
func (a *ProjectManager) Attach(owner Agent) error {
	if err := a.BaseAgent.Attach(owner); err != nil {
		return err
	}
	tasks, err := a.deps.Bus.Subscribe("type:"+string(bus.TypeTaskComplete), a.onTaskComplete)
	if err != nil {
		return err
	}
	a.subs = append(a.subs, tasks)

	stages, err := a.deps.Bus.Subscribe("type:"+string(bus.TypeStageComplete), a.onStageComplete)
	if err != nil {
		return err
	}
	a.subs = append(a.subs, stages)
	return nil
}

func (a *ProjectManager) onTaskComplete(msg bus.Message) {
	taskID, _ := msg.Payload["task_id"].(string)
	if taskID == "" {
		return
	}
	a.deps.Project.UpdateTaskStatus(taskID, state.TaskCompleted)
	a.logger.Debug("closed task", "task_id", taskID, "by", msg.Sender)
}

func (a *ProjectManager) onStageComplete(msg bus.Message) {
	stage, _ := msg.Payload["stage"].(string)
	if stage == "" {
		return
	}
	a.deps.Project.AddDecision(
		fmt.Sprintf("stage %s accepted", stage),
		string(a.role),
		fmt.Sprintf("completed by %s", msg.Sender),
	)
}

// ExecuteStage always fails: the coordinator is never responsible for a
// stage.
func (a *ProjectManager) ExecuteStage(ctx context.Context, stage workflow.Stage, project *state.Project) (Output, error) {
	return Output{}, fmt.Errorf("agent %s has no responsible stages", a.role)
}

var _ Agent = (*ProjectManager)(nil)
