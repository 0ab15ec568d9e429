package agent

import "forge/internal/workflow"

// Team is the full agent roster in dispatch order.
type Team []Agent

// NewTeam builds the seven standard agents sharing one set of
// collaborators. The slice order matches the role dispatch order.
func NewTeam(deps Deps) Team {
	return Team{
		NewProjectManager(deps),
		NewRequirementsAnalyst(deps),
		NewArchitect(deps),
		NewUXUIDesigner(deps),
		NewDeveloper(deps),
		NewTestEngineer(deps),
		NewQualityExpert(deps),
	}
}

// Attach subscribes every team member to the bus.
func (t Team) Attach() error {
	for _, a := range t {
		attacher, ok := a.(interface{ Attach(Agent) error })
		if !ok {
			continue
		}
		if err := attacher.Attach(a); err != nil {
			return err
		}
	}
	return nil
}

// Detach removes every team member's subscriptions.
func (t Team) Detach() {
	for _, a := range t {
		if d, ok := a.(interface{ Detach() }); ok {
			d.Detach()
		}
	}
}

// ByRole returns the member with the given role, or nil.
func (t Team) ByRole(role workflow.Role) Agent {
	for _, a := range t {
		if a.Role() == role {
			return a
		}
	}
	return nil
}

// ForStage returns the members responsible for a stage, in dispatch order.
func (t Team) ForStage(stage workflow.Stage) []Agent {
	var out []Agent
	for _, a := range t {
		for _, s := range a.ResponsibleStages() {
			if s == stage {
				out = append(out, a)
				break
			}
		}
	}
	return out
}
