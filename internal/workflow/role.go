package workflow

// Role identifies a pipeline participant. The set is closed; dispatch order
// within a stage follows the enumeration order below.
type Role string

const (
	RoleProjectManager      Role = "PROJECT_MANAGER"
	RoleRequirementsAnalyst Role = "REQUIREMENTS_ANALYST"
	RoleArchitect           Role = "ARCHITECT"
	RoleUXUIDesigner        Role = "UXUI_DESIGNER"
	RoleDeveloper           Role = "DEVELOPER"
	RoleTestEngineer        Role = "TEST_ENGINEER"
	RoleQualityExpert       Role = "QUALITY_EXPERT"
)

var roleOrder = []Role{
	RoleProjectManager,
	RoleRequirementsAnalyst,
	RoleArchitect,
	RoleUXUIDesigner,
	RoleDeveloper,
	RoleTestEngineer,
	RoleQualityExpert,
}

// Roles returns the closed role set in deterministic dispatch order.
func Roles() []Role {
	out := make([]Role, len(roleOrder))
	copy(out, roleOrder)
	return out
}

// RoleIndex returns the dispatch position of r, or -1 for unknown roles.
func RoleIndex(r Role) int {
	for i, role := range roleOrder {
		if role == r {
			return i
		}
	}
	return -1
}

// SenderWorkflow and SenderUser are the non-role message senders recognized
// on the bus.
const (
	SenderWorkflow = "workflow"
	SenderUser     = "user"
)
