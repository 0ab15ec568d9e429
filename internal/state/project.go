// Package state holds the single authoritative in-memory representation of a
// workflow's data. Writers to different regions do not block each other;
// writers to the same region serialize. No caller may hold a region lock
// across a generator call.
package state

import (
	"time"

	"github.com/google/uuid"

	"forge/internal/workflow"
)

// Region names an independently locked section of the project state. Agents
// declare the regions they write so the orchestrator can detect conflicts.
type Region string

const (
	RegionRequirements       Region = "requirements"
	RegionArchitecture       Region = "architecture"
	RegionDesign             Region = "design"
	RegionImplementationPlan Region = "implementation_plan"
	RegionMetadata           Region = "metadata"
)

// Regions returns every declared region.
func Regions() []Region {
	return []Region{
		RegionRequirements,
		RegionArchitecture,
		RegionDesign,
		RegionImplementationPlan,
		RegionMetadata,
	}
}

// TaskStatus tracks a task through its lifecycle.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskReview     TaskStatus = "REVIEW"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskBlocked    TaskStatus = "BLOCKED"
)

// Task is a unit of work owned by one agent within one stage. Identity is
// immutable; status and timestamps mutate through the project.
type Task struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Status      TaskStatus      `json:"status"`
	Stage       workflow.Stage  `json:"stage"`
	Role        workflow.Role   `json:"role"`
	Artifacts   []string        `json:"artifacts,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt time.Time       `json:"completed_at,omitzero"`
}

// Artifact references a named workflow output: an opaque blob or a file path
// rooted in the output directory.
type Artifact struct {
	Path string `json:"path,omitempty"`
	Blob string `json:"blob,omitempty"`
}

// Decision records a choice made by an agent with its rationale.
type Decision struct {
	Decision  string    `json:"decision"`
	MadeBy    string    `json:"made_by"`
	Rationale string    `json:"rationale,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Feedback records client input attached to a stage.
type Feedback struct {
	Text      string         `json:"text"`
	Stage     workflow.Stage `json:"stage"`
	Timestamp time.Time      `json:"timestamp"`
}

// monotonic returns now unless it would move a timestamp backwards.
func monotonic(now, prev time.Time) time.Time {
	if now.Before(prev) {
		return prev
	}
	return now
}

// NewTaskID returns a fresh task identifier.
func NewTaskID() string {
	return "task-" + uuid.NewString()
}
