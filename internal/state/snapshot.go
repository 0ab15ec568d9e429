package state

import (
	"time"

	"forge/internal/workflow"
)

// Snapshot is a deep, serializable copy of a project used for checkpoints.
type Snapshot struct {
	ID           string                    `json:"id"`
	Name         string                    `json:"name"`
	Requirement  string                    `json:"requirement"`
	CurrentStage workflow.Stage            `json:"current_stage"`
	CreatedAt    time.Time                 `json:"created_at"`
	UpdatedAt    time.Time                 `json:"updated_at"`
	Regions      map[Region]map[string]any `json:"regions"`
	Tasks        []Task                    `json:"tasks,omitempty"`
	Artifacts    map[string]Artifact       `json:"artifacts,omitempty"`
	Decisions    []Decision                `json:"decisions,omitempty"`
	Feedback     []Feedback                `json:"feedback,omitempty"`
}

// Snapshot captures a consistent deep copy of the project. Region locks are
// taken one at a time; the orchestrator serializes snapshots against stage
// execution so the copy is consistent.
func (p *Project) Snapshot() Snapshot {
	p.metaMu.RLock()
	snap := Snapshot{
		ID:           p.id,
		Name:         p.name,
		Requirement:  p.requirement,
		CurrentStage: p.currentStage,
		CreatedAt:    p.createdAt,
		UpdatedAt:    p.updatedAt,
	}
	p.metaMu.RUnlock()

	snap.Regions = make(map[Region]map[string]any, len(p.regions))
	for _, r := range Regions() {
		snap.Regions[r] = p.RegionSnapshot(r)
	}

	p.tasksMu.RLock()
	snap.Tasks = make([]Task, 0, len(p.taskOrder))
	for _, id := range p.taskOrder {
		task := *p.tasks[id]
		task.Artifacts = append([]string(nil), task.Artifacts...)
		snap.Tasks = append(snap.Tasks, task)
	}
	p.tasksMu.RUnlock()

	p.artifactsMu.RLock()
	snap.Artifacts = make(map[string]Artifact, len(p.artifacts))
	for k, v := range p.artifacts {
		snap.Artifacts[k] = v
	}
	p.artifactsMu.RUnlock()

	p.logMu.RLock()
	snap.Decisions = append([]Decision(nil), p.decisions...)
	snap.Feedback = append([]Feedback(nil), p.feedback...)
	p.logMu.RUnlock()

	return snap
}

// Restore replaces the project's contents with the snapshot's. Used for
// checkpoint recovery; the orchestrator guarantees no concurrent access.
func (p *Project) Restore(snap Snapshot) {
	p.metaMu.Lock()
	p.id = snap.ID
	p.name = snap.Name
	p.requirement = snap.Requirement
	p.currentStage = snap.CurrentStage
	p.createdAt = snap.CreatedAt
	p.updatedAt = snap.UpdatedAt
	p.metaMu.Unlock()

	for _, r := range Regions() {
		reg := p.regions[r]
		reg.mu.Lock()
		reg.data = copyBucket(snap.Regions[r])
		if reg.data == nil {
			reg.data = make(map[string]any)
		}
		reg.mu.Unlock()
	}

	p.tasksMu.Lock()
	p.tasks = make(map[string]*Task, len(snap.Tasks))
	p.taskOrder = make([]string, 0, len(snap.Tasks))
	for _, t := range snap.Tasks {
		task := t
		task.Artifacts = append([]string(nil), t.Artifacts...)
		p.tasks[task.ID] = &task
		p.taskOrder = append(p.taskOrder, task.ID)
	}
	p.tasksMu.Unlock()

	p.artifactsMu.Lock()
	p.artifacts = make(map[string]Artifact, len(snap.Artifacts))
	for k, v := range snap.Artifacts {
		p.artifacts[k] = v
	}
	p.artifactsMu.Unlock()

	p.logMu.Lock()
	p.decisions = append([]Decision(nil), snap.Decisions...)
	p.feedback = append([]Feedback(nil), snap.Feedback...)
	p.logMu.Unlock()
}

// FromSnapshot builds a new project from a checkpoint snapshot.
func FromSnapshot(snap Snapshot) *Project {
	p := NewProject(snap.ID, snap.Name, snap.Requirement)
	p.Restore(snap)
	return p
}
