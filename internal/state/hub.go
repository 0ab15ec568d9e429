package state

import (
	"sort"
	"sync"
	"time"

	"forge/internal/workflow"
)

type region struct {
	mu   sync.RWMutex
	data map[string]any
}

// Project is the mutable hub shared by the orchestrator and agents.
type Project struct {
	metaMu       sync.RWMutex
	id           string
	name         string
	requirement  string
	currentStage workflow.Stage
	createdAt    time.Time
	updatedAt    time.Time

	regions map[Region]*region

	tasksMu   sync.RWMutex
	tasks     map[string]*Task
	taskOrder []string

	artifactsMu sync.RWMutex
	artifacts   map[string]Artifact

	logMu     sync.RWMutex
	decisions []Decision
	feedback  []Feedback
}

// NewProject creates a project at the INITIAL stage.
func NewProject(id, name, requirement string) *Project {
	now := time.Now()
	regions := make(map[Region]*region, len(Regions()))
	for _, r := range Regions() {
		regions[r] = &region{data: make(map[string]any)}
	}
	return &Project{
		id:           id,
		name:         name,
		requirement:  requirement,
		currentStage: workflow.StageInitial,
		createdAt:    now,
		updatedAt:    now,
		regions:      regions,
		tasks:        make(map[string]*Task),
		artifacts:    make(map[string]Artifact),
	}
}

func (p *Project) touch() {
	p.metaMu.Lock()
	p.updatedAt = monotonic(time.Now(), p.updatedAt)
	p.metaMu.Unlock()
}

// ID returns the stable project identifier.
func (p *Project) ID() string {
	p.metaMu.RLock()
	defer p.metaMu.RUnlock()
	return p.id
}

// Name returns the human-readable project name.
func (p *Project) Name() string {
	p.metaMu.RLock()
	defer p.metaMu.RUnlock()
	return p.name
}

// Requirement returns the initial requirement text.
func (p *Project) Requirement() string {
	p.metaMu.RLock()
	defer p.metaMu.RUnlock()
	return p.requirement
}

// CurrentStage returns the workflow stage the project is in.
func (p *Project) CurrentStage() workflow.Stage {
	p.metaMu.RLock()
	defer p.metaMu.RUnlock()
	return p.currentStage
}

// UpdatedAt returns the timestamp of the last mutation.
func (p *Project) UpdatedAt() time.Time {
	p.metaMu.RLock()
	defer p.metaMu.RUnlock()
	return p.updatedAt
}

// CreatedAt returns the project creation time.
func (p *Project) CreatedAt() time.Time {
	p.metaMu.RLock()
	defer p.metaMu.RUnlock()
	return p.createdAt
}

// AdvanceStage moves the project to the adjacent forward stage or to FAILED.
// Any other target fails with ErrInvalidStageTransition.
func (p *Project) AdvanceStage(to workflow.Stage, skipUI bool) error {
	p.metaMu.Lock()
	defer p.metaMu.Unlock()
	if err := workflow.ValidateTransition(p.currentStage, to, skipUI); err != nil {
		return err
	}
	p.currentStage = to
	p.updatedAt = monotonic(time.Now(), p.updatedAt)
	return nil
}

// AddTask registers a new task and returns a copy of it.
func (p *Project) AddTask(title, description string, stage workflow.Stage, role workflow.Role) Task {
	now := time.Now()
	task := &Task{
		ID:          NewTaskID(),
		Title:       title,
		Description: description,
		Status:      TaskPending,
		Stage:       stage,
		Role:        role,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	p.tasksMu.Lock()
	p.tasks[task.ID] = task
	p.taskOrder = append(p.taskOrder, task.ID)
	p.tasksMu.Unlock()
	p.touch()
	return *task
}

// UpdateTaskStatus changes a task's status. Unknown task IDs are a no-op.
// Completion is final: a completed task ignores later status writes, so a
// straggling bus acknowledgment cannot reopen finished work. CompletedAt is
// set exactly when the status becomes COMPLETED.
func (p *Project) UpdateTaskStatus(id string, status TaskStatus) {
	p.tasksMu.Lock()
	task, ok := p.tasks[id]
	changed := ok && task.Status != TaskCompleted && task.Status != status
	if changed {
		task.Status = status
		task.UpdatedAt = monotonic(time.Now(), task.UpdatedAt)
		if status == TaskCompleted {
			task.CompletedAt = task.UpdatedAt
		} else {
			task.CompletedAt = time.Time{}
		}
	}
	p.tasksMu.Unlock()
	if changed {
		p.touch()
	}
}

// AttachTaskArtifacts records artifact keys produced by a task. Unknown task
// IDs are a no-op.
func (p *Project) AttachTaskArtifacts(id string, keys ...string) {
	if len(keys) == 0 {
		return
	}
	p.tasksMu.Lock()
	task, ok := p.tasks[id]
	if ok {
		task.Artifacts = append(task.Artifacts, keys...)
		task.UpdatedAt = monotonic(time.Now(), task.UpdatedAt)
	}
	p.tasksMu.Unlock()
	if ok {
		p.touch()
	}
}

// Task returns a copy of the task with the given id.
func (p *Project) Task(id string) (Task, bool) {
	p.tasksMu.RLock()
	defer p.tasksMu.RUnlock()
	task, ok := p.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// TasksByStage returns copies of the tasks owned by a stage, in creation
// order.
func (p *Project) TasksByStage(stage workflow.Stage) []Task {
	return p.filterTasks(func(t *Task) bool { return t.Stage == stage })
}

// TasksByStatus returns copies of the tasks in the given status, in creation
// order.
func (p *Project) TasksByStatus(status TaskStatus) []Task {
	return p.filterTasks(func(t *Task) bool { return t.Status == status })
}

func (p *Project) filterTasks(keep func(*Task) bool) []Task {
	p.tasksMu.RLock()
	defer p.tasksMu.RUnlock()
	var out []Task
	for _, id := range p.taskOrder {
		if task := p.tasks[id]; keep(task) {
			out = append(out, *task)
		}
	}
	return out
}

// SetRegionValue writes one key into a region bucket.
func (p *Project) SetRegionValue(r Region, key string, value any) {
	reg, ok := p.regions[r]
	if !ok {
		return
	}
	reg.mu.Lock()
	reg.data[key] = value
	reg.mu.Unlock()
	p.touch()
}

// RegionValue reads one key from a region bucket.
func (p *Project) RegionValue(r Region, key string) (any, bool) {
	reg, ok := p.regions[r]
	if !ok {
		return nil, false
	}
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	v, ok := reg.data[key]
	return v, ok
}

// RegionSnapshot returns a deep copy of a region bucket.
func (p *Project) RegionSnapshot(r Region) map[string]any {
	reg, ok := p.regions[r]
	if !ok {
		return nil
	}
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return copyBucket(reg.data)
}

// AddArtifact records a named workflow output.
func (p *Project) AddArtifact(key string, artifact Artifact) {
	p.artifactsMu.Lock()
	p.artifacts[key] = artifact
	p.artifactsMu.Unlock()
	p.touch()
}

// Artifact returns the artifact stored under key.
func (p *Project) Artifact(key string) (Artifact, bool) {
	p.artifactsMu.RLock()
	defer p.artifactsMu.RUnlock()
	a, ok := p.artifacts[key]
	return a, ok
}

// ArtifactKeys returns the artifact keys in sorted order.
func (p *Project) ArtifactKeys() []string {
	p.artifactsMu.RLock()
	keys := make([]string, 0, len(p.artifacts))
	for k := range p.artifacts {
		keys = append(keys, k)
	}
	p.artifactsMu.RUnlock()
	sort.Strings(keys)
	return keys
}

// AddDecision appends a decision record.
func (p *Project) AddDecision(decision, madeBy, rationale string) {
	p.logMu.Lock()
	prev := time.Time{}
	if n := len(p.decisions); n > 0 {
		prev = p.decisions[n-1].Timestamp
	}
	p.decisions = append(p.decisions, Decision{
		Decision:  decision,
		MadeBy:    madeBy,
		Rationale: rationale,
		Timestamp: monotonic(time.Now(), prev),
	})
	p.logMu.Unlock()
	p.touch()
}

// LastDecisions returns copies of the most recent n decisions, oldest first.
func (p *Project) LastDecisions(n int) []Decision {
	p.logMu.RLock()
	defer p.logMu.RUnlock()
	if n <= 0 || n > len(p.decisions) {
		n = len(p.decisions)
	}
	out := make([]Decision, n)
	copy(out, p.decisions[len(p.decisions)-n:])
	return out
}

// AddClientFeedback appends client feedback for the given stage.
func (p *Project) AddClientFeedback(text string, stage workflow.Stage) {
	p.logMu.Lock()
	prev := time.Time{}
	if n := len(p.feedback); n > 0 {
		prev = p.feedback[n-1].Timestamp
	}
	p.feedback = append(p.feedback, Feedback{
		Text:      text,
		Stage:     stage,
		Timestamp: monotonic(time.Now(), prev),
	})
	p.logMu.Unlock()
	p.touch()
}

// ClientFeedback returns copies of every feedback entry, oldest first.
func (p *Project) ClientFeedback() []Feedback {
	p.logMu.RLock()
	defer p.logMu.RUnlock()
	out := make([]Feedback, len(p.feedback))
	copy(out, p.feedback)
	return out
}

func copyBucket(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = copyValue(v)
	}
	return dst
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyBucket(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
