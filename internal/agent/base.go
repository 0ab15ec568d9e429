package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"forge/internal/bus"
	forgeerrors "forge/internal/errors"
	"forge/internal/llm"
	"forge/internal/observability"
	"forge/internal/state"
	"forge/internal/token"
	"forge/internal/workflow"
)

// defaultMaxContextTokens caps how much project context is folded into one
// prompt before truncation.
const defaultMaxContextTokens = 6000

// contextDecisionWindow is how many recent decisions the prompt includes.
const contextDecisionWindow = 5

// Deps carries the shared collaborators every agent is built with.
type Deps struct {
	Generator llm.Generator
	Project   *state.Project
	Bus       *bus.Bus
	Logger    *observability.Logger
	Breaker   *forgeerrors.CircuitBreaker
	Options   llm.Options

	// MaxContextTokens overrides the prompt context budget when > 0.
	MaxContextTokens int
}

// BaseAgent carries the behavior shared by every role: deterministic prompt
// assembly, generator access with usage accounting, and bus wiring.
type BaseAgent struct {
	role    workflow.Role
	stages  []workflow.Stage
	caps    []string
	reads   []state.Region
	writes  []state.Region
	deps    Deps
	logger  *observability.Logger
	subs    []bus.Subscription
	attached atomic.Bool

	tokensUsed atomic.Int64
	generates  atomic.Int64
}

// init fills the shared fields in place. Agents embed BaseAgent by value, so
// it is never copied after construction.
func (a *BaseAgent) init(role workflow.Role, stages []workflow.Stage, caps []string, reads, writes []state.Region, deps Deps) {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	a.role = role
	a.stages = stages
	a.caps = caps
	a.reads = reads
	a.writes = writes
	a.deps = deps
	a.logger = logger.With("agent", string(role))
}

// Role returns the agent's fixed role.
func (a *BaseAgent) Role() workflow.Role { return a.role }

// ResponsibleStages lists the stages this agent executes.
func (a *BaseAgent) ResponsibleStages() []workflow.Stage {
	out := make([]workflow.Stage, len(a.stages))
	copy(out, a.stages)
	return out
}

// Capabilities names what the agent can do.
func (a *BaseAgent) Capabilities() []string {
	out := make([]string, len(a.caps))
	copy(out, a.caps)
	return out
}

// StateRegions lists the regions the agent writes.
func (a *BaseAgent) StateRegions() []state.Region {
	out := make([]state.Region, len(a.writes))
	copy(out, a.writes)
	return out
}

// TokensUsed returns the total tokens this agent has consumed.
func (a *BaseAgent) TokensUsed() int64 { return a.tokensUsed.Load() }

// ContextParts returns the semantic inputs the agent's stage output depends
// on: the requirement, a canonical rendering of every region the agent
// reads, and client feedback for the stage. Equal parts imply an equivalent
// task, which is what result caching keys on. The decision log is advisory
// prompt context and deliberately not part of the fingerprint; the
// coordinator appends to it asynchronously.
func (a *BaseAgent) ContextParts(project *state.Project, stage workflow.Stage) map[string]string {
	parts := map[string]string{
		"role":        string(a.role),
		"stage":       string(stage),
		"requirement": project.Requirement(),
	}
	for _, r := range a.reads {
		parts["region:"+string(r)] = canonicalRegion(project.RegionSnapshot(r))
	}
	var feedback []string
	for _, f := range project.ClientFeedback() {
		if f.Stage == stage {
			feedback = append(feedback, f.Text)
		}
	}
	if len(feedback) > 0 {
		parts["feedback"] = strings.Join(feedback, "\n")
	}
	return parts
}

// canonicalRegion renders a region bucket as compact JSON. encoding/json
// sorts map keys, which gives the determinism the cache depends on.
func canonicalRegion(bucket map[string]any) string {
	if len(bucket) == 0 {
		return "{}"
	}
	data, err := json.Marshal(bucket)
	if err != nil {
		return fmt.Sprintf("%v", bucket)
	}
	return string(data)
}

// buildPrompt folds the context parts into one prompt body, sections in
// sorted key order, truncated to the context token budget.
func (a *BaseAgent) buildPrompt(project *state.Project, stage workflow.Stage, instruction string) string {
	parts := a.ContextParts(project, stage)
	keys := make([]string, 0, len(parts))
	for k := range parts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		if k == "role" || k == "stage" {
			continue
		}
		fmt.Fprintf(&b, "## %s\n%s\n\n", k, parts[k])
	}
	if decisions := project.LastDecisions(contextDecisionWindow); len(decisions) > 0 {
		b.WriteString("## recent decisions\n")
		for _, d := range decisions {
			fmt.Fprintf(&b, "- %s (%s): %s\n", d.Decision, d.MadeBy, d.Rationale)
		}
		b.WriteString("\n")
	}
	budget := a.deps.MaxContextTokens
	if budget <= 0 {
		budget = defaultMaxContextTokens
	}
	body := token.Truncate(b.String(), budget)
	return body + "## task\n" + instruction
}

// generate runs one generator call for a stage with circuit breaker
// protection and token accounting. Retry lives above this layer.
func (a *BaseAgent) generate(ctx context.Context, stage workflow.Stage, capability, system, prompt string) (*llm.Result, error) {
	req := llm.Request{
		Prompt:       prompt,
		SystemPrompt: system,
		Options:      a.deps.Options,
		Metadata: map[string]string{
			"role":       string(a.role),
			"stage":      string(stage),
			"capability": capability,
		},
	}
	res, err := forgeerrors.ExecuteFunc(a.deps.Breaker, ctx, func(ctx context.Context) (*llm.Result, error) {
		return a.deps.Generator.Generate(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	llm.EnsureUsage(req, res)
	a.tokensUsed.Add(int64(res.TotalTokens))
	a.generates.Add(1)
	return res, nil
}

// Attach subscribes the agent to its bus topics: directed messages and the
// stage-start broadcast. Safe to call once; later calls are no-ops.
func (a *BaseAgent) Attach(owner Agent) error {
	if a.deps.Bus == nil || a.attached.Swap(true) {
		return nil
	}
	directed, err := a.deps.Bus.Subscribe("receiver:"+string(a.role), func(msg bus.Message) {
		a.handleDirected(owner, msg)
	})
	if err != nil {
		return err
	}
	a.subs = append(a.subs, directed)

	starts, err := a.deps.Bus.Subscribe("type:"+string(bus.TypeStageStart), func(msg bus.Message) {
		a.handleStageStart(msg)
	})
	if err != nil {
		return err
	}
	a.subs = append(a.subs, starts)
	return nil
}

// Detach removes the agent's bus subscriptions.
func (a *BaseAgent) Detach() {
	if a.deps.Bus == nil {
		return
	}
	for _, s := range a.subs {
		a.deps.Bus.Unsubscribe(s)
	}
	a.subs = nil
}

func (a *BaseAgent) handleStageStart(msg bus.Message) {
	stage, _ := msg.Payload["stage"].(string)
	a.logger.Debug("observed stage start", "stage", stage)
}

// handleDirected dispatches messages addressed to this role. Request
// failures are reported back as an error response rather than dropped.
func (a *BaseAgent) handleDirected(owner Agent, msg bus.Message) {
	switch msg.Type {
	case bus.TypeAgentRequest:
		a.respond(owner, msg)
	case bus.TypeTaskAssigned:
		a.handleTaskAssignment(msg)
	case bus.TypeUserFeedback:
		a.handleUserFeedback(msg)
	default:
		a.logger.Debug("ignoring message", "type", string(msg.Type), "sender", msg.Sender)
	}
}

func (a *BaseAgent) respond(owner Agent, msg bus.Message) {
	payload, err := a.processRequest(owner, msg)
	reply := map[string]any{"status": "ok"}
	for k, v := range payload {
		reply[k] = v
	}
	if err != nil {
		a.logger.Warn("request failed", "sender", msg.Sender, "error", err)
		reply = map[string]any{"status": "error", "error": err.Error()}
	}
	response := bus.NewMessage(bus.TypeAgentResponse, string(a.role), msg.Sender, reply).WithCorrelation(msg.ID)
	if err := a.deps.Bus.Publish(response); err != nil {
		a.logger.Warn("response publish failed", "error", err)
	}
}

// processRequest answers a capability query. The default implementation
// reports the agent's capabilities; stage work goes through ExecuteStage.
func (a *BaseAgent) processRequest(owner Agent, msg bus.Message) (map[string]any, error) {
	action, _ := msg.Payload["action"].(string)
	switch action {
	case "", "capabilities":
		return map[string]any{
			"capabilities": owner.Capabilities(),
			"stages":       stageNames(owner.ResponsibleStages()),
		}, nil
	default:
		return nil, fmt.Errorf("agent %s: unsupported action %q", a.role, action)
	}
}

func (a *BaseAgent) handleTaskAssignment(msg bus.Message) {
	taskID, _ := msg.Payload["task_id"].(string)
	if taskID == "" {
		return
	}
	// The assignment may arrive after the scheduler already advanced the
	// task; only pending tasks are picked up here.
	if task, ok := a.deps.Project.Task(taskID); !ok || task.Status != state.TaskPending {
		return
	}
	a.deps.Project.UpdateTaskStatus(taskID, state.TaskInProgress)
	a.logger.Debug("accepted task", "task_id", taskID)
}

func (a *BaseAgent) handleUserFeedback(msg bus.Message) {
	text, _ := msg.Payload["text"].(string)
	if text == "" {
		return
	}
	stage := workflow.Stage(fmt.Sprint(msg.Payload["stage"]))
	if !stage.Known() {
		stage = a.deps.Project.CurrentStage()
	}
	a.deps.Project.AddClientFeedback(text, stage)
	a.logger.Info("recorded client feedback", "stage", string(stage))
}

func stageNames(stages []workflow.Stage) []string {
	out := make([]string, 0, len(stages))
	for _, s := range stages {
		out = append(out, string(s))
	}
	return out
}
