package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/dshills/nodegraph-go/graph/tool"
)

// State keys shared by the reasoning, action and observation nodes.
const (
	ReasoningKey      = "reasoning_result"
	ActionKey         = "suggested_action"
	ActionParamsKey   = "action_parameters"
	ActionResultKey   = "action_result"
	FinalAnswerKey    = "final_answer"
	GoalAchievedKey   = "goal_achieved"
	ObservationKey    = "observation"
	ReActIterationKey = "react_iteration"
)

// Thought is the decision produced by a reasoning step.
type Thought struct {
	Reasoning   string         `json:"reasoning"`
	Action      string         `json:"action,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	FinalAnswer string         `json:"final_answer,omitempty"`
}

// Reasoner produces the raw text of a reasoning step, usually a JSON object
// shaped like Thought. Model invocation lives behind this interface.
type Reasoner interface {
	Reason(ctx context.Context, state *State) (string, error)
}

// ReasonerFunc adapts a function into a Reasoner.
type ReasonerFunc func(ctx context.Context, state *State) (string, error)

func (f ReasonerFunc) Reason(ctx context.Context, state *State) (string, error) {
	return f(ctx, state)
}

// ParseThought decodes reasoner output. Markdown code fences are stripped and
// malformed JSON is repaired; text that is not JSON at all becomes the
// Reasoning of an otherwise empty Thought.
func ParseThought(text string) Thought {
	raw := stripFences(text)
	var t Thought
	if err := json.Unmarshal([]byte(raw), &t); err == nil {
		return t
	}
	if strings.Contains(raw, "{") {
		if repaired, err := jsonrepair.JSONRepair(raw); err == nil {
			t = Thought{}
			if err := json.Unmarshal([]byte(repaired), &t); err == nil {
				return t
			}
		}
	}
	return Thought{Reasoning: strings.TrimSpace(text)}
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

// ReasoningNode asks its Reasoner what to do next and records the Thought in
// State under ReasoningKey, ActionKey, ActionParamsKey and FinalAnswerKey.
type ReasoningNode struct {
	BaseNode
	reasoner Reasoner
}

// NewReasoningNode creates a reasoning step.
func NewReasoningNode(name string, reasoner Reasoner, opts ...NodeOption) *ReasoningNode {
	opts = append([]NodeOption{WithOutputs(ReasoningKey, ActionKey, ActionParamsKey, FinalAnswerKey)}, opts...)
	return &ReasoningNode{BaseNode: NewBaseNode(name, opts...), reasoner: reasoner}
}

func (n *ReasoningNode) Execute(ctx context.Context, state *State) (Result, error) {
	if n.reasoner == nil {
		return Result{}, &NodeError{Message: "no reasoner configured", Code: "NO_REASONER", NodeID: n.ID()}
	}
	text, err := n.reasoner.Reason(ctx, state)
	if err != nil {
		return Result{}, &NodeError{Message: "reasoning failed", Code: "REASONING_FAILED", NodeID: n.ID(), Cause: err}
	}
	t := ParseThought(text)
	state.Set(ReasoningKey, t.Reasoning)
	state.Set(ActionKey, t.Action)
	if t.Parameters != nil {
		state.Set(ActionParamsKey, t.Parameters)
	} else {
		state.Delete(ActionParamsKey)
	}
	if t.FinalAnswer != "" {
		state.Set(FinalAnswerKey, t.FinalAnswer)
	}
	return Result{Value: t}, nil
}

// ActionNode runs the tool named under ActionKey with the parameters under
// ActionParamsKey and stores the tool output under ActionResultKey. An empty
// action is a no-op.
type ActionNode struct {
	BaseNode
	tools *tool.Set
}

// NewActionNode creates an action step backed by tools.
func NewActionNode(name string, tools []tool.Tool, opts ...NodeOption) *ActionNode {
	opts = append([]NodeOption{WithInputs(ActionKey, ActionParamsKey), WithOutputs(ActionResultKey)}, opts...)
	return &ActionNode{BaseNode: NewBaseNode(name, opts...), tools: tool.NewSet(tools...)}
}

// Tools returns the names of the tools the node can call.
func (n *ActionNode) Tools() []string { return n.tools.Names() }

func (n *ActionNode) Execute(ctx context.Context, state *State) (Result, error) {
	action := GetOr(state, ActionKey, "")
	if action == "" {
		return Result{}, nil
	}
	t, ok := n.tools.Get(action)
	if !ok {
		return Result{}, &NodeError{Message: fmt.Sprintf("unknown tool %q", action), Code: "UNKNOWN_TOOL", NodeID: n.ID()}
	}
	params, _ := GetAs[map[string]any](state, ActionParamsKey)
	out, err := t.Call(ctx, params)
	if err != nil {
		return Result{}, &NodeError{Message: fmt.Sprintf("tool %s failed", action), Code: "TOOL_FAILED", NodeID: n.ID(), Cause: err}
	}
	state.Set(ActionResultKey, out)
	return Result{Value: out, Metadata: map[string]any{"tool": action}}, nil
}

// Observation is the outcome of an observation step.
type Observation struct {
	GoalAchieved bool
	Summary      string
}

// Observer inspects State after an action and decides whether the goal is met.
type Observer interface {
	Observe(ctx context.Context, state *State) (Observation, error)
}

// ObserverFunc adapts a function into an Observer.
type ObserverFunc func(ctx context.Context, state *State) (Observation, error)

func (f ObserverFunc) Observe(ctx context.Context, state *State) (Observation, error) {
	return f(ctx, state)
}

// FinalAnswerObserver treats the goal as achieved once a final answer exists.
var FinalAnswerObserver = ObserverFunc(func(_ context.Context, s *State) (Observation, error) {
	answer := GetOr(s, FinalAnswerKey, "")
	return Observation{GoalAchieved: answer != "", Summary: answer}, nil
})

// ObservationNode records its Observer's verdict under GoalAchievedKey and
// ObservationKey.
type ObservationNode struct {
	BaseNode
	observer Observer
}

// NewObservationNode creates an observation step. A nil observer defaults to
// FinalAnswerObserver.
func NewObservationNode(name string, observer Observer, opts ...NodeOption) *ObservationNode {
	if observer == nil {
		observer = FinalAnswerObserver
	}
	opts = append([]NodeOption{WithOutputs(GoalAchievedKey, ObservationKey)}, opts...)
	return &ObservationNode{BaseNode: NewBaseNode(name, opts...), observer: observer}
}

func (n *ObservationNode) Execute(ctx context.Context, state *State) (Result, error) {
	obs, err := n.observer.Observe(ctx, state)
	if err != nil {
		return Result{}, &NodeError{Message: "observation failed", Code: "OBSERVATION_FAILED", NodeID: n.ID(), Cause: err}
	}
	state.Set(GoalAchievedKey, obs.GoalAchieved)
	state.Set(ObservationKey, obs.Summary)
	return Result{Value: obs}, nil
}

// ReActNode is a composite plan-act-observe loop. It holds one reasoning, one
// action and one observation node and cycles through them until a final answer
// appears, the observer reports the goal achieved, or MaxIterations is reached.
// Each inner node runs with its own hooks.
type ReActNode struct {
	BaseNode
	Reasoning     *ReasoningNode
	Action        *ActionNode
	Observation   *ObservationNode
	MaxIterations int
}

// NewReActNode creates the composite. maxIterations <= 0 defaults to 5.
func NewReActNode(name string, reasoning *ReasoningNode, action *ActionNode, observation *ObservationNode, maxIterations int, opts ...NodeOption) *ReActNode {
	if maxIterations <= 0 {
		maxIterations = 5
	}
	opts = append([]NodeOption{WithOutputs(ReActIterationKey, FinalAnswerKey)}, opts...)
	return &ReActNode{
		BaseNode:      NewBaseNode(name, opts...),
		Reasoning:     reasoning,
		Action:        action,
		Observation:   observation,
		MaxIterations: maxIterations,
	}
}

func (n *ReActNode) Execute(ctx context.Context, state *State) (Result, error) {
	if n.Reasoning == nil || n.Action == nil || n.Observation == nil {
		return Result{}, &NodeError{Message: "composite is missing a step", Code: "INCOMPLETE_REACT", NodeID: n.ID()}
	}
	state.Set(ReActIterationKey, 0)

	var last Observation
	for i := 1; i <= n.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		state.Set(ReActIterationKey, i)

		res, err := runWithHooks(ctx, n.Reasoning, state)
		if err != nil {
			return Result{}, err
		}
		if t, _ := res.Value.(Thought); t.FinalAnswer != "" {
			return n.finish(t.FinalAnswer, i, true), nil
		}
		if _, err := runWithHooks(ctx, n.Action, state); err != nil {
			return Result{}, err
		}
		res, err = runWithHooks(ctx, n.Observation, state)
		if err != nil {
			return Result{}, err
		}
		last, _ = res.Value.(Observation)
		if last.GoalAchieved {
			return n.finish(last.Summary, i, true), nil
		}
	}
	return n.finish(last.Summary, n.MaxIterations, false), nil
}

func (n *ReActNode) finish(answer string, iterations int, achieved bool) Result {
	return Result{
		Value:    answer,
		Metadata: map[string]any{"iterations": iterations, "goal_achieved": achieved},
	}
}

// runWithHooks runs a node's before hooks, Execute and after or failure hooks.
// Hook errors and panics are logged and otherwise ignored.
func runWithHooks(ctx context.Context, n Node, state *State) (Result, error) {
	if err := n.Validate(state); err != nil {
		return Result{}, err
	}
	before, after, failure := n.Hooks().snapshot()
	for _, h := range before {
		callHook(ctx, n, "before", func() error { return h(ctx, n, state) })
	}
	res, err := executeWithTimeout(ctx, n, state, 0)
	if err != nil {
		for _, h := range failure {
			callHook(ctx, n, "failure", func() error { return h(ctx, n, state, err) })
		}
		return res, err
	}
	if key := n.ResultKey(); key != "" {
		state.Set(key, res.Value)
	}
	for _, h := range after {
		callHook(ctx, n, "after", func() error { return h(ctx, n, state, res) })
	}
	return res, nil
}
