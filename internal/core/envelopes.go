package core

import (
	"encoding/json"
	"fmt"
)

// Plan is the structured implementation plan produced by the planner agent.
type Plan struct {
	PlanName            string       `json:"plan_name"`
	Summary             string       `json:"summary"`
	Phases              []PlanPhase  `json:"phases"`
	TestStrategy        TestStrategy `json:"test_strategy"`
	EstimatedComplexity string       `json:"estimated_complexity"`
}

// PlanPhase is one section of a plan with its proposed tasks.
type PlanPhase struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Tasks       []PlanTask `json:"tasks"`
}

// PlanTask is a task proposal inside a plan, converted to a Task during
// task breakdown.
type PlanTask struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	UserStory          string   `json:"user_story,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	FilesToCreate      []string `json:"files_to_create,omitempty"`
	FilesToModify      []string `json:"files_to_modify,omitempty"`
	TestFiles          []string `json:"test_files,omitempty"`
	Dependencies       []string `json:"dependencies,omitempty"`
	AgentKind          string   `json:"agent_type,omitempty"`
	Model              string   `json:"model,omitempty"`
}

// TestStrategy describes how the plan's output is validated.
type TestStrategy struct {
	UnitTests        string   `json:"unit_tests,omitempty"`
	IntegrationTests string   `json:"integration_tests,omitempty"`
	TestCommands     []string `json:"test_commands,omitempty"`
}

// Validate checks the required plan-envelope fields.
func (p *Plan) Validate() error {
	if p.PlanName == "" {
		return ErrValidation("PLAN_NAME_REQUIRED", "plan envelope missing plan_name")
	}
	if len(p.Phases) == 0 {
		return ErrValidation("PLAN_PHASES_REQUIRED", "plan envelope has no phases")
	}
	return nil
}

// Feedback is one reviewer's verdict on a plan or implementation.
type Feedback struct {
	Approved       bool     `json:"approved"`
	Score          float64  `json:"score"`
	Assessment     string   `json:"assessment,omitempty"`
	Concerns       []string `json:"concerns,omitempty"`
	BlockingIssues []string `json:"blocking_issues,omitempty"`
	Summary        string   `json:"summary,omitempty"`
	RawOutput      string   `json:"raw_output,omitempty"`
}

// Validate checks the reviewer-envelope score range.
func (f *Feedback) Validate() error {
	if f.Score < 0 || f.Score > 10 {
		return ErrValidation("SCORE_OUT_OF_RANGE",
			fmt.Sprintf("reviewer score %.1f outside [0,10]", f.Score))
	}
	return nil
}

// TaskResultStatus tags the implementer envelope variant.
type TaskResultStatus string

const (
	TaskResultCompleted          TaskResultStatus = "completed"
	TaskResultNeedsClarification TaskResultStatus = "needs_clarification"
)

// TaskResult is the implementer agent's structured output. It is a tagged
// union: Completed fields are meaningful only when Status is "completed",
// Clarification fields only when it is "needs_clarification".
type TaskResult struct {
	TaskID TaskID           `json:"task_id"`
	Status TaskResultStatus `json:"status"`

	// Status == completed
	FilesCreated        []string `json:"files_created,omitempty"`
	FilesModified       []string `json:"files_modified,omitempty"`
	TestsWritten        []string `json:"tests_written,omitempty"`
	TestsPassed         bool     `json:"tests_passed,omitempty"`
	ImplementationNotes string   `json:"implementation_notes,omitempty"`

	// Status == needs_clarification
	Question string   `json:"question,omitempty"`
	Options  []string `json:"options,omitempty"`
}

// DecodeTaskResult parses and validates an implementer envelope.
func DecodeTaskResult(data []byte) (*TaskResult, error) {
	var r TaskResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, ErrValidation(CodeParseFailed, "decoding task result envelope").WithCause(err)
	}
	switch r.Status {
	case TaskResultCompleted, TaskResultNeedsClarification:
	default:
		return nil, ErrValidation(CodeParseFailed,
			fmt.Sprintf("unknown task result status %q", r.Status))
	}
	if r.Status == TaskResultNeedsClarification && r.Question == "" {
		return nil, ErrValidation(CodeParseFailed, "needs_clarification envelope missing question")
	}
	return &r, nil
}

// HumanAction is the action chosen in a human escalation response.
type HumanAction string

const (
	ActionRetry               HumanAction = "retry"
	ActionSkip                HumanAction = "skip"
	ActionContinue            HumanAction = "continue"
	ActionAbort               HumanAction = "abort"
	ActionAnswerClarification HumanAction = "answer_clarification"
)

// HumanResponse is the envelope supplied when a suspended workflow resumes.
type HumanResponse struct {
	Action      HumanAction       `json:"action"`
	TargetPhase *Phase            `json:"target_phase,omitempty"`
	Answers     map[string]string `json:"answers,omitempty"`
}

// Validate checks the human response action.
func (h *HumanResponse) Validate() error {
	switch h.Action {
	case ActionRetry, ActionSkip, ActionContinue, ActionAbort, ActionAnswerClarification:
		return nil
	default:
		return ErrValidation("INVALID_ACTION", fmt.Sprintf("unknown escalation action %q", h.Action))
	}
}

// InterruptPayload is presented to a human when the graph suspends.
type InterruptPayload struct {
	Type             string         `json:"type"`
	Project          string         `json:"project"`
	Phase            Phase          `json:"phase"`
	Issue            string         `json:"issue"`
	SuggestedActions []string       `json:"suggested_actions"`
	Message          string         `json:"message"`
	FixerDiagnosis   string         `json:"fixer_diagnosis,omitempty"`
	FixerResult      map[string]any `json:"fixer_result,omitempty"`
	Clarifications   []string       `json:"clarifications,omitempty"`
}

// AgentExecution records one agent invocation for the bounded history.
type AgentExecution struct {
	AgentKind    string  `json:"agent_kind"`
	NodeName     string  `json:"node_name,omitempty"`
	TaskID       TaskID  `json:"task_id,omitempty"`
	PromptPrefix string  `json:"prompt_prefix"`
	OutputPrefix string  `json:"output_prefix"`
	Success      bool    `json:"success"`
	DurationSecs float64 `json:"duration_seconds"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}

// MaxExecutionHistory bounds the per-state agent execution history.
const MaxExecutionHistory = 20

// ExecutionPrefixLen is how much of prompts and outputs the history keeps.
const ExecutionPrefixLen = 200

// NewAgentExecution builds a history record with truncated prompt/output.
func NewAgentExecution(agentKind, nodeName string, taskID TaskID, prompt, output string, success bool, duration, cost float64) AgentExecution {
	return AgentExecution{
		AgentKind:    agentKind,
		NodeName:     nodeName,
		TaskID:       taskID,
		PromptPrefix: truncate(prompt, ExecutionPrefixLen),
		OutputPrefix: truncate(output, ExecutionPrefixLen),
		Success:      success,
		DurationSecs: duration,
		CostUSD:      cost,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
