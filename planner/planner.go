// Package planner turns a goal into an executable plan and decides, after
// each pass of the loop, whether to keep going. Planning, tool selection and
// the final summary are LLM calls; the progress evaluation is deterministic
// so the loop's control flow never depends on model output parsing.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	stderrors "errors"

	"github.com/kfaulkner/steward/errors"
	"github.com/kfaulkner/steward/llm"
	"github.com/kfaulkner/steward/session"
	"github.com/kfaulkner/steward/tools"
)

const systemPrompt = `You are an autonomous agent planner. Your role is to analyze user goals and create execution plans using available tools.

IMPORTANT CONSTRAINTS:
- ONLY use tools that are explicitly listed in the AVAILABLE TOOLS section
- DO NOT assume the existence of calculation tools like "python", "length", "count", "math", etc.
- For data processing tasks (counting, calculations, analysis), plan to retrieve the data first, then process it in the final response

GUIDELINES:
1. Always start by understanding the user's goal clearly
2. Review available tools and their capabilities carefully - only use tools that are actually available
3. Create a step-by-step plan that logically progresses toward the goal
4. Consider dependencies between steps
5. Be specific about tool inputs and expected outputs

RESPONSE FORMAT:
When creating a plan, respond with a JSON object containing:
{
    "analysis": "Brief analysis of the user's request",
    "plan": [
        {
            "step": 1,
            "action": "respond" | "tool_call",
            "tool_name": "tool_name" (only for tool_call actions),
            "description": "What this step accomplishes",
            "inputs": {"key": "value"} (only for tool_call actions)
        }
    ],
    "reasoning": "Why this approach was chosen"
}`

// RecoveryPolicy decides whether a step failure is worth replanning around.
type RecoveryPolicy func(err error) bool

// DefaultRecovery treats argument problems as recoverable: a new plan can
// fix a bad tool name or missing inputs. Timeouts already consumed the
// retry budget and execution failures are the tool's verdict; replanning
// around those just burns iterations.
func DefaultRecovery(err error) bool {
	var verr *tools.ValidationError
	var uerr *tools.UnknownToolError
	return stderrors.As(err, &verr) || stderrors.As(err, &uerr)
}

// Planner drives the LLM-facing half of the control loop.
type Planner struct {
	client   llm.Client
	recovery RecoveryPolicy
	log      *slog.Logger
}

// New creates a planner over the given completion client. A nil policy gets
// DefaultRecovery.
func New(client llm.Client, recovery RecoveryPolicy, log *slog.Logger) *Planner {
	if recovery == nil {
		recovery = DefaultRecovery
	}
	if log == nil {
		log = slog.Default()
	}
	return &Planner{client: client, recovery: recovery, log: log}
}

// PlanResult is a parsed plan: the model's analysis plus ordered steps.
type PlanResult struct {
	Analysis string
	Steps    []session.Step
}

type planPayload struct {
	Analysis string `json:"analysis"`
	Plan     []struct {
		Step        int            `json:"step"`
		Action      string         `json:"action"`
		ToolName    string         `json:"tool_name"`
		Description string         `json:"description"`
		Inputs      map[string]any `json:"inputs"`
	} `json:"plan"`
	Reasoning string `json:"reasoning"`
}

// Plan asks the model for an execution plan. A response with no usable steps
// degrades to a single respond-directly step so the loop always has forward
// progress; only a failed completion is an error.
func (p *Planner) Plan(ctx context.Context, goal string, available []tools.Tool, history []session.Message) (*PlanResult, error) {
	prompt := fmt.Sprintf(`USER GOAL: %s

AVAILABLE TOOLS:
%s

CONVERSATION CONTEXT:
%s

Please create a detailed execution plan to accomplish the user's goal.`,
		goal, describeTools(available), describeHistory(history))

	resp, err := p.client.Complete(ctx, llm.Request{
		Messages: []session.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "plan generation failed")
	}

	var payload planPayload
	if raw, ok := extractJSON(resp.Content); ok {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			p.log.Warn("unparseable plan, degrading to direct response", "cause", err)
			payload = planPayload{Analysis: clip(resp.Content, 200)}
		}
	} else {
		payload = planPayload{Analysis: clip(resp.Content, 200)}
	}

	result := &PlanResult{Analysis: payload.Analysis}
	for _, raw := range payload.Plan {
		if raw.Description == "" && raw.ToolName == "" {
			continue
		}
		step := session.Step{Description: raw.Description}
		if raw.Action != "respond" && raw.ToolName != "" {
			step.ToolName = raw.ToolName
			step.Args = raw.Inputs
		}
		result.Steps = append(result.Steps, step)
	}
	if len(result.Steps) == 0 {
		result.Steps = []session.Step{{Description: "Respond directly to the user"}}
	}
	return result, nil
}

// SelectTool fills in the tool name and arguments for a step the plan left
// unbound.
func (p *Planner) SelectTool(ctx context.Context, goal string, step session.Step, available []tools.Tool, previous []session.ToolCallRecord) (string, map[string]any, error) {
	prompt := fmt.Sprintf(`CURRENT STEP: %s

AVAILABLE TOOLS:
%s

CONTEXT:
- Goal: %s
- Previous outputs:
%s

Please specify exactly which tool to call and with what inputs to execute this step.
Respond with JSON: {"tool_name": "name", "inputs": {"key": "value"}, "reasoning": "why"}`,
		step.Description, describeTools(available), goal, formatToolResults(previous))

	resp, err := p.client.Complete(ctx, llm.Request{
		Messages: []session.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", nil, errors.Wrapf(err, "tool selection failed")
	}

	raw, ok := extractJSON(resp.Content)
	if !ok {
		return "", nil, errors.New("no JSON object in tool selection response")
	}
	var selection struct {
		ToolName string         `json:"tool_name"`
		Inputs   map[string]any `json:"inputs"`
	}
	if err := json.Unmarshal([]byte(raw), &selection); err != nil {
		return "", nil, errors.Wrapf(err, "invalid tool selection JSON")
	}
	if selection.ToolName == "" {
		return "", nil, errors.New("tool selection response named no tool")
	}
	return selection.ToolName, selection.Inputs, nil
}

// Action is the evaluation verdict that drives the next state transition.
type Action string

const (
	ActionContinue Action = "continue"
	ActionReplan   Action = "replan"
	ActionComplete Action = "complete"
	ActionError    Action = "error"
)

// Decision is the outcome of one progress evaluation.
type Decision struct {
	Action Action
	Reason string
}

// Evaluate inspects the plan's step statuses and decides the next action.
// It is deterministic. headroom reports whether the iteration budget allows
// another pass; stepErr is the typed error from the most recent failed
// step, nil when nothing failed.
func (p *Planner) Evaluate(snap session.Snapshot, headroom bool, stepErr error) Decision {
	var failed, pending int
	for _, st := range snap.Plan {
		switch st.Status {
		case session.StepFailed:
			failed++
		case session.StepPending:
			pending++
		}
	}

	if failed > 0 {
		if stepErr != nil && p.recovery(stepErr) && headroom {
			// Remaining steps take precedence over a fresh plan.
			if pending > 0 {
				return Decision{Action: ActionContinue, Reason: "step failed recoverably, continuing with remaining steps"}
			}
			return Decision{Action: ActionReplan, Reason: "step failed recoverably, replanning"}
		}
		reason := "step failed"
		if stepErr != nil {
			reason = stepErr.Error()
		}
		return Decision{Action: ActionError, Reason: reason}
	}
	if pending == 0 {
		return Decision{Action: ActionComplete, Reason: "all steps done"}
	}
	return Decision{Action: ActionContinue, Reason: "pending steps remain"}
}

// Finalize produces the final user-facing response. It never fails: when
// the model is unreachable it degrades to a templated summary built from
// the recorded tool outputs.
func (p *Planner) Finalize(ctx context.Context, snap session.Snapshot) string {
	prompt := fmt.Sprintf(`USER'S ORIGINAL GOAL: %s

EXECUTION SUMMARY:
- Steps completed: %d
- Tools used: %d

TOOL RESULTS:
%s

Please provide a comprehensive final response to the user about what was accomplished. If the user asked for counts, calculations, or data analysis, process the retrieved data directly in your response and provide specific numbers.`,
		snap.Goal, doneSteps(snap.Plan), len(snap.ToolCalls), formatToolResults(snap.ToolCalls))

	resp, err := p.client.Complete(ctx, llm.Request{
		Messages: []session.Message{
			{Role: "system", Content: "You are an autonomous agent providing a final response to the user. Summarize what was accomplished, highlight key results, and provide a clear, helpful response."},
			{Role: "user", Content: prompt},
		},
	})
	if err == nil && strings.TrimSpace(resp.Content) != "" {
		return strings.TrimSpace(resp.Content)
	}
	if err != nil {
		p.log.Warn("final response generation failed, using fallback summary", "cause", err)
	}
	return fallbackSummary(snap)
}

// fallbackSummary is the non-LLM final response.
func fallbackSummary(snap session.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %q finished with %d of %d steps completed.", snap.Goal, doneSteps(snap.Plan), len(snap.Plan))
	for _, rec := range snap.ToolCalls {
		if rec.Err != "" {
			fmt.Fprintf(&b, "\n- %s failed: %s", rec.ToolName, rec.Err)
			continue
		}
		fmt.Fprintf(&b, "\n- %s: %s", rec.ToolName, clip(rec.Output, 200))
	}
	return b.String()
}

func doneSteps(plan []session.Step) int {
	n := 0
	for _, st := range plan {
		if st.Status == session.StepDone {
			n++
		}
	}
	return n
}

// extractJSON pulls the outermost brace-delimited object out of a model
// response, tolerating prose or code fences around it.
func extractJSON(s string) (string, bool) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

func describeTools(ts []tools.Tool) string {
	if len(ts) == 0 {
		return "No tools are available. Respond to the user directly."
	}
	var b strings.Builder
	for _, t := range ts {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		for _, f := range t.Schema.Fields {
			req := ""
			if f.Required {
				req = ", required"
			}
			fmt.Fprintf(&b, "    %s (%s%s): %s\n", f.Name, f.Type, req, f.Description)
		}
	}
	return b.String()
}

func describeHistory(history []session.Message) string {
	if len(history) == 0 {
		return "No prior conversation."
	}
	var b strings.Builder
	for _, msg := range history {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, clip(msg.Content, 500))
	}
	return b.String()
}

func formatToolResults(records []session.ToolCallRecord) string {
	if len(records) == 0 {
		return "No tools were executed."
	}
	var b strings.Builder
	for i, rec := range records {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Tool: %s", rec.ToolName)
		if rec.Err != "" {
			fmt.Fprintf(&b, "\nError: %s", rec.Err)
			continue
		}
		fmt.Fprintf(&b, "\nResult: %s", clip(rec.Output, 1000))
	}
	return b.String()
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
