// Package session holds the canonical state of one agent run: the
// conversation, the plan, the tool-call audit trail and the lifecycle
// status. The agent loop is the only writer; everyone else reads snapshots.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a session. Completed and Error are
// terminal; a session never leaves a terminal status.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusPlanning     Status = "planning"
	StatusActing       Status = "acting"
	StatusEvaluating   Status = "evaluating"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Message is one entry in the conversation history.
type Message struct {
	Role      string    `json:"role"` // "user", "assistant", "system", "tool"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// StepStatus tracks one planned unit of work through its life.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepDone       StepStatus = "done"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// Step is one planned unit of work. ToolName is empty for steps the agent
// answers directly, without a tool. Args may be nil when the plan left the
// arguments to be filled in at execution time.
type Step struct {
	Index       int            `json:"index"`
	Description string         `json:"description"`
	ToolName    string         `json:"tool_name,omitempty"`
	Args        map[string]any `json:"args,omitempty"`
	Status      StepStatus     `json:"status"`
}

// ToolCallRecord is an immutable audit entry for one invocation attempt.
// A retried call produces a new record.
type ToolCallRecord struct {
	ToolName  string         `json:"tool_name"`
	Args      map[string]any `json:"args"`
	Output    string         `json:"output,omitempty"`
	Err       string         `json:"error,omitempty"`
	StepIndex int            `json:"step_index"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
}

// Session is one user-visible task run.
type Session struct {
	mu sync.RWMutex

	id       string
	goal     string
	provider string

	messages   []Message
	analysis   string
	plan       []Step
	toolCalls  []ToolCallRecord
	iterations int
	status     Status
	errMsg     string

	createdAt time.Time
	updatedAt time.Time

	events *EventLog
}

// New creates a session for the given goal and provider identifier.
func New(goal, provider string) *Session {
	now := time.Now()
	id := uuid.New().String()
	return &Session{
		id:        id,
		goal:      goal,
		provider:  provider,
		status:    StatusInitializing,
		createdAt: now,
		updatedAt: now,
		events:    NewEventLog(id),
	}
}

func (s *Session) ID() string       { return s.id }
func (s *Session) Goal() string     { return s.goal }
func (s *Session) Provider() string { return s.provider }

// Events returns the session's event log for subscription.
func (s *Session) Events() *EventLog { return s.events }

// Status returns the current lifecycle status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus moves the session to a non-terminal status. Transitions out of
// a terminal status are ignored.
func (s *Session) SetStatus(st Status) {
	s.mu.Lock()
	if s.status.Terminal() || s.status == st {
		s.mu.Unlock()
		return
	}
	s.status = st
	s.updatedAt = time.Now()
	s.mu.Unlock()
	s.events.Publish(EventStatusChanged, map[string]any{"status": string(st)})
}

// Terminate performs the terminal transition exactly once. It returns false
// if the session already reached a terminal status, so concurrent
// cancellation and completion cannot both win.
func (s *Session) Terminate(st Status, errMsg string) bool {
	if !st.Terminal() {
		return false
	}
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.status = st
	s.errMsg = errMsg
	s.updatedAt = time.Now()
	s.mu.Unlock()
	s.events.Publish(EventStatusChanged, map[string]any{"status": string(st), "error": errMsg})
	s.events.Close()
	return true
}

// AppendMessage appends to the conversation history.
func (s *Session) AppendMessage(role, content string) {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	s.messages = append(s.messages, Message{Role: role, Content: content, Timestamp: now})
	s.updatedAt = now
	s.mu.Unlock()
	s.events.Publish(EventMessageAppended, map[string]any{"role": role, "content": content})
}

// SetPlan replaces the plan wholesale. Step indexes are rewritten to the
// slice positions and statuses reset to pending.
func (s *Session) SetPlan(analysis string, steps []Step) {
	s.mu.Lock()
	s.analysis = analysis
	s.plan = make([]Step, len(steps))
	for i, st := range steps {
		st.Index = i
		st.Status = StepPending
		s.plan[i] = st
	}
	s.updatedAt = time.Now()
	n := len(s.plan)
	s.mu.Unlock()
	s.events.Publish(EventPlanCreated, map[string]any{"steps": n, "analysis": analysis})
}

// NextPendingStep returns a copy of the lowest-indexed pending step.
func (s *Session) NextPendingStep() (Step, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.plan {
		if st.Status == StepPending {
			return st, true
		}
	}
	return Step{}, false
}

// StartStep transitions a pending step to in_progress.
func (s *Session) StartStep(index int) error {
	return s.transitionStep(index, StepPending, StepInProgress)
}

// FinishStep transitions an in_progress step to done or failed.
func (s *Session) FinishStep(index int, status StepStatus) error {
	if status != StepDone && status != StepFailed {
		return fmt.Errorf("invalid finishing status %q for step %d", status, index)
	}
	return s.transitionStep(index, StepInProgress, status)
}

// SkipPending marks every remaining pending step skipped. Used when the
// iteration budget forces termination.
func (s *Session) SkipPending() {
	s.mu.Lock()
	var skipped []int
	for i := range s.plan {
		if s.plan[i].Status == StepPending {
			s.plan[i].Status = StepSkipped
			skipped = append(skipped, i)
		}
	}
	s.updatedAt = time.Now()
	s.mu.Unlock()
	for _, i := range skipped {
		s.events.Publish(EventStepUpdated, map[string]any{"index": i, "status": string(StepSkipped)})
	}
}

func (s *Session) transitionStep(index int, from, to StepStatus) error {
	s.mu.Lock()
	if index < 0 || index >= len(s.plan) {
		s.mu.Unlock()
		return fmt.Errorf("step index %d out of range", index)
	}
	if s.plan[index].Status != from {
		got := s.plan[index].Status
		s.mu.Unlock()
		return fmt.Errorf("step %d is %q, cannot move to %q", index, got, to)
	}
	s.plan[index].Status = to
	s.updatedAt = time.Now()
	s.mu.Unlock()
	s.events.Publish(EventStepUpdated, map[string]any{"index": index, "status": string(to)})
	return nil
}

// RecordToolCall appends an audit record. Records are never mutated after
// this point.
func (s *Session) RecordToolCall(rec ToolCallRecord) {
	s.mu.Lock()
	s.toolCalls = append(s.toolCalls, rec)
	s.updatedAt = time.Now()
	s.mu.Unlock()
	s.events.Publish(EventToolCallRecorded, map[string]any{
		"tool": rec.ToolName, "step": rec.StepIndex, "error": rec.Err,
	})
}

// IncrementIteration bumps the loop pass counter and returns the new value.
func (s *Session) IncrementIteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iterations++
	return s.iterations
}

// Reopen returns a terminal session to initializing for a follow-up turn.
// Conversation history is preserved; the plan, audit trail and iteration
// count reset. A fresh event log replaces the closed one so the next run
// can stream.
func (s *Session) Reopen() {
	s.mu.Lock()
	old := s.events
	s.analysis = ""
	s.plan = nil
	s.toolCalls = nil
	s.iterations = 0
	s.status = StatusInitializing
	s.errMsg = ""
	s.updatedAt = time.Now()
	s.events = NewEventLog(s.id)
	s.mu.Unlock()
	old.Close()
}

// Clear resets the message, plan and tool-call history while preserving the
// session's identity. A fresh event log replaces the old one so a later run
// can stream again.
func (s *Session) Clear() {
	s.mu.Lock()
	old := s.events
	s.messages = nil
	s.analysis = ""
	s.plan = nil
	s.toolCalls = nil
	s.iterations = 0
	s.status = StatusInitializing
	s.errMsg = ""
	s.updatedAt = time.Now()
	s.events = NewEventLog(s.id)
	s.mu.Unlock()
	old.Close()
}

// Snapshot is a deep copy of the session state, safe to hand to readers.
type Snapshot struct {
	ID             string           `json:"id"`
	Goal           string           `json:"goal"`
	Provider       string           `json:"provider"`
	Messages       []Message        `json:"messages"`
	Analysis       string           `json:"analysis,omitempty"`
	Plan           []Step           `json:"plan"`
	ToolCalls      []ToolCallRecord `json:"tool_calls"`
	IterationCount int              `json:"iteration_count"`
	Status         Status           `json:"status"`
	Error          string           `json:"error,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		ID:             s.id,
		Goal:           s.goal,
		Provider:       s.provider,
		Analysis:       s.analysis,
		IterationCount: s.iterations,
		Status:         s.status,
		Error:          s.errMsg,
		CreatedAt:      s.createdAt,
		UpdatedAt:      s.updatedAt,
	}
	snap.Messages = append([]Message(nil), s.messages...)
	snap.Plan = make([]Step, len(s.plan))
	for i, st := range s.plan {
		snap.Plan[i] = st
		if st.Args != nil {
			args := make(map[string]any, len(st.Args))
			for k, v := range st.Args {
				args[k] = v
			}
			snap.Plan[i].Args = args
		}
	}
	snap.ToolCalls = append([]ToolCallRecord(nil), s.toolCalls...)
	return snap
}
