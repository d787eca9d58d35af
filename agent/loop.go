// Package agent implements the bounded control loop that drives one session
// from goal to terminal status: plan, act, evaluate, repeat, within an
// iteration budget. The loop is the session's only writer.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kfaulkner/steward/planner"
	"github.com/kfaulkner/steward/session"
	"github.com/kfaulkner/steward/tools"
)

// BudgetExhaustedError reports a run cut short by the iteration budget.
type BudgetExhaustedError struct {
	Limit int
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("iteration budget of %d exhausted", e.Limit)
}

// Loop runs sessions to completion. One Loop serves many sessions; per-run
// state lives on the session itself.
type Loop struct {
	gateway       *tools.Gateway
	planner       *planner.Planner
	maxIterations int
	log           *slog.Logger
}

// New creates a loop. maxIterations bounds the plan/act/evaluate passes of
// a single run.
func New(gateway *tools.Gateway, p *planner.Planner, maxIterations int, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		gateway:       gateway,
		planner:       p,
		maxIterations: maxIterations,
		log:           log,
	}
}

// Run drives sess to a terminal status. The caller appends the user's
// message before running; the loop treats the latest user turn as the
// active goal. Run always leaves the session terminal, with a final
// assistant message, and returns the error a terminal StatusError carries.
func (l *Loop) Run(ctx context.Context, sess *session.Session) error {
	log := l.log.With("session", sess.ID())
	goal := activeGoal(sess)

	// Initialize: discover tools. A failed discovery degrades the run to
	// an empty registry instead of aborting it.
	available, err := l.gateway.Discover(ctx)
	if err != nil {
		log.Warn("tool discovery failed, running degraded", "cause", err)
		available = nil
	}

	if err := ctx.Err(); err != nil {
		return l.finish(ctx, sess, session.StatusError, fmt.Errorf("cancelled: %w", err))
	}

	// Planning: one retry, then the run fails.
	if err := l.plan(ctx, sess, goal, available, log); err != nil {
		return l.finish(ctx, sess, session.StatusError, err)
	}

	// The last step failure of the current plan is remembered across
	// passes: a recoverable failure deferred behind remaining steps must
	// still route to a replan once those steps run out. A fresh plan
	// clears it.
	var stepErr error
	for {
		if err := ctx.Err(); err != nil {
			return l.finish(ctx, sess, session.StatusError, fmt.Errorf("cancelled: %w", err))
		}

		sess.SetStatus(session.StatusActing)
		if err := l.act(ctx, sess, goal, available, log); err != nil {
			stepErr = err
		}
		if ctx.Err() != nil {
			return l.finish(ctx, sess, session.StatusError, fmt.Errorf("cancelled: %w", ctx.Err()))
		}

		sess.SetStatus(session.StatusEvaluating)
		iteration := sess.IncrementIteration()
		headroom := iteration < l.maxIterations

		decision := l.planner.Evaluate(sess.Snapshot(), headroom, stepErr)
		log.Debug("evaluated progress", "iteration", iteration, "action", decision.Action, "reason", decision.Reason)

		switch decision.Action {
		case planner.ActionComplete:
			return l.finish(ctx, sess, session.StatusCompleted, nil)
		case planner.ActionError:
			if stepErr != nil {
				return l.finish(ctx, sess, session.StatusError, stepErr)
			}
			return l.finish(ctx, sess, session.StatusError, fmt.Errorf("%s", decision.Reason))
		case planner.ActionReplan:
			stepErr = nil
			if err := l.plan(ctx, sess, goal, available, log); err != nil {
				return l.finish(ctx, sess, session.StatusError, err)
			}
		case planner.ActionContinue:
			if !headroom {
				return l.exhaust(ctx, sess, log)
			}
		}
	}
}

// plan asks the planner for an execution plan, retrying once, and installs
// it on the session.
func (l *Loop) plan(ctx context.Context, sess *session.Session, goal string, available []tools.Tool, log *slog.Logger) error {
	sess.SetStatus(session.StatusPlanning)
	history := sess.Snapshot().Messages

	result, err := l.planner.Plan(ctx, goal, available, history)
	if err != nil {
		log.Warn("planning failed, retrying", "cause", err)
		result, err = l.planner.Plan(ctx, goal, available, history)
	}
	if err != nil {
		return fmt.Errorf("planning failed: %w", err)
	}
	sess.SetPlan(result.Analysis, result.Steps)
	log.Info("plan created", "steps", len(result.Steps))
	return nil
}

// act executes the next pending step. Steps without a tool binding complete
// immediately; the answer itself is produced at finalization. Tool-bearing
// steps always leave an audit record, success or not. The returned error is
// the typed classification for the evaluation, nil when the step succeeded
// or no step was pending.
func (l *Loop) act(ctx context.Context, sess *session.Session, goal string, available []tools.Tool, log *slog.Logger) error {
	step, ok := sess.NextPendingStep()
	if !ok {
		return nil
	}
	if err := sess.StartStep(step.Index); err != nil {
		return err
	}

	if step.ToolName == "" && step.Args == nil {
		// Respond-directly step; nothing to invoke.
		sess.FinishStep(step.Index, session.StepDone)
		return nil
	}

	name, args := step.ToolName, step.Args
	if args == nil {
		selected, selectedArgs, err := l.planner.SelectTool(ctx, goal, step, available, sess.Snapshot().ToolCalls)
		if err != nil {
			log.Warn("tool selection failed", "step", step.Index, "cause", err)
			now := time.Now()
			sess.RecordToolCall(session.ToolCallRecord{
				ToolName:  name,
				Err:       err.Error(),
				StepIndex: step.Index,
				StartedAt: now,
				EndedAt:   now,
			})
			sess.FinishStep(step.Index, session.StepFailed)
			return err
		}
		if name == "" {
			name = selected
		}
		args = selectedArgs
	}

	started := time.Now()
	res, callErr := l.gateway.Call(ctx, name, args)
	sess.RecordToolCall(session.ToolCallRecord{
		ToolName:  name,
		Args:      args,
		Output:    res.Data,
		Err:       res.Err,
		StepIndex: step.Index,
		StartedAt: started,
		EndedAt:   time.Now(),
	})

	if callErr != nil {
		log.Warn("tool call failed", "tool", name, "step", step.Index, "cause", callErr)
		sess.FinishStep(step.Index, session.StepFailed)
		return callErr
	}
	sess.FinishStep(step.Index, session.StepDone)
	return nil
}

// exhaust handles the iteration budget running out with work remaining:
// remaining steps are skipped, the truncation is spelled out in the
// conversation, and the session ends Errored while still carrying a final
// response over what was accomplished.
func (l *Loop) exhaust(ctx context.Context, sess *session.Session, log *slog.Logger) error {
	budgetErr := &BudgetExhaustedError{Limit: l.maxIterations}
	log.Warn("iteration budget exhausted", "limit", l.maxIterations)
	sess.SkipPending()
	sess.AppendMessage("system", fmt.Sprintf("Execution stopped: %s. Remaining steps were skipped.", budgetErr))
	return l.finish(ctx, sess, session.StatusError, budgetErr)
}

// finish produces the final response and performs the terminal transition.
// Finalization never fails, so both terminal statuses carry an assistant
// message.
func (l *Loop) finish(ctx context.Context, sess *session.Session, st session.Status, cause error) error {
	response := l.planner.Finalize(ctx, sess.Snapshot())
	sess.AppendMessage("assistant", response)

	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	sess.Terminate(st, errMsg)
	return cause
}

// activeGoal is the latest user turn, falling back to the session's
// original goal.
func activeGoal(sess *session.Session) string {
	snap := sess.Snapshot()
	for i := len(snap.Messages) - 1; i >= 0; i-- {
		if snap.Messages[i].Role == "user" {
			return snap.Messages[i].Content
		}
	}
	return snap.Goal
}
