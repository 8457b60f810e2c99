// Package pipeline runs the four-stage agent workflow for one task:
// Planner and Architect concurrently, then Engineer, then Debugger when the
// generated program fails to execute cleanly.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kirayoXkaki/mgxEngine/internal/artifacts"
	"github.com/kirayoXkaki/mgxEngine/internal/bus"
	"github.com/kirayoXkaki/mgxEngine/internal/pricing"
	"github.com/kirayoXkaki/mgxEngine/internal/ratelimit"
	"github.com/kirayoXkaki/mgxEngine/internal/sandbox"
	"github.com/kirayoXkaki/mgxEngine/internal/shared"
	"github.com/kirayoXkaki/mgxEngine/internal/task"
)

// PrimaryFile is the path the Engineer writes its executable program to.
const PrimaryFile = "src/main.py"

// Hooks let the orchestrator observe stage boundaries and stage messages
// for progress and state bookkeeping. Any field may be nil.
type Hooks struct {
	StageStarted  func(role string)
	StageFinished func(role string)
	StageMessage  func(role, message string)
}

func (h Hooks) started(role string) {
	if h.StageStarted != nil {
		h.StageStarted(role)
	}
}

func (h Hooks) finished(role string) {
	if h.StageFinished != nil {
		h.StageFinished(role)
	}
}

func (h Hooks) message(role, msg string) {
	if h.StageMessage != nil {
		h.StageMessage(role, msg)
	}
}

// Result summarizes a completed pipeline run.
type Result struct {
	PrimaryFile      string `json:"primary_file"`
	FinalVersion     int    `json:"final_version"`
	DebuggerRan      bool   `json:"debugger_ran"`
	ExecutionSummary string `json:"execution_summary"`
}

// Corrector produces a corrected program for a failed execution. Treated as
// a black box; the Debugger diffs its output structurally.
type Corrector interface {
	Correct(ctx context.Context, code string, res sandbox.Result) (string, error)
}

type Pipeline struct {
	limiter *ratelimit.Limiter
	store   *artifacts.Store
	bus     *bus.TaskBus
	exec    sandbox.Executor
	correct Corrector
	logger  *slog.Logger
}

func New(limiter *ratelimit.Limiter, store *artifacts.Store, eventBus *bus.TaskBus, exec sandbox.Executor, correct Corrector, logger *slog.Logger) *Pipeline {
	if correct == nil {
		correct = CannedCorrector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		limiter: limiter,
		store:   store,
		bus:     eventBus,
		exec:    exec,
		correct: correct,
		logger:  logger.With("component", "pipeline"),
	}
}

// Run executes the full stage graph for one task. A stage failure aborts the
// remaining stages and is returned for the orchestrator to surface as a
// TASK_ERROR. Cancellation is observed at every permit acquisition, hand-off
// read, and process wait.
func (p *Pipeline) Run(ctx context.Context, taskID, requirement string, hooks Hooks) (Result, error) {
	hctx := NewContext(requirement)

	var wg sync.WaitGroup
	var plannerErr, architectErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		plannerErr = p.runStage(ctx, taskID, task.RolePlanner, hooks, func(sctx context.Context) (string, string, error) {
			return p.planner(sctx, taskID, hctx, hooks)
		})
	}()
	go func() {
		defer wg.Done()
		architectErr = p.runStage(ctx, taskID, task.RoleArchitect, hooks, func(sctx context.Context) (string, string, error) {
			return p.architect(sctx, taskID, hctx, hooks)
		})
	}()
	wg.Wait()
	if plannerErr != nil {
		return Result{}, plannerErr
	}
	if architectErr != nil {
		return Result{}, architectErr
	}

	var execRes sandbox.Result
	var program string
	err := p.runStage(ctx, taskID, task.RoleEngineer, hooks, func(sctx context.Context) (string, string, error) {
		var stageErr error
		program, execRes, stageErr = p.engineer(sctx, taskID, hctx, hooks)
		return hctx.Design(), program, stageErr
	})
	if err != nil {
		return Result{}, err
	}

	out := Result{
		PrimaryFile:      PrimaryFile,
		FinalVersion:     1,
		ExecutionSummary: execRes.Summary(),
	}
	if execRes.Succeeded() {
		return out, nil
	}

	out.DebuggerRan = true
	err = p.runStage(ctx, taskID, task.RoleDebugger, hooks, func(sctx context.Context) (string, string, error) {
		fixed, fixedRes, stageErr := p.debugger(sctx, taskID, program, execRes, hooks)
		if stageErr != nil {
			return program, fixed, stageErr
		}
		out.FinalVersion = 2
		out.ExecutionSummary = fixedRes.Summary()
		if !fixedRes.Succeeded() {
			return program, fixed, fmt.Errorf("execution failed after correction: %s", fixedRes.Summary())
		}
		return program, fixed, nil
	})
	if err != nil {
		return Result{}, err
	}
	return out, nil
}

// runStage wraps one stage with its lifecycle events and a rate-limiter
// permit. fn returns the stage's input and output text for cost estimation.
func (p *Pipeline) runStage(ctx context.Context, taskID, role string, hooks Hooks, fn func(ctx context.Context) (input, output string, err error)) error {
	sctx := shared.WithAgentRole(ctx, role)
	logger := p.logger.With("task_id", taskID, "agent_role", role, "trace_id", shared.TraceID(sctx))

	p.bus.Emit(taskID, task.EventAgentStart, role, task.Payload{
		Message: role + " started",
		Status:  "working",
	})
	hooks.started(role)

	release, err := p.limiter.Acquire(sctx)
	if err != nil {
		return fmt.Errorf("stage %s: acquire permit: %w", role, err)
	}
	defer release()

	start := time.Now()
	input, output, err := fn(sctx)
	duration := time.Since(start)
	if err != nil {
		_ = p.limiter.Observe(err)
		logger.Error("stage failed", "error", err, "duration_ms", duration.Milliseconds())
		return fmt.Errorf("stage %s: %w", role, err)
	}

	p.bus.Emit(taskID, task.EventAgentComplete, role, task.Payload{
		Message:    role + " completed",
		Status:     "completed",
		DurationMs: duration.Milliseconds(),
		CostUSD:    pricing.StageCost(role, input, output),
	})
	hooks.finished(role)
	logger.Info("stage completed", "duration_ms", duration.Milliseconds())
	return nil
}
