// Package runner owns the task lifecycle: it tracks every task's state
// machine, dispatches each started task onto its own deadline-bounded
// pipeline goroutine and arbitrates cancellation. In-memory state is
// authoritative; the durable store is written best-effort.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirayoXkaki/mgxEngine/internal/bus"
	"github.com/kirayoXkaki/mgxEngine/internal/otel"
	"github.com/kirayoXkaki/mgxEngine/internal/pipeline"
	"github.com/kirayoXkaki/mgxEngine/internal/shared"
	"github.com/kirayoXkaki/mgxEngine/internal/task"
)

// Store is the durable collaborator. All calls are best-effort: failures are
// logged and never alter in-memory truth. May be nil.
type Store interface {
	CreateTask(ctx context.Context, id, requirement string) error
	UpdateTaskStatus(ctx context.Context, id string, status task.Status, resultSummary, errorMessage string) error
	DeleteTask(ctx context.Context, id string) error
}

// progress milestones per completed stage.
const (
	progressFirstPlanStage  = 0.25
	progressSecondPlanStage = 0.5
	progressEngineerDone    = 0.75
	progressComplete        = 1.0
)

type tracked struct {
	requirement     string
	state           task.State
	metrics         task.Metrics
	planStagesDone  int
	cancelRequested bool
}

type Runner struct {
	pipe     *pipeline.Pipeline
	bus      *bus.TaskBus
	store    Store
	inst     *otel.Metrics
	logger   *slog.Logger
	deadline time.Duration
	ackWait  time.Duration

	mu      sync.RWMutex
	tasks   map[string]*tracked
	cancels map[string]context.CancelFunc
	done    map[string]chan struct{}
}

func New(pipe *pipeline.Pipeline, eventBus *bus.TaskBus, store Store, inst *otel.Metrics, logger *slog.Logger, deadline, cancelAckWait time.Duration) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if deadline <= 0 {
		deadline = 10 * time.Minute
	}
	if cancelAckWait <= 0 {
		cancelAckWait = 5 * time.Second
	}
	return &Runner{
		pipe:     pipe,
		bus:      eventBus,
		store:    store,
		inst:     inst,
		logger:   logger.With("component", "runner"),
		deadline: deadline,
		ackWait:  cancelAckWait,
		tasks:    map[string]*tracked{},
		cancels:  map[string]context.CancelFunc{},
		done:     map[string]chan struct{}{},
	}
}

// Create registers a new PENDING task. An empty taskID is assigned a fresh
// uuid. Returns task.ErrConflict when the id is already tracked.
func (r *Runner) Create(ctx context.Context, taskID, requirement string) (task.State, error) {
	if taskID == "" {
		taskID = uuid.NewString()
	}
	r.mu.Lock()
	if _, exists := r.tasks[taskID]; exists {
		r.mu.Unlock()
		return task.State{}, fmt.Errorf("create %s: %w", taskID, task.ErrConflict)
	}
	t := &tracked{
		requirement: requirement,
		state: task.State{
			TaskID: taskID,
			Status: task.StatusPending,
		},
		metrics: task.Metrics{TaskID: taskID},
	}
	r.tasks[taskID] = t
	state := t.state
	r.mu.Unlock()

	r.persist(taskID, func(pctx context.Context) error {
		if r.store == nil {
			return nil
		}
		return r.store.CreateTask(pctx, taskID, requirement)
	})
	return state, nil
}

// Start dispatches the task's pipeline asynchronously. Only a PENDING task
// can start; a second start before a terminal state is a Conflict.
func (r *Runner) Start(taskID string) error {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("start %s: %w", taskID, task.ErrNotFound)
	}
	if t.state.Status != task.StatusPending {
		r.mu.Unlock()
		return fmt.Errorf("start %s in state %s: %w", taskID, t.state.Status, task.ErrConflict)
	}
	now := time.Now().UTC()
	t.state.Status = task.StatusRunning
	t.state.StartedAt = &now
	requirement := t.requirement

	// Detached from the caller: the task outlives the request that started it.
	taskCtx, cancel := context.WithTimeout(context.Background(), r.deadline)
	taskCtx = shared.WithTraceID(taskCtx, shared.NewTraceID())
	taskCtx = shared.WithTaskID(taskCtx, taskID)
	doneCh := make(chan struct{})
	r.cancels[taskID] = cancel
	r.done[taskID] = doneCh
	r.mu.Unlock()

	r.bus.Emit(taskID, task.EventTaskStart, "", task.Payload{
		Message: "Task started",
		Status:  string(task.StatusRunning),
	})
	r.persist(taskID, func(pctx context.Context) error {
		if r.store == nil {
			return nil
		}
		return r.store.UpdateTaskStatus(pctx, taskID, task.StatusRunning, "", "")
	})
	if r.inst != nil {
		r.inst.TasksStarted.Add(taskCtx, 1)
		r.inst.ActiveTasks.Add(taskCtx, 1)
	}

	go r.run(taskCtx, cancel, doneCh, taskID, requirement)
	return nil
}

func (r *Runner) run(ctx context.Context, cancel context.CancelFunc, doneCh chan struct{}, taskID, requirement string) {
	start := time.Now()
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.cancels, taskID)
		delete(r.done, taskID)
		r.mu.Unlock()
		close(doneCh)
		if r.inst != nil {
			r.inst.ActiveTasks.Add(context.Background(), -1)
			r.inst.TaskDuration.Record(context.Background(), time.Since(start).Seconds())
		}
	}()

	hooks := pipeline.Hooks{
		StageStarted:  func(role string) { r.stageStarted(taskID, role) },
		StageFinished: func(role string) { r.stageFinished(ctx, taskID, role) },
		StageMessage:  func(role, msg string) { r.stageMessage(taskID, msg) },
	}

	res, err := r.pipe.Run(ctx, taskID, requirement, hooks)
	if err != nil {
		r.finishFailed(ctx, taskID, err)
		return
	}

	final := map[string]any{
		"primary_file":      res.PrimaryFile,
		"final_version":     res.FinalVersion,
		"debugger_ran":      res.DebuggerRan,
		"execution_summary": res.ExecutionSummary,
	}
	if r.finalize(taskID, task.StatusSucceeded, "", final) {
		r.bus.Emit(taskID, task.EventTaskComplete, "", task.Payload{
			Message: "Task completed",
			Status:  string(task.StatusSucceeded),
			Extra:   map[string]any{"final_result": final},
		})
		r.persist(taskID, func(pctx context.Context) error {
			if r.store == nil {
				return nil
			}
			return r.store.UpdateTaskStatus(pctx, taskID, task.StatusSucceeded, res.ExecutionSummary, "")
		})
	}
}

// finishFailed maps a pipeline error to CANCELLED or FAILED and emits the
// matching lifecycle event.
func (r *Runner) finishFailed(ctx context.Context, taskID string, err error) {
	r.mu.RLock()
	cancelRequested := false
	if t, ok := r.tasks[taskID]; ok {
		cancelRequested = t.cancelRequested
	}
	r.mu.RUnlock()

	class := pipeline.ClassifyError(err)
	switch {
	case cancelRequested || class == pipeline.ErrorClassCancelled:
		if r.finalize(taskID, task.StatusCancelled, task.ErrCancelled.Error(), nil) {
			r.bus.Emit(taskID, task.EventTaskComplete, "", task.Payload{
				Message: task.ErrCancelled.Error(),
				Status:  string(task.StatusCancelled),
			})
			r.persist(taskID, func(pctx context.Context) error {
				if r.store == nil {
					return nil
				}
				return r.store.UpdateTaskStatus(pctx, taskID, task.StatusCancelled, "", task.ErrCancelled.Error())
			})
		}
	case errors.Is(err, context.DeadlineExceeded) || class == pipeline.ErrorClassTimeout:
		r.failTask(taskID, task.ErrTimeout.Error(), string(pipeline.ErrorClassTimeout))
	default:
		r.failTask(taskID, err.Error(), string(class))
	}
}

func (r *Runner) failTask(taskID, message, errorType string) {
	if !r.finalize(taskID, task.StatusFailed, message, nil) {
		return
	}
	r.bus.Emit(taskID, task.EventTaskError, "", task.Payload{
		Error:     message,
		ErrorType: errorType,
		Status:    string(task.StatusFailed),
	})
	r.persist(taskID, func(pctx context.Context) error {
		if r.store == nil {
			return nil
		}
		return r.store.UpdateTaskStatus(pctx, taskID, task.StatusFailed, "", message)
	})
}

// finalize moves a task into a terminal state exactly once. Terminal states
// absorb; a second finalize is a no-op returning false.
func (r *Runner) finalize(taskID string, status task.Status, errMsg string, final map[string]any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok || t.state.Status.Terminal() {
		return false
	}
	now := time.Now().UTC()
	t.state.Status = status
	t.state.CompletedAt = &now
	t.state.CurrentAgent = ""
	t.state.ErrorMessage = errMsg
	if status == task.StatusSucceeded {
		t.state.Progress = progressComplete
		t.state.FinalResult = final
	}
	if t.state.StartedAt != nil {
		t.metrics.TotalDurationMs = now.Sub(*t.state.StartedAt).Milliseconds()
	}
	return true
}

func (r *Runner) stageStarted(taskID, role string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return
	}
	t.state.CurrentAgent = role
	t.metrics.Stages = append(t.metrics.Stages, task.StageTiming{
		Role:      role,
		StartedAt: time.Now().UTC(),
	})
}

// stageMessage records the most recent agent message on the task state.
// Terminal states are frozen and keep the message they ended with.
func (r *Runner) stageMessage(taskID, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok || t.state.Status.Terminal() {
		return
	}
	t.state.LastMessage = msg
}

func (r *Runner) stageFinished(ctx context.Context, taskID, role string) {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	var stageSeconds float64
	for i := range t.metrics.Stages {
		s := &t.metrics.Stages[i]
		if s.Role == role && s.CompletedAt == nil {
			s.CompletedAt = &now
			s.DurationMs = now.Sub(s.StartedAt).Milliseconds()
			stageSeconds = now.Sub(s.StartedAt).Seconds()
			break
		}
	}

	var next float64
	switch role {
	case task.RolePlanner, task.RoleArchitect:
		t.planStagesDone++
		if t.planStagesDone >= 2 {
			next = progressSecondPlanStage
		} else {
			next = progressFirstPlanStage
		}
	case task.RoleEngineer, task.RoleDebugger:
		next = progressEngineerDone
	}
	// Progress is monotone.
	if next > t.state.Progress {
		t.state.Progress = next
	}
	r.mu.Unlock()

	if r.inst != nil {
		r.inst.StageDuration.Record(ctx, stageSeconds)
	}
}

// Cancel requests cooperative cancellation. Returns false for a task already
// in a terminal state. The task always ends CANCELLED within the bounded
// acknowledgment window; a missed acknowledgment is logged and state is
// finalized regardless.
func (r *Runner) Cancel(taskID string) (bool, error) {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return false, fmt.Errorf("cancel %s: %w", taskID, task.ErrNotFound)
	}
	if t.state.Status.Terminal() {
		r.mu.Unlock()
		return false, nil
	}
	t.cancelRequested = true
	cancel := r.cancels[taskID]
	doneCh := r.done[taskID]
	r.mu.Unlock()

	if cancel == nil {
		// Never dispatched; finalize directly.
		r.cancelFinalize(taskID)
		return true, nil
	}

	cancel()
	select {
	case <-doneCh:
	case <-time.After(r.ackWait):
		r.logger.Warn("cancel acknowledgment timed out; finalizing state anyway",
			"task_id", taskID, "ack_wait", r.ackWait)
	}
	r.cancelFinalize(taskID)
	return true, nil
}

func (r *Runner) cancelFinalize(taskID string) {
	if !r.finalize(taskID, task.StatusCancelled, task.ErrCancelled.Error(), nil) {
		return
	}
	r.bus.Emit(taskID, task.EventTaskComplete, "", task.Payload{
		Message: task.ErrCancelled.Error(),
		Status:  string(task.StatusCancelled),
	})
	r.persist(taskID, func(pctx context.Context) error {
		if r.store == nil {
			return nil
		}
		return r.store.UpdateTaskStatus(pctx, taskID, task.StatusCancelled, "", task.ErrCancelled.Error())
	})
}

// State returns a point-in-time snapshot.
func (r *Runner) State(taskID string) (task.State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return task.State{}, fmt.Errorf("state %s: %w", taskID, task.ErrNotFound)
	}
	return t.state, nil
}

// Events returns buffered events with id greater than sinceEventID.
func (r *Runner) Events(taskID string, sinceEventID int64) ([]task.Event, error) {
	r.mu.RLock()
	_, ok := r.tasks[taskID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("events %s: %w", taskID, task.ErrNotFound)
	}
	return r.bus.Replay(taskID, sinceEventID), nil
}

// Metrics returns the per-task timing snapshot.
func (r *Runner) Metrics(taskID string) (task.Metrics, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return task.Metrics{}, fmt.Errorf("metrics %s: %w", taskID, task.ErrNotFound)
	}
	m := t.metrics
	m.Stages = append([]task.StageTiming(nil), t.metrics.Stages...)
	return m, nil
}

// ListActive returns ids currently PENDING or RUNNING.
func (r *Runner) ListActive() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, t := range r.tasks {
		if !t.state.Status.Terminal() {
			out = append(out, id)
		}
	}
	return out
}

// Delete removes a task entirely: in-memory state, the event buffer and the
// durable rows. A RUNNING task is a Conflict; cancel it first.
func (r *Runner) Delete(taskID string) error {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("delete %s: %w", taskID, task.ErrNotFound)
	}
	if t.state.Status == task.StatusRunning {
		r.mu.Unlock()
		return fmt.Errorf("delete %s in state %s: %w", taskID, t.state.Status, task.ErrConflict)
	}
	delete(r.tasks, taskID)
	r.mu.Unlock()

	r.bus.Drop(taskID)
	r.persist(taskID, func(pctx context.Context) error {
		if r.store == nil {
			return nil
		}
		return r.store.DeleteTask(pctx, taskID)
	})
	r.logger.Info("task deleted", "task_id", taskID)
	return nil
}

// EvictTerminalBefore removes terminal tasks completed before the cutoff
// from the in-memory maps and drops their event buffers. Returns the evicted
// ids.
func (r *Runner) EvictTerminalBefore(cutoff time.Time) []string {
	r.mu.Lock()
	var evicted []string
	for id, t := range r.tasks {
		if t.state.Status.Terminal() && t.state.CompletedAt != nil && t.state.CompletedAt.Before(cutoff) {
			delete(r.tasks, id)
			evicted = append(evicted, id)
		}
	}
	r.mu.Unlock()

	for _, id := range evicted {
		r.bus.Drop(id)
	}
	if len(evicted) > 0 {
		r.logger.Info("evicted terminal tasks", "count", len(evicted))
	}
	return evicted
}

// persist runs one best-effort store write with a short timeout.
func (r *Runner) persist(taskID string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			r.logger.Error("persistence write failed", "task_id", taskID, "error", err)
		}
	}()
}
