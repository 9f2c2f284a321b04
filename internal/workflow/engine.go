package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"termflux/internal/container"
	"termflux/internal/eventbus"
	"termflux/internal/monitor"
	"termflux/internal/store"
)

// Executor 是引擎需要的容器操作子集，测试里用假实现替换。
type Executor interface {
	Exec(ctx context.Context, workspaceID string, argv []string, opts container.ExecOptions) (*container.ExecResult, error)
}

// RunStore is the relational subset the engine persists through.
type RunStore interface {
	GetWorkflow(ctx context.Context, id string) (*store.WorkflowModel, error)
	CreateRun(ctx context.Context, run *store.WorkflowRunModel) error
	GetRun(ctx context.Context, id string) (*store.WorkflowRunModel, error)
	MarkRunStarted(ctx context.Context, id string) error
	FinishRun(ctx context.Context, id string, status store.RunStatus, results any, runErr string) error
	UpdateRunStatus(ctx context.Context, id string, status store.RunStatus, runErr string) error
}

const defaultQueue = "default"

// Engine is the durable queue-backed workflow executor. Submissions become
// asynq tasks keyed by run id; the worker walks the step tree against the
// workspace container.
type Engine struct {
	queue     *asynq.Client
	inspector *asynq.Inspector
	repo      RunStore
	exec      Executor
	bus       eventbus.EventBus
	logger    *slog.Logger

	mu         sync.RWMutex
	activeRuns map[string]*RunState
}

func NewEngine(queue *asynq.Client, inspector *asynq.Inspector, repo RunStore, exec Executor, bus eventbus.EventBus, logger *slog.Logger) *Engine {
	return &Engine{
		queue:      queue,
		inspector:  inspector,
		repo:       repo,
		exec:       exec,
		bus:        bus,
		logger:     logger.With("component", "workflow-engine"),
		activeRuns: make(map[string]*RunState),
	}
}

// StartWorkflow validates the definition, persists a pending run row and
// enqueues the job. Returns the run id.
func (e *Engine) StartWorkflow(ctx context.Context, workflowID, workspaceID, userID string, variables map[string]string) (string, error) {
	model, err := e.repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return "", err
	}

	var def Definition
	if err := json.Unmarshal(model.Definition, &def); err != nil {
		return "", fmt.Errorf("%w: bad definition: %v", ErrValidation, err)
	}
	def.ID = model.ID
	def.WorkspaceID = model.WorkspaceID
	if err := Validate(&def); err != nil {
		return "", err
	}

	runID := store.NewID()

	// caller 变量覆盖 workflow env
	vars := mergeVars(def.Env, variables)
	varsJSON, _ := json.Marshal(vars)

	run := &store.WorkflowRunModel{
		ID:          runID,
		WorkflowID:  workflowID,
		WorkspaceID: workspaceID,
		UserID:      userID,
		Status:      store.RunPending,
		Variables:   varsJSON,
	}
	if err := e.repo.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("persist run: %w", err)
	}

	payload, err := json.Marshal(runPayload{
		RunID:       runID,
		WorkflowID:  workflowID,
		WorkspaceID: workspaceID,
		UserID:      userID,
		Definition:  def,
		Variables:   vars,
	})
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	task := asynq.NewTask(TaskRunWorkflow, payload)
	info, err := e.queue.EnqueueContext(ctx, task,
		asynq.TaskID(runID),
		asynq.Queue(defaultQueue),
		asynq.MaxRetry(3),
	)
	if err != nil {
		_ = e.repo.UpdateRunStatus(ctx, runID, store.RunFailed, "enqueue failed: "+err.Error())
		return "", fmt.Errorf("enqueue run: %w", err)
	}

	e.logger.Info("Workflow run enqueued",
		"run_id", runID,
		"workflow_id", workflowID,
		"workspace_id", workspaceID,
		"task_id", info.ID,
	)
	return runID, nil
}

// HandleRun is the asynq handler for workflow:run tasks.
func (e *Engine) HandleRun(ctx context.Context, task *asynq.Task) error {
	var payload runPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("json unmarshal error: %w", err)
	}

	l := e.logger.With(slog.String("run_id", payload.RunID))
	l.Info("Workflow run started", "workflow_id", payload.WorkflowID)

	now := time.Now()
	state := &RunState{
		RunID:       payload.RunID,
		WorkflowID:  payload.WorkflowID,
		WorkspaceID: payload.WorkspaceID,
		Status:      store.RunRunning,
		Variables:   payload.Variables,
		StartedAt:   &now,
	}

	e.mu.Lock()
	e.activeRuns[payload.RunID] = state
	e.mu.Unlock()
	monitor.WorkflowActiveRuns.Inc()

	defer func() {
		e.mu.Lock()
		delete(e.activeRuns, payload.RunID)
		e.mu.Unlock()
		monitor.WorkflowActiveRuns.Dec()
	}()

	if err := e.repo.MarkRunStarted(ctx, payload.RunID); err != nil {
		return fmt.Errorf("mark run started: %w", err)
	}

	rc := &runContext{
		engine:      e,
		runID:       payload.RunID,
		workspaceID: payload.WorkspaceID,
		vars:        payload.Variables,
		state:       state,
	}

	err := rc.evalSteps(ctx, payload.Definition.Steps)
	done := time.Now()

	e.mu.Lock()
	state.CompletedAt = &done
	results := append([]StepResult(nil), state.Results...)
	e.mu.Unlock()

	switch {
	case err == nil:
		e.setRunState(state, store.RunCompleted, "")
		if perr := e.repo.FinishRun(ctx, payload.RunID, store.RunCompleted, results, ""); perr != nil {
			return fmt.Errorf("persist run completion: %w", perr)
		}
		e.publish(payload.WorkspaceID, eventbus.EventRunCompleted, payload.RunID)
		l.Info("Workflow run completed", "steps", len(results))
		return nil

	case errors.Is(err, ErrCancelled):
		e.setRunState(state, store.RunCancelled, "")
		if perr := e.repo.FinishRun(ctx, payload.RunID, store.RunCancelled, results, "cancelled"); perr != nil {
			l.Error("Failed to persist cancelled run", "error", perr)
		}
		e.publish(payload.WorkspaceID, eventbus.EventRunCancelled, payload.RunID)
		l.Info("Workflow run cancelled", "steps", len(results))
		// 取消对 worker 不是错误，任务不重试
		return nil

	default:
		e.setRunState(state, store.RunFailed, err.Error())
		if perr := e.repo.FinishRun(ctx, payload.RunID, store.RunFailed, results, err.Error()); perr != nil {
			l.Error("Failed to persist failed run", "error", perr)
		}
		e.publish(payload.WorkspaceID, eventbus.EventRunFailed, payload.RunID)
		l.Warn("Workflow run failed", "error", err)
		// rethrow 让队列记录失败
		return err
	}
}

// Cancel marks the run cancelled: the queued task is discarded, an active run
// observes the flag at the next step boundary. In-flight shell commands are
// not interrupted.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	run, err := e.repo.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	switch run.Status {
	case store.RunCompleted, store.RunFailed, store.RunCancelled:
		return fmt.Errorf("run %s already %s", runID, run.Status)
	}

	e.mu.Lock()
	if state, ok := e.activeRuns[runID]; ok {
		state.Status = store.RunCancelled
	}
	e.mu.Unlock()

	// 还在队列里的任务直接删掉；已被 worker 拿走时 DeleteTask 会失败，
	// 这时依赖上面的内存标记。
	if e.inspector != nil {
		if err := e.inspector.DeleteTask(defaultQueue, runID); err != nil {
			e.logger.Debug("DeleteTask on cancel", "run_id", runID, "error", err)
		}
	}

	if err := e.repo.UpdateRunStatus(ctx, runID, store.RunCancelled, "cancelled"); err != nil {
		return fmt.Errorf("persist cancellation: %w", err)
	}

	e.logger.Info("Workflow run cancelled", "run_id", runID)
	return nil
}

// GetRunStatus prefers the live in-process state and falls back to the
// relational row.
func (e *Engine) GetRunStatus(ctx context.Context, runID string) (*RunState, error) {
	e.mu.RLock()
	if state, ok := e.activeRuns[runID]; ok {
		snapshot := *state
		snapshot.Results = append([]StepResult(nil), state.Results...)
		e.mu.RUnlock()
		return &snapshot, nil
	}
	e.mu.RUnlock()

	run, err := e.repo.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	state := &RunState{
		RunID:       run.ID,
		WorkflowID:  run.WorkflowID,
		WorkspaceID: run.WorkspaceID,
		Status:      run.Status,
		Error:       run.Error,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
	}
	if len(run.Results) > 0 {
		_ = json.Unmarshal(run.Results, &state.Results)
	}
	if len(run.Variables) > 0 {
		_ = json.Unmarshal(run.Variables, &state.Variables)
	}
	return state, nil
}

func (e *Engine) setRunState(state *RunState, status store.RunStatus, errStr string) {
	e.mu.Lock()
	state.Status = status
	if errStr != "" {
		state.Error = errStr
	}
	e.mu.Unlock()
}

func (e *Engine) isCancelled(runID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	state, ok := e.activeRuns[runID]
	return ok && state.Status == store.RunCancelled
}

func (e *Engine) publish(workspaceID string, typ eventbus.EventType, runID string) {
	if e.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.bus.Publish(ctx, workspaceID, eventbus.Event{
		Type:    typ,
		Payload: map[string]string{"run_id": runID},
	}); err != nil {
		e.logger.Warn("Failed to publish run event", "run_id", runID, "error", err)
	}
}
