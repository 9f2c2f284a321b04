package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"termflux/internal/container"
	"termflux/internal/monitor"
)

const (
	defaultStepTimeout = 300 * time.Second
	parallelJoiner     = "\n---\n"
)

// runContext 携带一次 run 的求值状态。单 worker 串行写 state.Results，
// 只有 parallel 分支内部并发，join 之后才统一 append。
type runContext struct {
	engine      *Engine
	runID       string
	workspaceID string
	vars        map[string]string
	state       *RunState
}

func (rc *runContext) append(results ...StepResult) {
	rc.engine.mu.Lock()
	rc.state.Results = append(rc.state.Results, results...)
	rc.engine.mu.Unlock()
}

// evalSteps walks steps in declaration order, applying each step's on-failure
// policy. Cancellation is observed between steps only.
func (rc *runContext) evalSteps(ctx context.Context, steps []Step) error {
	for i := range steps {
		step := &steps[i]

		if rc.engine.isCancelled(rc.runID) {
			return ErrCancelled
		}

		res, err := rc.evalStep(ctx, step)
		if err != nil {
			return err
		}

		if res.Status != StepFailed {
			continue
		}

		policy := step.OnFailure
		if policy == "" {
			policy = FailStop
		}

		if policy == FailRetry {
			for attempt := 0; attempt < step.Retries && res.Status == StepFailed; attempt++ {
				if rc.engine.isCancelled(rc.runID) {
					return ErrCancelled
				}
				rc.engine.logger.Info("Retrying step",
					"run_id", rc.runID, "step_id", step.ID, "attempt", attempt+1)
				res, err = rc.evalStep(ctx, step)
				if err != nil {
					return err
				}
			}
			if res.Status == StepFailed {
				policy = FailStop
			}
		}

		if policy == FailStop && res.Status == StepFailed {
			return fmt.Errorf("step %s (%s) failed: %s", step.ID, step.Name, res.Error)
		}
		// continue: 继续后面的步骤
	}
	return nil
}

// evalStep runs one step and appends its result(s) to the run record.
func (rc *runContext) evalStep(ctx context.Context, step *Step) (StepResult, error) {
	switch step.Kind {
	case KindShell:
		res := rc.evalShell(ctx, step)
		rc.append(res)
		return res, nil
	case KindWait:
		res := rc.evalWait(ctx, step)
		rc.append(res)
		return res, nil
	case KindParallel:
		return rc.evalParallel(ctx, step)
	case KindSequential:
		return rc.evalSequential(ctx, step)
	case KindConditional:
		return rc.evalConditional(ctx, step)
	default:
		return StepResult{}, fmt.Errorf("%w: unknown step kind %q", ErrValidation, step.Kind)
	}
}

// evalShell races the exec against the step's wall-clock timeout. The exec
// context is detached from the run context so an already-dispatched command
// is not killed by cancellation; the timeout alone bounds it.
func (rc *runContext) evalShell(ctx context.Context, step *Step) StepResult {
	timeout := defaultStepTimeout
	if step.TimeoutSec > 0 {
		timeout = time.Duration(step.TimeoutSec) * time.Second
	}

	command := Substitute(step.Command, rc.vars)
	env := envList(mergeVars(rc.vars, step.Env))
	workDir := step.WorkingDir
	if workDir == "" {
		workDir = container.HomeDir
	}

	res := StepResult{
		StepID:    step.ID,
		Name:      step.Name,
		StartedAt: time.Now(),
	}

	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	out, err := rc.engine.exec.Exec(execCtx, rc.workspaceID, []string{"sh", "-c", command}, container.ExecOptions{
		Env:        env,
		WorkingDir: workDir,
	})

	res.CompletedAt = time.Now()
	res.DurationMs = res.CompletedAt.Sub(res.StartedAt).Milliseconds()
	monitor.WorkflowStepDuration.Observe(res.CompletedAt.Sub(res.StartedAt).Seconds())
	monitor.WorkflowStepsTotal.Inc()

	switch {
	case err != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded):
		res.Status = StepFailed
		res.Error = fmt.Sprintf("timed out after %s", timeout)
	case err != nil:
		res.Status = StepFailed
		res.Error = err.Error()
	default:
		res.Output = out.Output
		res.ExitCode = &out.ExitCode
		if out.ExitCode != 0 {
			res.Status = StepFailed
			res.Error = fmt.Sprintf("exit code %d", out.ExitCode)
		} else {
			res.Status = StepSuccess
		}
	}
	return res
}

func (rc *runContext) evalWait(ctx context.Context, step *Step) StepResult {
	seconds := step.TimeoutSec
	if seconds <= 0 {
		seconds = 1
	}

	res := StepResult{
		StepID:    step.ID,
		Name:      step.Name,
		StartedAt: time.Now(),
	}

	select {
	case <-time.After(time.Duration(seconds) * time.Second):
	case <-ctx.Done():
	}

	res.CompletedAt = time.Now()
	res.DurationMs = res.CompletedAt.Sub(res.StartedAt).Milliseconds()
	res.Status = StepSuccess
	res.Output = fmt.Sprintf("waited %ds", seconds)
	return res
}

// evalParallel launches every child concurrently and joins with wait-for-all.
// Child results land in declaration order; the composite fails iff any child
// failed.
func (rc *runContext) evalParallel(ctx context.Context, step *Step) (StepResult, error) {
	composite := StepResult{
		StepID:    step.ID,
		Name:      step.Name,
		StartedAt: time.Now(),
	}

	children := make([]StepResult, len(step.Steps))
	var wg sync.WaitGroup
	for i := range step.Steps {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			children[i] = rc.evalShell(ctx, &step.Steps[i])
		}(i)
	}
	wg.Wait()

	outputs := make([]string, len(children))
	failed := false
	for i, child := range children {
		outputs[i] = child.Output
		if child.Status == StepFailed {
			failed = true
		}
	}

	rc.append(children...)

	composite.CompletedAt = time.Now()
	composite.DurationMs = composite.CompletedAt.Sub(composite.StartedAt).Milliseconds()
	composite.Output = strings.Join(outputs, parallelJoiner)
	if failed {
		composite.Status = StepFailed
		composite.Error = "one or more parallel steps failed"
	} else {
		composite.Status = StepSuccess
	}

	rc.append(composite)
	return composite, nil
}

func (rc *runContext) evalSequential(ctx context.Context, step *Step) (StepResult, error) {
	composite := StepResult{
		StepID:    step.ID,
		Name:      step.Name,
		StartedAt: time.Now(),
	}

	err := rc.evalSteps(ctx, step.Steps)

	composite.CompletedAt = time.Now()
	composite.DurationMs = composite.CompletedAt.Sub(composite.StartedAt).Milliseconds()
	if err != nil {
		composite.Status = StepFailed
		composite.Error = err.Error()
		rc.append(composite)
		return composite, err
	}
	composite.Status = StepSuccess
	rc.append(composite)
	return composite, nil
}

// evalConditional executes the condition as a shell exit-status predicate:
// exit 0 takes the nested steps. The composite itself is always success.
func (rc *runContext) evalConditional(ctx context.Context, step *Step) (StepResult, error) {
	composite := StepResult{
		StepID:    step.ID,
		Name:      step.Name,
		StartedAt: time.Now(),
	}

	condition := Substitute(step.Condition, rc.vars)

	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultStepTimeout)
	defer cancel()

	out, err := rc.engine.exec.Exec(execCtx, rc.workspaceID, []string{"sh", "-c", condition}, container.ExecOptions{
		Env: envList(rc.vars),
	})

	take := err == nil && out.ExitCode == 0

	if take {
		composite.Output = fmt.Sprintf("condition %q true, executing %d steps", step.Condition, len(step.Steps))
		if err := rc.evalSteps(ctx, step.Steps); err != nil {
			composite.CompletedAt = time.Now()
			composite.DurationMs = composite.CompletedAt.Sub(composite.StartedAt).Milliseconds()
			composite.Status = StepFailed
			composite.Error = err.Error()
			rc.append(composite)
			return composite, err
		}
	} else {
		composite.Output = fmt.Sprintf("condition %q false, skipping %d steps", step.Condition, len(step.Steps))
		skipped := make([]StepResult, 0, len(step.Steps))
		now := time.Now()
		for i := range step.Steps {
			skipped = append(skipped, StepResult{
				StepID:      step.Steps[i].ID,
				Name:        step.Steps[i].Name,
				Status:      StepSkipped,
				StartedAt:   now,
				CompletedAt: now,
			})
		}
		rc.append(skipped...)
	}

	composite.CompletedAt = time.Now()
	composite.DurationMs = composite.CompletedAt.Sub(composite.StartedAt).Milliseconds()
	composite.Status = StepSuccess
	rc.append(composite)
	return composite, nil
}
