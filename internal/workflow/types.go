package workflow

import (
	"errors"
	"fmt"
	"time"

	"termflux/internal/store"
)

var (
	ErrValidation = errors.New("invalid workflow definition")

	ErrCancelled = errors.New("run cancelled")

	ErrNotFound = errors.New("run not found")
)

type StepKind string

const (
	KindShell       StepKind = "shell"
	KindParallel    StepKind = "parallel"
	KindSequential  StepKind = "sequential"
	KindConditional StepKind = "conditional"
	KindWait        StepKind = "wait"
)

type FailurePolicy string

const (
	FailStop     FailurePolicy = "stop"
	FailContinue FailurePolicy = "continue"
	FailRetry    FailurePolicy = "retry"
)

// Step 是工作流树的节点：shell/wait 是叶子，parallel/sequential/conditional
// 携带嵌套步骤。parallel 的子步骤只允许 shell。
type Step struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Kind       StepKind          `json:"kind"`
	Command    string            `json:"command,omitempty"`
	Steps      []Step            `json:"steps,omitempty"`
	Condition  string            `json:"condition,omitempty"`
	TimeoutSec int               `json:"timeout_sec,omitempty"`
	Retries    int               `json:"retries,omitempty"`
	OnFailure  FailurePolicy     `json:"on_failure,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	DependsOn  []string          `json:"depends_on,omitempty"` // advisory
}

type Definition struct {
	ID          string            `json:"id"`
	WorkspaceID string            `json:"workspace_id"`
	Name        string            `json:"name"`
	Env         map[string]string `json:"env,omitempty"`
	Steps       []Step            `json:"steps"`
}

type StepStatus string

const (
	StepSuccess   StepStatus = "success"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

type StepResult struct {
	StepID      string     `json:"step_id"`
	Name        string     `json:"name"`
	Status      StepStatus `json:"status"`
	Output      string     `json:"output,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt time.Time  `json:"completed_at"`
	DurationMs  int64      `json:"duration_ms"`
}

// RunState is the live view of one run, kept in the engine's activeRuns map
// while the worker holds it and persisted as the row's terminal snapshot.
type RunState struct {
	RunID       string            `json:"run_id"`
	WorkflowID  string            `json:"workflow_id"`
	WorkspaceID string            `json:"workspace_id"`
	Status      store.RunStatus   `json:"status"`
	Results     []StepResult      `json:"results"`
	Variables   map[string]string `json:"variables"`
	Error       string            `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

const TaskRunWorkflow = "workflow:run"

type runPayload struct {
	RunID       string            `json:"run_id"`
	WorkflowID  string            `json:"workflow_id"`
	WorkspaceID string            `json:"workspace_id"`
	UserID      string            `json:"user_id"`
	Definition  Definition        `json:"definition"`
	Variables   map[string]string `json:"variables"`
}

// Validate walks the tree checking the structural invariants before a run is
// accepted.
func Validate(def *Definition) error {
	if len(def.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrValidation)
	}
	return validateSteps(def.Steps, false)
}

func validateSteps(steps []Step, parallelChildren bool) error {
	for i := range steps {
		s := &steps[i]
		if s.ID == "" {
			return fmt.Errorf("%w: step %q has no id", ErrValidation, s.Name)
		}
		switch s.Kind {
		case KindShell:
			if s.Command == "" {
				return fmt.Errorf("%w: shell step %s has no command", ErrValidation, s.ID)
			}
			if len(s.Steps) > 0 {
				return fmt.Errorf("%w: shell step %s cannot nest steps", ErrValidation, s.ID)
			}
		case KindWait:
			if parallelChildren {
				return fmt.Errorf("%w: parallel step may only nest shell steps, got %s (%s)", ErrValidation, s.Kind, s.ID)
			}
			if len(s.Steps) > 0 {
				return fmt.Errorf("%w: wait step %s cannot nest steps", ErrValidation, s.ID)
			}
		case KindParallel, KindSequential, KindConditional:
			if parallelChildren {
				return fmt.Errorf("%w: parallel step may only nest shell steps, got %s (%s)", ErrValidation, s.Kind, s.ID)
			}
			if len(s.Steps) == 0 {
				return fmt.Errorf("%w: %s step %s has no nested steps", ErrValidation, s.Kind, s.ID)
			}
			if s.Kind == KindConditional && s.Condition == "" {
				return fmt.Errorf("%w: conditional step %s has no condition", ErrValidation, s.ID)
			}
			if err := validateSteps(s.Steps, s.Kind == KindParallel); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unknown step kind %q (%s)", ErrValidation, s.Kind, s.ID)
		}
		switch s.OnFailure {
		case "", FailStop, FailContinue, FailRetry:
		default:
			return fmt.Errorf("%w: unknown on_failure policy %q (%s)", ErrValidation, s.OnFailure, s.ID)
		}
	}
	return nil
}
