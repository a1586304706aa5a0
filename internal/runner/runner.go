// Package runner executes single external commands for the deploy pipeline:
// bounded by a timeout, output captured and redacted, result reported as a
// structured step rather than an error.
package runner

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sort"
	"time"

	"go.uber.org/zap"
)

// StepResult captures one executed pipeline step. Tail holds the trailing,
// redacted portion of the combined output; ExitCode is nil when the command
// never reported one (timeout, unstartable binary).
type StepResult struct {
	Name       string `json:"name"`
	OK         bool   `json:"ok"`
	ExitCode   *int   `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	Tail       string `json:"tail"`
}

// Spec describes how a step command runs.
type Spec struct {
	// Stack names the deployable unit, for logging only.
	Stack string
	// Dir is the working directory of the command.
	Dir string
	// Env entries are merged over the inherited process environment.
	Env map[string]string
	// Timeout bounds the command; expiry yields a failed step, not an error.
	Timeout time.Duration
}

// Runner executes one named command and returns its step result. It never
// returns an error: every failure mode is folded into the result so the
// orchestrator sees a uniform shape.
type Runner interface {
	Run(ctx context.Context, name string, argv []string, spec Spec) StepResult
}

// ExecRunner runs commands through os/exec.
type ExecRunner struct {
	log *zap.Logger
}

// NewExecRunner returns an ExecRunner logging step events to log.
func NewExecRunner(log *zap.Logger) *ExecRunner {
	return &ExecRunner{log: log}
}

// Run implements Runner. The per-step log event carries metadata only; the
// output tail stays out of the logs even after redaction.
func (r *ExecRunner) Run(ctx context.Context, name string, argv []string, spec Spec) StepResult {
	started := time.Now()
	runCtx := ctx
	cancel := func() {}
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(spec.Env)
	out, err := cmd.CombinedOutput()
	duration := time.Since(started).Milliseconds()

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		r.log.Info("step_timeout",
			zap.String("stack", spec.Stack),
			zap.String("step", name),
			zap.Int64("duration_ms", duration),
		)
		return StepResult{
			Name:       name,
			OK:         false,
			DurationMS: duration,
			Tail:       "timeout after " + spec.Timeout.String(),
		}
	}

	result := StepResult{
		Name:       name,
		OK:         err == nil,
		DurationMS: duration,
		Tail:       Tail(Sanitize(string(out))),
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		code := 0
		result.ExitCode = &code
	case errors.As(err, &exitErr):
		code := exitErr.ExitCode()
		result.ExitCode = &code
	default:
		// Unstartable command: no exit code, surface the reason in the tail.
		result.Tail = Tail(Sanitize(string(out) + err.Error()))
	}

	r.log.Info("step",
		zap.String("stack", spec.Stack),
		zap.String("step", name),
		zap.Bool("ok", result.OK),
		zap.Intp("exit_code", result.ExitCode),
		zap.Int64("duration_ms", duration),
	)
	return result
}

func mergeEnv(overrides map[string]string) []string {
	env := append([]string(nil), os.Environ()...)
	if len(overrides) == 0 {
		return env
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}
