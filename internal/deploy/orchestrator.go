// Package deploy drives the fixed compose deployment sequence for one stack:
// status, config, pull, up, each step gated by the previous one's success.
package deploy

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/deployer/internal/manifest"
	"github.com/example/deployer/internal/runner"
	"github.com/example/deployer/internal/stacks"
)

// Timeouts bounds each pipeline step independently.
type Timeouts struct {
	Status time.Duration
	Config time.Duration
	Pull   time.Duration
	Up     time.Duration
}

// SecretSource fetches credential bundles for a stack. Implementations are
// expected to tolerate missing paths by returning fewer entries.
type SecretSource interface {
	FetchForStack(ctx context.Context, stack string, vars []string) (map[string]string, error)
}

// Orchestrator runs the deployment chain through a Runner. It holds no
// per-request state; concurrent deployments of the same stack are not
// serialized here and may interleave their commands.
type Orchestrator struct {
	run      runner.Runner
	timeouts Timeouts
	secrets  SecretSource
	log      *zap.Logger
}

// New returns an Orchestrator. secrets may be nil when no secret store is
// configured.
func New(run runner.Runner, timeouts Timeouts, secrets SecretSource, log *zap.Logger) *Orchestrator {
	return &Orchestrator{run: run, timeouts: timeouts, secrets: secrets, log: log}
}

// Deploy executes the step sequence for a resolved stack and returns the
// aggregated response. Step failures are data, not errors: the chain stops at
// the first failing step and the response reflects exactly the attempted
// steps.
func (o *Orchestrator) Deploy(ctx context.Context, stack stacks.Stack) Response {
	startedAt := time.Now().UTC()
	env := o.stackEnv(ctx, stack)
	o.log.Info("deploy_start",
		zap.String("stack", stack.Name),
		zap.String("docker_config", env["DOCKER_CONFIG"]),
	)

	spec := func(timeout time.Duration) runner.Spec {
		return runner.Spec{Stack: stack.Name, Dir: stack.Dir, Env: env, Timeout: timeout}
	}

	var steps []runner.StepResult

	status := o.run.Run(ctx, "status",
		[]string{"docker", "compose", "ps", "--status=running", "--services"},
		spec(o.timeouts.Status))
	if status.OK && len(runningServices(status.Tail)) == 0 {
		// An idle stack is not deployable; the webhook never starts a
		// stack from scratch.
		status.OK = false
		status.Tail += "\nNo running services found; aborting deploy."
	}
	steps = append(steps, status)

	if steps[len(steps)-1].OK {
		steps = append(steps, o.run.Run(ctx, "config",
			[]string{"docker", "compose", "config"},
			spec(o.timeouts.Config)))
	}
	if steps[len(steps)-1].OK {
		steps = append(steps, o.run.Run(ctx, "pull",
			[]string{"docker", "compose", "pull"},
			spec(o.timeouts.Pull)))
	}
	if steps[len(steps)-1].OK {
		steps = append(steps, o.run.Run(ctx, "up",
			[]string{"docker", "compose", "up", "-d", "--remove-orphans"},
			spec(o.timeouts.Up)))
	}

	resp := BuildResponse(stack.Name, steps, startedAt)
	o.log.Info("deploy_done",
		zap.String("stack", stack.Name),
		zap.Bool("ok", resp.OK),
		zap.Int("steps", len(steps)),
	)
	return resp
}

// stackEnv merges the stack's registry-credential override with any secrets
// the manifest references. Secret values go only into the command
// environment; they are never logged.
func (o *Orchestrator) stackEnv(ctx context.Context, stack stacks.Stack) map[string]string {
	env := make(map[string]string, len(stack.Env))
	for k, v := range stack.Env {
		env[k] = v
	}
	if o.secrets == nil {
		return env
	}
	vars := manifest.ExtractVars(stack.Manifest, o.log)
	if len(vars) == 0 {
		return env
	}
	fetched, err := o.secrets.FetchForStack(ctx, stack.Name, vars)
	if err != nil {
		o.log.Warn("secret_fetch_failed", zap.String("stack", stack.Name), zap.Error(err))
		return env
	}
	injected := 0
	for _, name := range vars {
		if val, ok := fetched[name]; ok {
			env[name] = val
			injected++
		}
	}
	o.log.Info("secrets_injected", zap.String("stack", stack.Name), zap.Int("count", injected))
	return env
}

func runningServices(tail string) []string {
	var services []string
	for _, line := range strings.Split(tail, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			services = append(services, line)
		}
	}
	return services
}
