// Package deploy orchestrates environment deployments: starting the stack,
// driving health probing, and rolling back to the last known-good image tags
// when health does not converge.
package deploy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bnema/stackpilot/internal/config"
	"github.com/bnema/stackpilot/internal/health"
	"github.com/bnema/stackpilot/pkg/runtime"
)

// State of one deployment run
type State string

const (
	StateIdle        State = "idle"
	StateStarting    State = "starting"
	StateProbing     State = "probing"
	StateSucceeded   State = "succeeded"
	StateRollingBack State = "rolling_back"
	StateAborted     State = "aborted"
)

// Attempt is the record of one Sequencer invocation. It is created when the
// run starts and finalized when the run resolves; all run state lives here,
// never in package globals.
type Attempt struct {
	Environment string
	StartedAt   time.Time
	FinishedAt  time.Time
	// RetryCount is the total number of probing passes performed
	RetryCount int
	// InitialVerdict is the verdict of the first probing phase
	InitialVerdict *health.Verdict
	// FinalVerdict is the verdict of the last probing phase; equal to
	// InitialVerdict unless a rollback re-entered probing
	FinalVerdict *health.Verdict
	RolledBack   bool
	State        State
}

// HealthRunner drives repeated probing attempts until healthy or exhausted
type HealthRunner interface {
	RunUntilHealthy(ctx context.Context, maxAttempts int, interval time.Duration) (*health.Verdict, int)
}

// History records finished attempts and answers rollback target lookups
type History interface {
	Record(ctx context.Context, attempt *Attempt, tags map[string]string) error
	LastKnownGood(ctx context.Context, environment string) (map[string]string, bool, error)
}

// Options are the deploy-time knobs of one run
type Options struct {
	MaxAttempts  int
	PollInterval time.Duration
	SettleDelay  time.Duration
}

// Sequencer runs one deployment at a time: Idle -> Starting -> Probing ->
// {Succeeded, RollingBack, Aborted}. RollingBack re-enters Probing exactly
// once; a second failure forces Aborted.
type Sequencer struct {
	cfg     *config.Config
	runtime runtime.StackRuntime
	checker HealthRunner
	history History
	opts    Options
}

// NewSequencer creates a sequencer
func NewSequencer(cfg *config.Config, rt runtime.StackRuntime, checker HealthRunner, history History, opts Options) *Sequencer {
	return &Sequencer{
		cfg:     cfg,
		runtime: rt,
		checker: checker,
		history: history,
		opts:    opts,
	}
}

// Deploy runs one full deployment of the named environment. The returned
// Attempt is always populated; the error classifies the failure for the
// caller's exit status.
func (s *Sequencer) Deploy(ctx context.Context, envName string) (*Attempt, error) {
	attempt := &Attempt{
		Environment: envName,
		StartedAt:   time.Now(),
		State:       StateIdle,
	}

	env, err := s.cfg.Environment(envName)
	if err != nil {
		attempt.finish(StateAborted)
		return attempt, err
	}

	attempt.State = StateStarting
	log.Info("Starting stack", "environment", envName)

	spec, err := env.StackSpec(envName, nil)
	if err != nil {
		attempt.finish(StateAborted)
		return attempt, err
	}

	if err := s.runtime.StartStack(ctx, spec); err != nil {
		attempt.finish(StateAborted)
		return attempt, fmt.Errorf("failed to start stack: %w", err)
	}

	if err := s.settle(ctx); err != nil {
		attempt.finish(StateAborted)
		return attempt, err
	}

	attempt.State = StateProbing
	verdict, passes := s.checker.RunUntilHealthy(ctx, s.opts.MaxAttempts, s.opts.PollInterval)
	attempt.RetryCount = passes
	attempt.InitialVerdict = verdict
	attempt.FinalVerdict = verdict

	if verdict.IsHealthy() {
		attempt.finish(StateSucceeded)
		s.record(ctx, attempt, env.Tags())
		log.Info("Deployment succeeded",
			"environment", envName,
			"passes", passes)
		return attempt, nil
	}

	// A cancelled run is an interrupt, not a failed deployment; do not roll
	// back with a dead context
	if err := ctx.Err(); err != nil {
		attempt.finish(StateAborted)
		s.record(ctx, attempt, env.Tags())
		log.Warn("Deployment interrupted", "environment", envName, "passes", passes)
		return attempt, fmt.Errorf("deployment interrupted: %w", err)
	}

	log.Error("Stack failed to become healthy",
		"environment", envName,
		"passes", passes,
		"verdict", verdict.Summary(),
		"failing", strings.Join(verdict.FailingInstances(), ", "))

	tags, found, err := s.history.LastKnownGood(ctx, envName)
	if err != nil {
		log.Warn("Could not look up rollback target", "error", err)
	}
	if !found {
		attempt.finish(StateAborted)
		s.record(ctx, attempt, env.Tags())
		return attempt, fmt.Errorf("%w: failing instances: %s",
			ErrNoRollbackTarget, strings.Join(verdict.FailingInstances(), ", "))
	}

	// Revert to the last known-good tags and probe once more. This path runs
	// at most once per invocation.
	attempt.State = StateRollingBack
	attempt.RolledBack = true
	log.Warn("Rolling back to last known-good tags", "environment", envName, "tags", fmt.Sprint(tags))

	rollbackVerdict, err := s.rollback(ctx, envName, env, tags, attempt)
	if err != nil {
		attempt.finish(StateAborted)
		s.record(ctx, attempt, env.Tags())
		return attempt, err
	}

	attempt.FinalVerdict = rollbackVerdict
	if rollbackVerdict.IsHealthy() {
		attempt.finish(StateSucceeded)
		s.record(ctx, attempt, tags)
		log.Warn("Rollback converged, stack reverted to last known good",
			"environment", envName)
		return attempt, fmt.Errorf("%w: stack reverted to last known-good tags", ErrRolledBack)
	}

	attempt.finish(StateAborted)
	s.record(ctx, attempt, env.Tags())
	return attempt, fmt.Errorf("%w: deploy verdict %s, rollback verdict %s",
		ErrRollbackFailed, attempt.InitialVerdict.Summary(), rollbackVerdict.Summary())
}

func (s *Sequencer) rollback(ctx context.Context, envName string, env config.Environment, tags map[string]string, attempt *Attempt) (*health.Verdict, error) {
	if err := s.runtime.StopStack(ctx, envName); err != nil {
		return nil, fmt.Errorf("%w: failed to stop stack: %v", ErrRollbackFailed, err)
	}

	spec, err := env.StackSpec(envName, tags)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRollbackFailed, err)
	}

	if err := s.runtime.StartStack(ctx, spec); err != nil {
		return nil, fmt.Errorf("%w: failed to start prior stack: %v", ErrRollbackFailed, err)
	}

	if err := s.settle(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRollbackFailed, err)
	}

	verdict, passes := s.checker.RunUntilHealthy(ctx, s.opts.MaxAttempts, s.opts.PollInterval)
	attempt.RetryCount += passes
	return verdict, nil
}

// settle gives freshly started services a fixed delay before the first probe
func (s *Sequencer) settle(ctx context.Context) error {
	if s.opts.SettleDelay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.opts.SettleDelay):
		return nil
	}
}

func (s *Sequencer) record(ctx context.Context, attempt *Attempt, tags map[string]string) {
	if s.history == nil {
		return
	}
	// Finished attempts are recorded even when the run itself was cancelled
	if err := s.history.Record(context.WithoutCancel(ctx), attempt, tags); err != nil {
		log.Warn("Failed to record deployment attempt", "error", err)
	}
}

func (a *Attempt) finish(state State) {
	a.State = state
	a.FinishedAt = time.Now()
}
