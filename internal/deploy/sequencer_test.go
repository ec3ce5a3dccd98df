package deploy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/stackpilot/internal/config"
	"github.com/bnema/stackpilot/internal/health"
	"github.com/bnema/stackpilot/internal/probe"
	"github.com/bnema/stackpilot/internal/registry"
	"github.com/bnema/stackpilot/pkg/runtime"
)

type fakeRuntime struct {
	startSpecs []*runtime.StackSpec
	stopCalls  []string
	startErr   error
	stopErr    error
}

func (f *fakeRuntime) Ping(ctx context.Context) error { return nil }

func (f *fakeRuntime) StartStack(ctx context.Context, spec *runtime.StackSpec) error {
	f.startSpecs = append(f.startSpecs, spec)
	return f.startErr
}

func (f *fakeRuntime) StopStack(ctx context.Context, environment string) error {
	f.stopCalls = append(f.stopCalls, environment)
	return f.stopErr
}

func (f *fakeRuntime) StackStatus(ctx context.Context, environment string) ([]*runtime.Container, error) {
	return nil, nil
}

// fakeRunner returns queued verdicts, one per probing phase
type fakeRunner struct {
	verdicts []*health.Verdict
	passes   []int
	calls    int

	// onCall runs at the start of each probing phase
	onCall func()
}

func (f *fakeRunner) RunUntilHealthy(ctx context.Context, maxAttempts int, interval time.Duration) (*health.Verdict, int) {
	i := f.calls
	f.calls++
	if f.onCall != nil {
		f.onCall()
	}
	if i >= len(f.verdicts) {
		i = len(f.verdicts) - 1
	}
	return f.verdicts[i], f.passes[i]
}

type fakeHistory struct {
	lastGood  map[string]string
	found     bool
	lookupErr error

	recorded     []*Attempt
	recordedTags []map[string]string
}

func (f *fakeHistory) Record(ctx context.Context, attempt *Attempt, tags map[string]string) error {
	// Mirror the real store: a dead context means nothing gets written
	if err := ctx.Err(); err != nil {
		return err
	}
	f.recorded = append(f.recorded, attempt)
	f.recordedTags = append(f.recordedTags, tags)
	return nil
}

func (f *fakeHistory) LastKnownGood(ctx context.Context, environment string) (map[string]string, bool, error) {
	return f.lastGood, f.found, f.lookupErr
}

func testConfig() *config.Config {
	return &config.Config{
		Environments: map[string]config.Environment{
			"staging": {
				Network: "pilot-staging",
				Services: map[string]config.Service{
					"backend":  {Image: "ghcr.io/acme/pilot-backend", Tag: "1.4.0", ContainerPort: 8000, HostPort: 8000, Replicas: 2},
					"frontend": {Image: "ghcr.io/acme/pilot-frontend", Tag: "1.4.0", ContainerPort: 8501, HostPort: 8501, Replicas: 2},
				},
			},
		},
	}
}

func verdictFor(t *testing.T, frontendDown int) *health.Verdict {
	t.Helper()

	reg, err := registry.New([]registry.Instance{
		{Name: "backend-1", Role: registry.RoleBackend, Host: "127.0.0.1", Port: 8000, HealthPath: "/health"},
		{Name: "backend-2", Role: registry.RoleBackend, Host: "127.0.0.1", Port: 8001, HealthPath: "/health"},
		{Name: "frontend-1", Role: registry.RoleFrontend, Host: "127.0.0.1", Port: 8501, HealthPath: "/"},
		{Name: "frontend-2", Role: registry.RoleFrontend, Host: "127.0.0.1", Port: 8502, HealthPath: "/"},
	}, nil)
	require.NoError(t, err)

	var results []probe.Result
	for _, inst := range reg.Instances() {
		res := probe.Result{Instance: inst, Healthy: true}
		if inst.Role == registry.RoleFrontend && frontendDown > 0 {
			res.Healthy = false
			res.Err = "connection refused"
			frontendDown--
		}
		results = append(results, res)
	}
	return health.Aggregate(reg, results)
}

func newTestSequencer(rt *fakeRuntime, runner *fakeRunner, history *fakeHistory) *Sequencer {
	return NewSequencer(testConfig(), rt, runner, history, Options{
		MaxAttempts:  3,
		PollInterval: time.Millisecond,
		SettleDelay:  0,
	})
}

func TestDeploy_Succeeds(t *testing.T) {
	rt := &fakeRuntime{}
	runner := &fakeRunner{verdicts: []*health.Verdict{verdictFor(t, 0)}, passes: []int{1}}
	history := &fakeHistory{}

	attempt, err := newTestSequencer(rt, runner, history).Deploy(context.Background(), "staging")

	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, attempt.State)
	assert.False(t, attempt.RolledBack)
	assert.Equal(t, 1, attempt.RetryCount)
	assert.True(t, attempt.FinalVerdict.IsHealthy())
	assert.False(t, attempt.FinishedAt.IsZero())

	require.Len(t, rt.startSpecs, 1)
	assert.Equal(t, "staging", rt.startSpecs[0].Environment)
	assert.Empty(t, rt.stopCalls)

	require.Len(t, history.recorded, 1)
	assert.Equal(t, map[string]string{"backend": "1.4.0", "frontend": "1.4.0"}, history.recordedTags[0])
}

func TestDeploy_RetriesCountedAcrossPasses(t *testing.T) {
	// Attempt 1 degraded, attempt 2 healthy: the controller reports two
	// passes and the attempt records them
	rt := &fakeRuntime{}
	runner := &fakeRunner{verdicts: []*health.Verdict{verdictFor(t, 0)}, passes: []int{2}}
	history := &fakeHistory{}

	attempt, err := newTestSequencer(rt, runner, history).Deploy(context.Background(), "staging")

	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, attempt.State)
	assert.Equal(t, 2, attempt.RetryCount)
}

func TestDeploy_UnknownEnvironmentAborts(t *testing.T) {
	rt := &fakeRuntime{}
	runner := &fakeRunner{verdicts: []*health.Verdict{verdictFor(t, 0)}, passes: []int{1}}

	attempt, err := newTestSequencer(rt, runner, &fakeHistory{}).Deploy(context.Background(), "production")

	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrUnknownEnvironment)
	assert.Equal(t, StateAborted, attempt.State)
	assert.Empty(t, rt.startSpecs)
	assert.Equal(t, 0, runner.calls)
}

func TestDeploy_StartFailureAborts(t *testing.T) {
	rt := &fakeRuntime{startErr: errors.New("image not found")}
	runner := &fakeRunner{verdicts: []*health.Verdict{verdictFor(t, 0)}, passes: []int{1}}

	attempt, err := newTestSequencer(rt, runner, &fakeHistory{}).Deploy(context.Background(), "staging")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start stack")
	assert.Equal(t, StateAborted, attempt.State)
	assert.Equal(t, 0, runner.calls)
}

func TestDeploy_NoRollbackTargetAborts(t *testing.T) {
	rt := &fakeRuntime{}
	runner := &fakeRunner{verdicts: []*health.Verdict{verdictFor(t, 2)}, passes: []int{3}}
	history := &fakeHistory{found: false}

	attempt, err := newTestSequencer(rt, runner, history).Deploy(context.Background(), "staging")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoRollbackTarget)
	// The failure names the failing instances, not just "health check failed"
	assert.Contains(t, err.Error(), "frontend-1:8501")
	assert.Equal(t, StateAborted, attempt.State)
	assert.False(t, attempt.RolledBack)
	assert.Empty(t, rt.stopCalls)
	require.Len(t, history.recorded, 1)
}

func TestDeploy_RollbackConverges(t *testing.T) {
	rt := &fakeRuntime{}
	runner := &fakeRunner{
		verdicts: []*health.Verdict{verdictFor(t, 2), verdictFor(t, 0)},
		passes:   []int{3, 1},
	}
	history := &fakeHistory{
		found:    true,
		lastGood: map[string]string{"backend": "1.3.9", "frontend": "1.3.9"},
	}

	attempt, err := newTestSequencer(rt, runner, history).Deploy(context.Background(), "staging")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRolledBack)
	assert.Equal(t, StateSucceeded, attempt.State)
	assert.True(t, attempt.RolledBack)
	assert.Equal(t, 4, attempt.RetryCount)
	assert.False(t, attempt.InitialVerdict.IsHealthy())
	assert.True(t, attempt.FinalVerdict.IsHealthy())

	// Stop once, start twice: the new tags then the known-good ones
	assert.Equal(t, []string{"staging"}, rt.stopCalls)
	require.Len(t, rt.startSpecs, 2)
	for _, svc := range rt.startSpecs[1].Services {
		assert.Equal(t, "1.3.9", svc.Tag)
	}

	// The recorded tags are the ones actually running after the rollback
	require.Len(t, history.recordedTags, 1)
	assert.Equal(t, history.lastGood, history.recordedTags[0])
}

func TestDeploy_RollbackFailsExactlyOnce(t *testing.T) {
	rt := &fakeRuntime{}
	runner := &fakeRunner{
		verdicts: []*health.Verdict{verdictFor(t, 2), verdictFor(t, 2)},
		passes:   []int{3, 3},
	}
	history := &fakeHistory{
		found:    true,
		lastGood: map[string]string{"backend": "1.3.9", "frontend": "1.3.9"},
	}

	attempt, err := newTestSequencer(rt, runner, history).Deploy(context.Background(), "staging")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRollbackFailed)
	assert.Equal(t, StateAborted, attempt.State)
	assert.True(t, attempt.RolledBack)

	// Both verdicts travel with the failure for diagnostics
	assert.Contains(t, err.Error(), "deploy verdict")
	assert.Contains(t, err.Error(), "rollback verdict")

	// Exactly one rollback: one stop, two starts, two probing phases
	assert.Len(t, rt.stopCalls, 1)
	assert.Len(t, rt.startSpecs, 2)
	assert.Equal(t, 2, runner.calls)
}

func TestDeploy_InterruptDoesNotRollBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	rt := &fakeRuntime{}
	// Cancellation surfaces as a non-healthy verdict from the aborted phase
	runner := &fakeRunner{
		verdicts: []*health.Verdict{verdictFor(t, 2)},
		passes:   []int{1},
		onCall:   cancel,
	}
	history := &fakeHistory{found: true, lastGood: map[string]string{"backend": "1.3.9"}}

	attempt, err := newTestSequencer(rt, runner, history).Deploy(ctx, "staging")

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrRollbackFailed)
	assert.Equal(t, StateAborted, attempt.State)
	assert.False(t, attempt.RolledBack)
	assert.Empty(t, rt.stopCalls, "an interrupt must not trigger a rollback")
	assert.Equal(t, 1, runner.calls)
	require.Len(t, history.recorded, 1, "interrupted attempts are still recorded")
}

func TestDeploy_RollbackStopFailureAborts(t *testing.T) {
	rt := &fakeRuntime{stopErr: errors.New("daemon gone")}
	runner := &fakeRunner{verdicts: []*health.Verdict{verdictFor(t, 2)}, passes: []int{3}}
	history := &fakeHistory{found: true, lastGood: map[string]string{"backend": "1.3.9"}}

	attempt, err := newTestSequencer(rt, runner, history).Deploy(context.Background(), "staging")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRollbackFailed)
	assert.Equal(t, StateAborted, attempt.State)
	// Only the initial start happened
	assert.Len(t, rt.startSpecs, 1)
}
