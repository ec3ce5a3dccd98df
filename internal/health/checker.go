package health

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bnema/stackpilot/internal/probe"
	"github.com/bnema/stackpilot/internal/registry"
)

// maxConcurrentProbes limits the number of concurrent probes to prevent
// resource exhaustion.
const maxConcurrentProbes = 10

// InstanceProber performs one liveness check against one instance
type InstanceProber interface {
	Probe(ctx context.Context, instance registry.Instance) probe.Result
}

// Checker probes every registered instance and aggregates the results.
// Probes within one attempt run concurrently; attempts are strictly
// sequential.
type Checker struct {
	prober  InstanceProber
	metrics *Metrics

	mu  sync.RWMutex
	reg *registry.Registry
}

// CheckerOption configures the Checker.
type CheckerOption func(*Checker)

// WithMetrics attaches prometheus instrumentation to the checker.
func WithMetrics(m *Metrics) CheckerOption {
	return func(c *Checker) {
		c.metrics = m
	}
}

// NewChecker creates a checker over the given registry
func NewChecker(reg *registry.Registry, prober InstanceProber, opts ...CheckerOption) *Checker {
	c := &Checker{
		reg:    reg,
		prober: prober,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetRegistry swaps the registry, used when the registry file changes in
// watch mode. Takes effect from the next attempt.
func (c *Checker) SetRegistry(reg *registry.Registry) {
	c.mu.Lock()
	c.reg = reg
	c.mu.Unlock()
}

func (c *Checker) registrySnapshot() *registry.Registry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reg
}

// CheckOnce probes all registered instances concurrently, waits for every
// probe of the attempt to finish, and aggregates the results into a verdict.
func (c *Checker) CheckOnce(ctx context.Context) *Verdict {
	reg := c.registrySnapshot()
	instances := reg.Instances()
	results := make([]probe.Result, len(instances))

	// Probe concurrently with a semaphore to limit resource usage
	var wg sync.WaitGroup
	sem := make(chan struct{}, maxConcurrentProbes)

	for i, inst := range instances {
		wg.Add(1)
		go func(i int, inst registry.Instance) {
			defer wg.Done()
			sem <- struct{}{}        // Acquire semaphore
			defer func() { <-sem }() // Release semaphore

			results[i] = c.prober.Probe(ctx, inst)
		}(i, inst)
	}

	wg.Wait()

	verdict := Aggregate(reg, results)
	if c.metrics != nil {
		c.metrics.Observe(results, verdict)
	}

	log.Debug("Health check pass complete",
		"instances", len(instances),
		"verdict", string(verdict.Overall))

	return verdict
}

// RunUntilHealthy drives repeated probing attempts with a fixed delay between
// them. Returns as soon as an attempt yields a Healthy verdict; otherwise the
// last verdict after the attempt budget is exhausted, along with the number
// of attempts performed. The caller decides the consequence of a non-healthy
// verdict.
//
// maxAttempts <= 0 polls without an attempt cap (the monitoring
// configuration); cancellation is honored at attempt boundaries.
func (c *Checker) RunUntilHealthy(ctx context.Context, maxAttempts int, interval time.Duration) (*Verdict, int) {
	var verdict *Verdict
	attempts := 0

	for {
		attempts++
		verdict = c.CheckOnce(ctx)

		if verdict.IsHealthy() {
			return verdict, attempts
		}

		log.Info("Stack not healthy yet",
			"attempt", attempts,
			"verdict", verdict.Summary())

		if maxAttempts > 0 && attempts >= maxAttempts {
			return verdict, attempts
		}

		select {
		case <-ctx.Done():
			return verdict, attempts
		case <-time.After(interval):
		}
	}
}

// Watch polls without an attempt cap, invoking fn after every attempt.
// Returns when the context is canceled.
func (c *Checker) Watch(ctx context.Context, interval time.Duration, fn func(*Verdict)) {
	for {
		verdict := c.CheckOnce(ctx)
		if fn != nil {
			fn(verdict)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}
