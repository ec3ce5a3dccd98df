// Package probe performs single liveness checks against service instances.
package probe

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/bnema/stackpilot/internal/registry"
)

// DefaultTimeout is the per-probe timeout used when an instance does not
// declare its own.
const DefaultTimeout = 5 * time.Second

// Result is the outcome of one probe attempt. All failure modes are encoded
// here; a probe never returns an error to its caller.
type Result struct {
	Instance   registry.Instance
	Healthy    bool
	StatusCode int
	Latency    time.Duration
	CheckedAt  time.Time
	Err        string
}

// Prober issues bounded-timeout HTTP GET requests against instance health
// endpoints. Safe for concurrent use.
type Prober struct {
	client  *http.Client
	timeout time.Duration
}

// Option configures the Prober.
type Option func(*Prober)

// WithTimeout sets the default probe timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(p *Prober) {
		p.timeout = timeout
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Prober) {
		p.client = client
	}
}

// New creates a new prober.
func New(opts ...Option) *Prober {
	p := &Prober{
		timeout: DefaultTimeout,
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.client == nil {
		p.client = &http.Client{
			Transport: &http.Transport{
				// #nosec G402 - InsecureSkipVerify is intentional: internal
				// services often run with self-signed certificates and the
				// prober only checks reachability, not data integrity.
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: true,
				},
				DisableKeepAlives: true,
			},
			// Don't follow redirects - we want to see the actual response
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}

	return p
}

// Probe performs one liveness check against the instance. Healthy means a
// 2xx response within the instance timeout; timeouts, connection failures and
// non-2xx statuses all yield Healthy=false with Err populated.
func (p *Prober) Probe(ctx context.Context, instance registry.Instance) Result {
	timeout := instance.Timeout
	if timeout <= 0 {
		timeout = p.timeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := Result{
		Instance:  instance,
		CheckedAt: time.Now(),
	}

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, instance.URL(), nil)
	if err != nil {
		result.Err = err.Error()
		return result
	}
	req.Header.Set("User-Agent", "stackpilot-healthcheck/1.0")

	resp, err := p.client.Do(req)
	result.Latency = time.Since(start)
	if err != nil {
		result.Err = err.Error()
		return result
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Healthy = true
	} else {
		result.Err = "unexpected status " + resp.Status
	}

	return result
}
