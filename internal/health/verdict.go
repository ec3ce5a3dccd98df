// Package health aggregates probe results into role and system verdicts and
// drives repeated probing attempts.
package health

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bnema/stackpilot/internal/probe"
	"github.com/bnema/stackpilot/internal/registry"
)

// Overall is the aggregated health classification of the whole stack
type Overall string

const (
	// Healthy - every required role has all declared instances up
	Healthy Overall = "healthy"
	// Degraded - at least one role is partially up, none fully down
	Degraded Overall = "degraded"
	// Unhealthy - at least one required role has no healthy instance
	Unhealthy Overall = "unhealthy"
)

// RoleHealth is the derived health of one role, recomputed each pass
type RoleHealth struct {
	Role    registry.Role `json:"role"`
	Healthy int           `json:"healthy"`
	Total   int           `json:"total"`
	// Required is the registry-declared minimum instance count
	Required int `json:"required"`
	// Misconfigured marks a role declared with zero registered instances.
	// This is a configuration problem, reported distinctly from a role whose
	// instances were probed and found down.
	Misconfigured bool `json:"misconfigured,omitempty"`
}

// Satisfied reports whether the role meets its declared requirement
func (r RoleHealth) Satisfied() bool {
	return !r.Misconfigured && r.Total >= r.Required && r.Healthy == r.Total
}

// Verdict is the immutable outcome of one full probing pass
type Verdict struct {
	Overall   Overall                      `json:"overall"`
	PerRole   map[registry.Role]RoleHealth `json:"per_role"`
	Failing   []probe.Result               `json:"failing,omitempty"`
	CheckedAt time.Time                    `json:"checked_at"`
}

// IsHealthy reports whether the verdict is Healthy
func (v *Verdict) IsHealthy() bool {
	return v.Overall == Healthy
}

// Summary renders a one-line description of the verdict for logs and errors
func (v *Verdict) Summary() string {
	roles := make([]string, 0, len(v.PerRole))
	for role := range v.PerRole {
		roles = append(roles, string(role))
	}
	sort.Strings(roles)

	parts := make([]string, 0, len(roles))
	for _, name := range roles {
		rh := v.PerRole[registry.Role(name)]
		if rh.Misconfigured {
			parts = append(parts, fmt.Sprintf("%s=misconfigured", name))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%d/%d", name, rh.Healthy, rh.Total))
	}
	return fmt.Sprintf("%s (%s)", v.Overall, strings.Join(parts, " "))
}

// FailingInstances returns the identity keys of failing instances
func (v *Verdict) FailingInstances() []string {
	keys := make([]string, 0, len(v.Failing))
	for _, res := range v.Failing {
		keys = append(keys, res.Instance.Key())
	}
	return keys
}

// Aggregate combines one attempt's probe results into a system verdict.
// Pure: the same result set always yields the same verdict.
func Aggregate(reg *registry.Registry, results []probe.Result) *Verdict {
	verdict := &Verdict{
		PerRole:   make(map[registry.Role]RoleHealth),
		CheckedAt: time.Now(),
	}

	for _, role := range reg.Roles() {
		verdict.PerRole[role] = RoleHealth{
			Role:     role,
			Required: reg.RequiredMinimum(role),
		}
	}

	for _, res := range results {
		role := res.Instance.Role
		rh, ok := verdict.PerRole[role]
		if !ok {
			rh = RoleHealth{Role: role, Required: reg.RequiredMinimum(role)}
		}
		rh.Total++
		if res.Healthy {
			rh.Healthy++
		} else {
			verdict.Failing = append(verdict.Failing, res)
		}
		verdict.PerRole[role] = rh
	}

	anyDown := false
	anyPartial := false
	for role, rh := range verdict.PerRole {
		if rh.Total == 0 {
			rh.Misconfigured = true
			verdict.PerRole[role] = rh
			anyDown = true
			continue
		}
		switch {
		case rh.Healthy == 0:
			anyDown = true
		case rh.Healthy < rh.Total || rh.Total < rh.Required:
			anyPartial = true
		}
	}

	switch {
	case anyDown:
		verdict.Overall = Unhealthy
	case anyPartial:
		verdict.Overall = Degraded
	default:
		verdict.Overall = Healthy
	}

	return verdict
}
