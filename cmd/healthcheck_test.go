package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bnema/stackpilot/internal/health"
)

func TestWatchExitCode(t *testing.T) {
	assert.Equal(t, 1, watchExitCode(nil), "no completed pass is not healthy")
	assert.Equal(t, 0, watchExitCode(&health.Verdict{Overall: health.Healthy}))
	assert.Equal(t, 1, watchExitCode(&health.Verdict{Overall: health.Degraded}))
	assert.Equal(t, 1, watchExitCode(&health.Verdict{Overall: health.Unhealthy}))
}
