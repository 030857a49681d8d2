package cmd

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/graspatracker/internal/observability"
	"github.com/3leaps/graspatracker/pkg/scheduler"
	"github.com/3leaps/graspatracker/pkg/scheduler/schedulertest"
)

func TestMetricsHealthChecker(t *testing.T) {
	t.Run("returns error when metrics not initialized", func(t *testing.T) {
		err := metricsHealthChecker{}.CheckHealth(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "metrics registry not initialized")
	})

	t.Run("healthy with registry", func(t *testing.T) {
		checker := metricsHealthChecker{metrics: observability.NewMetrics()}
		assert.NoError(t, checker.CheckHealth(context.Background()))
	})
}

func TestSchedulerHealthChecker(t *testing.T) {
	t.Run("fake scheduler is available", func(t *testing.T) {
		checker := schedulerHealthChecker{gw: schedulertest.New()}
		assert.NoError(t, checker.CheckHealth(context.Background()))
	})

	t.Run("missing commands", func(t *testing.T) {
		gw := scheduler.NewSlurm(scheduler.Config{
			LookPath: func(string) (string, error) { return "", exec.ErrNotFound },
		})
		err := schedulerHealthChecker{gw: gw}.CheckHealth(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, scheduler.ErrSchedulerNotFound)
	})
}

func TestIdentityHealthChecker(t *testing.T) {
	tests := []struct {
		name       string
		binaryName string
		envPrefix  string
		configName string
		wantErr    bool
		errContain string
	}{
		{
			name:       "all fields valid",
			binaryName: "myapp",
			envPrefix:  "MYAPP",
			configName: "myapp",
			wantErr:    false,
		},
		{
			name:       "missing binary name",
			binaryName: "",
			envPrefix:  "MYAPP",
			configName: "myapp",
			wantErr:    true,
			errContain: "missing binary name",
		},
		{
			name:       "missing env prefix",
			binaryName: "myapp",
			envPrefix:  "",
			configName: "myapp",
			wantErr:    true,
			errContain: "missing env prefix",
		},
		{
			name:       "missing config name",
			binaryName: "myapp",
			envPrefix:  "MYAPP",
			configName: "",
			wantErr:    true,
			errContain: "missing config name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := identityHealthChecker{
				binaryName: tt.binaryName,
				envPrefix:  tt.envPrefix,
				configName: tt.configName,
			}

			err := checker.CheckHealth(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContain)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
