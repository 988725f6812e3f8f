package cmd

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/expvisor/internal/config"
	"github.com/3leaps/expvisor/internal/observability"
	"github.com/3leaps/expvisor/pkg/experiment"
	"github.com/3leaps/expvisor/pkg/statestore"
)

func TestSignalHealthChecker(t *testing.T) {
	checker := signalHealthChecker{}

	t.Run("always returns nil", func(t *testing.T) {
		err := checker.CheckHealth(context.Background())
		assert.NoError(t, err)
	})
}

func TestTelemetryHealthChecker(t *testing.T) {
	checker := telemetryHealthChecker{}

	t.Run("returns error when telemetry not initialized", func(t *testing.T) {
		orig := observability.Registry
		defer func() { observability.Registry = orig }()

		observability.Registry = nil

		err := checker.CheckHealth(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "telemetry system not initialized")
	})

	t.Run("healthy once metrics are initialized", func(t *testing.T) {
		observability.InitMetrics()
		assert.NoError(t, checker.CheckHealth(context.Background()))
	})

}

func TestIdentityHealthChecker(t *testing.T) {
	full := config.DefaultIdentity
	tests := []struct {
		name    string
		mutate  func(c *identityHealthChecker)
		wantErr string
	}{
		{name: "default identity", mutate: func(*identityHealthChecker) {}},
		{name: "no binary name", mutate: func(c *identityHealthChecker) { c.binaryName = "" }, wantErr: "missing binary name"},
		{name: "no env prefix", mutate: func(c *identityHealthChecker) { c.envPrefix = "" }, wantErr: "missing env prefix"},
		{name: "no config name", mutate: func(c *identityHealthChecker) { c.configName = "" }, wantErr: "missing config name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := identityHealthChecker{
				binaryName: full.BinaryName,
				envPrefix:  full.EnvPrefix,
				configName: full.ConfigName,
			}
			tt.mutate(&checker)

			err := checker.CheckHealth(context.Background())
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

type unavailableStore struct{ experiment.Store }

func (unavailableStore) List(context.Context, experiment.ListFilter) ([]experiment.Record, error) {
	return nil, &experiment.StoreError{Op: "list", Err: fmt.Errorf("%w: disk gone", experiment.ErrStoreUnavailable)}
}

func TestStoreHealthChecker(t *testing.T) {
	checker := storeHealthChecker{store: statestore.New(t.TempDir(), statestore.Options{})}
	assert.NoError(t, checker.CheckHealth(context.Background()))

	err := storeHealthChecker{store: unavailableStore{}}.CheckHealth(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, experiment.ErrStoreUnavailable)
}
