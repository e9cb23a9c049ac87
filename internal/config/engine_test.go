package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEngineConfigHolderDefaultsWhenFileMissing(t *testing.T) {
	dir := t.TempDir()
	holder, err := NewEngineConfigHolder(Config{EngineConfigPath: filepath.Join(dir, "missing.yml")}, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, DefaultEngineConfig(), holder.Get())
}

func TestEngineConfigHolderReadsFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yml")
	body := "sweep:\n  interval: 30s\n  batchSize: 10\nloyalty:\n  pointValidityDays: 30\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	holder, err := NewEngineConfigHolder(Config{EngineConfigPath: path}, zap.NewNop())
	require.NoError(t, err)

	cfg := holder.Get()
	require.Equal(t, 30*time.Second, cfg.Sweep.Interval)
	require.Equal(t, 10, cfg.Sweep.BatchSize)
	require.Equal(t, 30, cfg.Loyalty.PointValidityDays)
	require.Equal(t, DefaultEngineConfig().Dispatch, cfg.Dispatch)
}

func TestEngineConfigHolderRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yml")
	require.NoError(t, os.WriteFile(path, []byte("sweep:\n  interval: 0s\n"), 0o600))

	_, err := NewEngineConfigHolder(Config{EngineConfigPath: path}, zap.NewNop())
	require.Error(t, err)
}

func TestEngineConfigHolderSetAndReset(t *testing.T) {
	holder, err := NewStaticEngineConfigHolder(DefaultEngineConfig())
	require.NoError(t, err)

	cfg := holder.Get()
	cfg.Sweep.Interval = 5 * time.Second
	require.NoError(t, holder.Set(cfg))
	require.Equal(t, 5*time.Second, holder.Get().Sweep.Interval)

	bad := cfg
	bad.Dispatch.MaxTries = 0
	require.Error(t, holder.Set(bad))
	require.Equal(t, 5*time.Second, holder.Get().Sweep.Interval)

	holder.Reset()
	require.Equal(t, DefaultEngineConfig(), holder.Get())
}

func TestEngineConfigHolderReadsLoyaltyTiers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yml")
	body := "loyalty:\n  tiers:\n    - name: BASIC\n      minPoints: 0\n    - name: VIP\n      minPoints: 100\n      prioritySupport: true\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	holder, err := NewEngineConfigHolder(Config{EngineConfigPath: path}, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, []TierConfig{
		{Name: "BASIC", MinPoints: 0},
		{Name: "VIP", MinPoints: 100, PrioritySupport: true},
	}, holder.Get().Loyalty.Tiers)
}

func TestValidateTiersRejectsBadLadders(t *testing.T) {
	cases := map[string][]TierConfig{
		"empty":         nil,
		"not from zero": {{Name: "SILVER", MinPoints: 51}},
		"unordered":     {{Name: "BRONZE"}, {Name: "GOLD", MinPoints: 151}, {Name: "SILVER", MinPoints: 51}},
		"repeated name": {{Name: "BRONZE"}, {Name: "BRONZE", MinPoints: 10}},
		"blank name":    {{Name: " "}},
	}
	for name, tiers := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultEngineConfig()
			cfg.Loyalty.Tiers = tiers
			_, err := NewStaticEngineConfigHolder(cfg)
			require.Error(t, err)
		})
	}
}
