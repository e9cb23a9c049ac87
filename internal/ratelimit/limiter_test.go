package ratelimit

import (
	"testing"
	"time"

	"github.com/smallbiznis/hotspotd/internal/clock"
	"github.com/smallbiznis/hotspotd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, ratePerSecond float64, burst int) (*IngestLimiter, *config.EngineConfigHolder, *clock.FakeClock) {
	t.Helper()
	cfg := config.DefaultEngineConfig()
	cfg.Accounting.IngestRatePerSecond = ratePerSecond
	cfg.Accounting.IngestBurst = burst
	holder, err := config.NewStaticEngineConfigHolder(cfg)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))
	return NewIngestLimiter(Params{Config: holder, Clock: clk}), holder, clk
}

func TestIngestLimiterDisabledByDefault(t *testing.T) {
	l, _, _ := newLimiter(t, 0, 0)
	assert.False(t, l.Enabled())
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("nas-1"))
	}
}

func TestIngestLimiterBucketsPerNAS(t *testing.T) {
	l, _, clk := newLimiter(t, 1, 2)

	assert.True(t, l.Allow("nas-1"))
	assert.True(t, l.Allow("nas-1"))
	assert.False(t, l.Allow("nas-1"))
	assert.True(t, l.Allow("nas-2"), "other NAS has its own bucket")

	clk.Advance(time.Second)
	assert.True(t, l.Allow("nas-1"))
	assert.False(t, l.Allow("nas-1"))
}

func TestIngestLimiterFollowsReload(t *testing.T) {
	l, holder, _ := newLimiter(t, 1, 1)
	assert.True(t, l.Allow("nas-1"))
	assert.False(t, l.Allow("nas-1"))

	cfg := holder.Get()
	cfg.Accounting.IngestRatePerSecond = 0
	require.NoError(t, holder.Set(cfg))
	assert.True(t, l.Allow("nas-1"))
}

func TestNilIngestLimiterAllows(t *testing.T) {
	var l *IngestLimiter
	assert.True(t, l.Allow("nas-1"))
}
