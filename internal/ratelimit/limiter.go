package ratelimit

import (
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/smallbiznis/hotspotd/internal/clock"
	"github.com/smallbiznis/hotspotd/internal/config"
	"go.uber.org/fx"
	"golang.org/x/time/rate"
)

const (
	idleTTL       = 15 * time.Minute
	maxTrackedNAS = 10_000
)

// IngestLimiter keeps one token bucket per NAS for accounting ingest.
// Buckets of NAS devices that stop reporting are dropped after idleTTL.
type IngestLimiter struct {
	cfg   *config.EngineConfigHolder
	clock clock.Clock

	mu      sync.Mutex
	buckets *ttlcache.Cache[string, *rate.Limiter]
}

type Params struct {
	fx.In

	Config *config.EngineConfigHolder
	Clock  clock.Clock
}

func NewIngestLimiter(p Params) *IngestLimiter {
	return &IngestLimiter{
		cfg:   p.Config,
		clock: p.Clock,
		buckets: ttlcache.New(
			ttlcache.WithTTL[string, *rate.Limiter](idleTTL),
			ttlcache.WithCapacity[string, *rate.Limiter](maxTrackedNAS),
		),
	}
}

// Enabled reports whether the live config sets a per-NAS rate.
func (l *IngestLimiter) Enabled() bool {
	return l != nil && l.cfg.Get().Accounting.IngestRatePerSecond > 0
}

// Allow takes one token from the bucket of nasID.
func (l *IngestLimiter) Allow(nasID string) bool {
	if !l.Enabled() {
		return true
	}
	acc := l.cfg.Get().Accounting
	key := strings.TrimSpace(nasID)

	l.mu.Lock()
	defer l.mu.Unlock()

	var lim *rate.Limiter
	if item := l.buckets.Get(key); item != nil {
		lim = item.Value()
	} else {
		lim = rate.NewLimiter(rate.Limit(acc.IngestRatePerSecond), acc.IngestBurst)
		l.buckets.Set(key, lim, ttlcache.DefaultTTL)
	}
	now := l.clock.Now()
	if lim.Limit() != rate.Limit(acc.IngestRatePerSecond) {
		lim.SetLimitAt(now, rate.Limit(acc.IngestRatePerSecond))
	}
	if lim.Burst() != acc.IngestBurst {
		lim.SetBurstAt(now, acc.IngestBurst)
	}
	return lim.AllowN(now, 1)
}

func (l *IngestLimiter) Start() { go l.buckets.Start() }

func (l *IngestLimiter) Stop() { l.buckets.Stop() }
