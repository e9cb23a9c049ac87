package keylock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const lockRenewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// leaseClient is the subset of *redis.Client the lease uses.
type leaseClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Distributed holds the local lock first, then a redis lease for the same
// key, so engine instances sharing one database never interleave on a voucher.
// The lease is renewed every ttl/3 while held, so a slow transaction keeps
// it; a crashed holder loses it after ttl.
type Distributed struct {
	local     Locker
	client    leaseClient
	release   *redis.Script
	renew     *redis.Script
	ttl       time.Duration
	retryWait time.Duration
	prefix    string
}

func NewDistributed(local Locker, client *redis.Client, ttl time.Duration) *Distributed {
	if client == nil {
		return newDistributed(local, nil, ttl)
	}
	return newDistributed(local, client, ttl)
}

func newDistributed(local Locker, client leaseClient, ttl time.Duration) *Distributed {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Distributed{
		local:     local,
		client:    client,
		release:   redis.NewScript(lockReleaseScript),
		renew:     redis.NewScript(lockRenewScript),
		ttl:       ttl,
		retryWait: 25 * time.Millisecond,
		prefix:    "hotspotd:lock:",
	}
}

func (d *Distributed) Lock(ctx context.Context, key string) (Unlock, error) {
	if d.client == nil {
		return nil, errors.New("lock client not configured")
	}
	if key == "" {
		return nil, errors.New("lock key is empty")
	}

	unlockLocal, err := d.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	redisKey := d.prefix + key
	token := uuid.NewString()
	for {
		ok, err := d.client.SetNX(ctx, redisKey, token, d.ttl).Result()
		if err != nil {
			unlockLocal()
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, ctx.Err()
		case <-time.After(d.retryWait):
		}
	}

	stop := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		d.keepAlive(redisKey, token, stop)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-renewed
			// Release on a fresh context so a cancelled caller still frees the lease.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = d.release.Run(releaseCtx, d.client, []string{redisKey}, token).Err()
			cancel()
			unlockLocal()
		})
	}, nil
}

// keepAlive extends the lease until stop is closed or the lease is found
// taken over by another token.
func (d *Distributed) keepAlive(redisKey, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(d.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), d.ttl/3)
		n, err := d.renew.Run(ctx, d.client, []string{redisKey}, token, d.ttl.Milliseconds()).Int64()
		cancel()
		if err == nil && n == 0 {
			return
		}
	}
}
