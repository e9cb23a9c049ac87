package keylock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestStripedSerializesSameKey(t *testing.T) {
	locker := NewStriped(4)
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(context.Background(), VoucherKey("ABC123"))
			if err != nil {
				t.Error(err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), maxInside)
	require.Equal(t, 0, locker.Len())
}

func TestStripedDifferentKeysDoNotBlock(t *testing.T) {
	locker := NewStriped(1)
	unlockA, err := locker.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := locker.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestStripedLockHonoursContext(t *testing.T) {
	locker := NewStriped(0)
	unlock, err := locker.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "k")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	require.Equal(t, 0, locker.Len())
}

func TestDistributedRequiresClient(t *testing.T) {
	d := NewDistributed(NewStriped(1), nil, time.Second)
	_, err := d.Lock(context.Background(), "k")
	require.Error(t, err)
}

// fakeLease stands in for redis: one holder token per key and counters for
// renewals.
type fakeLease struct {
	redis.Scripter

	mu     sync.Mutex
	holder map[string]string
	renews int
}

func (f *fakeLease) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.holder[key]; held {
		return redis.NewBoolResult(false, nil)
	}
	f.holder[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeLease) EvalSha(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holder[keys[0]] != args[0].(string) {
		return redis.NewCmdResult(int64(0), nil)
	}
	if len(args) == 2 {
		f.renews++
		return redis.NewCmdResult(int64(1), nil)
	}
	delete(f.holder, keys[0])
	return redis.NewCmdResult(int64(1), nil)
}

func (f *fakeLease) renewCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renews
}

func (f *fakeLease) held(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.holder[key]
	return ok
}

func TestDistributedRenewsLeaseWhileHeld(t *testing.T) {
	lease := &fakeLease{holder: make(map[string]string)}
	d := newDistributed(NewStriped(1), lease, 30*time.Millisecond)

	unlock, err := d.Lock(context.Background(), VoucherKey("ABC123"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return lease.renewCount() >= 3 }, time.Second, 5*time.Millisecond)
	require.True(t, lease.held("hotspotd:lock:voucher:ABC123"))

	unlock()
	require.False(t, lease.held("hotspotd:lock:voucher:ABC123"))
	renews := lease.renewCount()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, renews, lease.renewCount(), "renewal stops on unlock")

	unlock, err = d.Lock(context.Background(), VoucherKey("ABC123"))
	require.NoError(t, err)
	unlock()
}
