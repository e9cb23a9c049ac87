// Package keylock serializes work per key (per voucher, per phone number)
// while letting different keys proceed in parallel.
package keylock

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Unlock releases a held key. It must be called exactly once.
type Unlock func()

type Locker interface {
	// Lock blocks until key is held or ctx is done.
	Lock(ctx context.Context, key string) (Unlock, error)
}

const defaultShards = 64

type entry struct {
	sem  chan struct{}
	refs int
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Striped is an in-process Locker. Entries are reference counted and
// removed once no goroutine holds or waits on the key.
type Striped struct {
	shards []shard
}

func NewStriped(shards int) *Striped {
	if shards <= 0 {
		shards = defaultShards
	}
	s := &Striped{shards: make([]shard, shards)}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*entry)
	}
	return s
}

func (s *Striped) shardFor(key string) *shard {
	return &s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

func (s *Striped) Lock(ctx context.Context, key string) (Unlock, error) {
	sh := s.shardFor(key)

	sh.mu.Lock()
	e, ok := sh.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		sh.entries[key] = e
	}
	e.refs++
	sh.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		s.release(sh, key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			s.release(sh, key, e)
		})
	}, nil
}

func (s *Striped) release(sh *shard, key string, e *entry) {
	sh.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(sh.entries, key)
	}
	sh.mu.Unlock()
}

// Len reports the number of keys currently held or awaited.
func (s *Striped) Len() int {
	n := 0
	for i := range s.shards {
		s.shards[i].mu.Lock()
		n += len(s.shards[i].entries)
		s.shards[i].mu.Unlock()
	}
	return n
}

func VoucherKey(code string) string { return "voucher:" + code }

func PhoneKey(phone string) string { return "loyalty:" + phone }

func MACKey(mac string) string { return "mac:" + mac }

func RedemptionKey(id string) string { return "redemption:" + id }

// With runs fn while holding key.
func With(ctx context.Context, l Locker, key string, fn func() error) error {
	unlock, err := l.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}
