package device

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLease is a node-wide device lease for deployments where several
// worker pods share one GPU host. The holder is tracked in Redis under a
// TTL and renewed in the background while held, so a crashed holder
// frees the device after at most one TTL.
type RedisLease struct {
	client   *redis.Client
	name     string
	key      string
	ttl      time.Duration
	maxWait  time.Duration
	pollGap  time.Duration
	renewGap time.Duration
}

// NewRedisLease builds a lease over the named device. maxWait == 0
// blocks until the context is cancelled.
func NewRedisLease(client *redis.Client, name string, ttl, maxWait time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLease{
		client:   client,
		name:     name,
		key:      "device:lease:" + name,
		ttl:      ttl,
		maxWait:  maxWait,
		pollGap:  250 * time.Millisecond,
		renewGap: ttl / 3,
	}
}

func (l *RedisLease) Name() string { return l.name }

// Acquire claims the device with SET NX, retrying until it is free or
// the wait budget runs out. While held, a background goroutine keeps the
// TTL fresh; release stops the renewer and deletes the key only if this
// holder still owns it.
func (l *RedisLease) Acquire(ctx context.Context) (func(), error) {
	token := uuid.New().String()
	deadline := time.Time{}
	if l.maxWait > 0 {
		deadline = time.Now().Add(l.maxWait)
	}

	for {
		ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, &ErrLeaseBusy{Device: l.name}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.pollGap):
		}
	}

	renewCtx, stopRenew := context.WithCancel(context.Background())
	go l.renew(renewCtx, token)

	var once sync.Once
	release := func() {
		once.Do(func() {
			stopRenew()
			// Best effort: the TTL reclaims the device if this fails.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(releaseCtx, l.client, []string{l.key}, token).Err()
		})
	}
	return release, nil
}

func (l *RedisLease) renew(ctx context.Context, token string) {
	ticker := time.NewTicker(l.renewGap)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = renewScript.Run(ctx, l.client, []string{l.key}, token, l.ttl.Milliseconds()).Err()
		}
	}
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
