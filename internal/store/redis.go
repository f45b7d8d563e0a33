package store

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisResponseStore keeps cached responses in Redis so several processes can
// share one durable tier. Expiry is delegated to Redis key TTLs.
type RedisResponseStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisResponseStore(client *redis.Client) *RedisResponseStore {
	return &RedisResponseStore{client: client, prefix: "sgk:api:", now: time.Now}
}

func (s *RedisResponseStore) Get(ctx context.Context, url string) (Response, error) {
	data, err := s.client.Get(ctx, s.prefix+url).Bytes()
	if errors.Is(err, redis.Nil) {
		return Response{}, ErrNotFound
	}
	if err != nil {
		return Response{}, err
	}
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return Response{}, err
	}
	return r, nil
}

func (s *RedisResponseStore) Put(ctx context.Context, r Response) error {
	ttl := r.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return s.Delete(ctx, r.URL)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+r.URL, data, ttl).Err()
}

func (s *RedisResponseStore) Delete(ctx context.Context, url string) error {
	return s.client.Del(ctx, s.prefix+url).Err()
}

// Sweep is a no-op: Redis drops expired keys on its own.
func (s *RedisResponseStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (s *RedisResponseStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

// unlockScript deletes the lock only if it still belongs to the caller.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript renews the lock TTL only while the caller still owns it.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker hands out TTL-bounded locks with SETNX, so replay can be
// restricted to one process at a time across every instance sharing Redis.
// A held lock is renewed every third of its TTL until released, so a long
// replay keeps it while a crashed holder loses it after one TTL.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl}
}

// Lock acquires key or returns ErrLockHeld. The returned unlock stops renewal
// and releases the lock only if it was not taken over after expiring.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := "sgk:lock:" + key
	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrLockHeld
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(lockKey, token, stop, done)

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := unlockScript.Run(ctx, l.client, []string{lockKey}, token).Err(); err != nil {
				log.Printf("store: release lock %s: %v", lockKey, err)
			}
		})
	}
	return unlock, nil
}

func (l *RedisLocker) keepAlive(lockKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	every := l.ttl / 3
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			n, err := extendScript.Run(ctx, l.client, []string{lockKey}, token, l.ttl.Milliseconds()).Int()
			cancel()
			switch {
			case err != nil:
				log.Printf("store: renew lock %s: %v", lockKey, err)
			case n == 0:
				log.Printf("store: lock %s expired before renewal", lockKey)
				return
			}
		}
	}
}
