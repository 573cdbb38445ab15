// Package userlock serializes balance-changing work per user.
//
// The database transaction in the wallet store already takes a per-user
// advisory lock; the lockers here keep contending requests from piling up on
// database connections and cover stores that have no such lock.
package userlock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrTimeout is returned when the lock could not be taken before the
// context or the wait budget expired.
var ErrTimeout = errors.New("userlock: timed out waiting for lock")

// Locker grants exclusive per-user sections. The returned release func must
// be called exactly once.
type Locker interface {
	Lock(ctx context.Context, userID int64) (release func(), err error)
}

// Local is an in-process keyed mutex.
type Local struct {
	mu    sync.Mutex
	slots map[int64]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{slots: make(map[int64]*slot)}
}

func (l *Local) Lock(ctx context.Context, userID int64) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[userID]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[userID] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(userID, s)
		return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.unref(userID, s)
		})
	}, nil
}

func (l *Local) unref(userID int64, s *slot) {
	l.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, userID)
	}
	l.mu.Unlock()
}

// Redis locks a user across replicas with SET NX PX and releases with a
// compare-and-delete script so an expired holder never frees a lock it no
// longer owns.
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	wait    time.Duration
	retry   time.Duration
	release *redis.Script
	log     zerolog.Logger
}

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

// WithTTL sets how long a lock survives a crashed holder.
func WithTTL(d time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = d }
}

// WithWait bounds how long Lock polls before giving up.
func WithWait(d time.Duration) RedisOption {
	return func(r *Redis) { r.wait = d }
}

func WithRetryInterval(d time.Duration) RedisOption {
	return func(r *Redis) { r.retry = d }
}

func WithPrefix(p string) RedisOption {
	return func(r *Redis) { r.prefix = p }
}

func WithLogger(l zerolog.Logger) RedisOption {
	return func(r *Redis) { r.log = l.With().Str("component", "userlock").Logger() }
}

const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client:  client,
		prefix:  "ctmeter:lock:user:",
		ttl:     10 * time.Second,
		wait:    5 * time.Second,
		retry:   20 * time.Millisecond,
		release: redis.NewScript(releaseScript),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) key(userID int64) string {
	return r.prefix + strconv.FormatInt(userID, 10)
}

func (r *Redis) Lock(ctx context.Context, userID int64) (func(), error) {
	key := r.key(userID)
	token := uuid.NewString()

	ctx, cancel := context.WithTimeout(ctx, r.wait)
	defer cancel()

	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("acquire lock for user %d: %w", userID, err)
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() {
					// The caller's context may already be done; release on a fresh one.
					rctx, rcancel := context.WithTimeout(context.Background(), time.Second)
					defer rcancel()
					n, err := r.release.Run(rctx, r.client, []string{key}, token).Int()
					switch {
					case err != nil:
						r.log.Warn().Err(err).Int64("user_id", userID).Msg("lock release failed, it expires after ttl")
					case n == 0:
						r.log.Warn().Int64("user_id", userID).Dur("ttl", r.ttl).Msg("lock expired before release")
					}
				})
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: user %d", ErrTimeout, userID)
		case <-ticker.C:
		}
	}
}
