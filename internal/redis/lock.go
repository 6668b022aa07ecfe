package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const practitionerKeyPrefix = "lock:practitioner:"

var ErrLockNotAcquired = errors.New("practitioner schedule lock not acquired")

// releaseScript deletes the key only while it still holds our token, so an
// expired lock re-taken by another replica is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// PractitionerLocker serializes check-then-write sequences on one practitioner's
// bookings across every api-server replica.
type PractitionerLocker struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

type LockerOption func(*PractitionerLocker)

// WithLockLogger reports failed releases. Without it they are dropped and the
// key simply expires after the TTL.
func WithLockLogger(log zerolog.Logger) LockerOption {
	return func(l *PractitionerLocker) { l.log = log.With().Str("component", "practitioner_lock").Logger() }
}

// NewPractitionerLocker holds each lock for at most ttl.
func NewPractitionerLocker(client *redis.Client, ttl time.Duration, opts ...LockerOption) *PractitionerLocker {
	l := &PractitionerLocker{client: client, ttl: ttl, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func lockKey(practitionerID uuid.UUID) string {
	return practitionerKeyPrefix + practitionerID.String()
}

// WithPractitionerLock runs fn while holding the practitioner key. fn gets a
// context bounded by the lock TTL so the work cannot outlive the lock.
func (l *PractitionerLocker) WithPractitionerLock(ctx context.Context, practitionerID uuid.UUID, fn func(ctx context.Context) error) error {
	key := lockKey(practitionerID)
	token := uuid.NewString()

	acquired, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	switch {
	case err != nil:
		return fmt.Errorf("acquire practitioner lock: %w", err)
	case !acquired:
		return ErrLockNotAcquired
	}

	workCtx, cancel := context.WithTimeout(ctx, l.ttl)
	defer func() {
		cancel()
		if err := l.release(context.WithoutCancel(ctx), key, token); err != nil {
			l.log.Warn().Err(err).Stringer("practitioner_id", practitionerID).Msg("lock release failed")
		}
	}()

	return fn(workCtx)
}

func (l *PractitionerLocker) release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release practitioner lock: %w", err)
	}
	return nil
}
