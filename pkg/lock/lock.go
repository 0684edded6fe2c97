// Package lock serializes work on a meeting across worker replicas with a
// Redis lease.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Release when the lease expired or was taken over.
var ErrNotHeld = errors.New("lock not held")

const keyPrefix = "lock:meeting:"

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the TTL only if the key still holds our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// MeetingLock hands out per-meeting leases.
type MeetingLock struct {
	client        *redis.Client
	ttl           time.Duration
	pollInterval  time.Duration
	renewInterval time.Duration
}

// NewMeetingLock creates a lock with the given lease TTL. Leases taken with
// Lock are renewed every ttl/3 until released.
func NewMeetingLock(client *redis.Client, ttl time.Duration) *MeetingLock {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &MeetingLock{
		client:        client,
		ttl:           ttl,
		pollInterval:  250 * time.Millisecond,
		renewInterval: ttl / 3,
	}
}

// Lease is a held meeting lock.
type Lease struct {
	lock  *MeetingLock
	key   string
	token string
}

// Acquire blocks until the meeting's lease is obtained or ctx is done.
func (l *MeetingLock) Acquire(ctx context.Context, meetingID string) (*Lease, error) {
	key := keyPrefix + meetingID
	token := uuid.New().String()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire meeting lock: %w", err)
		}
		if ok {
			return &Lease{lock: l, key: key, token: token}, nil
		}

		select {
		case <-time.After(l.pollInterval):
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for meeting lock %s: %w", meetingID, ctx.Err())
		}
	}
}

// Release gives the lease back. It returns ErrNotHeld if the lease had
// already expired.
func (s *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, s.lock.client, []string{s.key}, s.token).Int()
	if err != nil {
		return fmt.Errorf("failed to release meeting lock: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Extend resets the lease TTL. It returns ErrNotHeld if the lease expired
// or was taken over.
func (s *Lease) Extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, s.lock.client, []string{s.key}, s.token, s.lock.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to extend meeting lock: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// keepAlive extends the lease every renewInterval until stop is closed or
// the lease is lost. Transient Redis errors are retried on the next tick.
func (s *Lease) keepAlive(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.lock.renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.lock.renewInterval)
			err := s.Extend(ctx)
			cancel()
			if errors.Is(err, ErrNotHeld) {
				return
			}
		}
	}
}

// Lock acquires the meeting's lease and keeps it alive until the returned
// function is called. That function stops the renewal and releases the lease.
func (l *MeetingLock) Lock(ctx context.Context, meetingID string) (func(context.Context) error, error) {
	lease, err := l.Acquire(ctx, meetingID)
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go lease.keepAlive(stop, done)

	return func(ctx context.Context) error {
		close(stop)
		<-done
		return lease.Release(ctx)
	}, nil
}
