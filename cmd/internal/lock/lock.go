// Package lock arbitrates fleet-wide ownership of session ids with renewable leases.
//
// A Manager acts for one owner (a process instance). Claim is an atomic
// "set if absent, expired or already ours"; a granted claim starts exactly one renewal
// loop per session at ttl/2. When renewal fails the loop logs, stops and closes
// Lease.Lost() so the lease lapses and another process can take over.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wamux/cmd/internal/store"
)

var (
	// ErrAlreadyClaimed is returned when another owner holds an unexpired lock.
	// Surface it immediately; do not spin on it.
	ErrAlreadyClaimed = errors.New("lock: already claimed")

	// ErrLeaseLost is returned when this owner no longer holds the lock.
	ErrLeaseLost = errors.New("lock: lease lost")

	// ErrInvalidSession is returned for empty session ids.
	ErrInvalidSession = errors.New("lock: empty session id")
)

// Backend is an atomic lease primitive keyed by lock key.
//
// Requirements:
//   - Acquire succeeds only when the key is absent, expired, or already held by owner.
//   - Extend succeeds only while owner still holds the key.
//   - Release is a compare-and-delete on owner; releasing a lock held by someone else is a no-op.
//   - Holder reports the owner of an unexpired lock; a free or expired key is ("", false).
//   - Backend I/O failures wrap store.ErrTransientIO.
type Backend interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
	Holder(ctx context.Context, key string) (string, bool, error)
}

// Key returns the lock key for a session id: "session:{id}:lock".
func Key(sessionID string) string {
	return "session:" + sessionID + ":lock"
}

func transient(op, key string, err error) error {
	return fmt.Errorf("lock %s %s: %w: %w", op, key, store.ErrTransientIO, err)
}
