// Package ids provides id primitives: ULIDs for envelopes and requests, and the
// instance identity used as lock owner.
package ids

import (
	"crypto/rand"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable and work well in distributed systems.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID is NewULID for callers that cannot handle entropy failure.
func MustULID() string {
	id, err := NewULID(time.Now().UTC())
	if err != nil {
		panic(err)
	}
	return id
}

// InstanceID returns a process identity unique across restarts: "{hostname}-{uuid}".
// The uuid suffix keeps two processes on the same host (or a restarted process)
// from sharing lock ownership.
func InstanceID() string {
	host, err := os.Hostname()
	host = strings.TrimSpace(host)
	if err != nil || host == "" {
		host = "wamux"
	}
	return host + "-" + uuid.NewString()
}
