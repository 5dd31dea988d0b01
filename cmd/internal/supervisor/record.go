package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"wamux/cmd/internal/store"
)

// recordNamespace keeps session records apart from per-identity auth records.
// ValidateSessionID refuses ids with a leading "_", so no identity can name it.
const recordNamespace = "_sessions"

// Record is the persisted metadata of a session.
//
// A record is written only once this process holds the session lock. A Connect that
// loses the claim or fails before claiming leaves any earlier record untouched, so
// Status reports the last state seen by an owning instance.
type Record struct {
	SessionID  string    `json:"session_id"`
	Status     State     `json:"status"`
	Owner      string    `json:"owner"`
	LockExpiry time.Time `json:"lock_expiry,omitzero"`
	LastQR     string    `json:"last_qr,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Records persists session records over a store.Backend.
type Records struct {
	backend store.Backend
}

// NewRecords constructs a Records store.
func NewRecords(backend store.Backend) (*Records, error) {
	if backend == nil {
		return nil, errors.New("supervisor: nil records backend")
	}
	return &Records{backend: backend}, nil
}

// Save upserts rec.
func (r *Records) Save(ctx context.Context, rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.backend.Put(ctx, store.NewKey(recordNamespace, rec.SessionID), b)
}

// Load returns the record of sessionID or store.ErrNotFound.
func (r *Records) Load(ctx context.Context, sessionID string) (Record, error) {
	b, err := r.backend.Get(ctx, store.NewKey(recordNamespace, sessionID))
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("decode session record %s: %w", sessionID, err)
	}
	return rec, nil
}

// List returns every record. The backend must implement store.Lister.
// Unreadable records are skipped.
func (r *Records) List(ctx context.Context) ([]Record, error) {
	lister, ok := r.backend.(store.Lister)
	if !ok {
		return nil, errors.New("supervisor: records backend cannot list")
	}
	names, err := lister.List(ctx, recordNamespace)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	out := make([]Record, 0, len(names))
	for _, name := range names {
		rec, err := r.Load(ctx, name)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
