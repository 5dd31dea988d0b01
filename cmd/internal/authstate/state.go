// Package authstate persists a session's credentials and categorized signal keys over a store.Backend.
//
// Record layout per identity:
//
//	{identity}:creds              credentials snapshot
//	{identity}:{category}-{id}    one signal key
//
// Reads never fail as a whole: each key reports Found, NotFound or Failed. Writes propagate
// errors and are serialized per State so a late write cannot clobber a newer one.
package authstate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"wamux/cmd/internal/codec"
	"wamux/cmd/internal/store"

	"golang.org/x/sync/errgroup"
)

const (
	// CredsName is the record name of the credentials snapshot.
	CredsName = "creds"

	defaultConcurrency = 16
)

var (
	// ErrInvalidIdentity is returned when Open is called with an empty identity or one
	// starting with "_", which is reserved for non-auth namespaces.
	ErrInvalidIdentity = errors.New("authstate: invalid identity")

	// ErrInvalidKeyRef is returned for empty categories or ids.
	ErrInvalidKeyRef = errors.New("authstate: invalid key reference")
)

// RecordName returns the record name of a signal key.
func RecordName(category, id string) string {
	return category + "-" + id
}

// Option configures a State.
type Option func(*State)

// WithLogger sets the logger used for degraded reads.
func WithLogger(log *slog.Logger) Option {
	return func(s *State) {
		if log != nil {
			s.log = log
		}
	}
}

// WithCredentialsFactory overrides how fresh credentials are produced (default NewCredentials).
func WithCredentialsFactory(f func() (Credentials, error)) Option {
	return func(s *State) {
		if f != nil {
			s.newCreds = f
		}
	}
}

// WithConcurrency bounds parallel backend calls per GetKeys/SetKeys batch.
func WithConcurrency(n int) Option {
	return func(s *State) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// State is the auth state of one identity.
type State struct {
	backend     store.Backend
	identity    string
	log         *slog.Logger
	newCreds    func() (Credentials, error)
	concurrency int

	// wmu serializes all writes for this identity.
	wmu sync.Mutex

	mu      sync.RWMutex
	creds   Credentials
	created bool
}

// Open loads the persisted credentials for identity, or creates and persists fresh ones.
//
// A backend read failure aborts Open rather than silently replacing durable credentials
// with defaults. Corrupt payloads surface codec.ErrSerialization.
func Open(ctx context.Context, backend store.Backend, identity string, opts ...Option) (*State, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" || strings.HasPrefix(identity, "_") {
		return nil, ErrInvalidIdentity
	}
	if backend == nil {
		return nil, errors.New("authstate: nil backend")
	}

	s := &State{
		backend:     backend,
		identity:    identity,
		log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		newCreds:    NewCredentials,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	res := s.read(ctx, CredsName)
	switch res.Status {
	case KeyFound:
		obj, ok := res.Value.(map[string]any)
		if !ok {
			return nil, &codec.SerializationError{Path: s.key(CredsName).String(), Reason: fmt.Sprintf("credentials must be an object, got %T", res.Value)}
		}
		s.creds = Credentials(obj)
		return s, nil

	case KeyFailed:
		return nil, fmt.Errorf("load credentials: %w", res.Err)
	}

	creds, err := s.newCreds()
	if err != nil {
		return nil, fmt.Errorf("init credentials: %w", err)
	}
	if err := s.SaveCredentials(ctx, creds); err != nil {
		return nil, err
	}
	s.created = true
	s.log.Info("authstate.creds.init", "identity", identity)
	return s, nil
}

// Identity returns the owning identity namespace.
func (s *State) Identity() string { return s.identity }

// Created reports whether Open initialized fresh credentials.
func (s *State) Created() bool { return s.created }

// Credentials returns a copy of the current credentials snapshot.
func (s *State) Credentials() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.Clone()
}

// SaveCredentials persists creds as the current snapshot, replacing the prior one.
// The in-memory snapshot only changes once the write succeeds.
func (s *State) SaveCredentials(ctx context.Context, creds Credentials) error {
	if creds == nil {
		return errors.New("authstate: nil credentials")
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.saveCredentials(ctx, creds)
}

// MergeCredentials applies a partial credentials update and persists the merged snapshot.
// The read, merge and write happen under the write lock, so concurrent merges all land.
func (s *State) MergeCredentials(ctx context.Context, patch map[string]any) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.RLock()
	merged := s.creds.Merge(patch)
	s.mu.RUnlock()
	return s.saveCredentials(ctx, merged)
}

// saveCredentials requires wmu.
func (s *State) saveCredentials(ctx context.Context, creds Credentials) error {
	if err := s.write(ctx, CredsName, map[string]any(creds)); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}

	s.mu.Lock()
	s.creds = creds.Clone()
	s.mu.Unlock()
	return nil
}

// GetKeys reads the keys of one category concurrently. A failure for one id never fails the others.
func (s *State) GetKeys(ctx context.Context, category string, ids []string) map[string]KeyResult {
	out := make(map[string]KeyResult, len(ids))
	if strings.TrimSpace(category) == "" {
		for _, id := range ids {
			out[id] = KeyResult{Status: KeyFailed, Err: ErrInvalidKeyRef}
		}
		return out
	}

	var (
		mu   sync.Mutex
		g    errgroup.Group
		seen = make(map[string]struct{}, len(ids))
	)
	g.SetLimit(s.concurrency)

	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		g.Go(func() error {
			var res KeyResult
			if strings.TrimSpace(id) == "" {
				res = KeyResult{Status: KeyFailed, Err: ErrInvalidKeyRef}
			} else {
				res = s.read(ctx, RecordName(category, id))
			}
			mu.Lock()
			out[id] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return out
}

// SetKeys applies a batch of key updates: non-nil values are upserted, nil values deleted.
// Distinct keys are written concurrently; every key update is a single atomic backend call.
// All updates are attempted; the joined errors of failed ones are returned.
func (s *State) SetKeys(ctx context.Context, updates map[string]map[string]any) error {
	for category, byID := range updates {
		if strings.TrimSpace(category) == "" {
			return ErrInvalidKeyRef
		}
		for id := range byID {
			if strings.TrimSpace(id) == "" {
				return ErrInvalidKeyRef
			}
		}
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(s.concurrency)

	for category, byID := range updates {
		for id, value := range byID {
			name := RecordName(category, id)
			g.Go(func() error {
				var err error
				if value == nil {
					err = s.remove(ctx, name)
				} else {
					err = s.write(ctx, name, value)
				}
				if err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("set %s: %w", name, err))
					mu.Unlock()
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

func (s *State) key(name string) store.Key {
	return store.NewKey(s.identity, name)
}

func (s *State) read(ctx context.Context, name string) KeyResult {
	raw, err := s.backend.Get(ctx, s.key(name))
	if store.IsNotFound(err) {
		return KeyResult{Status: KeyNotFound}
	}
	if err != nil {
		s.log.Warn("authstate.read.fail", "identity", s.identity, "record", name, "err", err)
		return KeyResult{Status: KeyFailed, Err: err}
	}

	v, err := codec.Unmarshal(raw)
	if err != nil {
		s.log.Error("authstate.read.corrupt", "identity", s.identity, "record", name, "err", err)
		return KeyResult{Status: KeyFailed, Err: err}
	}
	return KeyResult{Status: KeyFound, Value: v}
}

func (s *State) write(ctx context.Context, name string, value any) error {
	b, err := codec.Marshal(value)
	if err != nil {
		return err
	}
	return s.backend.Put(ctx, s.key(name), b)
}

func (s *State) remove(ctx context.Context, name string) error {
	return s.backend.Delete(ctx, s.key(name))
}
