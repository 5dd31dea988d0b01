package supervisor

import (
	"errors"
	"strings"
	"unicode"
)

var (
	// ErrUnavailable is returned by Connect when a dependency (lock backend, auth store)
	// could not be reached or returned corrupt data. The cause is wrapped.
	ErrUnavailable = errors.New("session unavailable")

	// ErrLoggedOut marks a session that ended with an explicit logout.
	// It stays terminal until a new Connect (re-pairing).
	ErrLoggedOut = errors.New("session logged out")

	// ErrStopped is returned to a pending Connect when the session is stopped first.
	ErrStopped = errors.New("session stopped")

	// ErrUnknownSession is returned by Status for ids with no supervisor and no record.
	ErrUnknownSession = errors.New("unknown session")

	// ErrInvalidSession is returned for session ids that ValidateSessionID rejects.
	ErrInvalidSession = errors.New("invalid session id")

	// ErrShutdown is returned once the Service has been shut down.
	ErrShutdown = errors.New("service shut down")
)

// MaxSessionIDLen bounds session ids in bytes.
const MaxSessionIDLen = 128

// ValidateSessionID trims id and checks it can name a session. Ids starting with "_" are
// reserved for internal namespaces such as the session records. Ids containing ":" or
// control characters are refused.
func ValidateSessionID(id string) (string, error) {
	id = strings.TrimSpace(id)
	switch {
	case id == "", len(id) > MaxSessionIDLen:
		return "", ErrInvalidSession
	case strings.HasPrefix(id, "_"), strings.ContainsRune(id, ':'):
		return "", ErrInvalidSession
	case strings.IndexFunc(id, unicode.IsControl) >= 0:
		return "", ErrInvalidSession
	}
	return id, nil
}
