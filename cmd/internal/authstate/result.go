package authstate

// KeyStatus is the outcome of reading one signal key.
type KeyStatus uint8

const (
	// KeyNotFound means the key was never set or was deleted.
	KeyNotFound KeyStatus = iota
	// KeyFound means Value holds the decoded key material.
	KeyFound
	// KeyFailed means the read failed (backend error or corrupt payload); see Err.
	KeyFailed
)

func (s KeyStatus) String() string {
	switch s {
	case KeyFound:
		return "found"
	case KeyFailed:
		return "failed"
	default:
		return "not_found"
	}
}

// KeyResult is the per-id read result of GetKeys.
type KeyResult struct {
	Value  any
	Status KeyStatus
	Err    error
}

// Found reports whether the key holds a value.
func (r KeyResult) Found() bool { return r.Status == KeyFound }

// Values collapses results to id -> value for found keys only.
// Failed reads degrade to absent here; callers that care inspect the KeyResult instead.
func Values(results map[string]KeyResult) map[string]any {
	out := make(map[string]any, len(results))
	for id, r := range results {
		if r.Found() {
			out[id] = r.Value
		}
	}
	return out
}
