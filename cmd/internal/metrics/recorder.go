// Package metrics defines the observability hooks of the session core and a Prometheus
// implementation. Components take a Recorder and default to NoopRecorder.
package metrics

import "time"

// Result labels shared by counters.
const (
	ResultOK      = "ok"
	ResultDenied  = "denied"
	ResultLost    = "lost"
	ResultFailed  = "failed"
	ResultLimited = "limited"
)

// Recorder defines observability hooks for session lifecycle, locks and stores.
type Recorder interface {
	IncTransition(from, to string)
	IncReconnect()
	ObserveConnectDuration(d time.Duration, result string)
	SetLiveSessions(n int)
	IncLockResult(op, result string)
	IncStoreWriteFailure(kind string)
	IncSendResult(result string)
}

// NoopRecorder is a Recorder that does nothing (default when metrics are not configured).
type NoopRecorder struct{}

func (NoopRecorder) IncTransition(string, string)                 {}
func (NoopRecorder) IncReconnect()                                {}
func (NoopRecorder) ObserveConnectDuration(time.Duration, string) {}
func (NoopRecorder) SetLiveSessions(int)                          {}
func (NoopRecorder) IncLockResult(string, string)                 {}
func (NoopRecorder) IncStoreWriteFailure(string)                  {}
func (NoopRecorder) IncSendResult(string)                         {}
