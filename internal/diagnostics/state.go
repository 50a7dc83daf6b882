package diagnostics

import "sync/atomic"

// State holds the small bits of process state the self-test endpoints report back: the most recent
// notify_test_cookie value delivered over the bus. It is safe for concurrent use by the router (writer) and the
// HTTP handlers (reader).
type State struct {
	cookie atomic.Int64
}

// NewState builds an empty State.
func NewState() *State {
	return &State{}
}

// SetTestCookie implements router.CookieRecorder.
func (s *State) SetTestCookie(v int64) {
	s.cookie.Store(v)
}

// TestCookie returns the most recently recorded value, or 0 if none has arrived yet.
func (s *State) TestCookie() int64 {
	return s.cookie.Load()
}
