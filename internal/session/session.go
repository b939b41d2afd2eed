package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmorgan81/fluxstudio/internal/history"
)

type State int32

const (
	Idle State = iota
	HandleLoading
	Generating
)

func (s State) String() string {
	switch s {
	case HandleLoading:
		return "loading"
	case Generating:
		return "generating"
	default:
		return "idle"
	}
}

// Session is one user's interactive state: their history and the request
// they have in flight, if any.
type Session struct {
	ID      string
	History *history.Store

	state    atomic.Int32
	inflight sync.Mutex
	seen     atomic.Int64
}

func newSession(id string, now time.Time) *Session {
	s := &Session{ID: id, History: history.New()}
	s.touch(now)
	return s
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) SetState(st State) { s.state.Store(int32(st)) }

// Begin claims the session for one request. It returns false when another
// request is already running.
func (s *Session) Begin() bool { return s.inflight.TryLock() }

// End releases the claim taken by Begin and returns the session to Idle.
func (s *Session) End() {
	s.SetState(Idle)
	s.inflight.Unlock()
}

func (s *Session) touch(now time.Time) { s.seen.Store(now.UnixNano()) }

func (s *Session) lastSeen() time.Time { return time.Unix(0, s.seen.Load()) }
