package websocket

import "sync"

type State int

const (
	Unbound State = iota
	Bound
	Closed
)

func (s State) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case Bound:
		return "bound"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Binding is the identity a session holds while Bound.
type Binding struct {
	Nickname string
	RoomID   string
	IsAdmin  bool
}

// Session is the per-connection record. It is owned by the connection
// handler and passed into every operation instead of living on the socket.
type Session struct {
	id string

	mu      sync.Mutex
	state   State
	binding Binding
}

func NewSession(id string) *Session {
	return &Session{id: id, state: Unbound}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current returns the binding and whether the session is Bound.
func (s *Session) Current() (Binding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binding, s.state == Bound
}

// Bind moves the session to Bound with b and returns the binding it replaced,
// if any. A closed session stays closed and reports ok=false.
func (s *Session) Bind(b Binding) (prev Binding, hadPrev, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Closed {
		return Binding{}, false, false
	}
	prev, hadPrev = s.binding, s.state == Bound
	s.binding = b
	s.state = Bound
	return prev, hadPrev, true
}

// Close moves the session to Closed and returns the last binding so the
// caller can release its membership. Closing twice reports wasBound=false.
func (s *Session) Close() (last Binding, wasBound bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, wasBound = s.binding, s.state == Bound
	s.state = Closed
	s.binding = Binding{}
	return last, wasBound
}
