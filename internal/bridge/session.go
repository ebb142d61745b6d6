// Package bridge connects one telephony media stream to one engine chat
// session and pumps audio between them until either side hangs up.
//
// A session moves through four states: Connecting while the engine leg is
// being established, Streaming once the engine reports ready, Draining while
// queued engine audio is played out after a stop, and Closed. Transitions are
// one-way; a closed session never comes back.
package bridge

import (
	"sync"
	"time"
)

// State is the lifecycle phase of a bridged call.
type State int

const (
	StateConnecting State = iota
	StateStreaming
	StateDraining
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// End reasons recorded when a session leaves the Streaming state. The first
// reason set wins; later transitions never overwrite it.
const (
	EndReasonCallerStop    = "caller_stop"
	EndReasonEngineClosed  = "engine_closed"
	EndReasonEngineError   = "engine_error"
	EndReasonSocketError   = "socket_error"
	EndReasonProtocolError = "protocol_error"
	EndReasonDrainTimeout  = "drain_timeout"
	EndReasonShutdown      = "shutdown"
)

// Session is the shared state of one bridged call. It is created by the
// Bridge when a stream's start frame arrives and torn down when either leg
// closes.
type Session struct {
	CallID    string
	StreamSID string
	StartedAt time.Time

	queue *playoutQueue

	// drainGrace is captured at creation so a config reload cannot change
	// how long this session may drain.
	drainGrace time.Duration

	mu             sync.Mutex
	state          State
	interrupted    bool
	endReason      string
	inboundFrames  uint64
	outboundFrames uint64
	droppedBytes   uint64

	draining  chan struct{}
	closed    chan struct{}
	drainOnce sync.Once
	closeOnce sync.Once
}

func newSession(callID, streamSID string, maxQueueBytes int, drainGrace time.Duration) *Session {
	return &Session{
		CallID:     callID,
		StreamSID:  streamSID,
		StartedAt:  time.Now(),
		queue:      newPlayoutQueue(maxQueueBytes),
		drainGrace: drainGrace,
		draining:   make(chan struct{}),
		closed:     make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// markStreaming moves Connecting to Streaming. It reports whether the
// transition happened; any other starting state leaves the session untouched.
func (s *Session) markStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return false
	}
	s.state = StateStreaming
	return true
}

// beginDrain moves the session to Draining and records the reason. Queued
// playout audio keeps flowing until the queue empties or the drain grace
// expires. Returns false when the session is already draining or closed.
func (s *Session) beginDrain(reason string) bool {
	s.mu.Lock()
	if s.state == StateDraining || s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.state = StateDraining
	if s.endReason == "" {
		s.endReason = reason
	}
	s.mu.Unlock()

	s.drainOnce.Do(func() { close(s.draining) })
	s.queue.wakeUp()
	return true
}

// closeNow moves the session straight to Closed. Idempotent; the first
// recorded end reason is kept.
func (s *Session) closeNow(reason string) bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.state = StateClosed
	if s.endReason == "" {
		s.endReason = reason
	}
	s.mu.Unlock()

	s.drainOnce.Do(func() { close(s.draining) })
	s.closeOnce.Do(func() { close(s.closed) })
	return true
}

// Draining is closed when the session enters Draining (or jumps straight to
// Closed).
func (s *Session) Draining() <-chan struct{} { return s.draining }

// Done is closed when the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// EndReason returns the recorded cause of session teardown, or the empty
// string while the session is still live.
func (s *Session) EndReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// Interrupted reports whether the caller has barged in over engine speech
// and no engine audio has arrived since.
func (s *Session) Interrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}

func (s *Session) setInterrupted(v bool) {
	s.mu.Lock()
	s.interrupted = v
	s.mu.Unlock()
}

func (s *Session) addInbound() {
	s.mu.Lock()
	s.inboundFrames++
	s.mu.Unlock()
}

func (s *Session) addOutbound() {
	s.mu.Lock()
	s.outboundFrames++
	s.mu.Unlock()
}

func (s *Session) addDropped(n int) {
	s.mu.Lock()
	s.droppedBytes += uint64(n)
	s.mu.Unlock()
}

// FrameCounts returns the number of audio frames forwarded in each direction.
func (s *Session) FrameCounts() (inbound, outbound uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inboundFrames, s.outboundFrames
}

// DroppedBytes returns how many bytes of engine audio the playout queue
// evicted under backpressure.
func (s *Session) DroppedBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.droppedBytes
}
