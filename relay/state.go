package relay

import "sync/atomic"

// State is the lifecycle of one relay session. Values only move forward,
// except that Error may be entered from any non-terminal state.
type State int32

const (
	StateConnecting State = iota
	StateAwaitingHandshake
	StateReady
	StateStreaming
	StateClosing
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateReady:
		return "ready"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateClosed || s == StateError
}

type stateCell struct {
	v atomic.Int32
}

func (c *stateCell) load() State {
	return State(c.v.Load())
}

// advance moves to next if that is a legal transition and reports whether it
// happened.
func (c *stateCell) advance(next State) bool {
	for {
		cur := State(c.v.Load())
		if cur.Terminal() {
			return false
		}
		if next != StateError && next <= cur {
			return false
		}
		if c.v.CompareAndSwap(int32(cur), int32(next)) {
			return true
		}
	}
}
