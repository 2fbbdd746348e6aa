package relay

import (
	"context"
	"time"

	"tripvox/etc"
)

// Session is the state of one client connection: its queues, accumulated
// transcript and lifecycle. It is owned by the Gateway that created it.
type Session struct {
	ID        string
	User      string
	StartedAt time.Time

	ingress    *Queue[[]byte]
	egress     *Queue[Event]
	transcript transcript
	state      stateCell
}

func newSession(user string, cfg Config) *Session {
	return &Session{
		ID:        etc.NewFreshID(),
		User:      user,
		StartedAt: time.Now(),
		ingress:   NewQueue[[]byte](cfg.IngressCapacity, DropOldest),
		egress:    NewQueue[Event](cfg.EgressCapacity, Block),
	}
}

func (s *Session) State() State {
	return s.state.load()
}

// Transcript returns the final text accumulated so far.
func (s *Session) Transcript() string {
	return s.transcript.String()
}

// Dropped is the number of audio chunks evicted from the ingress queue.
func (s *Session) Dropped() int64 {
	return s.ingress.Dropped()
}

// Summary is what a Recorder learns about a session.
type Summary struct {
	ID         string
	User       string
	StartedAt  time.Time
	EndedAt    time.Time
	State      State
	Transcript string
	Dropped    int64
}

func (s *Session) summary() Summary {
	return Summary{
		ID:         s.ID,
		User:       s.User,
		StartedAt:  s.StartedAt,
		State:      s.State(),
		Transcript: s.Transcript(),
		Dropped:    s.Dropped(),
	}
}

// Recorder persists session lifecycle. Failures are logged and never end a
// session.
type Recorder interface {
	SessionStarted(ctx context.Context, s Summary) error
	SessionEnded(ctx context.Context, s Summary) error
}

type nopRecorder struct{}

func (nopRecorder) SessionStarted(context.Context, Summary) error { return nil }
func (nopRecorder) SessionEnded(context.Context, Summary) error   { return nil }
