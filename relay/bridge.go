package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"tripvox/xunfei"
)

var (
	ErrHandshakeTimeout      = errors.New("relay: upstream handshake timed out")
	ErrHandshakeRejected     = errors.New("relay: upstream rejected the session")
	ErrTransport             = errors.New("relay: upstream transport failed")
	ErrTooManyUpstreamErrors = errors.New("relay: too many consecutive upstream errors")
)

// Upstream is one connection to the ASR service. ReadFrame is called from a
// single goroutine; Close may be called more than once.
type Upstream interface {
	SendAudio(data []byte) error
	EndStream() error
	ReadFrame() (xunfei.Frame, error)
	Close() error
}

type Dialer func(ctx context.Context, url string) (Upstream, error)

// DialXunfei opens a real RTASR connection.
func DialXunfei(ctx context.Context, url string) (Upstream, error) {
	c, err := xunfei.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type StandardSigner interface {
	SignStandard(lang string) (xunfei.SignedEndpoint, error)
}

// emitWait bounds how long an event may wait for room in a full egress
// queue.
const emitWait = time.Second

type frameResult struct {
	frame xunfei.Frame
	err   error
}

// Bridge owns the upstream side of a session. It drains the ingress queue
// into the ASR connection and turns recognition frames into events.
type Bridge struct {
	sess   *Session
	signer StandardSigner
	dial   Dialer
	log    *log.Logger

	lang             string
	handshakeTimeout time.Duration
	maxErrors        int

	consecutiveErrors int
}

func newBridge(sess *Session, signer StandardSigner, dial Dialer, cfg Config, logger *log.Logger) *Bridge {
	return &Bridge{
		sess:             sess,
		signer:           signer,
		dial:             dial,
		log:              logger,
		lang:             cfg.Lang,
		handshakeTimeout: cfg.HandshakeTimeout,
		maxErrors:        cfg.MaxUpstreamErrors,
	}
}

// Run drives the bridge until ctx is cancelled, the upstream closes, or a
// terminal error occurs. Terminal errors have already been reported to the
// client as a tag when Run returns them.
func (b *Bridge) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = b.fail(TagError, fmt.Errorf("relay: bridge panic: %v", r))
		}
	}()

	ep, err := b.signer.SignStandard(b.lang)
	if err != nil {
		return b.fail(TagError, err)
	}

	up, err := b.dial(ctx, ep.URL)
	if err != nil {
		return b.fail(TagError, fmt.Errorf("%w: %v", ErrTransport, err))
	}
	defer up.Close()

	b.sess.state.advance(StateAwaitingHandshake)
	b.emit(Event{Tag: TagOpen})
	b.log.Info("upstream connected")

	frames := make(chan frameResult)
	done := make(chan struct{})
	defer close(done)
	go b.readLoop(up, frames, done)

	if stop, err := b.awaitHandshake(ctx, up, frames); stop {
		return err
	}

	b.sess.state.advance(StateReady)
	b.emit(Event{Tag: TagReady})
	b.log.Info("upstream ready")

	for {
		select {
		case <-ctx.Done():
			return b.shutdown(up)

		case fr := <-frames:
			if stop, err := b.handle(fr); stop {
				return err
			}

		case chunk := <-b.sess.ingress.C():
			if err := up.SendAudio(chunk); err != nil {
				return b.fail(TagSendError, fmt.Errorf("%w: %v", ErrTransport, err))
			}
			b.sess.state.advance(StateStreaming)
			b.log.Debug("audio sent", "bytes", len(chunk))
		}
	}
}

func (b *Bridge) readLoop(up Upstream, frames chan<- frameResult, done <-chan struct{}) {
	for {
		f, err := up.ReadFrame()
		select {
		case frames <- frameResult{frame: f, err: err}:
		case <-done:
			return
		}
		if err != nil && !errors.Is(err, xunfei.ErrParse) {
			return
		}
	}
}

func (b *Bridge) awaitHandshake(ctx context.Context, up Upstream, frames <-chan frameResult) (bool, error) {
	timer := time.NewTimer(b.handshakeTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, b.shutdown(up)

		case <-timer.C:
			return true, b.fail(TagError, ErrHandshakeTimeout)

		case fr := <-frames:
			switch {
			case fr.err != nil && errors.Is(fr.err, xunfei.ErrParse):
				b.parseError(fr.err)
			case fr.err != nil:
				return true, b.fail(TagError, fmt.Errorf("%w: %v", ErrTransport, fr.err))
			case fr.frame.Handshake():
				return false, nil
			case fr.frame.Failed():
				return true, b.fail(TagError, fmt.Errorf("%w: %s", ErrHandshakeRejected, fr.frame.Reason()))
			}
		}
	}
}

// handle processes one upstream frame and reports whether the bridge must
// stop.
func (b *Bridge) handle(fr frameResult) (bool, error) {
	if fr.err != nil {
		switch {
		case errors.Is(fr.err, xunfei.ErrParse):
			b.parseError(fr.err)
			return false, nil
		case errors.Is(fr.err, xunfei.ErrClosed):
			b.sess.state.advance(StateClosing)
			b.emit(Event{Tag: TagClosed})
			b.sess.state.advance(StateClosed)
			b.log.Info("upstream closed")
			return true, nil
		default:
			return true, b.fail(TagError, fmt.Errorf("%w: %v", ErrTransport, fr.err))
		}
	}

	f := fr.frame
	if f.Failed() {
		upstreamErrors.Inc()
		b.consecutiveErrors++
		if b.maxErrors > 0 && b.consecutiveErrors >= b.maxErrors {
			return true, b.fail(TagError, fmt.Errorf("%w: %s", ErrTooManyUpstreamErrors, f.Reason()))
		}
		b.log.Warn("upstream error", "code", f.Code, "reason", f.Reason(), "count", b.consecutiveErrors)
		b.emit(Event{Tag: TagError, Text: f.Reason()})
		return false, nil
	}

	if f.Action != xunfei.ActionResult {
		return false, nil
	}
	b.consecutiveErrors = 0

	seg, err := f.Segment()
	if err != nil {
		b.parseError(err)
		return false, nil
	}
	text := seg.Text()
	if text == "" {
		return false, nil
	}

	if seg.Final() {
		b.emit(Event{Text: b.sess.transcript.Final(text)})
		return false, nil
	}
	if preview, ok := b.sess.transcript.Partial(text); ok {
		b.emit(Event{Text: preview})
	}
	return false, nil
}

func (b *Bridge) parseError(err error) {
	b.log.Warn("unparseable upstream frame", "err", err)
	b.emit(Event{Tag: TagParseError, Text: err.Error()})
}

// shutdown ends the upstream stream and closes the connection. Frames still
// in flight are discarded.
func (b *Bridge) shutdown(up Upstream) error {
	b.sess.state.advance(StateClosing)
	if err := up.EndStream(); err != nil {
		b.log.Debug("end of stream not sent", "err", err)
	}
	up.Close()
	b.sess.state.advance(StateClosed)
	return nil
}

// fail moves the session to StateError and reports err to the client as a
// single tag.
func (b *Bridge) fail(tag Tag, err error) error {
	b.sess.state.advance(StateError)
	b.log.Error("bridge failed", "err", err)
	b.emit(Event{Tag: tag, Text: err.Error()})
	return err
}

func (b *Bridge) emit(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), emitWait)
	defer cancel()

	if _, err := b.sess.egress.Push(ctx, ev); err != nil {
		b.log.Warn("egress full, event discarded", "event", ev.String())
	}
}
