package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"tripvox/xunfei"
)

const (
	clientWriteWait = 10 * time.Second
	recordTimeout   = 5 * time.Second
)

type Config struct {
	Lang              string
	IngressCapacity   int
	EgressCapacity    int
	HandshakeTimeout  time.Duration
	PollInterval      time.Duration
	ShutdownTimeout   time.Duration
	MaxUpstreamErrors int
}

func DefaultConfig() Config {
	return Config{
		Lang:              xunfei.DefaultLang,
		IngressCapacity:   100,
		EgressCapacity:    100,
		HandshakeTimeout:  5 * time.Second,
		PollInterval:      100 * time.Millisecond,
		ShutdownTimeout:   2 * time.Second,
		MaxUpstreamErrors: 5,
	}
}

// Gateway serves client relay connections. Each call to Serve runs one
// independent session with its own queues and upstream connection.
type Gateway struct {
	cfg      Config
	signer   StandardSigner
	dial     Dialer
	recorder Recorder
	log      *log.Logger
}

type GatewayOption func(*Gateway)

func WithRecorder(r Recorder) GatewayOption {
	return func(g *Gateway) { g.recorder = r }
}

func WithDialer(d Dialer) GatewayOption {
	return func(g *Gateway) { g.dial = d }
}

func NewGateway(cfg Config, signer StandardSigner, logger *log.Logger, opts ...GatewayOption) *Gateway {
	def := DefaultConfig()
	if cfg.Lang == "" {
		cfg.Lang = def.Lang
	}
	if cfg.IngressCapacity <= 0 {
		cfg.IngressCapacity = def.IngressCapacity
	}
	if cfg.EgressCapacity <= 0 {
		cfg.EgressCapacity = def.EgressCapacity
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	g := &Gateway{
		cfg:      cfg,
		signer:   signer,
		dial:     DialXunfei,
		recorder: nopRecorder{},
		log:      logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Serve relays conn until the client disconnects or sends "stop", or the
// upstream side ends. conn is always closed when Serve returns. The
// returned error is the bridge's terminal error, if any.
func (g *Gateway) Serve(ctx context.Context, conn *websocket.Conn, user string) error {
	sess := newSession(user, g.cfg)
	logger := g.log.With("session", sess.ID)

	var closeOnce sync.Once
	closeClient := func() {
		closeOnce.Do(func() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			conn.Close()
		})
	}
	defer closeClient()

	sessionsActive.Inc()
	defer sessionsActive.Dec()

	g.recordStart(sess, logger)
	logger.Info("session started", "user", user)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The pump outlives ctx so it can flush the final events.
	pumpCtx, abortPump := context.WithCancel(context.Background())
	defer abortPump()

	bridgeDone := make(chan struct{})
	pumpDone := make(chan struct{})

	var grp errgroup.Group
	grp.Go(func() error {
		defer close(bridgeDone)
		defer cancel()
		return newBridge(sess, g.signer, g.dial, g.cfg, logger).Run(ctx)
	})
	grp.Go(guarded(sess, logger, "pump", func() error {
		defer close(pumpDone)
		return g.pump(pumpCtx, conn, sess, bridgeDone, cancel, logger)
	}))
	grp.Go(guarded(sess, logger, "reader", func() error {
		defer cancel()
		return g.readLoop(ctx, conn, sess, logger)
	}))

	<-ctx.Done()

	select {
	case <-pumpDone:
	case <-time.After(g.cfg.ShutdownTimeout):
		logger.Warn("egress pump did not drain in time")
		abortPump()
	}
	closeClient()

	err := grp.Wait()
	g.recordEnd(sess, logger)
	return err
}

func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, sess *Session, logger *log.Logger) error {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logger.Info("client disconnected", "err", err)
			}
			return nil
		}

		switch mt {
		case websocket.BinaryMessage:
			if evicted, _ := sess.ingress.Push(ctx, data); evicted {
				ingressDropped.Inc()
				logger.Debug("ingress full, oldest chunk dropped", "dropped", sess.Dropped())
			}
		case websocket.TextMessage:
			if strings.EqualFold(strings.TrimSpace(string(data)), "stop") {
				logger.Info("stop requested")
				return nil
			}
		}
	}
}

// pump forwards egress events to the client until the bridge has finished
// and the queue is empty, or ctx is aborted.
func (g *Gateway) pump(ctx context.Context, conn *websocket.Conn, sess *Session, bridgeDone <-chan struct{}, cancel context.CancelFunc, logger *log.Logger) error {
	for {
		ev, ok := sess.egress.Poll(ctx, g.cfg.PollInterval)
		if ok {
			err := conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err == nil {
				err = conn.WriteMessage(websocket.TextMessage, []byte(ev.String()))
			}
			if err != nil {
				cancel()
				return fmt.Errorf("relay: write to client: %w", err)
			}
			continue
		}

		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-bridgeDone:
			if sess.egress.Len() == 0 {
				return nil
			}
		default:
		}
	}
}

func (g *Gateway) recordStart(sess *Session, logger *log.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if err := g.recorder.SessionStarted(ctx, sess.summary()); err != nil {
		logger.Warn("failed to record session start", "err", err)
	}
}

func (g *Gateway) recordEnd(sess *Session, logger *log.Logger) {
	sum := sess.summary()
	sum.EndedAt = time.Now()
	sessionsTotal.WithLabelValues(sum.State.String()).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if err := g.recorder.SessionEnded(ctx, sum); err != nil {
		logger.Warn("failed to record session end", "err", err)
	}
	logger.Info("session ended",
		"state", sum.State,
		"duration", sum.EndedAt.Sub(sum.StartedAt).Round(time.Millisecond),
		"dropped", sum.Dropped,
	)
}

// guarded turns a panic in fn into an error tag for the client.
func guarded(sess *Session, logger *log.Logger, name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("relay loop panicked", "loop", name, "panic", r)
				err = fmt.Errorf("relay: %s panic: %v", name, r)

				ctx, cancel := context.WithTimeout(context.Background(), emitWait)
				defer cancel()
				sess.egress.Push(ctx, Event{Tag: TagError, Text: "internal error"})
			}
		}()
		return fn()
	}
}
