package www

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tripvox/auth"
	"tripvox/cache"
	"tripvox/relay"
	"tripvox/xunfei"
)

const Version = "1.0.0"

// Signer issues signed upstream URLs for both schemes.
type Signer interface {
	SignStandard(lang string) (xunfei.SignedEndpoint, error)
	SignLargeModel(lang string, sampleRate int, id string) (xunfei.SignedEndpoint, error)
}

type Options struct {
	Signer   Signer
	Gateway  *relay.Gateway
	Auth     auth.Authenticator
	Registry cache.Registry
	// RequireRelayAuth makes the relay endpoint demand a token query
	// parameter.
	RequireRelayAuth bool
	Metrics          *prometheus.Registry
	Logger           *log.Logger
}

type Server struct {
	Router *chi.Mux

	signer           Signer
	gateway          *relay.Gateway
	auth             auth.Authenticator
	registry         cache.Registry
	requireRelayAuth bool
	log              *log.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

func NewServer(o Options) (*Server, error) {
	if o.Signer == nil || o.Gateway == nil || o.Auth == nil {
		return nil, errors.New("www: signer, gateway and authenticator are required")
	}
	if o.Registry == nil {
		o.Registry = cache.Noop{}
	}
	if o.Metrics == nil {
		o.Metrics = prometheus.NewRegistry()
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	if err := registerMetrics(o.Metrics); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	s := &Server{
		Router:           chi.NewRouter(),
		signer:           o.Signer,
		gateway:          o.Gateway,
		auth:             o.Auth,
		registry:         o.Registry,
		requireRelayAuth: o.RequireRelayAuth,
		log:              o.Logger,
	}

	r := s.Router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(o.Metrics, promhttp.HandlerOpts{}))

	r.Route("/api/v1/voice", func(r chi.Router) {
		r.Get("/realtime", s.handleRealtime)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(s.auth))
			r.Get("/xunfei/ws-url", s.handleStandardURL)
			r.Get("/xunfei-llm/ws-url", s.handleLargeModelURL)
			r.Get("/xunfei-llm/sessions/{id}", s.handleIssuedSession)
		})
	})

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

// ListenAndServe serves h on port until ctx is cancelled. Request contexts
// derive from ctx so open relay sessions wind down on shutdown.
func ListenAndServe(ctx context.Context, port int, h http.Handler, logger *log.Logger) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("http", "url", fmt.Sprintf("http://localhost:%d", port))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
