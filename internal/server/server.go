// Package server assembles the proxy: the asset and event HTTP listener, the
// optional WebSocket listener and the shared session registry behind both.
package server

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"

	"github.com/remote-test-proxy/backend/api/handlers"
	"github.com/remote-test-proxy/backend/internal/asset"
	"github.com/remote-test-proxy/backend/internal/cache"
	"github.com/remote-test-proxy/backend/internal/config"
	"github.com/remote-test-proxy/backend/internal/instrument"
	"github.com/remote-test-proxy/backend/internal/logger"
	"github.com/remote-test-proxy/backend/internal/metrics"
	"github.com/remote-test-proxy/backend/internal/model"
	"github.com/remote-test-proxy/backend/internal/repository"
	"github.com/remote-test-proxy/backend/internal/sequencer"
	"github.com/remote-test-proxy/backend/internal/session"
	"github.com/remote-test-proxy/backend/internal/ws"
)

// Option configures a Server.
type Option func(*Server)

// WithInstrumenter overrides the command instrumenter built from config.
func WithInstrumenter(inst instrument.Instrumenter) Option {
	return func(s *Server) {
		s.instrumenter = inst
	}
}

// WithMetrics records into m instead of a private registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithJournal appends every delivered event to repo.
func WithJournal(repo *repository.EventRepository) Option {
	return func(s *Server) {
		s.journal = repo
	}
}

// WithEventLog writes every delivered event to l.
func WithEventLog(l *logger.EventLog) Option {
	return func(s *Server) {
		s.eventLog = l
	}
}

// WithReporter replaces the delivery failure reporter.
func WithReporter(r sequencer.Reporter) Option {
	return func(s *Server) {
		s.reporter = r
	}
}

// Server is a running proxy.
type Server struct {
	cfg          *config.Config
	instrumenter instrument.Instrumenter
	metrics      *metrics.Metrics
	journal      *repository.EventRepository
	eventLog     *logger.EventLog
	reporter     sequencer.Reporter

	registry  *session.Registry
	sequencer *sequencer.Sequencer
	assets    *asset.Server
	sockets   *SocketTracker
	wsHandler *ws.Handler

	httpServer    *http.Server
	wsServer      *http.Server
	metricsServer *http.Server

	mu      sync.Mutex
	httpL   net.Listener
	wsL     net.Listener
	serving bool
	stopped atomic.Bool
}

// New builds a Server from cfg. Nothing listens until Start or Serve.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{cfg: cfg, reporter: sequencer.LogReporter}
	for _, opt := range opts {
		opt(s)
	}

	if s.metrics == nil && cfg.Metrics.Addr != "" {
		s.metrics = metrics.New()
	}

	if cfg.Instrumentation.Enabled && s.instrumenter == nil {
		cmd, err := instrument.NewCommand(cfg.Instrumentation.Command)
		if err != nil {
			return nil, err
		}
		s.instrumenter = cmd
	}

	policy, err := sequencer.ParsePolicy(cfg.Delivery.Ordering)
	if err != nil {
		return nil, err
	}

	s.registry = session.NewRegistry()
	s.registry.SetOnCreate(s.attachRecorders)

	s.sequencer = sequencer.New(s.registry, policy, s.metrics)
	s.sequencer.SetReporter(s.reporter)

	s.assets, err = asset.NewServer(cfg.AssetOptions(), cache.New(), s.instrumenter, s.metrics)
	if err != nil {
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	proxyHandler := handlers.NewProxyHandler(s.assets, s.sequencer,
		handlers.NewWaitPolicy(cfg.Delivery.Wait, cfg.Delivery.WaitForEvents))
	proxyHandler.RegisterRoutes(r)

	s.sockets = NewSocketTracker(s.metrics)
	s.httpServer = &http.Server{Handler: r}

	s.wsHandler = ws.NewHandler(s.sequencer)
	s.wsServer = &http.Server{Handler: s.wsHandler}

	return s, nil
}

// attachRecorders subscribes the journal and event log to a new session.
func (s *Server) attachRecorders(sess *session.Session) {
	if s.journal != nil {
		sess.Subscribe(repository.NewJournal(s.journal, sess.ID()))
	}
	if s.eventLog != nil {
		sess.Subscribe(s.eventLog.For(sess.ID()))
	}
}

// Start opens the configured listeners and serves them.
func (s *Server) Start() error {
	httpL, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr(), err)
	}

	var wsL net.Listener
	if addr := s.cfg.SocketAddr(); addr != "" {
		wsL, err = net.Listen("tcp", addr)
		if err != nil {
			httpL.Close()
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
	}

	if s.cfg.Metrics.Addr != "" {
		metricsL, err := net.Listen("tcp", s.cfg.Metrics.Addr)
		if err != nil {
			httpL.Close()
			if wsL != nil {
				wsL.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.Metrics.Addr, err)
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		s.metricsServer = &http.Server{Handler: mux}
		go s.run("metrics", s.metricsServer, metricsL)
		log.Printf("Serving metrics on %s", metricsL.Addr())
	}

	return s.Serve(httpL, wsL)
}

// Serve serves on listeners created by the caller. wsL may be nil.
func (s *Server) Serve(httpL, wsL net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped.Load() {
		return model.ErrServerStopped
	}
	if s.serving {
		return errors.New("server already serving")
	}
	s.serving = true

	s.httpL = s.sockets.Wrap(httpL)
	go s.run("http", s.httpServer, s.httpL)
	log.Printf("Serving assets and events on %s", httpL.Addr())

	if wsL != nil {
		s.wsL = s.sockets.Wrap(wsL)
		go s.run("websocket", s.wsServer, s.wsL)
		log.Printf("Serving event sockets on %s", wsL.Addr())
	}

	return nil
}

func (s *Server) run(name string, srv *http.Server, l net.Listener) {
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("%s listener stopped: %v", name, err)
	}
}

// Addr returns the HTTP listener address, or nil before serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpL == nil {
		return nil
	}
	return s.httpL.Addr()
}

// SocketAddr returns the WebSocket listener address, or nil when disabled.
func (s *Server) SocketAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wsL == nil {
		return nil
	}
	return s.wsL.Addr()
}

// Subscribe registers a listener for a session's events.
func (s *Server) Subscribe(sessionID string, l session.Listener) *session.Subscription {
	return s.registry.Subscribe(sessionID, l)
}

// Registry returns the session registry.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// Sequencer returns the event sequencer.
func (s *Server) Sequencer() *sequencer.Sequencer {
	return s.sequencer
}

// Assets returns the asset server.
func (s *Server) Assets() *asset.Server {
	return s.assets
}

// Sockets returns the connection tracker.
func (s *Server) Sockets() *SocketTracker {
	return s.sockets
}

// Metrics returns the metrics in use, possibly nil.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// Stopped reports whether Stop has been called.
func (s *Server) Stopped() bool {
	return s.stopped.Load()
}

// Stop closes both listeners and force-closes every open connection.
// Responses still being prepared are abandoned. Safe to call more than once.
func (s *Server) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}

	s.assets.Stop()

	s.httpServer.Close()
	s.wsServer.Close()
	if s.metricsServer != nil {
		s.metricsServer.Close()
	}

	s.wsHandler.Close()
	if n := s.sockets.CloseAll(); n > 0 {
		log.Printf("Force-closed %d connections", n)
	}

	s.sequencer.Close()
}
