// Package server composes the bridge: it builds every component from the
// configuration, mounts the two transports and the health endpoints on one
// listener, and owns startup and graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tillbridge/tillbridge/internal/bulkload"
	"github.com/tillbridge/tillbridge/internal/config"
	"github.com/tillbridge/tillbridge/internal/presence"
	"github.com/tillbridge/tillbridge/internal/rowop"
	"github.com/tillbridge/tillbridge/internal/schema"
	"github.com/tillbridge/tillbridge/internal/session"
	"github.com/tillbridge/tillbridge/internal/store"
	"github.com/tillbridge/tillbridge/internal/telemetry"
	"github.com/tillbridge/tillbridge/internal/tenant"
	"github.com/tillbridge/tillbridge/internal/transport"
)

// shutdownGrace bounds how long in-flight HTTP handlers may run after a stop
// signal before the listener is torn down underneath them.
const shutdownGrace = 10 * time.Second

// Server is the composed bridge process.
type Server struct {
	cfg     *config.Config
	log     *logrus.Logger
	version string

	stores   *store.Manager
	tenants  tenant.Service
	presence presence.Publisher
	hub      *session.Hub
	poll     *transport.PollHandler

	httpServer *http.Server
	started    time.Time
}

// New builds the full component graph. Nothing dials the target store here;
// pools open lazily on first use so the server comes up even when the store
// is still booting.
func New(cfg *config.Config, log *logrus.Logger, version string) (*Server, error) {
	if err := os.MkdirAll(cfg.UploadsDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating uploads directory %s: %w", cfg.UploadsDir, err)
	}

	tenants, err := tenant.New(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("opening tenant directory: %w", err)
	}

	pres, err := presence.New(cfg, log)
	if err != nil {
		_ = tenants.Close()
		return nil, fmt.Errorf("connecting presence publisher: %w", err)
	}

	stores := store.NewManager(cfg.TargetDB, log)
	hub := session.NewHub(session.Deps{
		Config:   cfg,
		Tenants:  tenants,
		Rows:     rowop.New(stores, log),
		Store:    stores,
		Schema:   schema.New(stores, log),
		CSV:      bulkload.NewImporter(stores, log),
		Presence: pres,
		Metrics:  telemetry.NewMetrics(),
		Log:      log,
	})

	s := &Server{
		cfg:      cfg,
		log:      log,
		version:  version,
		stores:   stores,
		tenants:  tenants,
		presence: pres,
		hub:      hub,
		poll:     transport.NewPollHandler(hub, cfg, log),
	}

	mux := http.NewServeMux()
	mux.Handle("/socket", transport.NewWSHandler(hub, cfg, log))
	mux.Handle("/poll", http.StripPrefix("/poll", s.poll))
	mux.Handle("/poll/", http.StripPrefix("/poll", s.poll))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReadiness)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// Run serves until ctx is cancelled, then shuts down gracefully: stop
// accepting, close every session, wait for in-flight handlers, drain pools.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.Addr(), err)
	}
	s.started = time.Now()
	s.log.WithFields(logrus.Fields{
		"addr":    ln.Addr().String(),
		"version": s.version,
	}).Info("bridge listening")

	g, gctx := errgroup.WithContext(ctx)

	// Poll handlers block on the request context, so tying requests to the
	// group context lets shutdown release them promptly.
	s.httpServer.BaseContext = func(net.Listener) context.Context { return gctx }

	g.Go(func() error {
		if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := s.poll.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.stop()
		return nil
	})

	err = g.Wait()
	s.log.Info("bridge stopped")
	return err
}

// stop tears the server down in dependency order: sessions first so their
// cleanup still has a working store underneath, then the listener, then the
// external collaborators.
func (s *Server) stop() {
	s.log.WithField("sessions", s.hub.Len()).Info("shutting down")

	s.hub.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.WithError(err).Warn("listener shutdown incomplete")
	}

	if err := s.presence.Close(); err != nil {
		s.log.WithError(err).Warn("closing presence publisher")
	}
	if err := s.tenants.Close(); err != nil {
		s.log.WithError(err).Warn("closing tenant directory")
	}
	if err := s.stores.Close(); err != nil {
		s.log.WithError(err).Warn("draining connection pools")
	}
}
