// Package server assembles and runs the watcher's optional HTTP side
// listener: health probes, Prometheus metrics and the admin API behind the
// common middleware stack, over plain HTTP or TLS with rotating
// certificates.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/dskow/cubewatch/internal/admin"
	"github.com/dskow/cubewatch/internal/apierror"
	"github.com/dskow/cubewatch/internal/config"
	"github.com/dskow/cubewatch/internal/health"
	"github.com/dskow/cubewatch/internal/metrics"
	"github.com/dskow/cubewatch/internal/middleware"
	"github.com/dskow/cubewatch/internal/ratelimit"
	"github.com/dskow/cubewatch/internal/tlsutil"
)

// maxBodyBytes caps request bodies; no endpoint reads one.
const maxBodyBytes = 4 << 10

// Server is the side listener. Create it with New, bind with Listen and
// serve with Run.
type Server struct {
	cfg     *config.Config
	handler http.Handler
	limiter *ratelimit.Limiter
	certs   *tlsutil.CertLoader
	srv     *http.Server
	ln      net.Listener
	logger  *slog.Logger
}

// New builds the routes and middleware for the given watcher. When TLS is
// enabled the certificate is loaded here so a bad pair fails startup.
func New(cfg *config.Config, target admin.Target, logger *slog.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger}

	mux := http.NewServeMux()
	health.New(target, logger).RegisterRoutes(mux)

	if cfg.Metrics.IsEnabled() {
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", cfg.Metrics.Path)
	}

	if cfg.Admin.Enabled {
		s.limiter = ratelimit.New(cfg.Admin.ReloadRatePerSecond, cfg.Admin.ReloadBurst, logger)
		admin.New(target, cfg.Admin, s.limiter, logger).RegisterRoutes(mux)
		logger.Info("admin API enabled",
			"allowlist", cfg.Admin.IPAllowlist,
			"auth", cfg.Admin.AuthEnabled(),
		)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.NotFound, "no handler for "+r.URL.Path)
	})

	// Recovery → RequestID → SecurityHeaders → Logging → BodyLimit → mux
	s.handler = middleware.Chain(mux,
		middleware.Recovery(logger),
		middleware.RequestID,
		middleware.SecurityHeaders(),
		middleware.Logging(logger, s.quietPath),
		middleware.BodyLimit(maxBodyBytes),
	)

	s.srv = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.Notify.Timeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	if cfg.HTTP.TLS.Enabled {
		certs, err := tlsutil.New(cfg.HTTP.TLS.CertFile, cfg.HTTP.TLS.KeyFile, logger)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("tls: %w", err)
		}
		tlsCfg, err := certs.ServerConfig(cfg.HTTP.TLS.MinVersion)
		if err != nil {
			certs.Stop()
			s.Close()
			return nil, fmt.Errorf("tls: %w", err)
		}
		s.certs = certs
		s.srv.TLSConfig = tlsCfg
	}

	return s, nil
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// quietPath marks probe and scrape requests for debug-level logging.
func (s *Server) quietPath(path string) bool {
	switch path {
	case "/health", "/ready":
		return true
	}
	return s.cfg.Metrics.IsEnabled() && path == s.cfg.Metrics.Path
}

// Listen binds the configured address. Separate from Run so a bind failure
// is reported before the watcher starts.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.HTTP.Addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.cfg.HTTP.Addr
}

// Run serves until ctx is cancelled, then drains in-flight requests for at
// most http.shutdown_timeout. It calls Listen itself if needed.
func (s *Server) Run(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listener started", "addr", s.Addr(), "tls", s.certs != nil)
		var err error
		if s.certs != nil {
			err = s.srv.ServeTLS(s.ln, "", "")
		} else {
			err = s.srv.Serve(s.ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		s.Close()
		if err != nil {
			return fmt.Errorf("http listener: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.HTTP.ShutdownTimeout)
	defer cancel()

	s.logger.Info("draining http listener", "timeout", s.cfg.HTTP.ShutdownTimeout)
	err := s.srv.Shutdown(shutdownCtx)
	<-errCh
	s.Close()
	if err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Close stops the background goroutines owned by the server. Safe to call
// more than once.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.certs != nil {
		s.certs.Stop()
	}
}
