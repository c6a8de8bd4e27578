package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"ladderflow/config"
	"ladderflow/logger"
	"ladderflow/stream"
)

// Server exposes the recorder's live session status over HTTP. It is meant
// for operators watching a recording, not for external consumption.
type Server struct {
	cfg        config.DashboardConfig
	log        *logger.Log
	session    *stream.Session
	sampler    *resourceSampler
	httpServer *http.Server
}

// NewServer constructs a dashboard server when the dashboard feature is
// enabled. When the dashboard is disabled the returned server will be nil.
func NewServer(cfg config.DashboardConfig, session *stream.Session, log *logger.Log) *Server {
	if !cfg.Enabled {
		return nil
	}

	cfg.Addr = normalizeAddress(cfg.Addr)

	return &Server{
		cfg:     cfg,
		log:     log,
		session: session,
		sampler: newResourceSampler(120, time.Second, log),
	}
}

// Run starts the dashboard HTTP server and blocks until the provided context
// is cancelled or the underlying HTTP server exits with an error.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	go s.sampler.run(ctx)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.buildRouter(),
	}

	s.log.WithComponent("dashboard").WithFields(logger.Fields{"addr": s.cfg.Addr}).Info("dashboard listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Address reports the network address the dashboard server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Addr
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	router.GET("/api/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.session.Snapshot())
	})

	router.GET("/api/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.sampler.snapshot()})
	})

	return router
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.HasPrefix(addr, ":") {
		return "0.0.0.0" + addr
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
