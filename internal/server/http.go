package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/smallbiznis/tpp-broker/internal/config"
)

const shutdownTimeout = 10 * time.Second

// HTTPServer runs the broker router until its context ends.
type HTTPServer struct {
	Engine *gin.Engine
	addr   string
	logger *zap.Logger
}

// NewHTTPServer binds router to the configured port.
func NewHTTPServer(router *gin.Engine, cfg config.Config, logger *zap.Logger) *HTTPServer {
	router.HandleMethodNotAllowed = true
	router.ForwardedByClientIP = true
	if logger == nil {
		logger = zap.L()
	}
	return &HTTPServer{Engine: router, addr: ":" + cfg.HTTPPort, logger: logger.Named("server")}
}

// Addr is the listen address.
func (s *HTTPServer) Addr() string {
	return s.addr
}

// Run serves until ctx is done, then drains in-flight requests.
func (s *HTTPServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("http server listening", zap.String("addr", s.addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
