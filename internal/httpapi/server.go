// Package httpapi exposes the session gateway and the delivery relay over
// HTTP. Handlers only translate between JSON bodies and component calls.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/wabridge/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	shutdownTimeout = 10 * time.Second
	version         = "0.1.0"
)

// NewEngine builds a gin engine with recovery, access logs, request
// metrics and CORS installed.
func NewEngine(name string, corsOrigins []string) *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(log.Logger, name))
	r.Use(observability.RequestMetricsMiddleware(name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	return r
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}

func registerCommon(r gin.IRouter, component string, started time.Time) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(started).String(),
			"component": component,
			"version":   version,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Serve runs handler on addr until ctx is done, then shuts down gracefully.
// onListen, when set, runs once the listener is about to accept requests.
func Serve(ctx context.Context, addr string, handler http.Handler, onListen func()) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("http_listen")
		errCh <- srv.ListenAndServe()
	}()
	if onListen != nil {
		go onListen()
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Str("addr", addr).Msg("http_stopped")
	return nil
}
