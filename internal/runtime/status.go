package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/actorflow/internal/runtime/codec"
	loggingpkg "github.com/drblury/actorflow/internal/runtime/logging"
)

// StatusHandler serves the engine status API:
//
//	GET /api/actors  every actor with its limits and stats
//	GET /api/stats   the full engine snapshot
//	GET /metrics     Prometheus metrics, when enabled
func (e *Engine) StatusHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(e.corsMiddleware)

	r.Get("/api/actors", e.handleGetActors)
	r.Get("/api/stats", e.handleGetStats)
	if e.conf.MetricsEnabled {
		r.Handle("/metrics", e.metricsHandler())
	}
	return r
}

func (e *Engine) metricsHandler() http.Handler {
	if gatherer, ok := e.registerer.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func (e *Engine) handleGetActors(w http.ResponseWriter, _ *http.Request) {
	e.writeJSON(w, e.Stats().Actors)
}

func (e *Engine) handleGetStats(w http.ResponseWriter, _ *http.Request) {
	e.writeJSON(w, e.Stats())
}

func (e *Engine) writeJSON(w http.ResponseWriter, v any) {
	body, err := codec.Marshal(v)
	if err != nil {
		e.logger.Error("Failed to encode status response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// corsMiddleware sets CORS headers for allowed origins and answers preflight
// requests.
func (e *Engine) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(e.conf.StatusCORSAllowedOrigins) > 0 {
			if allowed := e.allowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (e *Engine) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range e.conf.StatusCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}

// serveStatus runs the status server until ctx is done.
func (e *Engine) serveStatus(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", e.conf.StatusPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           e.StatusHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	e.logger.Info("Starting status server", loggingpkg.LogFields{"address": addr})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
