package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/ruteri/agent-identity-provisioner/metrics"
	"go.uber.org/atomic"
)

const readinessTimeout = 5 * time.Second

type HTTPServerConfig struct {
	ListenAddr  string
	MetricsAddr string
	EnablePprof bool
	Log         *slog.Logger

	// CORSOrigins are the origins allowed to call the API from a browser.
	CORSOrigins []string

	// StartRate and StartBurst limit workflow starts per client address.
	StartRate  float64
	StartBurst int

	// ReadinessProbe reports whether the dependencies needed to start workflows
	// are reachable. Optional.
	ReadinessProbe func(ctx context.Context) error

	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}

type Server struct {
	cfg     *HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	srv         *http.Server
	metricsSrv  *metrics.MetricsServer
	httpMetrics *metrics.HTTPMetrics
	handler     *Handler
	proxy       http.Handler
	limiter     *RateLimiter
}

// New creates the API server. proxy serves the backend pass-through routes and may be nil.
func New(cfg *HTTPServerConfig, handler *Handler, proxy http.Handler, metricsSrv *metrics.MetricsServer) (srv *Server, err error) {
	limiter, err := NewRateLimiter(cfg.StartRate, cfg.StartBurst, cfg.Log)
	if err != nil {
		return nil, err
	}

	srv = &Server{
		cfg:         cfg,
		log:         cfg.Log,
		metricsSrv:  metricsSrv,
		httpMetrics: metrics.NewHTTPMetrics(metricsSrv.Registerer()),
		handler:     handler,
		proxy:       proxy,
		limiter:     limiter,
	}
	srv.isReady.Store(true)

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.getRouter(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return srv, nil
}

func (srv *Server) getRouter() http.Handler {
	mux := chi.NewRouter()
	mux.Use(srv.httpMetrics.Middleware)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: srv.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})

	mux.Group(func(r chi.Router) {
		r.Use(srv.httpLogger, corsHandler.Handler)

		r.With(srv.limiter.Handler).Post("/api/workflows", srv.handler.HandleStart)
		r.Get("/api/workflows", srv.handler.HandleList)
		r.Get("/api/workflows/{id}", srv.handler.HandleGet)
		r.Post("/api/workflows/{id}/resume", srv.handler.HandleResume)
		r.Post("/api/workflows/{id}/cancel", srv.handler.HandleCancel)
		r.Get("/api/workflows/{id}/signature", srv.handler.HandleSignatureRequest)
		r.Post("/api/workflows/{id}/signature", srv.handler.HandleSignature)
		r.Post("/api/workflows/{id}/signature/reject", srv.handler.HandleRejectSignature)

		if srv.proxy != nil {
			r.Post("/api/identities/{id}/provision", srv.proxy.ServeHTTP)
			r.Get("/api/provision-jobs/{jobId}", srv.proxy.ServeHTTP)
		}
	})

	// Event streams are long-lived and skip request logging.
	mux.With(corsHandler.Handler).Get("/api/workflows/{id}/events", srv.handler.HandleEvents)

	// Health and diagnostic endpoints
	mux.With(srv.httpLogger).Get("/livez", srv.handleLivenessCheck)
	mux.With(srv.httpLogger).Get("/readyz", srv.handleReadinessCheck)
	mux.With(srv.httpLogger).Get("/drain", srv.handleDrain)
	mux.With(srv.httpLogger).Get("/undrain", srv.handleUndrain)

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"alive"}`))
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !srv.isReady.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready"}`))
		return
	}

	if srv.cfg.ReadinessProbe != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()
		if err := srv.cfg.ReadinessProbe(ctx); err != nil {
			srv.log.Warn("Readiness probe failed", "err", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "not ready", "reason": err.Error()})
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !srv.isReady.Swap(false) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already draining"}`))
		return
	}

	srv.log.Info("Server marked as not ready")

	// Load balancers need the drain duration to notice the change.
	go func() {
		time.Sleep(srv.cfg.DrainDuration)
		srv.log.Info("Drain period completed")
	}()

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"draining"}`))
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if srv.isReady.Swap(true) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already ready"}`))
		return
	}

	srv.log.Info("Server marked as ready")

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// Handler returns the API router.
func (srv *Server) Handler() http.Handler {
	return srv.srv.Handler
}

func (srv *Server) RunInBackground() {
	// metrics
	if srv.cfg.MetricsAddr != "" {
		go func() {
			srv.log.With("metricsAddress", srv.cfg.MetricsAddr).Info("Starting metrics server")
			err := srv.metricsSrv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				srv.log.Error("HTTP server failed", "err", err)
			}
		}()
	}

	// api
	go func() {
		srv.log.Info("Starting HTTP server", "listenAddress", srv.cfg.ListenAddr)
		if err := srv.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}()
}

func (srv *Server) Shutdown() {
	// api
	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful HTTP server shutdown failed", "err", err)
	} else {
		srv.log.Info("HTTP server gracefully stopped")
	}

	// metrics
	if len(srv.cfg.MetricsAddr) != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
		defer cancel()

		if err := srv.metricsSrv.Shutdown(ctx); err != nil {
			srv.log.Error("Graceful metrics server shutdown failed", "err", err)
		} else {
			srv.log.Info("Metrics server gracefully stopped")
		}
	}
}
