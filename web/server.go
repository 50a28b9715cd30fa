// Package web exposes the HTTP surface: feed skeleton XRPC endpoints,
// the compliance export API, diagnostics, metrics, and health.
package web

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/feedwright/feedwright/config"
	"github.com/feedwright/feedwright/export"
	"github.com/feedwright/feedwright/feed"
	"github.com/feedwright/feedwright/storage"
)

type Server struct {
	cfg        *config.Config
	store      *storage.Store
	feeds      *feed.Engine
	exports    *export.Engine
	limiters   *limiterPool
	httpServer *http.Server
}

func NewServer(cfg *config.Config, store *storage.Store, feeds *feed.Engine, exports *export.Engine) *Server {
	s := &Server{
		cfg:      cfg,
		store:    store,
		feeds:    feeds,
		exports:  exports,
		limiters: newLimiterPool(cfg.Server.RateRPS, cfg.Server.RateBurst),
	}

	r := mux.NewRouter()
	r.Use(withLogging)

	r.HandleFunc("/xrpc/app.bsky.feed.getFeedSkeleton", s.handleGetFeedSkeleton).Methods(http.MethodGet)
	r.HandleFunc("/xrpc/app.bsky.feed.describeFeedGenerator", s.handleDescribeFeedGenerator).Methods(http.MethodGet)

	exp := r.PathPrefix("/export").Subrouter()
	exp.Use(s.requireSecret, s.rateLimit)
	exp.HandleFunc("/engagements", s.handleExport).Methods(http.MethodGet)
	exp.HandleFunc("/engagements/legacy", s.handleExportLegacy).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireSecret)
	admin.HandleFunc("/diagnostics", s.handleDiagnostics).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the assembled router.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start blocks serving HTTP until Shutdown or a listen error.
func (s *Server) Start() error {
	log.Printf("HTTP: listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireSecret gates an endpoint behind the configured bearer secret.
// With no secret configured the endpoint is unavailable rather than open.
func (s *Server) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := s.cfg.Server.ExportSecret
		if secret == "" {
			writeError(w, http.StatusServiceUnavailable, "Unavailable", "export secret not configured")
			return
		}
		if bearerToken(r) != secret {
			writeError(w, http.StatusUnauthorized, "AuthRequired", "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiters.Allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "RateLimitExceeded", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[7:])
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		log.Printf("HTTP: %s %s -> %d (%v)", r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
