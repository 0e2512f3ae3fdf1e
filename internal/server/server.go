package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"streamhub/internal/observability/logging"
	"streamhub/internal/observability/metrics"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// HealthChecker reports whether the backing datastore is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// ConnectionHandler upgrades an HTTP request to a realtime connection.
type ConnectionHandler interface {
	HandleConnection(w http.ResponseWriter, r *http.Request)
}

type Config struct {
	Addr       string
	TLS        TLSConfig
	RateLimit  RateLimitConfig
	CORS       CORSConfig
	Security   SecurityConfig
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	Hub        ConnectionHandler
	IngestHook http.Handler
	Health     HealthChecker
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	metrics     *metrics.Recorder
	rateLimiter *rateLimiter
	tlsCertFile string
	tlsKeyFile  string
}

func New(cfg Config) (*Server, error) {
	if cfg.Hub == nil {
		return nil, fmt.Errorf("hub is required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	corsPolicy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}

	rl := newRateLimiter(cfg.RateLimit)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler(cfg.Health))
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/ws", connectHandler(cfg.Hub, rl, cfg.Logger))
	if cfg.IngestHook != nil {
		mux.Handle("/hooks/ingest", cfg.IngestHook)
	}

	handlerChain := http.Handler(mux)
	handlerChain = rateLimitMiddleware(rl, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = corsMiddleware(corsPolicy, cfg.Logger, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: cfg.Logger})(handlerChain)
	handlerChain = requestIDMiddleware(handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      cfg.Logger,
		metrics:     recorder,
		rateLimiter: rl,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}

	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return srv, nil
}

// HTTPServer exposes the configured server for runners that manage the
// listener lifecycle themselves.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// TLS returns the certificate and key paths configured at construction.
func (s *Server) TLS() TLSConfig {
	return TLSConfig{CertFile: s.tlsCertFile, KeyFile: s.tlsKeyFile}
}

func (s *Server) Start() error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}
	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		return s.httpServer.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// connectHandler throttles websocket handshakes per client IP before handing
// the request to the hub. Established connections are never rate limited.
func connectHandler(hub ConnectionHandler, rl *rateLimiter, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter, err := rl.AllowConnect(extractClientIP(r))
		if err != nil {
			if logger != nil {
				logger.Error("rate limiter failure", "error", err)
			}
			writeMiddlewareError(w, http.StatusServiceUnavailable, "rate limit failure")
			return
		}
		if !allowed {
			if retryAfter > 0 {
				w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
			}
			writeMiddlewareError(w, http.StatusTooManyRequests, "too many connection attempts")
			return
		}
		hub.HandleConnection(w, r)
	}
}

func healthHandler(health HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := health.Ping(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func rateLimitMiddleware(rl *rateLimiter, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			writeMiddlewareError(w, http.StatusTooManyRequests, "global rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
