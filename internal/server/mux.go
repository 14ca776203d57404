// Package server provides HTTP server construction for chirpsync.
package server

import (
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// MuxConfig holds dependencies for building the HTTP mux. Nil handlers
// leave their endpoint unregistered.
type MuxConfig struct {
	MCPHandler http.Handler
	// APIKey protects /mcp. Empty leaves it open.
	APIKey  string
	Metrics http.Handler
	Logger  *slog.Logger
}

// NewMux builds the HTTP mux with health, metrics and MCP endpoints. The
// MCP endpoint is protected by Bearer token middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	if cfg.Metrics != nil {
		mux.Handle("/metrics", cfg.Metrics)
	}

	if cfg.MCPHandler != nil {
		handler := cfg.MCPHandler
		if cfg.APIKey != "" {
			handler = Middleware(cfg.APIKey, cfg.Logger)(handler)
		}

		mux.Handle("/mcp", handler)
	}

	return mux
}

// Middleware rejects requests without the expected Bearer key.
func Middleware(apiKey string, logger *slog.Logger) func(http.Handler) http.Handler {
	want := []byte(apiKey)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")

			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			if !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", "Bearer")
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			got := []byte(strings.TrimPrefix(authHeader, "Bearer "))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				logger.Debug("middleware: invalid API key",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
