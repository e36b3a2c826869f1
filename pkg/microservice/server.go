package microservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/illmade-knight/go-messagebroker/pkg/requestctx"
	"github.com/rs/zerolog"
)

// DefaultCheckTimeout bounds each health check run by /healthz.
const DefaultCheckTimeout = 2 * time.Second

// BaseConfig holds common configuration fields for the broker's processes.
type BaseConfig struct {
	LogLevel    string `yaml:"log_level"`
	HTTPPort    string `yaml:"http_port"`
	ServiceName string `yaml:"service_name"`
}

// HealthCheck reports whether one part of the process is ready. A nil error
// means ready.
type HealthCheck func(ctx context.Context) error

// HealthReport is the JSON body served by /healthz.
type HealthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

const (
	statusOK          = "ok"
	statusUnavailable = "unavailable"
)

// BaseServer serves /healthz, which aggregates the registered health checks,
// and any handlers added to its mux. Every request passes through
// RequestIDMiddleware.
type BaseServer struct {
	Logger       zerolog.Logger
	HTTPPort     string
	CheckTimeout time.Duration

	httpServer *http.Server
	mux        *http.ServeMux

	mu         sync.RWMutex
	actualAddr string
	checks     map[string]HealthCheck
}

// NewBaseServer creates a BaseServer bound to httpPort. It does not listen until Start.
func NewBaseServer(logger zerolog.Logger, httpPort string) *BaseServer {
	s := &BaseServer{
		Logger:       logger.With().Str("component", "BaseServer").Logger(),
		HTTPPort:     httpPort,
		CheckTimeout: DefaultCheckTimeout,
		mux:          http.NewServeMux(),
		checks:       make(map[string]HealthCheck),
	}
	s.mux.HandleFunc("/healthz", s.serveHealth)
	s.httpServer = &http.Server{
		Addr:              httpPort,
		Handler:           RequestIDMiddleware(s.Logger)(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// RegisterHealthCheck adds check under name, replacing any check with that name.
func (s *BaseServer) RegisterHealthCheck(name string, check HealthCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// Health runs every registered check and reports the aggregate. The process is
// ready only when all checks pass.
func (s *BaseServer) Health(ctx context.Context) HealthReport {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	checks := make(map[string]HealthCheck, len(s.checks))
	for name, check := range s.checks {
		names = append(names, name)
		checks[name] = check
	}
	s.mu.RUnlock()
	sort.Strings(names)

	report := HealthReport{Status: statusOK, Checks: make(map[string]string, len(names))}
	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, s.CheckTimeout)
		err := checks[name](checkCtx)
		cancel()
		if err != nil {
			report.Status = statusUnavailable
			report.Checks[name] = err.Error()
			continue
		}
		report.Checks[name] = statusOK
	}
	return report
}

func (s *BaseServer) serveHealth(w http.ResponseWriter, r *http.Request) {
	report := s.Health(r.Context())

	code := http.StatusOK
	if report.Status != statusOK {
		code = http.StatusServiceUnavailable
		requestID, _ := requestctx.RequestID(r.Context())
		s.Logger.Warn().Str("request_id", requestID).Interface("checks", report.Checks).Msg("Health check failed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(report); err != nil {
		s.Logger.Error().Err(err).Msg("Failed to write health report")
	}
}

// Start listens on HTTPPort and serves in a background goroutine.
func (s *BaseServer) Start() error {
	ln, err := net.Listen("tcp", s.HTTPPort)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", s.HTTPPort, err)
	}

	s.mu.Lock()
	s.actualAddr = ln.Addr().String()
	s.mu.Unlock()
	s.Logger.Info().Str("address", ln.Addr().String()).Msg("HTTP server listening")

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones or ctx expiry.
func (s *BaseServer) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.Logger.Error().Err(err).Msg("HTTP server shutdown incomplete")
		return err
	}
	s.Logger.Info().Msg("HTTP server stopped")
	return nil
}

// GetHTTPPort returns the port the server is listening on, which differs from
// the configured one when ":0" was requested.
func (s *BaseServer) GetHTTPPort() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, port, err := net.SplitHostPort(s.actualAddr)
	if err != nil {
		return s.HTTPPort
	}
	return ":" + port
}

// Mux returns the underlying ServeMux.
func (s *BaseServer) Mux() *http.ServeMux {
	return s.mux
}
