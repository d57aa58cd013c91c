package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/spindle/pkg/master"
	"github.com/cuemby/spindle/pkg/metrics"
	"github.com/cuemby/spindle/pkg/rpc"
	"github.com/cuemby/spindle/pkg/types"
	"github.com/cuemby/spindle/pkg/worker"
)

// Check reports the state of one component. A non-nil error makes the
// process not ready.
type Check func(ctx context.Context) (string, error)

// HealthServer provides HTTP health check endpoints
type HealthServer struct {
	version string
	timeout time.Duration
	mux     *http.ServeMux

	mu     sync.RWMutex
	checks map[string]Check
	server *http.Server
	closed bool
}

// NewHealthServer creates a new health check HTTP server
func NewHealthServer(version string) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		version: version,
		timeout: 2 * time.Second,
		mux:     mux,
		checks:  make(map[string]Check),
	}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// AddCheck registers a readiness check under name
func (hs *HealthServer) AddCheck(name string, check Check) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.checks[name] = check
}

// Start serves on addr until Shutdown. It returns nil after a shutdown.
func (hs *HealthServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	hs.mu.Lock()
	if hs.closed {
		hs.mu.Unlock()
		return nil
	}
	hs.server = server
	hs.mu.Unlock()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("health server failed: %w", err)
	}
	return nil
}

// Shutdown stops the server. A later Start returns at once.
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	hs.mu.Lock()
	hs.closed = true
	server := hs.server
	hs.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler is a liveness check: 200 while the process is up
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   hs.version,
	})
}

// readyHandler runs every check; one failure makes the process not ready
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hs.mu.RLock()
	names := make([]string, 0, len(hs.checks))
	for name := range hs.checks {
		names = append(names, name)
	}
	checks := make(map[string]Check, len(hs.checks))
	for name, check := range hs.checks {
		checks[name] = check
	}
	hs.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(r.Context(), hs.timeout)
	defer cancel()

	results := make(map[string]string, len(names))
	var message string
	for _, name := range names {
		status, err := checks[name](ctx)
		if err != nil {
			results[name] = fmt.Sprintf("error: %v", err)
			if message == "" {
				message = name + " not ready"
			}
			continue
		}
		results[name] = status
	}
	if len(names) == 0 {
		message = "nothing to check"
	}

	response := ReadyResponse{
		Status:    "ready",
		Timestamp: time.Now(),
		Checks:    results,
		Message:   message,
	}
	statusCode := http.StatusOK
	if message != "" {
		response.Status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, response)
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// MasterCheck is ready while the master is the ALIVE leader
func MasterCheck(ref *rpc.Ref) Check {
	return func(ctx context.Context) (string, error) {
		state, err := master.State(ctx, ref)
		if err != nil {
			return "", err
		}
		if state.Status != types.RecoveryAlive {
			return "", fmt.Errorf("master is %s", state.Status)
		}
		return string(state.Status), nil
	}
}

// WorkerCheck is ready while the worker is registered with a master
func WorkerCheck(ref *rpc.Ref) Check {
	return func(ctx context.Context) (string, error) {
		state, err := worker.Snapshot(ctx, ref)
		if err != nil {
			return "", err
		}
		if state.State != string(worker.StateRegistered) {
			return "", fmt.Errorf("worker is %s", state.State)
		}
		return fmt.Sprintf("%s (master: %s)", state.State, state.MasterURL), nil
	}
}
