// Package admin implements the orchestrator's local admin endpoint: a
// loopback-bound HTTP surface exposing GET /status, POST /config, and
// GET /healthz (spec.md §4.9, SPEC_FULL.md §4.9).
//
// Per spec.md §9's design note to use the target language's standard HTTP
// library rather than a hand-rolled line protocol, this package is a thin
// net/http.Server wrapper; no pack example implements an HTTP admin
// surface to ground the transport choice on, so DESIGN.md records this as
// a standard-library decision.
package admin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/joeycumines/orchestrator/internal/logging"
)

// StatusProvider supplies the data behind GET /status.
type StatusProvider interface {
	// QueueDepth returns the current number of pending tasks.
	QueueDepth() int
	// TaskStatuses returns task id -> status string for every known task.
	TaskStatuses() map[string]string
	// ConfigGeneration returns the current update_config sequence number.
	ConfigGeneration() uint64
}

// ConfigUpdater applies a runtime config override, returning the changes
// actually made (spec.md §4.9: "Unknown keys are silently ignored").
type ConfigUpdater interface {
	UpdateConfig(overrides map[string]any) (map[string]any, error)
}

// Server is the admin HTTP endpoint.
type Server struct {
	status  StatusProvider
	updater ConfigUpdater
	logger  *logging.Logger

	httpServer *http.Server
	listener   net.Listener
}

// New constructs a Server. It does not bind a port; call Start.
func New(status StatusProvider, updater ConfigUpdater, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{status: status, updater: updater, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/healthz", s.handleHealthz)
	s.httpServer = &http.Server{Handler: mux}
	return s
}

// Start binds a TCP listener on 127.0.0.1:port (0 chooses a free port) and
// begins serving in the background. It returns the bound port.
func (s *Server) Start(port int) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return 0, err
	}
	s.listener = ln

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin_serve_failed", map[string]any{"error": err.Error()})
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Stop drains in-flight requests and closes the listener (spec.md §4.11
// stop() step 2: "Stop admin endpoint (drain in-flight admin requests)").
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("admin_request", map[string]any{"path": r.URL.Path, "method": r.Method})
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queue":             s.status.QueueDepth(),
		"tasks":             s.status.TaskStatuses(),
		"config_generation": s.status.ConfigGeneration(),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("admin_request", map[string]any{"path": r.URL.Path, "method": r.Method})
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	var overrides map[string]any
	if err := json.NewDecoder(r.Body).Decode(&overrides); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return
	}

	changes, err := s.updater.UpdateConfig(overrides)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "changes": changes})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
