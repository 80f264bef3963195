package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"shadowboard/internal/lease"
	"shadowboard/internal/presence"
	"shadowboard/pkg/interfaces"
	"shadowboard/pkg/types"
)

// StateReader is the read-only slice of the state store the API needs.
type StateReader interface {
	Read(ctx context.Context, ownerID string) (*types.SessionState, error)
	Stats() map[string]int
}

// StatsSource exposes counters from a component for the health report.
type StatsSource interface {
	Stats() map[string]int
}

// Server is the read-side HTTP surface: presence snapshots, session state
// reads, lease inspection, and health. All mutations go through the
// websocket gateway.
type Server struct {
	registry *presence.Registry
	states   StateReader
	leases   *lease.Manager
	backend  interfaces.Backend
	mirror   StatsSource
	gateway  StatsSource
	router   *http.ServeMux
}

// NewServer wires the read API. mirror and gateway may be nil; their stats
// are then omitted from the health report.
func NewServer(registry *presence.Registry, states StateReader, leases *lease.Manager, backend interfaces.Backend, mirror, gateway StatsSource) *Server {
	s := &Server{
		registry: registry,
		states:   states,
		leases:   leases,
		backend:  backend,
		mirror:   mirror,
		gateway:  gateway,
		router:   http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/api/operators", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleOperators))))
	s.router.Handle("/api/sessions/", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleSessionByOwner))))
	s.router.Handle("/api/leases", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleLeases))))
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type OperatorsResponse struct {
	Operators []types.PresenceRecord `json:"operators"`
}

type SessionResponse struct {
	State  *types.SessionState `json:"state"`
	Online bool                `json:"online"`
}

type LeasesResponse struct {
	Leases []types.ControlLease `json:"leases"`
}

type LeaseHistoryResponse struct {
	TargetUserID string              `json:"target_user_id"`
	Events       []*types.LeaseEvent `json:"events"`
}

type HealthResponse struct {
	Status     string                    `json:"status"`
	Timestamp  time.Time                 `json:"timestamp"`
	Database   string                    `json:"database"`
	Components map[string]map[string]int `json:"components"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// handleOperators serves GET /api/operators, the current presence snapshot.
func (s *Server) handleOperators(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	json.NewEncoder(w).Encode(OperatorsResponse{Operators: s.registry.ListOnline()})
}

// handleSessionByOwner serves GET /api/sessions/{ownerID} and
// GET /api/sessions/{ownerID}/leases.
func (s *Server) handleSessionByOwner(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.Split(path, "/")
	ownerID := parts[0]
	if ownerID == "" {
		s.sendError(w, "Owner ID required", http.StatusBadRequest)
		return
	}

	if len(parts) > 1 && parts[1] == "leases" {
		s.getLeaseHistory(w, r, ownerID)
		return
	}

	state, err := s.states.Read(r.Context(), ownerID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNoSuchSession) {
			s.sendError(w, "Session not found", http.StatusNotFound)
		} else {
			s.sendError(w, "Failed to read session state", http.StatusInternalServerError)
		}
		return
	}

	json.NewEncoder(w).Encode(SessionResponse{
		State:  state,
		Online: s.registry.IsOnline(ownerID),
	})
}

// getLeaseHistory serves the audit trail for one target.
func (s *Server) getLeaseHistory(w http.ResponseWriter, r *http.Request, ownerID string) {
	events, err := s.backend.ListLeaseEvents(r.Context(), ownerID)
	if err != nil {
		s.sendError(w, "Failed to read lease history", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(LeaseHistoryResponse{TargetUserID: ownerID, Events: events})
}

// handleLeases serves GET /api/leases, the active lease snapshot.
func (s *Server) handleLeases(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	leases := s.leases.ActiveLeases()
	if leases == nil {
		leases = []types.ControlLease{}
	}
	json.NewEncoder(w).Encode(LeasesResponse{Leases: leases})
}

// healthCheck serves GET /health: backend connectivity plus per-component
// counters. Returns 503 when the backend check fails.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.backend.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	components := map[string]map[string]int{
		"presence": s.registry.Stats(),
		"leases":   s.leases.Stats(),
		"store":    s.states.Stats(),
	}
	if s.mirror != nil {
		components["mirror"] = s.mirror.Stats()
	}
	if s.gateway != nil {
		components["gateway"] = s.gateway.Stats()
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(HealthResponse{
		Status:     status,
		Timestamp:  time.Now(),
		Database:   dbStatus,
		Components: components,
	})
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
