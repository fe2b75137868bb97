package httpapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/pitext/travelvoice/internal/config"
	"github.com/pitext/travelvoice/internal/observability"
	"github.com/pitext/travelvoice/internal/realtime"
	"github.com/pitext/travelvoice/internal/trips"
	"github.com/pitext/travelvoice/internal/tripstore"
)

type Server struct {
	cfg      config.Config
	sessions *realtime.Manager
	planner  *trips.Planner
	store    tripstore.Store
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *realtime.Manager, planner *trips.Planner, store tripstore.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		planner:  planner,
		store:    store,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, so another site cannot drive the user's mic.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/travel/ws", s.handleTravelWS)

	r.Get("/api/trips", s.handleGetTrip)
	r.Post("/api/trips", s.handlePlanTrip)
	r.Get("/api/trips/history", s.handleTripHistory)
	r.Get("/api/voice/sessions", s.handleSessionOverview)
	r.Get("/api/voice/sessions/{id}", s.handleSessionStats)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	clientKey := strings.TrimSpace(r.URL.Query().Get("client_key"))
	if clientKey == "" {
		respondError(w, http.StatusBadRequest, "missing_client_key", "query parameter client_key is required")
		return
	}

	record, found, err := s.store.LatestTrip(r.Context(), clientKey)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, "no_trip", "no trip planned for this client")
		return
	}
	respondJSON(w, http.StatusOK, record)
}

// handleTripHistory lists recently planned trips for a client, newest first.
func (s *Server) handleTripHistory(w http.ResponseWriter, r *http.Request) {
	clientKey := strings.TrimSpace(r.URL.Query().Get("client_key"))
	if clientKey == "" {
		respondError(w, http.StatusBadRequest, "missing_client_key", "query parameter client_key is required")
		return
	}
	limit := 10
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := s.store.RecentTrips(r.Context(), clientKey, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"trips": records,
		"count": len(records),
	})
}

type planTripRequest struct {
	ClientKey string `json:"client_key"`
	City      string `json:"city"`
	Days      int    `json:"days"`
}

// handlePlanTrip is the non-voice planning path: the same planner the voice
// tools use, driven by a plain HTTP request.
func (s *Server) handlePlanTrip(w http.ResponseWriter, r *http.Request) {
	var req planTripRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.ClientKey) == "" {
		respondError(w, http.StatusBadRequest, "missing_client_key", "client_key is required")
		return
	}

	plan, err := s.planner.PlanTrip(r.Context(), req.City, req.Days)
	if err != nil {
		if errors.Is(err, trips.ErrMissingCity) {
			respondError(w, http.StatusBadRequest, "missing_city", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "planner_error", err.Error())
		return
	}

	record, err := s.store.SaveTrip(r.Context(), tripstore.TripRecord{
		ClientKey: req.ClientKey,
		City:      strings.TrimSpace(req.City),
		Days:      plan,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, record)
}

func (s *Server) handleSessionOverview(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.sessions.Stats())
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stats, err := s.sessions.SessionStats(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// clientIP prefers the first X-Forwarded-For hop so per-IP limits survive a
// reverse proxy, falling back to the socket address.
func clientIP(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
