package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/campus-transit/internal/dispatch"
	"github.com/example/campus-transit/internal/lifecycle"
	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/storage"
)

const (
	headerRequester = "X-Requester-ID"
	headerAgent     = "X-Agent-ID"
	headerActor     = "X-Actor-ID"

	jobUnavailable = "this job is no longer available"
)

type Server struct {
	Lifecycle *lifecycle.Service
	Store     storage.RequestStore
	WSReg     *dispatch.WSRegistry
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	mux       *mux.Router
}

func NewServer(svc *lifecycle.Service, store storage.RequestStore, reg *dispatch.WSRegistry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = dispatch.NewWSRegistry(logger)
	}
	s := &Server{
		Lifecycle: svc,
		Store:     store,
		WSReg:     reg,
		logger:    logger,
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/requests", s.handleCreate).Methods(http.MethodPost)
	api.HandleFunc("/requests", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}", s.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/claim", s.handleClaim).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/begin", s.handleBegin).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/cancel", s.handleCancel).Methods(http.MethodPost)

	s.mux.HandleFunc("/ws/agents/{agent_id}/feed/{kind}", s.handleFeedWS).Methods(http.MethodGet)
	s.mux.HandleFunc("/ws/requests/{id}", s.handleSessionWS).Methods(http.MethodGet)

	s.mux.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "ws_sessions": s.WSReg.Len()})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createBody struct {
	Kind         models.Kind         `json:"kind"`
	Origin       string              `json:"origin"`
	Destination  string              `json:"destination"`
	Attributes   map[string]string   `json:"attributes"`
	TrafficLevel models.TrafficLevel `json:"trafficLevel"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed json: " + err.Error()})
		return
	}
	req, err := s.Lifecycle.Create(r.Context(), lifecycle.CreateInput{
		Kind:         models.Kind(strings.ToUpper(string(body.Kind))),
		RequesterID:  r.Header.Get(headerRequester),
		Origin:       body.Origin,
		Destination:  body.Destination,
		Attributes:   body.Attributes,
		TrafficLevel: body.TrafficLevel,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

type listBody struct {
	Requests []models.Request `json:"requests"`
}

// handleList serves GET /requests?status=&kind=. Status defaults to
// SEARCHING; status=any lists every status.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := storage.Query{
		Status: models.StatusSearching,
		Kind:   models.Kind(strings.ToUpper(r.URL.Query().Get("kind"))),
	}
	switch st := strings.ToUpper(r.URL.Query().Get("status")); st {
	case "":
	case "ANY":
		q.Status = ""
	default:
		q.Status = models.Status(st)
	}
	reqs, err := s.Lifecycle.List(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listBody{Requests: reqs})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	req, err := s.Lifecycle.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	req, err := s.Lifecycle.Claim(r.Context(), mux.Vars(r)["id"], r.Header.Get(headerAgent))
	s.writeResult(w, r, req, err)
}

func (s *Server) handleBegin(w http.ResponseWriter, r *http.Request) {
	req, err := s.Lifecycle.Begin(r.Context(), mux.Vars(r)["id"], r.Header.Get(headerAgent))
	s.writeResult(w, r, req, err)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	req, err := s.Lifecycle.Complete(r.Context(), mux.Vars(r)["id"], r.Header.Get(headerAgent))
	s.writeResult(w, r, req, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	req, err := s.Lifecycle.Cancel(r.Context(), mux.Vars(r)["id"], r.Header.Get(headerActor))
	s.writeResult(w, r, req, err)
}

func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, req models.Request, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *lifecycle.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request", Fields: verr.Fields})
	case errors.Is(err, lifecycle.ErrNotParticipant):
		writeJSON(w, http.StatusForbidden, errorBody{Error: err.Error()})
	case errors.Is(err, lifecycle.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "request not found"})
	case errors.Is(err, lifecycle.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody{Error: jobUnavailable})
	default:
		s.logger.Error("request failed", "route", routeTemplate(r), "error", err, "request_id", requestIDFromContext(r.Context()))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
