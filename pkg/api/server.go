package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/platinummonkey/audittrail/pkg/events"
	"github.com/platinummonkey/audittrail/pkg/observability"
	"github.com/platinummonkey/audittrail/pkg/publisher"
	"github.com/platinummonkey/audittrail/pkg/query"
)

// Identity is an authenticated caller.
type Identity struct {
	// Actor is the caller's principal name.
	Actor string
	// SessionIDs are sessions the caller participates in.
	SessionIDs []string
	// Auditor grants unrestricted search scope.
	Auditor bool
}

// Scope converts the identity into a query authorization boundary.
func (id Identity) Scope() query.Scope {
	if id.Auditor {
		return query.Scope{}
	}
	return query.Scope{Actor: id.Actor, SessionIDs: id.SessionIDs}
}

// Authorizer authenticates a request. Implementations typically consume
// headers stamped by a fronting proxy or a token validator.
type Authorizer interface {
	Authorize(r *http.Request) (Identity, error)
}

// HeaderAuthorizer trusts identity headers set by an authenticating
// reverse proxy. Suitable only behind such a proxy.
type HeaderAuthorizer struct{}

func (HeaderAuthorizer) Authorize(r *http.Request) (Identity, error) {
	actor := r.Header.Get("X-Audit-Actor")
	if actor == "" {
		return Identity{}, fmt.Errorf("missing identity")
	}
	id := Identity{Actor: actor}
	if sessions := r.Header.Get("X-Audit-Sessions"); sessions != "" {
		id.SessionIDs = strings.Split(sessions, ",")
	}
	for _, role := range strings.Split(r.Header.Get("X-Audit-Roles"), ",") {
		if strings.TrimSpace(role) == "auditor" {
			id.Auditor = true
		}
	}
	return id, nil
}

// searcher is implemented by *query.Querier.
type searcher interface {
	SearchEvents(ctx context.Context, req query.SearchRequest) ([]*events.AuditEvent, string, error)
}

// emitter is implemented by *publisher.Publisher.
type emitter interface {
	EmitAuditEvent(ctx context.Context, event *events.AuditEvent) error
}

// Config configures the API server.
type Config struct {
	// Searcher serves the search endpoint (required).
	Searcher searcher
	// Emitter serves the emit endpoint (required).
	Emitter emitter
	// Authorizer authenticates requests; defaults to HeaderAuthorizer.
	Authorizer Authorizer

	Logger *observability.Logger
}

// Server is the HTTP surface of the pipeline.
type Server struct {
	cfg    Config
	router *mux.Router
}

// NewServer creates the API server and sets up its routes.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Searcher == nil {
		return nil, fmt.Errorf("searcher is required")
	}
	if cfg.Emitter == nil {
		return nil, fmt.Errorf("emitter is required")
	}
	if cfg.Authorizer == nil {
		cfg.Authorizer = HeaderAuthorizer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.InfoLevel, os.Stderr)
	}
	s := &Server{
		cfg:    cfg,
		router: mux.NewRouter(),
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.HandleFunc("/api/v1/events", s.emitEvent).Methods("POST")
	s.router.HandleFunc("/api/v1/events/search", s.searchEvents).Methods("POST")
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(observability.WithRequestID(r.Context(), requestID)))
	})
}

// emitRequest is the emit endpoint body. Actor is intentionally absent,
// it always comes from the authenticated identity.
type emitRequest struct {
	Type      string         `json:"event_type"`
	Time      time.Time      `json:"event_time,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

type emitResponse struct {
	ID string `json:"uid"`
}

func (s *Server) emitEvent(w http.ResponseWriter, r *http.Request) {
	identity, err := s.cfg.Authorizer.Authorize(r)
	if err != nil {
		s.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req emitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	event := &events.AuditEvent{
		Type:      req.Type,
		Time:      req.Time,
		SessionID: req.SessionID,
		Actor:     identity.Actor,
		Fields:    req.Fields,
	}
	if err := s.cfg.Emitter.EmitAuditEvent(r.Context(), event); err != nil {
		var codecErr *events.CodecError
		if errors.As(err, &codecErr) {
			s.writeError(w, r, http.StatusBadRequest, codecErr.Error())
			return
		}
		s.cfg.Logger.WithError(err).Error("Failed to emit audit event")
		s.writeError(w, r, http.StatusBadGateway, "failed to publish event")
		return
	}
	s.writeJSON(w, http.StatusAccepted, emitResponse{ID: event.ID})
}

// searchRequest is the search endpoint body. Authorization scope is not
// part of the body; it derives from the caller's identity per request.
type searchRequest struct {
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	Limit      int       `json:"limit,omitempty"`
	Order      string    `json:"order,omitempty"`
	EventTypes []string  `json:"event_types,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	Search     string    `json:"search,omitempty"`
	Cursor     string    `json:"cursor,omitempty"`
}

type searchResponse struct {
	Events     []*events.AuditEvent `json:"events"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

func (s *Server) searchEvents(w http.ResponseWriter, r *http.Request) {
	identity, err := s.cfg.Authorizer.Authorize(r)
	if err != nil {
		s.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.From.IsZero() || req.To.IsZero() {
		s.writeError(w, r, http.StatusBadRequest, "from and to are required")
		return
	}
	order := query.OrderDescending
	switch req.Order {
	case "", "desc":
	case "asc":
		order = query.OrderAscending
	default:
		s.writeError(w, r, http.StatusBadRequest, "order must be asc or desc")
		return
	}

	results, nextCursor, err := s.cfg.Searcher.SearchEvents(r.Context(), query.SearchRequest{
		From:       req.From,
		To:         req.To,
		Limit:      req.Limit,
		Order:      order,
		StartKey:   req.Cursor,
		EventTypes: req.EventTypes,
		SessionID:  req.SessionID,
		Actor:      req.Actor,
		Search:     req.Search,
		Scope:      identity.Scope(),
	})
	if err != nil {
		switch {
		case errors.Is(err, query.ErrRateLimited):
			s.writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
		case isQueryError(err):
			s.cfg.Logger.WithError(err).Error("Search query failed")
			s.writeError(w, r, http.StatusBadGateway, "query failed")
		default:
			s.writeError(w, r, http.StatusBadRequest, err.Error())
		}
		return
	}

	if results == nil {
		results = []*events.AuditEvent{}
	}
	s.writeJSON(w, http.StatusOK, searchResponse{Events: results, NextCursor: nextCursor})
}

func isQueryError(err error) bool {
	var queryErr *query.QueryError
	return errors.As(err, &queryErr)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	if status >= http.StatusInternalServerError {
		s.cfg.Logger.WithField("request_id", observability.GetRequestID(r.Context())).
			WithField("status", status).Warn(message)
	}
	s.writeJSON(w, status, errorResponse{Error: message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// ensure the real implementations satisfy the handler interfaces
var (
	_ searcher = (*query.Querier)(nil)
	_ emitter  = (*publisher.Publisher)(nil)
)
