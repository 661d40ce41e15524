// Package api is the HTTP edge: batch upload, workflow and agent
// status, transaction lookup, operator overrides and the live event
// stream.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/settleline/payflow/internal/audit"
	"github.com/settleline/payflow/internal/config"
	"github.com/settleline/payflow/internal/core"
	"github.com/settleline/payflow/internal/events"
	"github.com/settleline/payflow/internal/ingest"
	"github.com/settleline/payflow/internal/orchestrator"
	"github.com/settleline/payflow/internal/store"
)

// Server wires the HTTP routes to the orchestrator and stores.
type Server struct {
	cfg      *config.Config
	orch     *orchestrator.Orchestrator
	store    store.Store
	objects  store.ObjectStore
	ingestor *ingest.Ingestor
	query    *audit.Query
	bus      *events.Bus
	router   *mux.Router
	upgrader websocket.Upgrader
}

// NewServer builds the server and registers all routes.
func NewServer(cfg *config.Config, orch *orchestrator.Orchestrator, st store.Store, objects store.ObjectStore, ingestor *ingest.Ingestor, bus *events.Bus) *Server {
	s := &Server{
		cfg:      cfg,
		orch:     orch,
		store:    st,
		objects:  objects,
		ingestor: ingestor,
		query:    audit.NewQuery(st),
		bus:      bus,
		router:   mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(loggingMiddleware, corsMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.router.HandleFunc("/batches/upload", s.handleUpload).Methods(http.MethodPost, http.MethodOptions)
	s.router.HandleFunc("/workflows/{id}/status", s.handleWorkflowStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/workflows/{id}/override", s.handleOverride).Methods(http.MethodPost, http.MethodOptions)
	s.router.HandleFunc("/agents", s.handleAgents).Methods(http.MethodGet)
	s.router.HandleFunc("/transactions", s.handleTransactionList).Methods(http.MethodGet)
	s.router.HandleFunc("/transactions/{id}", s.handleTransaction).Methods(http.MethodGet)
	s.router.HandleFunc("/transactions/{id}/narrative", s.handleTransactionNarrative).Methods(http.MethodGet)
	s.router.HandleFunc("/batches/{id}/lines", s.handleBatchLines).Methods(http.MethodGet)
	s.router.HandleFunc("/batches/{id}/audit", s.handleBatchAudit).Methods(http.MethodGet)
	s.router.HandleFunc("/events/stream", s.handleEventStream).Methods(http.MethodGet)
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

// ============================================================================
// MIDDLEWARE
// ============================================================================

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(started).String(),
		}).Debug("request served")
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ============================================================================
// RESPONSE HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("response encode failed")
	}
}

// writeError maps failure kinds onto stable HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	f := core.AsFailure(err)
	status := http.StatusInternalServerError
	switch f.Kind {
	case core.ErrValidation:
		status = http.StatusBadRequest
	case core.ErrPolicy:
		status = http.StatusForbidden
	case core.ErrRail, core.ErrTransport:
		status = http.StatusBadGateway
	case core.ErrInvariant:
		status = http.StatusConflict
	}
	writeJSON(w, status, core.ErrorEnvelope{
		Error:      f.Error(),
		StatusCode: status,
		TS:         time.Now().UTC(),
	})
}
