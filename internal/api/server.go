package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"recap/internal/blob"
	"recap/internal/config"
	"recap/internal/jobstore"
	"recap/internal/ledger"
	"recap/internal/logging"
	"recap/internal/metrics"
	"recap/internal/progress"
	"recap/internal/services"
)

// JobCanceller is the slice of the pipeline controller the API needs.
type JobCanceller interface {
	RequestCancel(ctx context.Context, jobID string) error
}

// Server is the authenticated HTTP surface of the daemon.
type Server struct {
	cfg       *config.Config
	store     *jobstore.Store
	ledger    *ledger.Ledger
	blobs     *blob.Gateway
	bus       *progress.Bus
	canceller JobCanceller
	metrics   *metrics.Metrics
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

// New builds the API server.
func New(
	cfg *config.Config,
	store *jobstore.Store,
	quotaLedger *ledger.Ledger,
	blobs *blob.Gateway,
	bus *progress.Bus,
	canceller JobCanceller,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Server {
	return &Server{
		cfg:       cfg,
		store:     store,
		ledger:    quotaLedger,
		blobs:     blobs,
		bus:       bus,
		canceller: canceller,
		metrics:   m,
		logger:    logging.NewComponentLogger(logger, "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Router assembles the route table. Blob downloads authenticate through
// their presigned signature and metrics stay open for scrapers; everything
// else requires a bearer token.
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()

	router.PathPrefix("/api/blobs/").Methods(http.MethodGet).HandlerFunc(s.handleBlobDownload)
	if s.metrics != nil {
		router.Path("/metrics").Handler(s.metrics.Handler())
	}

	authed := router.PathPrefix("/api").Subrouter()
	authed.Use(s.authMiddleware)
	authed.Path("/jobs").Methods(http.MethodPost).HandlerFunc(s.handleCreateJob)
	authed.Path("/jobs").Methods(http.MethodGet).HandlerFunc(s.handleListJobs)
	authed.Path("/jobs/{id}").Methods(http.MethodGet).HandlerFunc(s.handleGetJob)
	authed.Path("/jobs/{id}/cancel").Methods(http.MethodPost).HandlerFunc(s.handleCancelJob)
	authed.Path("/jobs/{id}/events").Methods(http.MethodGet).HandlerFunc(s.handleJobEvents)
	authed.Path("/quota").Methods(http.MethodGet).HandlerFunc(s.handleQuota)
	return router
}

type contextKey string

const ownerKey contextKey = "owner"

// authMiddleware resolves the bearer token to an owner id.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, services.KindUnauthenticated, "missing bearer token")
			return
		}
		owner, ok := s.cfg.Auth.Tokens[token]
		if !ok {
			writeError(w, http.StatusUnauthorized, services.KindUnauthenticated, "unknown token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey, owner)))
	})
}

func ownerFrom(r *http.Request) string {
	owner, _ := r.Context().Value(ownerKey).(string)
	return owner
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error struct {
		Kind    services.Kind `json:"kind"`
		Message string        `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, kind services.Kind, message string) {
	var body errorBody
	body.Error.Kind = kind
	body.Error.Message = message
	writeJSON(w, status, body)
}

// writeFailure maps a service error onto HTTP status codes.
func writeFailure(w http.ResponseWriter, err error) {
	details := services.DetailsOf(err)
	status := http.StatusInternalServerError
	switch details.Kind {
	case services.KindInvalidInput:
		status = http.StatusBadRequest
	case services.KindQuotaExceeded, services.KindPaymentRequired:
		status = http.StatusPaymentRequired
	case services.KindNotFound:
		status = http.StatusNotFound
	case services.KindUnauthenticated:
		status = http.StatusUnauthorized
	case services.KindForbidden:
		status = http.StatusForbidden
	case services.KindCancelled:
		status = http.StatusConflict
	}
	if errors.Is(err, jobstore.ErrNotFound) {
		status = http.StatusNotFound
		details.Kind = services.KindNotFound
	}
	writeError(w, status, details.Kind, details.Message)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
