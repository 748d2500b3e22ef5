// Package api is the HTTP surface: command submission (asynchronous and
// synchronous), instance management, and read endpoints over accounts,
// transactions and the command queue.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/openledgerhq/ledgerd/internal/domain"
	"github.com/openledgerhq/ledgerd/internal/store"
	"github.com/openledgerhq/ledgerd/internal/worker"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerd_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledgerd_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	store  *store.Store
	worker *worker.Worker
	log    *zap.Logger
}

func NewHandler(s *store.Store, w *worker.Worker, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{store: s, worker: w, log: log}
}

// Router wires every endpoint. Mutations all go through the command model;
// there is no direct write path to accounts or transactions.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/instances", h.CreateInstanceHandler).Methods(http.MethodPost)
	v1.HandleFunc("/instances/{address}", h.GetInstanceHandler).Methods(http.MethodGet)

	v1.HandleFunc("/commands", h.SubmitCommandHandler).Methods(http.MethodPost)
	v1.HandleFunc("/commands/sync", h.SubmitCommandSyncHandler).Methods(http.MethodPost)
	v1.HandleFunc("/instances/{address}/commands", h.ListCommandsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/commands/{id}", h.GetCommandHandler).Methods(http.MethodGet)

	v1.HandleFunc("/instances/{address}/accounts", h.ListAccountsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/instances/{address}/accounts/{account}", h.GetAccountHandler).Methods(http.MethodGet)
	v1.HandleFunc("/instances/{address}/accounts/{account}/history", h.GetAccountHistoryHandler).Methods(http.MethodGet)
	v1.HandleFunc("/transactions/{id}", h.GetTransactionHandler).Methods(http.MethodGet)
	return r
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", "/health")
}

// respondDomainError maps domain errors onto HTTP statuses. Validation
// failures carry their field list; everything unrecognized is a 500 with the
// detail kept in the log, not the response.
func (h *Handler) respondDomainError(w http.ResponseWriter, err error, method, endpoint string) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		h.respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  "validation failed",
			"fields": verr.Fields,
		}, method, endpoint)
		return
	}

	switch {
	case errors.Is(err, domain.ErrInstanceNotFound),
		errors.Is(err, domain.ErrAccountNotFound),
		errors.Is(err, domain.ErrTransactionNotFound),
		errors.Is(err, domain.ErrCommandNotFound):
		h.respondError(w, http.StatusNotFound, err.Error(), method, endpoint)
	case errors.Is(err, domain.ErrDuplicateCommand):
		h.respondError(w, http.StatusConflict, err.Error(), method, endpoint)
	case errors.Is(err, store.ErrInstanceExists), errors.Is(err, store.ErrAccountExists):
		h.respondError(w, http.StatusConflict, err.Error(), method, endpoint)
	case errors.Is(err, domain.ErrNegativeBalance),
		errors.Is(err, domain.ErrCurrencyMismatch),
		errors.Is(err, domain.ErrUnbalancedEntries),
		errors.Is(err, domain.ErrTooFewEntries),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrEntryTypeImmutable),
		errors.Is(err, domain.ErrAccountSetChanged),
		errors.Is(err, domain.ErrImmutableField),
		errors.Is(err, domain.ErrDependencyDead):
		h.respondError(w, http.StatusUnprocessableEntity, err.Error(), method, endpoint)
	case errors.Is(err, domain.ErrOCCTimeout):
		h.respondError(w, http.StatusConflict, "account contention, retry later", method, endpoint)
	default:
		h.log.Error("request failed", zap.String("endpoint", endpoint), zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "internal server error", method, endpoint)
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload any, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			h.log.Warn("response encode failed", zap.Error(err))
		}
	}
}

func (h *Handler) respondError(w http.ResponseWriter, code int, message, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": message}, method, endpoint)
}
