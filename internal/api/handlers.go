package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/openledgerhq/ledgerd/internal/domain"
)

type createInstanceRequest struct {
	Address     string         `json:"address"`
	Description string         `json:"description,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

func (h *Handler) CreateInstanceHandler(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "malformed JSON body", "POST", "/instances")
		return
	}
	if req.Address == "" {
		h.respondDomainError(w, domain.NewFieldError("address", "required"), "POST", "/instances")
		return
	}

	inst := &domain.Instance{
		Address:     req.Address,
		Description: req.Description,
		Config:      req.Config,
	}
	if err := h.store.InsertInstance(r.Context(), inst); err != nil {
		h.respondDomainError(w, err, "POST", "/instances")
		return
	}
	w.Header().Set("Location", "/api/v1/instances/"+inst.Address)
	h.respondJSON(w, http.StatusCreated, inst, "POST", "/instances")
}

func (h *Handler) GetInstanceHandler(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	inst, err := h.store.GetInstanceByAddress(r.Context(), h.store.Pool(), address)
	if err != nil {
		h.respondDomainError(w, err, "GET", "/instances/{address}")
		return
	}
	h.respondJSON(w, http.StatusOK, inst, "GET", "/instances/{address}")
}

// SubmitCommandHandler is the asynchronous write path: the command and its
// queue item are made durable and 202 comes back immediately; a scheduler
// applies the command later. A duplicate returns the original command with
// 200 so retrying clients converge without a special case.
func (h *Handler) SubmitCommandHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/commands"))
	defer timer.ObserveDuration()

	var ev domain.EventMap
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.respondError(w, http.StatusBadRequest, "malformed JSON body", "POST", "/commands")
		return
	}

	cmd, item, err := h.worker.Submit(r.Context(), ev)
	if errors.Is(err, domain.ErrDuplicateCommand) {
		h.respondJSON(w, http.StatusOK, map[string]any{
			"command": cmd,
			"item":    item,
			"replay":  true,
		}, "POST", "/commands")
		return
	}
	if err != nil {
		h.respondDomainError(w, err, "POST", "/commands")
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/commands/%s", cmd.ID))
	h.respondJSON(w, http.StatusAccepted, map[string]any{
		"command": cmd,
		"item":    item,
	}, "POST", "/commands")
}

// SubmitCommandSyncHandler applies the command inline and returns the
// produced artifact. On failure nothing is persisted; the idempotency key
// stays free for a corrected resubmission.
func (h *Handler) SubmitCommandSyncHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/commands/sync"))
	defer timer.ObserveDuration()

	var ev domain.EventMap
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.respondError(w, http.StatusBadRequest, "malformed JSON body", "POST", "/commands/sync")
		return
	}

	res, err := h.worker.SubmitSync(r.Context(), ev)
	if err != nil {
		h.respondDomainError(w, err, "POST", "/commands/sync")
		return
	}

	body := map[string]any{"command": res.Command}
	if res.Account != nil {
		body["account"] = res.Account
	}
	if res.Transaction != nil {
		body["transaction"] = res.Transaction
	}
	code := http.StatusCreated
	if res.Replayed {
		body["replay"] = true
		code = http.StatusOK
	}
	h.respondJSON(w, code, body, "POST", "/commands/sync")
}

func (h *Handler) GetCommandHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid command id", "GET", "/commands/{id}")
		return
	}

	cmd, err := h.store.GetCommand(r.Context(), h.store.Pool(), id)
	if err != nil {
		h.respondDomainError(w, err, "GET", "/commands/{id}")
		return
	}
	item, err := h.store.GetQueueItemByCommand(r.Context(), h.store.Pool(), cmd.ID)
	if err != nil {
		h.respondDomainError(w, err, "GET", "/commands/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"command": cmd,
		"item":    item,
	}, "GET", "/commands/{id}")
}

func (h *Handler) ListCommandsHandler(w http.ResponseWriter, r *http.Request) {
	inst, err := h.store.GetInstanceByAddress(r.Context(), h.store.Pool(), mux.Vars(r)["address"])
	if err != nil {
		h.respondDomainError(w, err, "GET", "/instances/{address}/commands")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	status := domain.ItemStatus(r.URL.Query().Get("status"))
	commands, err := h.store.ListCommands(r.Context(), inst.ID, status, limit)
	if err != nil {
		h.respondDomainError(w, err, "GET", "/instances/{address}/commands")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"commands": commands}, "GET", "/instances/{address}/commands")
}

func (h *Handler) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	inst, err := h.store.GetInstanceByAddress(r.Context(), h.store.Pool(), mux.Vars(r)["address"])
	if err != nil {
		h.respondDomainError(w, err, "GET", "/instances/{address}/accounts")
		return
	}

	accounts, err := h.store.ListAccounts(r.Context(), inst.ID, r.URL.Query().Get("type"))
	if err != nil {
		h.respondDomainError(w, err, "GET", "/instances/{address}/accounts")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"accounts": accounts}, "GET", "/instances/{address}/accounts")
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	inst, err := h.store.GetInstanceByAddress(r.Context(), h.store.Pool(), vars["address"])
	if err != nil {
		h.respondDomainError(w, err, "GET", "/instances/{address}/accounts/{account}")
		return
	}

	account, err := h.store.GetAccount(r.Context(), h.store.Pool(), inst.ID, vars["account"])
	if err != nil {
		h.respondDomainError(w, err, "GET", "/instances/{address}/accounts/{account}")
		return
	}
	h.respondJSON(w, http.StatusOK, account, "GET", "/instances/{address}/accounts/{account}")
}

func (h *Handler) GetAccountHistoryHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	inst, err := h.store.GetInstanceByAddress(r.Context(), h.store.Pool(), vars["address"])
	if err != nil {
		h.respondDomainError(w, err, "GET", "/instances/{address}/accounts/{account}/history")
		return
	}
	account, err := h.store.GetAccount(r.Context(), h.store.Pool(), inst.ID, vars["account"])
	if err != nil {
		h.respondDomainError(w, err, "GET", "/instances/{address}/accounts/{account}/history")
		return
	}

	history, err := h.store.ListBalanceHistory(r.Context(), account.ID)
	if err != nil {
		h.respondDomainError(w, err, "GET", "/instances/{address}/accounts/{account}/history")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"history": history}, "GET", "/instances/{address}/accounts/{account}/history")
}

func (h *Handler) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid transaction id", "GET", "/transactions/{id}")
		return
	}

	t, err := h.store.GetTransaction(r.Context(), h.store.Pool(), id)
	if err != nil {
		h.respondDomainError(w, err, "GET", "/transactions/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, t, "GET", "/transactions/{id}")
}
