package ledger

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agentpay/agentpay-api/internal/middleware"
	"github.com/agentpay/agentpay-api/internal/pkg/apperr"
	"github.com/agentpay/agentpay-api/internal/pkg/logger"
	"github.com/agentpay/agentpay-api/internal/pkg/response"
	"github.com/agentpay/agentpay-api/internal/pkg/validator"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type openAccountRequest struct {
	ID        *uuid.UUID `json:"id"`
	Role      string     `json:"role" validate:"required,account_role"`
	Territory string     `json:"territory" validate:"max=64"`
	Timezone  string     `json:"timezone" validate:"omitempty,timezone"`
}

type transferRequest struct {
	IdempotencyKey string    `json:"idempotency_key" validate:"omitempty,max=200"`
	CounterpartyID uuid.UUID `json:"counterparty_id"`
	Amount         int64     `json:"amount" validate:"required,gt=0"`
}

type redeemRequest struct {
	IdempotencyKey string `json:"idempotency_key" validate:"omitempty,max=200"`
	Amount         int64  `json:"amount" validate:"required,gt=0"`
}

// idempotencyKey prefers the header and falls back to the body field, then
// scopes the key to the caller. It writes the error response itself and
// returns ok=false when the key is missing or reserved.
func idempotencyKey(w http.ResponseWriter, r *http.Request, callerID uuid.UUID, body string) (string, bool) {
	raw := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if raw == "" {
		raw = strings.TrimSpace(body)
	}
	if raw == "" {
		response.BadRequest(w, "Idempotency-Key header or idempotency_key is required")
		return "", false
	}
	key, err := ClientKey(callerID, raw)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "RESERVED_IDEMPOTENCY_KEY", "idempotency key uses a reserved prefix")
		return "", false
	}
	return key, true
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		switch opErr.Kind() {
		case KindInvalid:
			response.BadRequest(w, opErr.Error())
		case KindInsufficientFunds:
			response.Error(w, http.StatusConflict, "INSUFFICIENT_FUNDS", "insufficient funds")
		case KindLimitExceeded:
			response.TooManyRequests(w, "LIMIT_EXCEEDED", "transaction limit exceeded")
		case KindAccountNotFound:
			response.NotFound(w, "account not found")
		case KindRoleMismatch:
			response.Error(w, http.StatusUnprocessableEntity, "ROLE_MISMATCH", "account cannot take part in this operation")
		case KindIdempotencyConflict:
			response.Error(w, http.StatusConflict, "IDEMPOTENCY_CONFLICT", "idempotency key already used for a different operation")
		default:
			if apperr.IsRetryable(err) {
				response.RetryLater(w, time.Second, "RETRY", "temporarily unavailable, retry with the same idempotency key")
				return
			}
			logger.FromContext(r.Context()).Error().Err(err).Msg("ledger operation failed")
			response.InternalError(w)
		}
		return
	}

	switch {
	case errors.Is(err, ErrInvalidOperation):
		response.BadRequest(w, err.Error())
	case errors.Is(err, ErrAccountNotFound):
		response.NotFound(w, "account not found")
	case errors.Is(err, ErrOperationNotFound):
		response.NotFound(w, "operation not found")
	case errors.Is(err, ErrAccountExists):
		response.Conflict(w, "account already exists")
	default:
		logger.FromContext(r.Context()).Error().Err(err).Msg("ledger request failed")
		response.InternalError(w)
	}
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}
	account, err := h.svc.engine.Account(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.OK(w, account)
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid account id")
		return
	}
	account, err := h.svc.engine.Account(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !middleware.InTerritory(r.Context(), account.Territory) {
		response.NotFound(w, "account not found")
		return
	}
	response.OK(w, account)
}

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	territory := q.Get("territory")
	if scope := middleware.GetTerritory(r.Context()); scope != "" {
		territory = scope
	}
	page, limit := pageParams(r)
	accounts, err := h.svc.engine.Accounts(r.Context(), Role(q.Get("role")), territory, limit, (page-1)*limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.OK(w, accounts)
}

func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req openAccountRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}
	if !middleware.InTerritory(r.Context(), req.Territory) {
		response.Forbidden(w, "territory outside operator scope")
		return
	}

	open := OpenAccountRequest{Role: Role(req.Role), Territory: req.Territory, Timezone: req.Timezone}
	if req.ID != nil {
		open.ID = *req.ID
	}
	account, err := h.svc.OpenAccount(r.Context(), open)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Created(w, account)
}

func (h *Handler) Entries(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	q := r.URL.Query()
	page, limit := pageParams(r)
	filter := EntryFilter{
		AccountID: userID,
		Reason:    Reason(q.Get("reason")),
		Limit:     limit,
		Offset:    (page - 1) * limit,
	}
	if filter.Reason != "" && !filter.Reason.Valid() {
		response.BadRequest(w, "unknown reason")
		return
	}
	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				response.BadRequest(w, name+" must be RFC3339")
				return
			}
			*dst = &t
		}
	}

	entries, total, err := h.svc.engine.History(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.WithMeta(w, entries, response.Paginate(total, page, limit))
}

func (h *Handler) Operation(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	// Callers look up their own operations by the key they sent; system keys
	// and operator lookups use the stored key as is.
	if !middleware.Can(r.Context(), middleware.CapViewAnyAccount) && !ReservedKey(key) {
		scoped, err := ClientKey(middleware.GetUserID(r.Context()), key)
		if err != nil {
			writeError(w, r, err)
			return
		}
		key = scoped
	}
	result, err := h.svc.engine.Operation(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if !middleware.Can(r.Context(), middleware.CapViewAnyAccount) {
		userID := middleware.GetUserID(r.Context())
		participant := false
		for _, e := range result.Entries {
			if e.AccountID == userID {
				participant = true
				break
			}
		}
		if !participant {
			response.NotFound(w, "operation not found")
			return
		}
	}
	response.OK(w, result)
}

func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.handleTransfer(w, r, func(req transferRequest, key string, callerID uuid.UUID) (*Result, error) {
		return h.svc.AgentDeposit(r.Context(), key, callerID, req.CounterpartyID, req.Amount)
	})
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.handleTransfer(w, r, func(req transferRequest, key string, callerID uuid.UUID) (*Result, error) {
		return h.svc.Withdraw(r.Context(), key, callerID, req.CounterpartyID, req.Amount)
	})
}

func (h *Handler) P2P(w http.ResponseWriter, r *http.Request) {
	h.handleTransfer(w, r, func(req transferRequest, key string, callerID uuid.UUID) (*Result, error) {
		return h.svc.Transfer(r.Context(), key, callerID, req.CounterpartyID, req.Amount)
	})
}

func (h *Handler) PayBill(w http.ResponseWriter, r *http.Request) {
	h.handleTransfer(w, r, func(req transferRequest, key string, callerID uuid.UUID) (*Result, error) {
		return h.svc.PayBill(r.Context(), key, callerID, req.CounterpartyID, req.Amount)
	})
}

func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	callerID := middleware.GetUserID(r.Context())
	if callerID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}
	var req redeemRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}
	key, ok := idempotencyKey(w, r, callerID, req.IdempotencyKey)
	if !ok {
		return
	}
	result, err := h.svc.RedeemCommission(r.Context(), key, callerID, req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResult(w, result)
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request, fn func(req transferRequest, key string, callerID uuid.UUID) (*Result, error)) {
	callerID := middleware.GetUserID(r.Context())
	if callerID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req transferRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}
	if req.CounterpartyID == uuid.Nil {
		response.ValidationError(w, map[string]string{"counterparty_id": "This field is required"})
		return
	}
	key, ok := idempotencyKey(w, r, callerID, req.IdempotencyKey)
	if !ok {
		return
	}

	result, err := fn(req, key, callerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeResult(w, result)
}

func writeResult(w http.ResponseWriter, result *Result) {
	if result.Replayed {
		response.OK(w, result)
		return
	}
	response.Created(w, result)
}

func (h *Handler) Invariants(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.engine.CheckInvariants(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.OK(w, map[string]interface{}{
		"ok":     report.OK(),
		"report": report,
	})
}

func pageParams(r *http.Request) (page, limit int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return page, limit
}

// AccountRoutes serves /accounts.
func (h *Handler) AccountRoutes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.With(middleware.RequireCapability(middleware.CapViewOwnAccount)).Get("/me", h.Me)
	r.With(middleware.RequireCapability(middleware.CapViewAnyAccount)).Get("/", h.ListAccounts)
	r.With(middleware.RequireCapability(middleware.CapViewAnyAccount)).Get("/{id}", h.GetAccount)
	r.With(middleware.RequireCapability(middleware.CapOpenAccount)).Post("/", h.OpenAccount)
	return r
}

// LedgerRoutes serves /ledger.
func (h *Handler) LedgerRoutes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.With(middleware.RequireCapability(middleware.CapViewOwnAccount)).Get("/entries", h.Entries)
	r.Get("/operations/{key}", h.Operation)
	return r
}

// TransferRoutes serves /transfers.
func (h *Handler) TransferRoutes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.With(middleware.RequireCapability(middleware.CapAgentTransfer)).Post("/deposit", h.Deposit)
	r.With(middleware.RequireCapability(middleware.CapSendTransfer)).Post("/withdraw", h.Withdraw)
	r.With(middleware.RequireCapability(middleware.CapSendTransfer)).Post("/p2p", h.P2P)
	r.With(middleware.RequireCapability(middleware.CapSendTransfer)).Post("/billpay", h.PayBill)
	r.With(middleware.RequireCapability(middleware.CapAgentTransfer)).Post("/redeem", h.Redeem)
	return r
}

// AdminRoutes serves /admin/ledger.
func (h *Handler) AdminRoutes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Use(middleware.RequireCapability(middleware.CapAuditLedger))
	r.Get("/invariants", h.Invariants)
	return r
}
