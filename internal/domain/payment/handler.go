package payment

import (
	"errors"
	"io"
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

const maxWebhookBody = 1 << 20

// signatureHeaders are read in order; the first non-empty one wins.
var signatureHeaders = []string{"X-Signature", "Signature", "verif-hash", "Wave-Signature"}

// Handler handles payment HTTP requests
type Handler struct {
	service    *Service
	reconciler *Reconciler
}

// NewHandler creates payment handler
func NewHandler(service *Service, reconciler *Reconciler) *Handler {
	return &Handler{service: service, reconciler: reconciler}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		response.Error(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed")
	case errors.Is(err, ErrMalformedPayload):
		response.BadRequest(w, "malformed webhook payload")
	case errors.Is(err, ErrSessionNotFound):
		response.NotFound(w, "payment session not found")
	case errors.Is(err, ErrCreditDeferred):
		response.RetryLater(w, 5*time.Second, "CREDIT_DEFERRED", "ledger credit could not be confirmed, retry later")
	case errors.Is(err, ErrUnknownProvider):
		response.BadRequest(w, "unknown payment provider")
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrPhoneRequired), errors.Is(err, ErrInvalidAction):
		response.BadRequest(w, err.Error())
	case errors.Is(err, ErrNoAccount):
		response.NotFound(w, "account not found")
	case errors.Is(err, ErrNotResolvable):
		response.Conflict(w, err.Error())
	case errors.Is(err, ErrGatewayFailed):
		response.Error(w, http.StatusBadGateway, "PROVIDER_ERROR", "payment provider refused the request")
	case apperr.IsRetryable(err):
		logger.FromContext(r.Context()).Warn().Err(err).Msg("payment request failed, retryable")
		response.RetryLater(w, time.Second, "RETRY", "temporarily unavailable, retry later")
	default:
		logger.FromContext(r.Context()).Error().Err(err).Msg("payment request failed")
		response.InternalError(w)
	}
}

// Initiate handles POST /payments
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}

	var req InitiateRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	out, err := h.service.Initiate(r.Context(), userID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Created(w, out)
}

// List handles GET /payments
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Unauthorized(w, "unauthorized")
		return
	}
	filter, ok := sessionFilter(w, r)
	if !ok {
		return
	}
	filter.UserID = userID

	sessions, err := h.service.ListSessions(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.OK(w, sessions)
}

// Get handles GET /payments/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid session id")
		return
	}
	session, err := h.service.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if session.UserID != middleware.GetUserID(r.Context()) && !middleware.Can(r.Context(), middleware.CapReconcilePayments) {
		response.NotFound(w, "payment session not found")
		return
	}
	response.OK(w, session)
}

// AdminList handles GET /admin/payments/sessions
func (h *Handler) AdminList(w http.ResponseWriter, r *http.Request) {
	filter, ok := sessionFilter(w, r)
	if !ok {
		return
	}
	if v := r.URL.Query().Get("user_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			response.BadRequest(w, "invalid user_id")
			return
		}
		filter.UserID = id
	}

	sessions, err := h.service.ListSessions(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.OK(w, sessions)
}

// Callbacks handles GET /admin/payments/sessions/{id}/callbacks
func (h *Handler) Callbacks(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid session id")
		return
	}
	callbacks, err := h.service.ListCallbacks(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.OK(w, callbacks)
}

// Resolve handles POST /admin/payments/sessions/{id}/resolve
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid session id")
		return
	}
	var req ResolveRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	session, err := h.service.Resolve(r.Context(), id, middleware.GetUserID(r.Context()), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.OK(w, session)
}

// Webhook handles POST /webhooks/payments and /webhooks/payments/{provider}.
// It answers 200 once the delivery is recorded, 401 on a bad signature,
// 400 on an unusable payload and 503 when the provider should retry.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	var hint Provider
	if p := chi.URLParam(r, "provider"); p != "" {
		hint = Provider(p)
		if !knownProvider(hint) {
			response.NotFound(w, "unknown payment provider")
			return
		}
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		response.BadRequest(w, "unreadable webhook body")
		return
	}

	out, err := h.reconciler.HandleCallback(r.Context(), raw, signatureFrom(r), hint)
	if errors.Is(err, ErrSessionNotFound) {
		// The callback may have overtaken the initiation; the provider retries.
		response.RetryLater(w, 5*time.Second, "SESSION_NOT_FOUND", "payment session not found, retry later")
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.OK(w, out)
}

func signatureFrom(r *http.Request) string {
	for _, name := range signatureHeaders {
		if v := strings.TrimSpace(r.Header.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

func knownProvider(p Provider) bool {
	for _, known := range Providers() {
		if p == known {
			return true
		}
	}
	return false
}

func sessionFilter(w http.ResponseWriter, r *http.Request) (SessionFilter, bool) {
	q := r.URL.Query()
	f := SessionFilter{Status: Status(q.Get("status")), Provider: Provider(q.Get("provider"))}
	switch f.Status {
	case "", StatusPending, StatusCompleted, StatusFailed, StatusCreditFailed:
	default:
		response.BadRequest(w, "unknown status")
		return f, false
	}
	if f.Provider != "" && !knownProvider(f.Provider) {
		response.BadRequest(w, "unknown provider")
		return f, false
	}

	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	f.Limit, f.Offset = limit, (page-1)*limit
	return f, true
}

// Routes serves /payments.
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.With(middleware.RequireCapability(middleware.CapInitiatePay)).Post("/", h.Initiate)
	r.With(middleware.RequireCapability(middleware.CapInitiatePay)).Get("/", h.List)
	r.Get("/{id}", h.Get)
	return r
}

// AdminRoutes serves /admin/payments.
func (h *Handler) AdminRoutes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Use(middleware.RequireCapability(middleware.CapReconcilePayments))
	r.Get("/sessions", h.AdminList)
	r.Get("/sessions/{id}", h.Get)
	r.Get("/sessions/{id}/callbacks", h.Callbacks)
	r.Post("/sessions/{id}/resolve", h.Resolve)
	return r
}

// WebhookRoutes serves /webhooks/payments. Authenticity comes from the
// provider signature, not a bearer token.
func (h *Handler) WebhookRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Webhook)
	r.Post("/{provider}", h.Webhook)
	return r
}
