package commission

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agentpay/agentpay-api/internal/domain/ledger"
	"github.com/agentpay/agentpay-api/internal/middleware"
	"github.com/agentpay/agentpay-api/internal/pkg/logger"
	"github.com/agentpay/agentpay-api/internal/pkg/response"
	"github.com/agentpay/agentpay-api/internal/pkg/validator"
)

// Handler handles commission HTTP requests
type Handler struct {
	service *Service
}

// NewHandler creates commission handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type recomputeRequest struct {
	AgentID *uuid.UUID `json:"agent_id"`
	Year    int        `json:"year" validate:"omitempty,gte=2000,lte=9999"`
	Month   int        `json:"month" validate:"omitempty,gte=1,lte=12"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		response.NotFound(w, "agent not found")
	case errors.Is(err, ErrNotAgent):
		response.Error(w, http.StatusUnprocessableEntity, "NOT_AGENT", "account is not an agent")
	case errors.Is(err, ErrInvalidPeriod):
		response.BadRequest(w, "invalid year, month or date")
	case errors.Is(err, ErrInvalidStatus):
		response.BadRequest(w, err.Error())
	case errors.Is(err, ErrPerformanceNotFound):
		response.NotFound(w, "no performance recorded for this month")
	case errors.Is(err, ErrComplaintNotFound):
		response.NotFound(w, "complaint not found")
	case errors.Is(err, ErrComplaintResolved):
		response.Conflict(w, "complaint already resolved")
	case errors.Is(err, ErrMonthSettled):
		response.Error(w, http.StatusConflict, "MONTH_SETTLED", "month already settled")
	case errors.Is(err, ErrSettlementInProgress):
		response.RetryLater(w, time.Minute, "SETTLEMENT_IN_PROGRESS", "settlement already running")
	default:
		logger.FromContext(r.Context()).Error().Err(err).Msg("commission request failed")
		response.InternalError(w)
	}
}

// period reads ?year=&month=, defaulting to the current UTC month.
func period(r *http.Request) (int, int, bool) {
	now := time.Now().UTC()
	year, month := now.Year(), int(now.Month())
	q := r.URL.Query()
	if v := q.Get("year"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, 0, false
		}
		year = n
	}
	if v := q.Get("month"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, 0, false
		}
		month = n
	}
	return year, month, validPeriod(year, month) == nil
}

// Quota handles GET /agents/me/quota?date=
func (h *Handler) Quota(w http.ResponseWriter, r *http.Request) {
	agentID := middleware.GetUserID(r.Context())
	q, err := h.service.DailyQuota(r.Context(), agentID, r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.OK(w, q)
}

// Quotas handles GET /agents/me/quotas?year=&month=
func (h *Handler) Quotas(w http.ResponseWriter, r *http.Request) {
	year, month, ok := period(r)
	if !ok {
		response.BadRequest(w, "invalid year or month")
		return
	}
	quotas, err := h.service.Quotas(r.Context(), middleware.GetUserID(r.Context()), year, month)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if quotas == nil {
		quotas = []*DailyQuota{}
	}
	response.OK(w, quotas)
}

// MyPerformance handles GET /agents/me/performance?year=&month=
func (h *Handler) MyPerformance(w http.ResponseWriter, r *http.Request) {
	h.performance(w, r, middleware.GetUserID(r.Context()))
}

// AgentPerformance handles GET /agents/{id}/performance for operators.
func (h *Handler) AgentPerformance(w http.ResponseWriter, r *http.Request) {
	agentID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid agent id")
		return
	}
	h.performance(w, r, agentID)
}

func (h *Handler) performance(w http.ResponseWriter, r *http.Request, agentID uuid.UUID) {
	year, month, ok := period(r)
	if !ok {
		response.BadRequest(w, "invalid year or month")
		return
	}
	p, err := h.service.Performance(r.Context(), agentID, year, month)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !middleware.InTerritory(r.Context(), p.Territory) {
		response.NotFound(w, "no performance recorded for this month")
		return
	}
	response.OK(w, p)
}

// Leaderboard handles GET /agents/leaderboard?year=&month=&territory=
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !middleware.Can(ctx, middleware.CapViewOwnCommission) && !middleware.Can(ctx, middleware.CapViewAnyCommission) {
		response.Forbidden(w, "Insufficient permissions")
		return
	}
	year, month, ok := period(r)
	if !ok {
		response.BadRequest(w, "invalid year or month")
		return
	}
	territory := r.URL.Query().Get("territory")
	if scope := middleware.GetTerritory(ctx); scope != "" && middleware.Can(ctx, middleware.CapViewAnyCommission) {
		territory = scope
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	rows, err := h.service.Leaderboard(ctx, year, month, territory, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []*MonthlyPerformance{}
	}
	response.OK(w, rows)
}

// FileComplaint handles POST /complaints
func (h *Handler) FileComplaint(w http.ResponseWriter, r *http.Request) {
	var req FileComplaintRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}
	c, err := h.service.FileComplaint(r.Context(), middleware.GetUserID(r.Context()), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Created(w, c)
}

// ResolveComplaint handles POST /admin/complaints/{id}/resolve
func (h *Handler) ResolveComplaint(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "invalid complaint id")
		return
	}
	var req ResolveComplaintRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}
	c, err := h.service.ResolveComplaint(r.Context(), id, req.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.OK(w, c)
}

// Recompute handles POST /admin/commission/recompute. With an agent id one
// month is rebuilt, otherwise the recent months of every agent.
func (h *Handler) Recompute(w http.ResponseWriter, r *http.Request) {
	var req recomputeRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil && !errors.Is(err, io.EOF) {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if errs := validator.Validate(&req); errs != nil {
		response.ValidationError(w, errs)
		return
	}

	if req.AgentID == nil {
		n, err := h.service.RecomputeRecent(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.OK(w, map[string]int{"agents": n})
		return
	}

	now := time.Now().UTC()
	if req.Year == 0 {
		req.Year = now.Year()
	}
	if req.Month == 0 {
		req.Month = int(now.Month())
	}
	p, err := h.service.Recompute(r.Context(), *req.AgentID, req.Year, req.Month)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.OK(w, p)
}

// Settle handles POST /admin/commission/settle
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Settle(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.OK(w, report)
}

// AgentRoutes serves /agents.
func (h *Handler) AgentRoutes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireCapability(middleware.CapViewOwnCommission))
		r.Get("/me/quota", h.Quota)
		r.Get("/me/quotas", h.Quotas)
		r.Get("/me/performance", h.MyPerformance)
	})
	r.Get("/leaderboard", h.Leaderboard)
	r.With(middleware.RequireCapability(middleware.CapViewAnyCommission)).Get("/{id}/performance", h.AgentPerformance)
	return r
}

// ComplaintRoutes serves /complaints.
func (h *Handler) ComplaintRoutes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.With(middleware.RequireCapability(middleware.CapFileComplaint)).Post("/", h.FileComplaint)
	return r
}

// AdminRoutes serves /admin/complaints and /admin/commission.
func (h *Handler) AdminRoutes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.With(middleware.RequireCapability(middleware.CapResolveComplaint)).Post("/complaints/{id}/resolve", h.ResolveComplaint)
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireCapability(middleware.CapManageCommission))
		r.Post("/commission/recompute", h.Recompute)
		r.Post("/commission/settle", h.Settle)
	})
	return r
}
