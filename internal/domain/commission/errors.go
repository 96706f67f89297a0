package commission

import "github.com/agentpay/agentpay-api/internal/pkg/apperr"

var (
	ErrNotAgent             = apperr.New(apperr.Permanent, "account is not an agent")
	ErrPerformanceNotFound  = apperr.New(apperr.Permanent, "monthly performance not found")
	ErrComplaintNotFound    = apperr.New(apperr.Permanent, "complaint not found")
	ErrComplaintResolved    = apperr.New(apperr.Permanent, "complaint already resolved")
	ErrInvalidPeriod        = apperr.New(apperr.Permanent, "invalid year or month")
	ErrInvalidStatus        = apperr.New(apperr.Permanent, "complaint status must be upheld or dismissed")
	ErrMonthSettled         = apperr.New(apperr.Permanent, "month already settled")
	ErrStaleStatement       = apperr.New(apperr.Retryable, "a newer statement is already stored")
	ErrSettlementInProgress = apperr.New(apperr.Retryable, "settlement already running")
)
