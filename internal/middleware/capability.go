package middleware

import (
	"context"
	"net/http"

	"github.com/agentpay/agentpay-api/internal/pkg/response"
)

// Capability names one action a caller may perform at the API boundary.
type Capability string

const (
	CapViewOwnAccount Capability = "accounts.view_own"
	CapSendTransfer   Capability = "transfers.send"
	CapInitiatePay    Capability = "payments.initiate"
	CapFileComplaint  Capability = "complaints.file"

	CapAgentTransfer     Capability = "transfers.agent"
	CapViewOwnCommission Capability = "commission.view_own"

	CapViewAnyAccount    Capability = "accounts.view_any"
	CapOpenAccount       Capability = "accounts.open"
	CapReconcilePayments Capability = "payments.reconcile"
	CapManageCommission  Capability = "commission.manage"
	CapResolveComplaint  Capability = "complaints.resolve"
	CapAuditLedger       Capability = "ledger.audit"
	CapViewAnyCommission Capability = "commission.view_any"
)

const (
	RoleUser     = "user"
	RoleAgent    = "agent"
	RoleOperator = "operator"
)

var (
	userCapabilities = []Capability{
		CapViewOwnAccount, CapSendTransfer, CapInitiatePay, CapFileComplaint,
	}
	agentCapabilities = []Capability{
		CapViewOwnAccount, CapSendTransfer, CapInitiatePay, CapFileComplaint,
		CapAgentTransfer, CapViewOwnCommission,
	}
	operatorCapabilities = []Capability{
		CapViewAnyAccount, CapOpenAccount, CapReconcilePayments, CapManageCommission,
		CapResolveComplaint, CapAuditLedger, CapViewAnyCommission,
	}
)

// RoleCapabilities maps token roles to what they may do.
var RoleCapabilities = map[string][]Capability{
	RoleUser:     userCapabilities,
	RoleAgent:    agentCapabilities,
	RoleOperator: operatorCapabilities,
}

// HasCapability reports whether role grants c.
func HasCapability(role string, c Capability) bool {
	for _, have := range RoleCapabilities[role] {
		if have == c {
			return true
		}
	}
	return false
}

// Can checks the capability of the caller on ctx.
func Can(ctx context.Context, c Capability) bool {
	return HasCapability(GetRole(ctx), c)
}

// RequireCapability rejects callers whose role lacks c.
func RequireCapability(c Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !Can(r.Context(), c) {
				response.Forbidden(w, "Insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// InTerritory reports whether a caller scoped to a territory may see a record
// of territory t. Unscoped callers see everything.
func InTerritory(ctx context.Context, t string) bool {
	scope := GetTerritory(ctx)
	return scope == "" || scope == t
}
