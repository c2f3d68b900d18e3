package gateway

import (
	"encoding/json"
	"net/http"

	"chatgate/pkg/clock"
	"chatgate/pkg/quota"
)

// Wire format for errors: {"error":{"code","message"}}. Quota exhaustion is
// the exception: its 402 body carries the code as a plain "error" string, a
// top-level message, details and an upgrade pointer.

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

func writeUnauthorized(w http.ResponseWriter) {
	writeAPIError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
}

func writeAccountDisabled(w http.ResponseWriter) {
	writeAPIError(w, http.StatusForbidden, "account_disabled", "account is disabled, contact the operator")
}

func writeTooManyRequests(w http.ResponseWriter) {
	writeAPIError(w, http.StatusTooManyRequests, "too_many_requests", "a request is already in flight, retry after it completes")
}

func writeQuotaExhausted(w http.ResponseWriter, e *quota.ExhaustedError) {
	writeJSON(w, http.StatusPaymentRequired, map[string]any{
		"error":   "quota_exceeded",
		"message": "monthly quota exhausted, upgrade or wait for the reset",
		"details": map[string]any{
			"used":     e.Used,
			"limit":    e.Limit,
			"reset_at": clock.Format(e.ResetAt),
		},
		"upgrade_url": "https://your-site.com/upgrade",
	})
}

func writeInternalError(w http.ResponseWriter) {
	writeAPIError(w, http.StatusInternalServerError, "internal_error", "internal error")
}
