package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/splax/modhost/internal/domain"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps a classified error onto its HTTP shape. The body
// carries both the human reason and the machine-readable kind.
func writeDomainError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	reason := err.Error()
	var de *domain.Error
	if errors.As(err, &de) {
		reason = de.Reason
	}
	writeJSON(w, statusForKind(kind), map[string]string{
		"error": reason,
		"kind":  string(kind),
	})
}

func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindInvalidInput, domain.KindPolicyViolation, domain.KindLicenseInvalid,
		domain.KindConfigValidationFailed, domain.KindBudgetExceeded:
		return http.StatusUnprocessableEntity
	case domain.KindDuplicateModule, domain.KindPortConflict, domain.KindConcurrentModification:
		return http.StatusConflict
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindEngineTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
