package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"bank-settlement/pkg/currency"
	"bank-settlement/pkg/inbound"
	"bank-settlement/pkg/settlement"
)

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, settlement.ErrMalformed):
		return http.StatusInternalServerError
	case errors.Is(err, settlement.ErrValidation),
		errors.Is(err, inbound.ErrUnknownSender),
		errors.Is(err, settlement.ErrSignature):
		return http.StatusBadRequest
	case errors.Is(err, settlement.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, settlement.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, settlement.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, settlement.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, inbound.ErrReplay):
		return http.StatusConflict
	case errors.Is(err, currency.ErrRateUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes {"error": msg} with the status of err.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}
