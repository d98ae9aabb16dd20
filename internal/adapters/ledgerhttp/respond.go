package ledgerhttp

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"exportcore/pkg/domain"
)

type envelope struct {
	Data     any                `json:"data"`
	Warnings []domain.Violation `json:"warnings,omitempty"`
}

type errorBody struct {
	Error      string             `json:"error"`
	Reason     string             `json:"reason"`
	Violations []domain.Violation `json:"violations,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeData(w http.ResponseWriter, status int, data any, res domain.Result) {
	writeJSON(w, status, envelope{Data: data, Warnings: res.Violations})
}

func writeError(w http.ResponseWriter, status int, msg, reason string) {
	writeJSON(w, status, errorBody{Error: msg, Reason: reason})
}

// statusFor maps a ledger failure onto an HTTP status.
func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInvalidState, domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindConflict, domain.KindRule:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind, reason := domain.Classify(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		h.logger.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).WithError(err).Error("request failed")
		writeError(w, status, "internal error", "internal")
		return
	}
	body := errorBody{Error: err.Error(), Reason: reason}
	var rule domain.RuleViolationError
	if errors.As(err, &rule) {
		body.Violations = rule.Result.Violations
	}
	writeJSON(w, status, body)
}
