package api

import (
	"encoding/json"
	"net/http"

	"github.com/nunnarivu-labs/ishtar/internal/apperr"

	"github.com/sirupsen/logrus"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.Unauthenticated:
		return http.StatusUnauthorized
	case apperr.InvalidArgument:
		return http.StatusBadRequest
	case apperr.QuotaExceeded:
		return http.StatusTooManyRequests
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.ProviderRefused:
		return http.StatusUnprocessableEntity
	case apperr.ProviderEmpty, apperr.Upstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := StatusFor(kind)
	if status >= http.StatusInternalServerError {
		logrus.Errorf("Request failed: %v", err)
	}
	writeJSON(w, status, errorBody{Code: string(kind), Message: apperr.MessageOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Errorf("Error encoding response: %v", err)
	}
}
