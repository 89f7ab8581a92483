package models

import (
	"encoding/json"
	"net/http"

	"pillcloud/internal/apperr"
	"pillcloud/internal/logs"
)

// Problem — тело ошибки (в духе RFC 7807) + kind/success для прошивки.
type Problem struct {
	Success bool              `json:"success"`
	Kind    apperr.Kind       `json:"kind"`
	Title   string            `json:"title"`
	Status  int               `json:"status"`
	Detail  string            `json:"detail,omitempty"`
	Extra   map[string]string `json:"extra,omitempty"`
}

func WriteProblem(w http.ResponseWriter, status int, title, detail string, extra map[string]string) {
	p := Problem{
		Kind:   kindForStatus(status),
		Title:  title,
		Status: status,
		Detail: detail,
		Extra:  extra,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError переводит ошибку сервиса в problem-ответ. Internal логируем, наружу без деталей.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if kind == apperr.Internal {
		logs.Logger.WithFields(map[string]any{
			"path":   r.URL.Path,
			"method": r.Method,
		}).Errorf("request failed: %v", err)
	}
	WriteProblem(w, status, http.StatusText(status), apperr.Message(err), nil)
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func kindForStatus(status int) apperr.Kind {
	switch status {
	case http.StatusUnauthorized:
		return apperr.Unauthorized
	case http.StatusForbidden:
		return apperr.Forbidden
	case http.StatusNotFound:
		return apperr.NotFound
	case http.StatusConflict:
		return apperr.Conflict
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return apperr.BadRequest
	default:
		return apperr.Internal
	}
}
