// Package adminapi — HTTP API оператора (/api/admin).
package adminapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pillcloud/internal/apperr"
	"pillcloud/internal/auth"
	"pillcloud/internal/devices"
	"pillcloud/internal/dispatch"
	"pillcloud/internal/firmware"
	"pillcloud/internal/logs"
	"pillcloud/internal/models"
	"pillcloud/internal/notify"
	"pillcloud/internal/repo"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const maxJSONBody = 256 << 10

type Deps struct {
	Auth     *auth.Authenticator
	Devices  *devices.Service
	Dispatch *dispatch.Dispatcher
	Firmware *firmware.Registry
	Store    *repo.Store
	Notifier *notify.Notifier
	// MaxUpload — лимит тела multipart с прошивкой, байты
	MaxUpload int64
}

type HTTP struct {
	Deps
	log *logrus.Entry
}

func NewHTTP(d Deps) *HTTP {
	return &HTTP{Deps: d, log: logs.Component("adminapi")}
}

func (h *HTTP) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/admin/login", h.login).Methods(http.MethodPost)

	api := r.PathPrefix("/api/admin").Subrouter()
	api.Use(h.Auth.Middleware)

	// devices
	api.HandleFunc("/devices", h.listDevices).Methods(http.MethodGet)
	api.HandleFunc("/devices", h.provisionDevice).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id}", h.getDevice).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}", h.patchDevice).Methods(http.MethodPatch)
	api.HandleFunc("/devices/{id}", h.deleteDevice).Methods(http.MethodDelete)
	api.HandleFunc("/devices/{id}/state", h.setState).Methods(http.MethodPut)
	api.HandleFunc("/devices/{id}/rotate-key", h.rotateKey).Methods(http.MethodPost)

	// commands
	api.HandleFunc("/devices/{id}/commands", h.listCommands).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/commands", h.enqueueCommand).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id}/reboot", h.reboot).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id}/wifi", h.setWifi).Methods(http.MethodPost)
	api.HandleFunc("/devices/{id}/led", h.setLED).Methods(http.MethodPost)

	// schedule
	api.HandleFunc("/devices/{id}/schedule", h.getSchedule).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}/schedule", h.putSchedule).Methods(http.MethodPut)

	// OTA по устройству
	api.HandleFunc("/devices/{id}/ota", h.pinFirmware).Methods(http.MethodPut)
	api.HandleFunc("/devices/{id}/ota", h.unpinFirmware).Methods(http.MethodDelete)
	api.HandleFunc("/devices/{id}/ota/rollback", h.rollbackDevice).Methods(http.MethodPost)

	// firmware
	api.HandleFunc("/firmware", h.listFirmware).Methods(http.MethodGet)
	api.HandleFunc("/firmware", h.uploadFirmware).Methods(http.MethodPost)
	api.HandleFunc("/firmware/rollback", h.rollbackFleet).Methods(http.MethodPost)
	api.HandleFunc("/firmware/{version}", h.deleteFirmware).Methods(http.MethodDelete)
	api.HandleFunc("/firmware/{version}/stable", h.setStable).Methods(http.MethodPut)

	// журнал, сводка, уведомления
	api.HandleFunc("/events", h.listEvents).Methods(http.MethodGet)
	api.HandleFunc("/stats", h.stats).Methods(http.MethodGet)
	api.HandleFunc("/notifications/test", h.testNotification).Methods(http.MethodPost)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.New(apperr.BadRequest, "empty body")
		}
		return apperr.Wrap(apperr.BadRequest, err, "malformed json")
	}
	return nil
}

func ok(w http.ResponseWriter, status int, fields map[string]any) {
	out := map[string]any{"success": true}
	for k, v := range fields {
		out[k] = v
	}
	models.WriteJSON(w, status, out)
}

func queryLimit(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, apperr.New(apperr.BadRequest, "%s must be RFC3339", key)
	}
	t = t.UTC()
	return &t, nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// POST /api/admin/login: JWT для дашборда.
func (h *HTTP) login(w http.ResponseWriter, r *http.Request) {
	var in loginRequest
	if err := decodeJSON(w, r, &in); err != nil {
		models.WriteError(w, r, err)
		return
	}
	role, err := h.Auth.Check(strings.TrimSpace(in.Username), in.Password)
	if err != nil {
		h.log.WithField("username", in.Username).Warn("admin login failed")
		models.WriteError(w, r, err)
		return
	}
	token, exp, err := h.Auth.Issue(in.Username, role)
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	h.log.WithFields(logrus.Fields{"username": in.Username, "role": role}).Info("admin login")
	ok(w, http.StatusOK, map[string]any{"token": token, "expires_at": exp, "role": role})
}

func (h *HTTP) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.Devices.Stats(r.Context())
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	ok(w, http.StatusOK, map[string]any{"stats": st})
}

func (h *HTTP) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := repo.EventFilter{Type: strings.TrimSpace(q.Get("type")), Limit: queryLimit(r)}
	if dev := strings.TrimSpace(q.Get("device")); dev != "" {
		d, err := h.Devices.Resolve(r.Context(), dev)
		switch {
		case err == nil:
			f.DeviceIdentity = d.Identity
		case apperr.Is(err, apperr.NotFound):
			// у удалённого устройства журнал остаётся
			f.DeviceIdentity = strings.ToLower(dev)
		default:
			models.WriteError(w, r, err)
			return
		}
	}
	var err error
	if f.Since, err = queryTime(r, "since"); err != nil {
		models.WriteError(w, r, err)
		return
	}
	if f.Until, err = queryTime(r, "until"); err != nil {
		models.WriteError(w, r, err)
		return
	}
	events, err := h.Store.ListEvents(r.Context(), f)
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	ok(w, http.StatusOK, map[string]any{"events": events})
}

type testNotificationRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

func (h *HTTP) testNotification(w http.ResponseWriter, r *http.Request) {
	var in testNotificationRequest
	if err := decodeJSON(w, r, &in); err != nil {
		models.WriteError(w, r, err)
		return
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		text = "pillcloud: test notification"
	}
	if err := h.Notifier.Test(r.Context(), strings.TrimSpace(in.ChatID), text); err != nil {
		if errors.Is(err, notify.ErrDisabled) {
			models.WriteError(w, r, apperr.New(apperr.Conflict, "notifications are not configured"))
			return
		}
		h.log.Warnf("test notification: %v", err)
		models.WriteProblem(w, http.StatusBadGateway, "Bad Gateway", "notification delivery failed", nil)
		return
	}
	ok(w, http.StatusOK, nil)
}
