package devapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"pillcloud/internal/apperr"
	"pillcloud/internal/bus"
	"pillcloud/internal/firmware"
	"pillcloud/internal/heartbeat"
	"pillcloud/internal/logs"
	"pillcloud/internal/models"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

/*
Эндпоинты прошивки диспенсера:

POST /api/device/register
POST /api/device/heartbeat
POST /api/device/check-update
POST /api/device/event
POST /api/device/commands/{id}/ack
GET  /api/device/firmware/{version}

Хуки брокера (Bearer broker.hook_secret):

POST /api/broker/authn
POST /api/broker/authz
*/

const (
	HeaderDeviceKey = "X-Device-Key"
	HeaderDeviceID  = "X-Device-Id"
	HeaderEnrollKey = "X-Enroll-Key"
	HeaderSHA256    = "X-Firmware-Sha256"

	maxBody = 64 << 10
)

type Options struct {
	ACL        bus.ACL
	HookSecret string // пусто: хуки брокера не регистрируются
}

type HTTP struct {
	rec  *heartbeat.Reconciler
	fw   *firmware.Registry
	opts Options
	log  *logrus.Entry
}

func NewHTTP(rec *heartbeat.Reconciler, fw *firmware.Registry, o Options) *HTTP {
	return &HTTP{rec: rec, fw: fw, opts: o, log: logs.Component("devapi")}
}

func (h *HTTP) RegisterRoutes(root *mux.Router) {
	sub := root.PathPrefix("/api/device").Subrouter()
	sub.HandleFunc("/register", h.handleRegister).Methods(http.MethodPost)
	sub.HandleFunc("/heartbeat", h.handleHeartbeat).Methods(http.MethodPost)
	sub.HandleFunc("/check-update", h.handleCheckUpdate).Methods(http.MethodPost)
	sub.HandleFunc("/event", h.handleEvent).Methods(http.MethodPost)
	sub.HandleFunc("/commands/{id:[0-9]+}/ack", h.handleAck).Methods(http.MethodPost)
	sub.HandleFunc("/firmware/{version}", h.handleFirmware).Methods(http.MethodGet, http.MethodHead)

	if h.opts.HookSecret != "" {
		br := root.PathPrefix("/api/broker").Subrouter()
		br.HandleFunc("/authn", h.handleBrokerAuthn).Methods(http.MethodPost)
		br.HandleFunc("/authz", h.handleBrokerAuthz).Methods(http.MethodPost)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.New(apperr.BadRequest, "empty body")
		}
		return apperr.Wrap(apperr.BadRequest, err, "malformed json")
	}
	return nil
}

// POST /api/device/register
func (h *HTTP) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in heartbeat.HeartbeatRequest
	if err := decodeJSON(w, r, &in); err != nil {
		models.WriteError(w, r, err)
		return
	}
	res, err := h.rec.Register(r.Context(), in.Report(r.Header.Get(HeaderDeviceKey), r.Header.Get(HeaderEnrollKey)))
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Registered {
		status = http.StatusCreated
	}
	models.WriteJSON(w, status, heartbeat.NewRegisterResponse(res))
}

// POST /api/device/heartbeat
func (h *HTTP) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var in heartbeat.HeartbeatRequest
	if err := decodeJSON(w, r, &in); err != nil {
		models.WriteError(w, r, err)
		return
	}
	res, err := h.rec.Heartbeat(r.Context(), in.Report(r.Header.Get(HeaderDeviceKey), r.Header.Get(HeaderEnrollKey)))
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, heartbeat.NewHeartbeatResponse(res))
}

type checkUpdateRequest struct {
	DeviceID        string `json:"device_id"`
	APIKey          string `json:"api_key"`
	FirmwareVersion string `json:"firmware_version"`
}

type checkUpdateResponse struct {
	Success         bool `json:"success"`
	UpdateAvailable bool `json:"update_available"`
	*firmware.Descriptor
}

// POST /api/device/check-update: пустой firmware_version значит «последняя известная версия».
func (h *HTTP) handleCheckUpdate(w http.ResponseWriter, r *http.Request) {
	var in checkUpdateRequest
	if err := decodeJSON(w, r, &in); err != nil {
		models.WriteError(w, r, err)
		return
	}
	dev, err := h.rec.Authenticate(r.Context(), in.DeviceID, credential(r, in.APIKey))
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	reported := strings.TrimSpace(in.FirmwareVersion)
	if reported == "" {
		reported = dev.FirmwareVersion
	}
	desc, err := h.fw.Offer(r.Context(), dev, reported)
	if err != nil && !apperr.Is(err, apperr.NotFound) {
		models.WriteError(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, checkUpdateResponse{
		Success:         true,
		UpdateAvailable: desc != nil,
		Descriptor:      desc,
	})
}

// POST /api/device/event
func (h *HTTP) handleEvent(w http.ResponseWriter, r *http.Request) {
	var in heartbeat.EventRequest
	if err := decodeJSON(w, r, &in); err != nil {
		models.WriteError(w, r, err)
		return
	}
	if _, err := h.rec.ReportEvent(r.Context(), in.EventReport(r.Header.Get(HeaderDeviceKey))); err != nil {
		models.WriteError(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// POST /api/device/commands/{id}/ack
func (h *HTTP) handleAck(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil || id == 0 {
		models.WriteError(w, r, apperr.New(apperr.BadRequest, "invalid command id"))
		return
	}
	var in heartbeat.AckRequest
	if err := decodeJSON(w, r, &in); err != nil {
		models.WriteError(w, r, err)
		return
	}
	if _, err := h.rec.Ack(r.Context(), in.DeviceID, in.Credential(r.Header.Get(HeaderDeviceKey)), uint(id), in.Result); err != nil {
		models.WriteError(w, r, err)
		return
	}
	models.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// GET /api/device/firmware/{version}: X-Device-Id + X-Device-Key.
func (h *HTTP) handleFirmware(w http.ResponseWriter, r *http.Request) {
	identity := r.Header.Get(HeaderDeviceID)
	if identity == "" {
		identity = r.URL.Query().Get("device_id")
	}
	dev, err := h.rec.Authenticate(r.Context(), identity, r.Header.Get(HeaderDeviceKey))
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	version := mux.Vars(r)["version"]
	fw, f, err := h.fw.Open(r.Context(), version)
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	defer f.Close()

	h.log.WithFields(logrus.Fields{"device": dev.Identity, "version": fw.Version}).Info("firmware download")
	w.Header().Set("ETag", `"`+fw.SHA256+`"`)
	w.Header().Set(HeaderSHA256, fw.SHA256)
	w.Header().Set("Cache-Control", "private, max-age=0, must-revalidate")
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="firmware_`+strings.ReplaceAll(fw.Version, `"`, "")+`.bin"`)
	http.ServeContent(w, r, "", fw.UploadedAt, f)
}

func credential(r *http.Request, body string) string {
	if v := strings.TrimSpace(r.Header.Get(HeaderDeviceKey)); v != "" {
		return v
	}
	return body
}
