package adminapi

import (
	"net/http"

	"pillcloud/internal/devices"
	"pillcloud/internal/dispatch"
	"pillcloud/internal/models"

	"github.com/gorilla/mux"
)

func (h *HTTP) listDevices(w http.ResponseWriter, r *http.Request) {
	list, err := h.Devices.List(r.Context())
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	ok(w, http.StatusOK, map[string]any{"devices": list})
}

func (h *HTTP) provisionDevice(w http.ResponseWriter, r *http.Request) {
	var in devices.ProvisionInput
	if err := decodeJSON(w, r, &in); err != nil {
		models.WriteError(w, r, err)
		return
	}
	d, key, err := h.Devices.Provision(r.Context(), in)
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	ok(w, http.StatusCreated, map[string]any{"device": d, "api_key": key})
}

func (h *HTTP) getDevice(w http.ResponseWriter, r *http.Request) {
	v, err := h.Devices.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	ok(w, http.StatusOK, map[string]any{"device": v})
}

func (h *HTTP) patchDevice(w http.ResponseWriter, r *http.Request) {
	var in devices.Patch
	if err := decodeJSON(w, r, &in); err != nil {
		models.WriteError(w, r, err)
		return
	}
	d, err := h.Devices.Update(r.Context(), mux.Vars(r)["id"], in)
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	ok(w, http.StatusOK, map[string]any{"device": d})
}

func (h *HTTP) deleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := h.Devices.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		models.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type stateRequest struct {
	AdminState models.AdminState `json:"admin_state"`
}

func (h *HTTP) setState(w http.ResponseWriter, r *http.Request) {
	var in stateRequest
	if err := decodeJSON(w, r, &in); err != nil {
		models.WriteError(w, r, err)
		return
	}
	d, err := h.Devices.SetAdminState(r.Context(), mux.Vars(r)["id"], in.AdminState)
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	ok(w, http.StatusOK, map[string]any{"device": d})
}

func (h *HTTP) rotateKey(w http.ResponseWriter, r *http.Request) {
	d, key, err := h.Devices.RotateCredential(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	ok(w, http.StatusOK, map[string]any{"device_id": d.Identity, "api_key": key})
}

func (h *HTTP) listCommands(w http.ResponseWriter, r *http.Request) {
	d, err := h.Devices.Resolve(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	list, err := h.Dispatch.ListCommands(r.Context(), d.ID, queryLimit(r))
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	ok(w, http.StatusOK, map[string]any{"commands": list})
}

// enqueue — общий хвост для всех команд оператора.
func (h *HTTP) enqueue(w http.ResponseWriter, r *http.Request, c dispatch.Command, err error) {
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	d, err := h.Devices.Resolve(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	cmd, err := h.Dispatch.Enqueue(r.Context(), d.ID, c)
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	ok(w, http.StatusCreated, map[string]any{"command_id": cmd.ID, "kind": cmd.Kind, "status": cmd.Status})
}

func (h *HTTP) enqueueCommand(w http.ResponseWriter, r *http.Request) {
	var in dispatch.Request
	if err := decodeJSON(w, r, &in); err != nil {
		models.WriteError(w, r, err)
		return
	}
	c, err := in.Parse()
	h.enqueue(w, r, c, err)
}

func (h *HTTP) setWifi(w http.ResponseWriter, r *http.Request) {
	var in dispatch.WifiSet
	if err := decodeJSON(w, r, &in); err != nil {
		models.WriteError(w, r, err)
		return
	}
	h.enqueue(w, r, in, nil)
}

func (h *HTTP) setLED(w http.ResponseWriter, r *http.Request) {
	var in dispatch.LEDSet
	if err := decodeJSON(w, r, &in); err != nil {
		models.WriteError(w, r, err)
		return
	}
	c, err := in.Command()
	h.enqueue(w, r, c, err)
}

// reboot дополнительно пишет событие и уведомляет.
func (h *HTTP) reboot(w http.ResponseWriter, r *http.Request) {
	cmd, err := h.Devices.RequestReboot(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	ok(w, http.StatusCreated, map[string]any{"command_id": cmd.ID, "kind": cmd.Kind, "status": cmd.Status})
}

type scheduleRequest struct {
	Slots []dispatch.Slot `json:"slots"`
}

func (h *HTTP) getSchedule(w http.ResponseWriter, r *http.Request) {
	d, err := h.Devices.Resolve(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	s, err := h.Dispatch.Schedule(r.Context(), d.ID)
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	ok(w, http.StatusOK, map[string]any{"schedule": s})
}

func (h *HTTP) putSchedule(w http.ResponseWriter, r *http.Request) {
	var in scheduleRequest
	if err := decodeJSON(w, r, &in); err != nil {
		models.WriteError(w, r, err)
		return
	}
	d, err := h.Devices.Resolve(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	s, err := h.Dispatch.SetSchedule(r.Context(), d.ID, in.Slots)
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	ok(w, http.StatusOK, map[string]any{"schedule": s})
}

type pinRequest struct {
	Version string `json:"version"`
}

func (h *HTTP) pinFirmware(w http.ResponseWriter, r *http.Request) {
	var in pinRequest
	if err := decodeJSON(w, r, &in); err != nil {
		models.WriteError(w, r, err)
		return
	}
	d, err := h.Devices.Resolve(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	d, err = h.Firmware.PinDevice(r.Context(), d.Identity, in.Version)
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	ok(w, http.StatusOK, map[string]any{"device": d})
}

func (h *HTTP) unpinFirmware(w http.ResponseWriter, r *http.Request) {
	d, err := h.Devices.Resolve(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	d, err = h.Firmware.UnpinDevice(r.Context(), d.Identity)
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	ok(w, http.StatusOK, map[string]any{"device": d})
}

func (h *HTTP) rollbackDevice(w http.ResponseWriter, r *http.Request) {
	d, err := h.Devices.Resolve(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	d, fw, err := h.Firmware.RollbackDevice(r.Context(), d.Identity)
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	ok(w, http.StatusOK, map[string]any{"device": d, "firmware": fw})
}
