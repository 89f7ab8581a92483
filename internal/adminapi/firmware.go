package adminapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"pillcloud/internal/apperr"
	"pillcloud/internal/firmware"
	"pillcloud/internal/models"

	"github.com/gorilla/mux"
)

func (h *HTTP) listFirmware(w http.ResponseWriter, r *http.Request) {
	list, err := h.Firmware.List(r.Context())
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for i := range list {
		out = append(out, map[string]any{"firmware": list[i], "url": h.Firmware.Describe(&list[i]).URL})
	}
	ok(w, http.StatusOK, map[string]any{"firmware": out})
}

// formBool — "1", "true", "on"; пустое значение даёт def.
func formBool(v string, def bool) (bool, error) {
	v = strings.TrimSpace(strings.ToLower(v))
	switch v {
	case "":
		return def, nil
	case "on", "yes":
		return true, nil
	case "off", "no":
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, apperr.New(apperr.BadRequest, "stable must be a boolean")
	}
	return b, nil
}

// POST /api/admin/firmware: multipart: version, stable (по умолчанию 1), changelog, file.
func (h *HTTP) uploadFirmware(w http.ResponseWriter, r *http.Request) {
	// запас на поля формы и заголовки частей
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUpload+1<<20)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			models.WriteProblem(w, http.StatusRequestEntityTooLarge, "Request Entity Too Large",
				fmt.Sprintf("firmware exceeds %d MB", h.MaxUpload/(1024*1024)), nil)
			return
		}
		models.WriteError(w, r, apperr.Wrap(apperr.BadRequest, err, "malformed multipart form"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	stableField := r.FormValue("stable")
	if stableField == "" {
		stableField = r.FormValue("is_stable")
	}
	stable, err := formBool(stableField, true)
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		models.WriteError(w, r, apperr.New(apperr.BadRequest, "file is required"))
		return
	}
	defer file.Close()
	if !strings.HasSuffix(strings.ToLower(hdr.Filename), ".bin") {
		models.WriteError(w, r, apperr.New(apperr.BadRequest, "firmware file must be a .bin"))
		return
	}

	fw, err := h.Firmware.Upload(r.Context(), firmware.UploadInput{
		Version:   r.FormValue("version"),
		Stable:    stable,
		Changelog: r.FormValue("changelog"),
	}, file)
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	ok(w, http.StatusCreated, map[string]any{"firmware": fw, "url": h.Firmware.Describe(fw).URL})
}

func (h *HTTP) deleteFirmware(w http.ResponseWriter, r *http.Request) {
	if err := h.Firmware.Delete(r.Context(), mux.Vars(r)["version"]); err != nil {
		models.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type stableRequest struct {
	Stable *bool `json:"stable"`
}

func (h *HTTP) setStable(w http.ResponseWriter, r *http.Request) {
	var in stableRequest
	if err := decodeJSON(w, r, &in); err != nil {
		models.WriteError(w, r, err)
		return
	}
	if in.Stable == nil {
		models.WriteError(w, r, apperr.New(apperr.BadRequest, "stable is required"))
		return
	}
	fw, err := h.Firmware.SetStable(r.Context(), mux.Vars(r)["version"], *in.Stable)
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	ok(w, http.StatusOK, map[string]any{"firmware": fw})
}

// POST /api/admin/firmware/rollback: stable переходит на предыдущую продвинутую версию.
func (h *HTTP) rollbackFleet(w http.ResponseWriter, r *http.Request) {
	fw, err := h.Firmware.RollbackStable(r.Context())
	if err != nil {
		models.WriteError(w, r, err)
		return
	}
	ok(w, http.StatusOK, map[string]any{"firmware": fw})
}
