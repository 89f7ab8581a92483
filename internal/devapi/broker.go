package devapi

import (
	"net/http"

	"pillcloud/internal/auth"
	"pillcloud/internal/models"

	"github.com/sirupsen/logrus"
)

// Хуки HTTP-аутентификации MQTT-брокера. Ответ всегда 200 с result allow|deny,
// не-200 брокер считает сбоем хука.

type brokerAuthn struct {
	ClientID string `json:"clientid"`
	Username string `json:"username"` // identity устройства
	Password string `json:"password"` // ключ устройства
}

type brokerAuthz struct {
	ClientID string `json:"clientid"`
	Username string `json:"username"`
	Topic    string `json:"topic"`
	Action   string `json:"action"` // publish | subscribe
}

func writeVerdict(w http.ResponseWriter, allow bool) {
	result := "deny"
	if allow {
		result = "allow"
	}
	models.WriteJSON(w, http.StatusOK, map[string]string{"result": result})
}

// POST /api/broker/authn
func (h *HTTP) handleBrokerAuthn(w http.ResponseWriter, r *http.Request) {
	if err := auth.BearerSecret(r, h.opts.HookSecret); err != nil {
		models.WriteError(w, r, err)
		return
	}
	var in brokerAuthn
	if err := decodeJSON(w, r, &in); err != nil {
		models.WriteError(w, r, err)
		return
	}
	dev, err := h.rec.Authenticate(r.Context(), in.Username, in.Password)
	if err != nil {
		h.log.WithFields(logrus.Fields{"username": in.Username, "clientid": in.ClientID}).Warnf("broker authn denied: %v", err)
		writeVerdict(w, false)
		return
	}
	h.log.WithField("device", dev.Identity).Debug("broker authn allowed")
	writeVerdict(w, true)
}

// POST /api/broker/authz
func (h *HTTP) handleBrokerAuthz(w http.ResponseWriter, r *http.Request) {
	if err := auth.BearerSecret(r, h.opts.HookSecret); err != nil {
		models.WriteError(w, r, err)
		return
	}
	var in brokerAuthz
	if err := decodeJSON(w, r, &in); err != nil {
		models.WriteError(w, r, err)
		return
	}
	allow := h.opts.ACL.Authorize(in.Username, in.Topic, in.Action)
	if !allow {
		h.log.WithFields(logrus.Fields{"username": in.Username, "topic": in.Topic, "action": in.Action}).Warn("broker authz denied")
	}
	writeVerdict(w, allow)
}
