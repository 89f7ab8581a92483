package heartbeat

import (
	"encoding/json"
	"strings"

	"pillcloud/internal/dispatch"
	"pillcloud/internal/models"
)

// Формы запросов устройства. Общие для HTTP и шины.

type HeartbeatRequest struct {
	DeviceID        string `json:"device_id"`
	APIKey          string `json:"api_key"`
	Name            string `json:"name"`
	FirmwareVersion string `json:"firmware_version"`
	IPAddress       string `json:"ip_address"`
	WiFiSSID        string `json:"wifi_ssid"`
	RSSI            *int   `json:"rssi"`
	Uptime          *int64 `json:"uptime"`
	FreeHeap        *int64 `json:"free_heap"`
	Status          string `json:"status"`
	ScheduleRev     *int64 `json:"schedule_rev"`
}

// Report — credential из заголовка важнее поля тела.
func (h HeartbeatRequest) Report(credential, enrollKey string) Report {
	if strings.TrimSpace(credential) == "" {
		credential = h.APIKey
	}
	return Report{
		Identity:        h.DeviceID,
		Credential:      credential,
		EnrollKey:       enrollKey,
		Name:            h.Name,
		FirmwareVersion: h.FirmwareVersion,
		IPAddress:       h.IPAddress,
		WiFiSSID:        h.WiFiSSID,
		RSSI:            h.RSSI,
		Uptime:          h.Uptime,
		FreeHeap:        h.FreeHeap,
		Status:          h.Status,
		ScheduleRev:     h.ScheduleRev,
	}
}

type HeartbeatResponse struct {
	Success bool                `json:"success"`
	Status  models.DeviceStatus `json:"status"`
	APIKey  string              `json:"api_key,omitempty"`
	Command *dispatch.Wire      `json:"command"`
}

func NewHeartbeatResponse(res *Result) HeartbeatResponse {
	return HeartbeatResponse{
		Success: true,
		Status:  res.Device.Status,
		APIKey:  res.APIKey,
		Command: res.Action.Wire(),
	}
}

type RegisterResponse struct {
	Success    bool                `json:"success"`
	DeviceID   string              `json:"device_id"`
	APIKey     string              `json:"api_key,omitempty"`
	Status     models.DeviceStatus `json:"status"`
	Registered bool                `json:"registered"`
}

func NewRegisterResponse(res *Result) RegisterResponse {
	return RegisterResponse{
		Success:    true,
		DeviceID:   res.Device.Identity,
		APIKey:     res.APIKey,
		Status:     res.Device.Status,
		Registered: res.Registered,
	}
}

// EventRequest принимает и payload целиком, и плоские поля прошивки
// (event_type, compartment, scheduled_time, notes).
type EventRequest struct {
	DeviceID      string          `json:"device_id"`
	APIKey        string          `json:"api_key"`
	Type          string          `json:"type"`
	EventType     string          `json:"event_type"`
	Severity      string          `json:"severity"`
	Payload       json.RawMessage `json:"payload"`
	Compartment   *int            `json:"compartment"`
	ScheduledTime string          `json:"scheduled_time"`
	Notes         string          `json:"notes"`
}

func (e EventRequest) EventReport(credential string) EventReport {
	if strings.TrimSpace(credential) == "" {
		credential = e.APIKey
	}
	typ := e.Type
	if typ == "" {
		typ = e.EventType
	}
	payload := e.Payload
	if len(payload) == 0 && (e.Compartment != nil || e.ScheduledTime != "" || e.Notes != "") {
		flat := map[string]any{}
		if e.Compartment != nil {
			flat["compartment"] = *e.Compartment
		}
		if e.ScheduledTime != "" {
			flat["scheduled"] = e.ScheduledTime
		}
		if e.Notes != "" {
			flat["message"] = e.Notes
		}
		payload, _ = json.Marshal(flat)
	}
	return EventReport{
		Identity:   e.DeviceID,
		Credential: credential,
		Type:       typ,
		Severity:   e.Severity,
		Payload:    payload,
	}
}

type AckRequest struct {
	DeviceID  string `json:"device_id"`
	APIKey    string `json:"api_key"`
	CommandID uint   `json:"command_id"`
	Result    string `json:"result"`
}

func (a AckRequest) Credential(header string) string {
	if strings.TrimSpace(header) != "" {
		return header
	}
	return a.APIKey
}
