package models

import (
	"time"

	"gorm.io/datatypes"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Известные типы событий; список открытый, устройство может прислать свой.
const (
	EventDeviceRegistered = "device_registered"
	EventDeviceOnline     = "device_online"
	EventDeviceOffline    = "device_offline"
	EventAlarmTriggered   = "alarm_triggered"
	EventDoseTaken        = "dose_taken"
	EventDoseMissed       = "dose_missed"
	EventReboot           = "reboot"
	EventCommandAcked     = "command_acked"
)

// Event — запись журнала, после вставки не меняется.
type Event struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	DeviceID       *uint          `gorm:"index" json:"device_id,omitempty"`
	DeviceIdentity string         `gorm:"size:64;index" json:"device_identity"`
	Type           string         `gorm:"size:64;index;not null" json:"type"`
	Severity       Severity       `gorm:"size:16;not null" json:"severity"`
	Payload        datatypes.JSON `json:"payload,omitempty"`
	CreatedAt      time.Time      `gorm:"index" json:"created_at"`
}

// SeverityFor — дефолтная важность по типу события.
func SeverityFor(eventType string) Severity {
	switch eventType {
	case EventAlarmTriggered, EventDeviceOffline:
		return SeverityWarning
	case EventDoseMissed:
		return SeverityCritical
	default:
		return SeverityInfo
	}
}
