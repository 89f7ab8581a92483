package models

import "time"

type DeviceStatus string

const (
	StatusOnline    DeviceStatus = "online"
	StatusOffline   DeviceStatus = "offline"
	StatusSuspended DeviceStatus = "suspended"
	StatusBlocked   DeviceStatus = "blocked"
	StatusAlarming  DeviceStatus = "alarming"
)

// AdminState — флаг оператора, не зависит от транзиентного Status.
type AdminState string

const (
	AdminActive    AdminState = "active"
	AdminSuspended AdminState = "suspended"
	AdminBlocked   AdminState = "blocked"
)

func (s AdminState) Valid() bool {
	switch s {
	case AdminActive, AdminSuspended, AdminBlocked:
		return true
	}
	return false
}

// Device — зарегистрированный дозатор. Identity (MAC / device-id в нижнем регистре)
// после создания не меняется.
type Device struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Identity string `gorm:"column:identity;size:64;uniqueIndex;not null" json:"identity"`
	Name     string `gorm:"size:128" json:"name"`

	FirmwareVersion string `gorm:"size:64" json:"firmware_version"`
	IPAddress       string `gorm:"column:ip_address;size:45" json:"ip_address"`
	WiFiSSID        string `gorm:"column:wifi_ssid;size:64" json:"wifi_ssid"`
	RSSI            *int   `gorm:"column:rssi" json:"rssi,omitempty"`
	Uptime          int64  `json:"uptime"`
	FreeHeap        int64  `json:"free_heap"`

	Status          DeviceStatus `gorm:"size:16;index;not null" json:"status"`
	LastSeen        *time.Time   `gorm:"index" json:"last_seen"`
	OfflineNotified bool         `gorm:"not null" json:"-"`
	AdminState      AdminState   `gorm:"size:16;not null" json:"admin_state"`

	CredentialHash string `gorm:"column:credential_hash;size:64;uniqueIndex;not null" json:"-"`

	OTAEnabled       bool    `gorm:"column:ota_enabled;not null" json:"ota_enabled"`
	OTATargetVersion *string `gorm:"column:ota_target_version;size:64" json:"ota_target_version,omitempty"`

	// ScheduleRev — ревизия расписания, которую устройство сообщило как применённую.
	ScheduleRev int64 `gorm:"not null" json:"schedule_rev"`

	ChatID string `gorm:"column:chat_id;size:64" json:"chat_id,omitempty"`
	Notes  string `gorm:"type:text" json:"notes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DisplayName — имя для уведомлений; если не задано, используем identity.
func (d *Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Identity
}

// EffectiveStatus — статус для дашборда: если last_seen старше порога, устройство offline,
// даже если watchdog ещё не успел пройтись.
func (d *Device) EffectiveStatus(now time.Time, threshold time.Duration) DeviceStatus {
	switch d.AdminState {
	case AdminBlocked:
		return StatusBlocked
	case AdminSuspended:
		return StatusSuspended
	}
	if d.LastSeen == nil || now.Sub(*d.LastSeen) > threshold {
		return StatusOffline
	}
	return d.Status
}
