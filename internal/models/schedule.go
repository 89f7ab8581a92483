package models

import (
	"time"

	"gorm.io/datatypes"
)

// Schedule — расписание дозатора, одна строка на устройство. Rev только растёт.
type Schedule struct {
	ID        uint           `gorm:"primaryKey" json:"-"`
	DeviceID  uint           `gorm:"uniqueIndex;not null" json:"device_id"`
	Rev       int64          `gorm:"not null" json:"rev"`
	Payload   datatypes.JSON `json:"payload"`
	UpdatedAt time.Time      `json:"updated_at"`

	Device *Device `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}
