package models

import (
	"time"

	"gorm.io/datatypes"
)

type CommandStatus string

const (
	CommandPending CommandStatus = "pending"
	CommandSent    CommandStatus = "sent"
	CommandAcked   CommandStatus = "acked"
)

// Command — строка очереди команд. Payload разбирается в dispatch, дальше этого слоя
// сырой JSON не уходит.
type Command struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	DeviceID    uint           `gorm:"index:idx_commands_queue,priority:1;not null" json:"device_id"`
	Kind        string         `gorm:"size:32;not null" json:"kind"`
	Payload     datatypes.JSON `json:"payload"`
	Status      CommandStatus  `gorm:"size:16;index:idx_commands_queue,priority:2;not null" json:"status"`
	RequestedAt time.Time      `gorm:"index:idx_commands_queue,priority:3;not null" json:"requested_at"`
	SentAt      *time.Time     `json:"sent_at,omitempty"`
	AckAt       *time.Time     `json:"ack_at,omitempty"`
	Result      string         `gorm:"type:text" json:"result,omitempty"`

	Device *Device `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}
