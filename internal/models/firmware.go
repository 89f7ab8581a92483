package models

import "time"

// Firmware — релиз прошивки. Файл лежит в blob-хранилище под Filename.
type Firmware struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Version     string     `gorm:"size:64;uniqueIndex;not null" json:"version"`
	Filename    string     `gorm:"size:255;not null" json:"filename"`
	SHA256      string     `gorm:"column:sha256;type:char(64);not null" json:"sha256"`
	SizeBytes   int64      `gorm:"not null" json:"size_bytes"`
	IsStable    bool       `gorm:"index;not null" json:"is_stable"`
	PromotedAt  *time.Time `json:"promoted_at,omitempty"`  // когда версию последний раз делали stable
	WithdrawnAt *time.Time `json:"withdrawn_at,omitempty"` // снята оператором или откатом; откат её не возвращает
	Changelog   string     `gorm:"type:text" json:"changelog,omitempty"`
	UploadedAt  time.Time  `gorm:"index;not null" json:"uploaded_at"`
}

func (Firmware) TableName() string { return "firmware" }
