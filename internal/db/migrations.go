// internal/db/migrations.go
package db

import (
	"fmt"

	"gorm.io/gorm"
)

// MigrateStableFirmwareIndex — не больше одной stable-прошивки на флот.
// Флаг с остальных версий снимается в той же транзакции, что и установка.
func MigrateStableFirmwareIndex(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	dialect := db.Dialector.Name()

	switch dialect {
	case "mysql":
		// partial index в mysql нет; остаёмся на транзакционной проверке
		return nil

	case "postgres":
		return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_firmware_single_stable ON "firmware" ("is_stable") WHERE "is_stable"`).Error

	case "sqlite":
		return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_firmware_single_stable ON firmware (is_stable) WHERE is_stable = 1`).Error

	default:
		return fmt.Errorf("unsupported dialect: %s", dialect)
	}
}
