package repo

import (
	"context"

	"pillcloud/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func (s *Store) ScheduleByDevice(ctx context.Context, deviceID uint) (*models.Schedule, error) {
	var m models.Schedule
	if err := s.q(ctx).Where("device_id = ?", deviceID).First(&m).Error; err != nil {
		return nil, notFound(err, "schedule")
	}
	return &m, nil
}

// BumpSchedule пишет новое расписание и увеличивает rev ровно на 1 одним UPDATE,
// затем читает строку в той же транзакции. Два писателя не получат один rev.
func (s *Store) BumpSchedule(ctx context.Context, deviceID uint, payload datatypes.JSON) (*models.Schedule, error) {
	var out models.Schedule
	err := s.Tx(ctx, func(tx *Store) error {
		res := tx.q(ctx).Model(&models.Schedule{}).
			Where("device_id = ?", deviceID).
			Updates(map[string]any{
				"rev":     gorm.Expr("rev + ?", 1),
				"payload": payload,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// строки нет только у устройств, заведённых в обход CreateDevice
			out = models.Schedule{DeviceID: deviceID, Rev: 1, Payload: payload}
			return tx.q(ctx).Create(&out).Error
		}
		return tx.q(ctx).Where("device_id = ?", deviceID).First(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
