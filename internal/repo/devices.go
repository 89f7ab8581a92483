package repo

import (
	"context"
	"fmt"
	"time"

	"pillcloud/internal/models"
)

// DeviceByIdentity — устройство по identity; lock=true берёт строку под блокировку.
func (s *Store) DeviceByIdentity(ctx context.Context, identity string, lock bool) (*models.Device, error) {
	q := s.q(ctx).Where("identity = ?", identity)
	if lock {
		q = s.forUpdate(q)
	}
	var m models.Device
	if err := q.First(&m).Error; err != nil {
		return nil, notFound(err, "device")
	}
	return &m, nil
}

func (s *Store) DeviceByID(ctx context.Context, id uint, lock bool) (*models.Device, error) {
	q := s.q(ctx).Where("id = ?", id)
	if lock {
		q = s.forUpdate(q)
	}
	var m models.Device
	if err := q.First(&m).Error; err != nil {
		return nil, notFound(err, "device")
	}
	return &m, nil
}

// CreateDevice — новое устройство вместе с пустым расписанием rev=0.
func (s *Store) CreateDevice(ctx context.Context, d *models.Device) error {
	return s.Tx(ctx, func(tx *Store) error {
		if err := tx.q(ctx).Create(d).Error; err != nil {
			return err
		}
		sch := models.Schedule{DeviceID: d.ID, Rev: 0, Payload: []byte("[]")}
		return tx.q(ctx).Create(&sch).Error
	})
}

// SaveDevice — полная запись строки (после изменения под блокировкой).
func (s *Store) SaveDevice(ctx context.Context, d *models.Device) error {
	return s.q(ctx).Save(d).Error
}

// UpdateDevice — частичное обновление колонок.
func (s *Store) UpdateDevice(ctx context.Context, id uint, fields map[string]any) error {
	return s.q(ctx).Model(&models.Device{}).Where("id = ?", id).Updates(fields).Error
}

func (s *Store) ListDevices(ctx context.Context) ([]models.Device, error) {
	var out []models.Device
	err := s.q(ctx).Order("identity").Find(&out).Error
	return out, err
}

// DeleteDevice — явное удаление: команды и расписание каскадом,
// события остаются с identity и пустой ссылкой.
func (s *Store) DeleteDevice(ctx context.Context, id uint) error {
	return s.Tx(ctx, func(tx *Store) error {
		if _, err := tx.DeviceByID(ctx, id, true); err != nil {
			return err
		}
		if err := tx.q(ctx).Where("device_id = ?", id).Delete(&models.Command{}).Error; err != nil {
			return fmt.Errorf("delete commands: %w", err)
		}
		if err := tx.q(ctx).Where("device_id = ?", id).Delete(&models.Schedule{}).Error; err != nil {
			return fmt.Errorf("delete schedule: %w", err)
		}
		if err := tx.q(ctx).Model(&models.Event{}).Where("device_id = ?", id).
			Update("device_id", nil).Error; err != nil {
			return fmt.Errorf("detach events: %w", err)
		}
		return tx.q(ctx).Delete(&models.Device{}, id).Error
	})
}

// OfflineCandidates — устройства, которые watchdog должен перевести в offline.
func (s *Store) OfflineCandidates(ctx context.Context, before time.Time) ([]models.Device, error) {
	var out []models.Device
	err := s.q(ctx).
		Where("status NOT IN ?", []models.DeviceStatus{models.StatusOffline, models.StatusBlocked}).
		Where("last_seen IS NOT NULL AND last_seen < ?", before).
		Order("id").
		Find(&out).Error
	return out, err
}

// MarkOffline — условный перевод в offline. false, если за это время пришёл heartbeat
// (last_seen сдвинулся) или статус уже сменился.
func (s *Store) MarkOffline(ctx context.Context, id uint, before time.Time) (bool, error) {
	res := s.q(ctx).Model(&models.Device{}).
		Where("id = ?", id).
		Where("status NOT IN ?", []models.DeviceStatus{models.StatusOffline, models.StatusBlocked}).
		Where("last_seen < ?", before).
		Updates(map[string]any{
			"status":           models.StatusOffline,
			"offline_notified": true,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
