package repo

import (
	"context"
	"errors"
	"time"

	"pillcloud/internal/models"

	"gorm.io/gorm"
)

func (s *Store) FirmwareByVersion(ctx context.Context, version string) (*models.Firmware, error) {
	var m models.Firmware
	if err := s.q(ctx).Where("version = ?", version).First(&m).Error; err != nil {
		return nil, notFound(err, "firmware")
	}
	return &m, nil
}

func (s *Store) FirmwareExists(ctx context.Context, version string) (bool, error) {
	var n int64
	err := s.q(ctx).Model(&models.Firmware{}).Where("version = ?", version).Count(&n).Error
	return n > 0, err
}

// ListFirmware — от новых к старым.
func (s *Store) ListFirmware(ctx context.Context) ([]models.Firmware, error) {
	var out []models.Firmware
	err := s.q(ctx).Order("uploaded_at DESC, id DESC").Find(&out).Error
	return out, err
}

func (s *Store) CreateFirmware(ctx context.Context, f *models.Firmware) error {
	return s.q(ctx).Create(f).Error
}

// LatestStable — самая свежая stable-версия, nil если нет.
func (s *Store) LatestStable(ctx context.Context) (*models.Firmware, error) {
	var m models.Firmware
	err := s.q(ctx).Where("is_stable = ?", true).Order("uploaded_at DESC, id DESC").First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ClearStable снимает флаг со всех версий, кроме except (0 означает все).
func (s *Store) ClearStable(ctx context.Context, except uint) error {
	q := s.q(ctx).Model(&models.Firmware{}).Where("is_stable = ?", true)
	if except != 0 {
		q = q.Where("id <> ?", except)
	}
	return q.Update("is_stable", false).Error
}

// SetFirmwareStable меняет флаг. При promotedAt != nil это новое продвижение:
// отметка момента и снятие пометки об отзыве.
func (s *Store) SetFirmwareStable(ctx context.Context, id uint, stable bool, promotedAt *time.Time) error {
	fields := map[string]any{"is_stable": stable}
	if promotedAt != nil {
		fields["promoted_at"] = *promotedAt
		fields["withdrawn_at"] = nil
	}
	return s.q(ctx).Model(&models.Firmware{}).Where("id = ?", id).Updates(fields).Error
}

// WithdrawFirmware снимает stable и помечает версию отозванной.
func (s *Store) WithdrawFirmware(ctx context.Context, id uint, at time.Time) error {
	return s.q(ctx).Model(&models.Firmware{}).Where("id = ?", id).
		Updates(map[string]any{"is_stable": false, "withdrawn_at": at}).Error
}

// PromotedFirmware — все версии, которые когда-либо были stable, от последней к первой.
func (s *Store) PromotedFirmware(ctx context.Context) ([]models.Firmware, error) {
	var out []models.Firmware
	err := s.q(ctx).Where("promoted_at IS NOT NULL").Order("promoted_at DESC, id DESC").Find(&out).Error
	return out, err
}

func (s *Store) DeleteFirmware(ctx context.Context, id uint) error {
	return s.q(ctx).Delete(&models.Firmware{}, id).Error
}

// DevicesPinnedTo — сколько устройств закреплено на версии.
func (s *Store) DevicesPinnedTo(ctx context.Context, version string) (int64, error) {
	var n int64
	err := s.q(ctx).Model(&models.Device{}).Where("ota_target_version = ?", version).Count(&n).Error
	return n, err
}
