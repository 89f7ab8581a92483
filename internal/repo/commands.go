package repo

import (
	"context"
	"errors"
	"time"

	"pillcloud/internal/apperr"
	"pillcloud/internal/models"

	"gorm.io/gorm"
)

func (s *Store) CreateCommand(ctx context.Context, c *models.Command) error {
	return s.q(ctx).Create(c).Error
}

// ClaimNextCommand забирает самую старую pending-команду и помечает её sent.
// nil, nil: очередь пуста. Условный UPDATE гарантирует, что два параллельных
// опроса не получат одну и ту же команду.
func (s *Store) ClaimNextCommand(ctx context.Context, deviceID uint, now time.Time) (*models.Command, error) {
	var claimed *models.Command
	err := s.Tx(ctx, func(tx *Store) error {
		for {
			var c models.Command
			err := tx.forUpdate(tx.q(ctx)).
				Where("device_id = ? AND status = ?", deviceID, models.CommandPending).
				Order("requested_at, id").
				First(&c).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			res := tx.q(ctx).Model(&models.Command{}).
				Where("id = ? AND status = ?", c.ID, models.CommandPending).
				Updates(map[string]any{"status": models.CommandSent, "sent_at": now})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				c.Status = models.CommandSent
				c.SentAt = &now
				claimed = &c
				return nil
			}
			// кто-то забрал раньше, берём следующую
		}
	})
	return claimed, err
}

// AckCommand — sent → acked. Повторный ack уже подтверждённой команды — no-op (changed=false).
func (s *Store) AckCommand(ctx context.Context, deviceID, commandID uint, result string, now time.Time) (*models.Command, bool, error) {
	var (
		out     models.Command
		changed bool
	)
	err := s.Tx(ctx, func(tx *Store) error {
		res := tx.q(ctx).Model(&models.Command{}).
			Where("id = ? AND device_id = ? AND status = ?", commandID, deviceID, models.CommandSent).
			Updates(map[string]any{"status": models.CommandAcked, "ack_at": now, "result": result})
		if res.Error != nil {
			return res.Error
		}
		changed = res.RowsAffected == 1
		if err := tx.q(ctx).Where("id = ? AND device_id = ?", commandID, deviceID).First(&out).Error; err != nil {
			return notFound(err, "command")
		}
		if !changed && out.Status == models.CommandPending {
			return apperr.New(apperr.Conflict, "command %d was not delivered yet", commandID)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &out, changed, nil
}

func (s *Store) ListCommands(ctx context.Context, deviceID uint, limit int) ([]models.Command, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []models.Command
	err := s.q(ctx).
		Where("device_id = ?", deviceID).
		Order("requested_at DESC, id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
