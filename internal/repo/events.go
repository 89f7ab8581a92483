package repo

import (
	"context"
	"time"

	"pillcloud/internal/models"
)

func (s *Store) AppendEvent(ctx context.Context, e *models.Event) error {
	if e.Severity == "" {
		e.Severity = models.SeverityFor(e.Type)
	}
	return s.q(ctx).Create(e).Error
}

type EventFilter struct {
	DeviceIdentity string
	Type           string
	Since          *time.Time
	Until          *time.Time
	Limit          int
}

// ListEvents — журнал от новых к старым.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]models.Event, error) {
	q := s.q(ctx).Model(&models.Event{})
	if f.DeviceIdentity != "" {
		q = q.Where("device_identity = ?", f.DeviceIdentity)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Since != nil {
		q = q.Where("created_at >= ?", *f.Since)
	}
	if f.Until != nil {
		q = q.Where("created_at < ?", *f.Until)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var out []models.Event
	err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&out).Error
	return out, err
}

// CountEvents — для статистики по дозам.
func (s *Store) CountEvents(ctx context.Context, eventType string, since *time.Time) (int64, error) {
	q := s.q(ctx).Model(&models.Event{}).Where("type = ?", eventType)
	if since != nil {
		q = q.Where("created_at >= ?", *since)
	}
	var n int64
	err := q.Count(&n).Error
	return n, err
}
