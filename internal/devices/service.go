// Package devices — операции оператора над реестром устройств.
package devices

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"pillcloud/internal/apperr"
	"pillcloud/internal/auth"
	"pillcloud/internal/dispatch"
	"pillcloud/internal/logs"
	"pillcloud/internal/models"
	"pillcloud/internal/notify"
	"pillcloud/internal/repo"
	"pillcloud/internal/validate"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Options struct {
	OfflineThreshold time.Duration
	Now              func() time.Time
}

type Service struct {
	store     *repo.Store
	disp      *dispatch.Dispatcher
	notifier  *notify.Notifier
	threshold time.Duration
	now       func() time.Time
	log       *logrus.Entry
}

func New(store *repo.Store, disp *dispatch.Dispatcher, notifier *notify.Notifier, o Options) *Service {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.OfflineThreshold <= 0 {
		o.OfflineThreshold = 120 * time.Second
	}
	return &Service{
		store:     store,
		disp:      disp,
		notifier:  notifier,
		threshold: o.OfflineThreshold,
		now:       o.Now,
		log:       logs.Component("devices"),
	}
}

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

// View — устройство с вычисленным статусом для дашборда.
type View struct {
	models.Device
	EffectiveStatus models.DeviceStatus `json:"effective_status"`
}

func (s *Service) view(d models.Device, now time.Time) View {
	return View{Device: d, EffectiveStatus: d.EffectiveStatus(now, s.threshold)}
}

func (s *Service) List(ctx context.Context) ([]View, error) {
	list, err := s.store.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clock()
	out := make([]View, 0, len(list))
	for _, d := range list {
		out = append(out, s.view(d, now))
	}
	return out, nil
}

// Resolve — устройство по identity в любом регистре.
func (s *Service) Resolve(ctx context.Context, identity string) (*models.Device, error) {
	id, err := validate.Identity(identity)
	if err != nil {
		return nil, err
	}
	return s.store.DeviceByIdentity(ctx, id, false)
}

func (s *Service) Get(ctx context.Context, identity string) (*View, error) {
	d, err := s.Resolve(ctx, identity)
	if err != nil {
		return nil, err
	}
	v := s.view(*d, s.clock())
	return &v, nil
}

type ProvisionInput struct {
	Identity   string `json:"device_id"`
	Name       string `json:"name"`
	ChatID     string `json:"chat_id"`
	Notes      string `json:"notes"`
	OTAEnabled *bool  `json:"ota_enabled"`
}

// Provision заводит устройство заранее; ключ возвращается один раз.
func (s *Service) Provision(ctx context.Context, in ProvisionInput) (*models.Device, string, error) {
	id, err := validate.Identity(in.Identity)
	if err != nil {
		return nil, "", err
	}
	key, hash, err := auth.NewDeviceKey()
	if err != nil {
		return nil, "", err
	}
	d := &models.Device{
		Identity:       id,
		Name:           strings.TrimSpace(in.Name),
		Status:         models.StatusOffline,
		AdminState:     models.AdminActive,
		CredentialHash: hash,
		OTAEnabled:     in.OTAEnabled == nil || *in.OTAEnabled,
		ChatID:         strings.TrimSpace(in.ChatID),
		Notes:          in.Notes,
	}
	err = s.store.Tx(ctx, func(tx *repo.Store) error {
		if _, err := tx.DeviceByIdentity(ctx, id, false); err == nil {
			return apperr.New(apperr.Conflict, "device %s already exists", id)
		} else if !apperr.Is(err, apperr.NotFound) {
			return err
		}
		if err := tx.CreateDevice(ctx, d); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, &models.Event{
			DeviceID: &d.ID, DeviceIdentity: d.Identity, Type: models.EventDeviceRegistered,
			Payload: []byte(`{"source":"admin"}`), CreatedAt: s.clock(),
		})
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, "", apperr.New(apperr.Conflict, "device %s already exists", id)
	}
	if err != nil {
		return nil, "", err
	}
	s.log.WithField("device", d.Identity).Info("device provisioned")
	return d, key, nil
}

// Patch — nil-поля не меняются.
type Patch struct {
	Name       *string `json:"name"`
	ChatID     *string `json:"chat_id"`
	Notes      *string `json:"notes"`
	OTAEnabled *bool   `json:"ota_enabled"`
}

func (s *Service) Update(ctx context.Context, identity string, p Patch) (*models.Device, error) {
	d, err := s.Resolve(ctx, identity)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{}
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		if len(name) > 128 {
			return nil, apperr.New(apperr.BadRequest, "name is too long")
		}
		fields["name"] = name
	}
	if p.ChatID != nil {
		fields["chat_id"] = strings.TrimSpace(*p.ChatID)
	}
	if p.Notes != nil {
		fields["notes"] = *p.Notes
	}
	if p.OTAEnabled != nil {
		fields["ota_enabled"] = *p.OTAEnabled
	}
	if len(fields) == 0 {
		return d, nil
	}
	if err := s.store.UpdateDevice(ctx, d.ID, fields); err != nil {
		return nil, err
	}
	return s.store.DeviceByID(ctx, d.ID, false)
}

func (s *Service) Delete(ctx context.Context, identity string) error {
	d, err := s.Resolve(ctx, identity)
	if err != nil {
		return err
	}
	if err := s.store.DeleteDevice(ctx, d.ID); err != nil {
		return err
	}
	s.log.WithField("device", d.Identity).Warn("device deleted")
	return nil
}

// SetAdminState меняет флаг оператора и сразу отражает его в статусе.
// При возврате в active статус берётся по свежести last_seen.
func (s *Service) SetAdminState(ctx context.Context, identity string, state models.AdminState) (*models.Device, error) {
	if !state.Valid() {
		return nil, apperr.New(apperr.BadRequest, "admin_state must be active|suspended|blocked")
	}
	id, err := validate.Identity(identity)
	if err != nil {
		return nil, err
	}
	var out *models.Device
	err = s.store.Tx(ctx, func(tx *repo.Store) error {
		d, err := tx.DeviceByIdentity(ctx, id, true)
		if err != nil {
			return err
		}
		d.AdminState = state
		switch state {
		case models.AdminBlocked:
			d.Status = models.StatusBlocked
		case models.AdminSuspended:
			d.Status = models.StatusSuspended
		default:
			if d.Status == models.StatusBlocked || d.Status == models.StatusSuspended {
				d.Status = models.StatusOffline
				if d.LastSeen != nil && s.clock().Sub(*d.LastSeen) <= s.threshold {
					d.Status = models.StatusOnline
				}
			}
		}
		if err := tx.UpdateDevice(ctx, d.ID, map[string]any{"admin_state": d.AdminState, "status": d.Status}); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"device": out.Identity, "admin_state": state}).Info("admin state changed")
	return out, nil
}

// RotateCredential выдаёт новый ключ; старый перестаёт работать сразу.
func (s *Service) RotateCredential(ctx context.Context, identity string) (*models.Device, string, error) {
	d, err := s.Resolve(ctx, identity)
	if err != nil {
		return nil, "", err
	}
	key, hash, err := auth.NewDeviceKey()
	if err != nil {
		return nil, "", err
	}
	if err := s.store.UpdateDevice(ctx, d.ID, map[string]any{"credential_hash": hash}); err != nil {
		return nil, "", err
	}
	d.CredentialHash = hash
	s.log.WithField("device", d.Identity).Warn("device credential rotated")
	return d, key, nil
}

// RequestReboot ставит reboot в очередь, пишет событие и уведомляет.
func (s *Service) RequestReboot(ctx context.Context, identity string) (*models.Command, error) {
	d, err := s.Resolve(ctx, identity)
	if err != nil {
		return nil, err
	}
	cmd, err := s.disp.Enqueue(ctx, d.ID, dispatch.Reboot{})
	if err != nil {
		return nil, err
	}
	payload, _ := json.Marshal(map[string]any{"command_id": cmd.ID, "source": "admin"})
	if err := s.store.AppendEvent(ctx, &models.Event{
		DeviceID: &d.ID, DeviceIdentity: d.Identity, Type: models.EventReboot,
		Payload: payload, CreatedAt: s.clock(),
	}); err != nil {
		return nil, err
	}
	s.notifier.Device(d, notify.RebootRequested(d))
	return cmd, nil
}

type Stats struct {
	Devices        int                         `json:"devices"`
	ByStatus       map[models.DeviceStatus]int `json:"by_status"`
	DosesTaken24h  int64                       `json:"doses_taken_24h"`
	DosesMissed24h int64                       `json:"doses_missed_24h"`
	Alarms24h      int64                       `json:"alarms_24h"`
	LatestStable   string                      `json:"latest_stable,omitempty"`
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	list, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	st := &Stats{Devices: len(list), ByStatus: map[models.DeviceStatus]int{}}
	for _, v := range list {
		st.ByStatus[v.EffectiveStatus]++
	}
	since := s.clock().Add(-24 * time.Hour)
	if st.DosesTaken24h, err = s.store.CountEvents(ctx, models.EventDoseTaken, &since); err != nil {
		return nil, err
	}
	if st.DosesMissed24h, err = s.store.CountEvents(ctx, models.EventDoseMissed, &since); err != nil {
		return nil, err
	}
	if st.Alarms24h, err = s.store.CountEvents(ctx, models.EventAlarmTriggered, &since); err != nil {
		return nil, err
	}
	fw, err := s.store.LatestStable(ctx)
	if err != nil {
		return nil, err
	}
	if fw != nil {
		st.LatestStable = fw.Version
	}
	return st, nil
}
