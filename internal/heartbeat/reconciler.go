// Package heartbeat применяет отчёты устройств к реестру: аутентификация,
// авторегистрация, переходы статуса и выдача следующего действия.
package heartbeat

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
	"pillcloud/internal/metrics"
	"pillcloud/internal/models"
	"pillcloud/internal/notify"
	"pillcloud/internal/repo"
	"pillcloud/internal/validate"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Report — то, что присылает устройство. Указатели — необязательные поля.
type Report struct {
	Identity        string
	Credential      string
	EnrollKey       string
	Name            string
	FirmwareVersion string
	IPAddress       string
	WiFiSSID        string
	RSSI            *int
	Uptime          *int64
	FreeHeap        *int64
	Status          string // "alarming" или пусто/online
	ScheduleRev     *int64
}

type Result struct {
	Device     *models.Device
	APIKey     string // только для только что созданного устройства
	Registered bool
	Action     dispatch.Action
}

type Options struct {
	AutoRegister bool
	EnrollKey    string
	Now          func() time.Time
}

type Reconciler struct {
	store    *repo.Store
	disp     *dispatch.Dispatcher
	notifier *notify.Notifier
	opts     Options
	now      func() time.Time
	log      *logrus.Entry
}

func New(store *repo.Store, disp *dispatch.Dispatcher, notifier *notify.Notifier, o Options) *Reconciler {
	now := o.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		store:    store,
		disp:     disp,
		notifier: notifier,
		opts:     o,
		now:      now,
		log:      logs.Component("heartbeat"),
	}
}

func (r *Reconciler) clock() time.Time {
	return r.now().UTC().Truncate(time.Millisecond)
}

// outbox — уведомления, которые уходят только после коммита.
type outbox []string

func (o *outbox) add(text string) { *o = append(*o, text) }

// Heartbeat — основной опрос устройства.
func (r *Reconciler) Heartbeat(ctx context.Context, rep Report) (res *Result, err error) {
	defer func() { observe(err) }()

	if err := normalize(&rep); err != nil {
		return nil, err
	}
	now := r.clock()
	res = &Result{}
	var out outbox

	err = r.store.Tx(ctx, func(tx *repo.Store) error {
		dev, err := tx.DeviceByIdentity(ctx, rep.Identity, true)
		if apperr.Is(err, apperr.NotFound) {
			if !r.opts.AutoRegister {
				return apperr.New(apperr.NotFound, "unknown device")
			}
			return r.create(ctx, tx, rep, now, res, &out)
		}
		if err != nil {
			return err
		}
		if !auth.CheckDeviceKey(rep.Credential, dev.CredentialHash) {
			return apperr.New(apperr.Unauthorized, "invalid device credential")
		}
		if dev.AdminState == models.AdminBlocked {
			return apperr.New(apperr.Forbidden, "device is blocked")
		}
		if err := r.apply(ctx, tx, dev, rep, now, &out); err != nil {
			return err
		}
		res.Device = dev
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.flush(res.Device, out)
	if res.Device.AdminState == models.AdminActive {
		// отдельная транзакция: heartbeat уже зафиксирован, даже если выдача упадёт
		res.Action, err = r.disp.NextAction(ctx, res.Device.ID)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// Register — явная регистрация. Повтор с верным ключом идемпотентен.
// Без ключа: при верном enroll key выдаётся новый ключ (устройство потеряло flash),
// иначе Conflict и ключ перевыпускает оператор.
func (r *Reconciler) Register(ctx context.Context, rep Report) (res *Result, err error) {
	if err := normalize(&rep); err != nil {
		return nil, err
	}
	now := r.clock()
	res = &Result{}
	var out outbox

	err = r.store.Tx(ctx, func(tx *repo.Store) error {
		dev, err := tx.DeviceByIdentity(ctx, rep.Identity, true)
		if apperr.Is(err, apperr.NotFound) {
			if r.opts.EnrollKey == "" && !r.opts.AutoRegister {
				return apperr.New(apperr.Forbidden, "self-registration is disabled")
			}
			return r.create(ctx, tx, rep, now, res, &out)
		}
		if err != nil {
			return err
		}
		reissue := !auth.CheckDeviceKey(rep.Credential, dev.CredentialHash)
		if reissue && (r.opts.EnrollKey == "" || !auth.EqualSecret(rep.EnrollKey, r.opts.EnrollKey)) {
			return apperr.New(apperr.Conflict, "device %s is already registered; rotate its credential via admin", rep.Identity)
		}
		if dev.AdminState == models.AdminBlocked {
			return apperr.New(apperr.Forbidden, "device is blocked")
		}
		if reissue {
			key, hash, err := auth.NewDeviceKey()
			if err != nil {
				return err
			}
			if err := tx.UpdateDevice(ctx, dev.ID, map[string]any{"credential_hash": hash}); err != nil {
				return err
			}
			dev.CredentialHash = hash
			res.APIKey = key
			r.log.WithField("device", dev.Identity).Warn("device credential reissued by enroll key")
		}
		if dev.Name == "" && rep.Name != "" {
			dev.Name = rep.Name
		}
		if err := r.apply(ctx, tx, dev, rep, now, &out); err != nil {
			return err
		}
		res.Device = dev
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.flush(res.Device, out)
	return res, nil
}

// create — новое устройство с ключом; вызывается под транзакцией.
func (r *Reconciler) create(ctx context.Context, tx *repo.Store, rep Report, now time.Time, res *Result, out *outbox) error {
	if r.opts.EnrollKey != "" && !auth.EqualSecret(rep.EnrollKey, r.opts.EnrollKey) {
		return apperr.New(apperr.Unauthorized, "invalid enroll key")
	}
	key, hash, err := auth.NewDeviceKey()
	if err != nil {
		return err
	}
	dev := &models.Device{
		Identity:       rep.Identity,
		Name:           rep.Name,
		Status:         models.StatusOnline,
		AdminState:     models.AdminActive,
		CredentialHash: hash,
		OTAEnabled:     true,
	}
	applyTelemetry(dev, rep)
	if rep.Status == string(models.StatusAlarming) {
		dev.Status = models.StatusAlarming
	}
	dev.LastSeen = &now
	if err := tx.CreateDevice(ctx, dev); err != nil {
		// параллельный первый контакт: строку вставил соседний запрос
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return apperr.New(apperr.Conflict, "device %s was registered concurrently, retry", rep.Identity)
		}
		return err
	}
	if err := appendEvent(ctx, tx, dev, models.EventDeviceRegistered, now, map[string]any{
		"firmware_version": dev.FirmwareVersion, "ip_address": dev.IPAddress,
	}); err != nil {
		return err
	}
	out.add(notify.Registered(dev))
	if dev.Status == models.StatusAlarming {
		if err := appendEvent(ctx, tx, dev, models.EventAlarmTriggered, now, map[string]any{"source": "heartbeat"}); err != nil {
			return err
		}
		out.add(notify.Alarm(dev, ""))
	}

	r.log.WithFields(logrus.Fields{"device": dev.Identity, "firmware": dev.FirmwareVersion}).Info("device registered")
	res.Device = dev
	res.APIKey = key
	res.Registered = true
	return nil
}

// apply — телеметрия, last_seen и переходы статуса для уже аутентифицированного устройства.
func (r *Reconciler) apply(ctx context.Context, tx *repo.Store, dev *models.Device, rep Report, now time.Time, out *outbox) error {
	prev := dev.Status
	applyTelemetry(dev, rep)

	if dev.LastSeen == nil || now.After(*dev.LastSeen) {
		dev.LastSeen = &now
	}
	dev.OfflineNotified = false

	switch {
	case dev.AdminState == models.AdminSuspended:
		dev.Status = models.StatusSuspended
	case rep.Status == string(models.StatusAlarming):
		dev.Status = models.StatusAlarming
	default:
		dev.Status = models.StatusOnline
	}

	if prev == models.StatusOffline && (dev.Status == models.StatusOnline || dev.Status == models.StatusAlarming) {
		if err := appendEvent(ctx, tx, dev, models.EventDeviceOnline, now, nil); err != nil {
			return err
		}
		out.add(notify.Online(dev))
	}
	if dev.Status == models.StatusAlarming && prev != models.StatusAlarming {
		if err := appendEvent(ctx, tx, dev, models.EventAlarmTriggered, now, map[string]any{"source": "heartbeat"}); err != nil {
			return err
		}
		out.add(notify.Alarm(dev, ""))
	}
	return tx.SaveDevice(ctx, dev)
}

func (r *Reconciler) flush(dev *models.Device, out outbox) {
	for _, text := range out {
		r.notifier.Device(dev, text)
	}
}

// Authenticate — устройство по identity и ключу, для событий, ack и check-update.
func (r *Reconciler) Authenticate(ctx context.Context, identity, credential string) (*models.Device, error) {
	id, err := validate.Identity(identity)
	if err != nil {
		return nil, err
	}
	dev, err := r.store.DeviceByIdentity(ctx, id, false)
	if apperr.Is(err, apperr.NotFound) {
		return nil, apperr.New(apperr.Unauthorized, "invalid device credential")
	}
	if err != nil {
		return nil, err
	}
	if !auth.CheckDeviceKey(strings.TrimSpace(credential), dev.CredentialHash) {
		return nil, apperr.New(apperr.Unauthorized, "invalid device credential")
	}
	if dev.AdminState == models.AdminBlocked {
		return nil, apperr.New(apperr.Forbidden, "device is blocked")
	}
	return dev, nil
}

func normalize(rep *Report) error {
	id, err := validate.Identity(rep.Identity)
	if err != nil {
		return err
	}
	rep.Identity = id
	ip, err := validate.IPv4(rep.IPAddress)
	if err != nil {
		return err
	}
	rep.IPAddress = ip
	rep.Credential = strings.TrimSpace(rep.Credential)
	rep.Name = clip(strings.TrimSpace(rep.Name), 128)
	rep.FirmwareVersion = clip(strings.TrimSpace(rep.FirmwareVersion), 64)
	rep.WiFiSSID = clip(rep.WiFiSSID, 64)
	rep.Status = strings.ToLower(strings.TrimSpace(rep.Status))
	if rep.ScheduleRev != nil && *rep.ScheduleRev < 0 {
		return apperr.New(apperr.BadRequest, "schedule_rev must be non-negative")
	}
	return nil
}

func applyTelemetry(d *models.Device, rep Report) {
	if rep.FirmwareVersion != "" {
		d.FirmwareVersion = rep.FirmwareVersion
	}
	if rep.IPAddress != "" {
		d.IPAddress = rep.IPAddress
	}
	if rep.WiFiSSID != "" {
		d.WiFiSSID = rep.WiFiSSID
	}
	if rep.RSSI != nil {
		v := *rep.RSSI
		d.RSSI = &v
	}
	if rep.Uptime != nil {
		d.Uptime = *rep.Uptime
	}
	if rep.FreeHeap != nil {
		d.FreeHeap = *rep.FreeHeap
	}
	// ревизия, применённая устройством; может уменьшиться после сброса, тогда расписание уйдёт заново
	if rep.ScheduleRev != nil {
		d.ScheduleRev = *rep.ScheduleRev
	}
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func appendEvent(ctx context.Context, tx *repo.Store, dev *models.Device, typ string, now time.Time, payload map[string]any) error {
	var raw datatypes.JSON
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = b
	}
	return tx.AppendEvent(ctx, &models.Event{
		DeviceID:       &dev.ID,
		DeviceIdentity: dev.Identity,
		Type:           typ,
		Payload:        raw,
		CreatedAt:      now,
	})
}

func observe(err error) {
	result := "ok"
	if err != nil {
		result = string(apperr.KindOf(err))
	}
	metrics.HeartbeatsTotal.WithLabelValues(result).Inc()
}
