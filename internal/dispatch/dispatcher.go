package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"pillcloud/internal/apperr"
	"pillcloud/internal/firmware"
	"pillcloud/internal/logs"
	"pillcloud/internal/metrics"
	"pillcloud/internal/models"
	"pillcloud/internal/repo"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// Dispatcher решает, что отдать устройству на очередном опросе, и ведёт очередь команд
// и расписание.
type Dispatcher struct {
	store    *repo.Store
	firmware *firmware.Registry
	now      func() time.Time
	log      *logrus.Entry
}

func New(store *repo.Store, fw *firmware.Registry, now func() time.Time) *Dispatcher {
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{store: store, firmware: fw, now: now, log: logs.Component("dispatch")}
}

func (d *Dispatcher) clock() time.Time {
	return d.now().UTC().Truncate(time.Millisecond)
}

// NextAction — не больше одного действия за вызов, порядок фиксирован:
// admin_state != active → ничего; самая старая pending-команда (сразу помечается sent);
// расписание новее, чем у устройства; OTA; ничего.
func (d *Dispatcher) NextAction(ctx context.Context, deviceID uint) (Action, error) {
	dev, err := d.store.DeviceByID(ctx, deviceID, false)
	if err != nil {
		return Action{}, err
	}
	if dev.AdminState != models.AdminActive {
		return Action{}, nil
	}

	cmd, err := d.store.ClaimNextCommand(ctx, dev.ID, d.clock())
	if err != nil {
		return Action{}, err
	}
	if cmd != nil {
		c, err := Decode(cmd.Kind, cmd.Payload)
		if err == nil {
			return d.deliver(dev, Action{CommandID: cmd.ID, Command: c}), nil
		}
		// команда уже sent; битую строку не отдаём, идём дальше
		d.log.WithFields(logrus.Fields{"device": dev.Identity, "command_id": cmd.ID}).Errorf("drop command: %v", err)
	}

	sch, err := d.store.ScheduleByDevice(ctx, dev.ID)
	if err != nil && !apperr.Is(err, apperr.NotFound) {
		return Action{}, err
	}
	if sch != nil && sch.Rev > dev.ScheduleRev {
		slots, err := decodeSlots(sch.Payload)
		if err != nil {
			return Action{}, err
		}
		return d.deliver(dev, Action{Command: ScheduleSync{Rev: sch.Rev, Slots: slots}}), nil
	}

	if d.firmware != nil {
		desc, err := d.firmware.Offer(ctx, dev, dev.FirmwareVersion)
		switch {
		case apperr.Is(err, apperr.NotFound):
			d.log.WithField("device", dev.Identity).Warnf("ota target unavailable: %v", err)
		case err != nil:
			return Action{}, err
		case desc != nil:
			return d.deliver(dev, Action{Command: OTAStart{
				Version: desc.Version, URL: desc.URL, SHA256: desc.SHA256, Size: desc.Size,
			}}), nil
		}
	}
	return Action{}, nil
}

func (d *Dispatcher) deliver(dev *models.Device, a Action) Action {
	metrics.CommandsDeliveredTotal.WithLabelValues(a.Command.Kind()).Inc()
	d.log.WithFields(logrus.Fields{
		"device": dev.Identity, "kind": a.Command.Kind(), "command_id": a.CommandID,
	}).Info("action delivered")
	return a
}

// Enqueue ставит команду в очередь. Дубликаты по виду не схлопываются.
func (d *Dispatcher) Enqueue(ctx context.Context, deviceID uint, c Command) (*models.Command, error) {
	c, err := Validate(c)
	if err != nil {
		return nil, err
	}
	dev, err := d.store.DeviceByID(ctx, deviceID, false)
	if err != nil {
		return nil, err
	}
	kind, payload, err := Encode(c)
	if err != nil {
		return nil, err
	}
	row := &models.Command{
		DeviceID:    dev.ID,
		Kind:        kind,
		Payload:     payload,
		Status:      models.CommandPending,
		RequestedAt: d.clock(),
	}
	if err := d.store.CreateCommand(ctx, row); err != nil {
		return nil, err
	}
	d.log.WithFields(logrus.Fields{"device": dev.Identity, "kind": kind, "command_id": row.ID}).Info("command queued")
	return row, nil
}

// ScheduleView — расписание для оператора.
type ScheduleView struct {
	Rev       int64     `json:"rev"`
	DeviceRev int64     `json:"device_rev"`
	Slots     []Slot    `json:"slots"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SetSchedule записывает слоты; rev растёт ровно на 1 атомарно.
func (d *Dispatcher) SetSchedule(ctx context.Context, deviceID uint, slots []Slot) (*ScheduleView, error) {
	norm, err := NormalizeSlots(slots)
	if err != nil {
		return nil, err
	}
	dev, err := d.store.DeviceByID(ctx, deviceID, false)
	if err != nil {
		return nil, err
	}
	payload, err := encodeSlots(norm)
	if err != nil {
		return nil, err
	}
	sch, err := d.store.BumpSchedule(ctx, dev.ID, payload)
	if err != nil {
		return nil, err
	}
	d.log.WithFields(logrus.Fields{"device": dev.Identity, "rev": sch.Rev, "slots": len(norm)}).Info("schedule updated")
	return &ScheduleView{Rev: sch.Rev, DeviceRev: dev.ScheduleRev, Slots: norm, UpdatedAt: sch.UpdatedAt}, nil
}

func (d *Dispatcher) Schedule(ctx context.Context, deviceID uint) (*ScheduleView, error) {
	dev, err := d.store.DeviceByID(ctx, deviceID, false)
	if err != nil {
		return nil, err
	}
	sch, err := d.store.ScheduleByDevice(ctx, dev.ID)
	if err != nil {
		return nil, err
	}
	slots, err := decodeSlots(sch.Payload)
	if err != nil {
		return nil, err
	}
	return &ScheduleView{Rev: sch.Rev, DeviceRev: dev.ScheduleRev, Slots: slots, UpdatedAt: sch.UpdatedAt}, nil
}

// Ack — устройство подтвердило выполнение. Только sent → acked; событие пишется один раз.
func (d *Dispatcher) Ack(ctx context.Context, dev *models.Device, commandID uint, result string) (*models.Command, error) {
	var out *models.Command
	err := d.store.Tx(ctx, func(tx *repo.Store) error {
		cmd, changed, err := tx.AckCommand(ctx, dev.ID, commandID, result, d.clock())
		if err != nil {
			return err
		}
		out = cmd
		if !changed {
			return nil
		}
		payload, _ := json.Marshal(map[string]any{"command_id": cmd.ID, "kind": cmd.Kind, "result": result})
		return tx.AppendEvent(ctx, &models.Event{
			DeviceID:       &dev.ID,
			DeviceIdentity: dev.Identity,
			Type:           models.EventCommandAcked,
			Payload:        datatypes.JSON(payload),
			CreatedAt:      d.clock(),
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CommandView — строка очереди для оператора с разобранным payload.
type CommandView struct {
	models.Command
	Decoded Command `json:"command"`
}

func (d *Dispatcher) ListCommands(ctx context.Context, deviceID uint, limit int) ([]CommandView, error) {
	rows, err := d.store.ListCommands(ctx, deviceID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]CommandView, 0, len(rows))
	for _, r := range rows {
		c, err := Decode(r.Kind, r.Payload)
		if err != nil {
			d.log.WithField("command_id", r.ID).Warnf("list commands: %v", err)
		} else {
			c = redacted(c)
		}
		r.Payload = nil
		out = append(out, CommandView{Command: r, Decoded: c})
	}
	return out, nil
}
