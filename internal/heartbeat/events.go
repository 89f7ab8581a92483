package heartbeat

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"pillcloud/internal/apperr"
	"pillcloud/internal/models"
	"pillcloud/internal/notify"
	"pillcloud/internal/validate"

	"gorm.io/datatypes"
)

var reEventType = regexp.MustCompile(`^[a-z][a-z0-9_.-]{0,63}$`)

// EventReport — событие от устройства (приём дозы, тревога, ...).
type EventReport struct {
	Identity   string
	Credential string
	Type       string
	Severity   string
	Payload    json.RawMessage
}

// dosePayload — поля, которые проверяются у событий о дозах и тревогах.
type dosePayload struct {
	Compartment *int   `json:"compartment"`
	Scheduled   string `json:"scheduled"`
	Message     string `json:"message"`
}

// ReportEvent пишет событие в журнал. alarm_triggered и dose_missed уходят в уведомления.
func (r *Reconciler) ReportEvent(ctx context.Context, ev EventReport) (*models.Event, error) {
	dev, err := r.Authenticate(ctx, ev.Identity, ev.Credential)
	if err != nil {
		return nil, err
	}
	typ := strings.ToLower(strings.TrimSpace(ev.Type))
	if !reEventType.MatchString(typ) {
		return nil, apperr.New(apperr.BadRequest, "invalid event type %q", ev.Type)
	}

	var p dosePayload
	if len(ev.Payload) > 0 {
		if !json.Valid(ev.Payload) {
			return nil, apperr.New(apperr.BadRequest, "event payload must be valid json")
		}
		// payload может быть не объектом; тогда специальных полей нет
		_ = json.Unmarshal(ev.Payload, &p)
	}
	if p.Compartment != nil {
		if _, err := validate.Compartment(*p.Compartment); err != nil {
			return nil, err
		}
	}

	sev := models.SeverityFor(typ)
	switch models.Severity(strings.ToLower(ev.Severity)) {
	case models.SeverityInfo, models.SeverityWarning, models.SeverityCritical:
		sev = models.Severity(strings.ToLower(ev.Severity))
	}

	e := &models.Event{
		DeviceID:       &dev.ID,
		DeviceIdentity: dev.Identity,
		Type:           typ,
		Severity:       sev,
		Payload:        datatypes.JSON(ev.Payload),
		CreatedAt:      r.clock(),
	}
	if err := r.store.AppendEvent(ctx, e); err != nil {
		return nil, err
	}

	switch typ {
	case models.EventAlarmTriggered:
		r.notifier.Device(dev, notify.Alarm(dev, p.Message))
	case models.EventDoseMissed:
		r.notifier.Device(dev, notify.DoseMissed(dev, p.Compartment, p.Scheduled))
	}
	return e, nil
}

// Ack — подтверждение команды устройством.
func (r *Reconciler) Ack(ctx context.Context, identity, credential string, commandID uint, result string) (*models.Command, error) {
	dev, err := r.Authenticate(ctx, identity, credential)
	if err != nil {
		return nil, err
	}
	return r.disp.Ack(ctx, dev, commandID, clip(strings.TrimSpace(result), 1024))
}
