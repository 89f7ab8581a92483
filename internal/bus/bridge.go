// Package bus — необязательный транспорт устройств поверх NATS.
// Входящие: <base>.<identity>.{heartbeat,event,ack}; исходящие: <base>.<identity>.cmd.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"pillcloud/config"
	"pillcloud/internal/apperr"
	"pillcloud/internal/dispatch"
	"pillcloud/internal/heartbeat"
	"pillcloud/internal/logs"
	"pillcloud/internal/metrics"
	"pillcloud/internal/validate"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

type Subscription interface {
	Unsubscribe() error
}

// Conn — то, что мосту нужно от соединения.
type Conn interface {
	Subscribe(subject string, cb nats.MsgHandler) (Subscription, error)
	Publish(subject string, data []byte) error
}

type natsConn struct{ nc *nats.Conn }

func (c natsConn) Subscribe(subject string, cb nats.MsgHandler) (Subscription, error) {
	return c.nc.Subscribe(subject, cb)
}

func (c natsConn) Publish(subject string, data []byte) error { return c.nc.Publish(subject, data) }

// Connect поднимает соединение с бесконечным переподключением.
func Connect(cfg config.NATSConfig) (*nats.Conn, Conn, error) {
	log := logs.Component("bus")
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("nats reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}
	return nc, natsConn{nc: nc}, nil
}

type Bridge struct {
	conn    Conn
	acl     ACL
	rec     *heartbeat.Reconciler
	timeout time.Duration
	log     *logrus.Entry

	mu   sync.Mutex
	subs []Subscription
	ctx  context.Context
}

func New(conn Conn, base string, rec *heartbeat.Reconciler) *Bridge {
	return &Bridge{
		conn:    conn,
		acl:     ACL{Base: base},
		rec:     rec,
		timeout: 10 * time.Second,
		log:     logs.Component("bus"),
		ctx:     context.Background(),
	}
}

func (b *Bridge) ACL() ACL { return b.acl }

// Start подписывается на входящие subject'ы всех устройств.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ctx = ctx
	for _, kind := range []string{KindHeartbeat, KindEvent, KindAck} {
		subject := b.acl.Subject("*", kind)
		sub, err := b.conn.Subscribe(subject, b.handler(kind))
		if err != nil {
			b.unsubscribeLocked()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		b.subs = append(b.subs, sub)
	}
	b.log.WithField("base", b.acl.Base).Info("bus bridge started")
	return nil
}

func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribeLocked()
}

func (b *Bridge) unsubscribeLocked() {
	for _, s := range b.subs {
		if err := s.Unsubscribe(); err != nil {
			b.log.Warnf("unsubscribe: %v", err)
		}
	}
	b.subs = nil
}

// Run — Start, ожидание отмены, Stop. Для errgroup.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	b.Stop()
	return nil
}

// PushCommand публикует действие в cmd-subject устройства.
func (b *Bridge) PushCommand(identity string, w *dispatch.Wire) error {
	if w == nil {
		return nil
	}
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return b.conn.Publish(b.acl.Subject(identity, KindCommand), data)
}

func (b *Bridge) handler(kind string) nats.MsgHandler {
	return func(m *nats.Msg) {
		b.mu.Lock()
		parent := b.ctx
		b.mu.Unlock()
		ctx, cancel := context.WithTimeout(parent, b.timeout)
		defer cancel()

		reply, err := b.dispatch(ctx, kind, m.Subject, m.Data)
		result := "ok"
		if err != nil {
			result = string(apperr.KindOf(err))
			b.log.WithFields(logrus.Fields{"subject": m.Subject, "kind": kind}).Warnf("bus message rejected: %v", err)
			reply = errorReply(err)
		}
		metrics.BusMessagesTotal.WithLabelValues(kind, result).Inc()

		if m.Reply == "" {
			return
		}
		data, merr := json.Marshal(reply)
		if merr != nil {
			b.log.Errorf("marshal reply: %v", merr)
			return
		}
		if err := b.conn.Publish(m.Reply, data); err != nil {
			b.log.Warnf("reply to %s: %v", m.Reply, err)
		}
	}
}

// dispatch разбирает одно сообщение. Identity в subject обязана совпасть с телом.
func (b *Bridge) dispatch(ctx context.Context, kind, subject string, data []byte) (any, error) {
	subjIdentity, _, ok := b.acl.split(subject)
	if !ok {
		return nil, apperr.New(apperr.BadRequest, "unexpected subject %s", subject)
	}
	subjIdentity, err := validate.Identity(subjIdentity)
	if err != nil {
		return nil, err
	}
	match := func(id string) error {
		got, err := validate.Identity(id)
		if err != nil {
			return err
		}
		if got != subjIdentity {
			return apperr.New(apperr.Forbidden, "subject identity does not match payload")
		}
		return nil
	}

	switch kind {
	case KindHeartbeat:
		var in heartbeat.HeartbeatRequest
		if err := decode(data, &in); err != nil {
			return nil, err
		}
		if err := match(in.DeviceID); err != nil {
			return nil, err
		}
		res, err := b.rec.Heartbeat(ctx, in.Report("", ""))
		if err != nil {
			return nil, err
		}
		out := heartbeat.NewHeartbeatResponse(res)
		if out.Command != nil {
			if err := b.PushCommand(res.Device.Identity, out.Command); err != nil {
				b.log.WithField("device", res.Device.Identity).Warnf("push command: %v", err)
			}
		}
		return out, nil

	case KindEvent:
		var in heartbeat.EventRequest
		if err := decode(data, &in); err != nil {
			return nil, err
		}
		if err := match(in.DeviceID); err != nil {
			return nil, err
		}
		if _, err := b.rec.ReportEvent(ctx, in.EventReport("")); err != nil {
			return nil, err
		}
		return map[string]bool{"success": true}, nil

	case KindAck:
		var in heartbeat.AckRequest
		if err := decode(data, &in); err != nil {
			return nil, err
		}
		if err := match(in.DeviceID); err != nil {
			return nil, err
		}
		if _, err := b.rec.Ack(ctx, in.DeviceID, in.APIKey, in.CommandID, in.Result); err != nil {
			return nil, err
		}
		return map[string]bool{"success": true}, nil
	}
	return nil, apperr.New(apperr.BadRequest, "unsupported kind %s", kind)
}

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.Wrap(apperr.BadRequest, err, "malformed json")
	}
	return nil
}

func errorReply(err error) map[string]any {
	return map[string]any{"success": false, "kind": apperr.KindOf(err), "detail": apperr.Message(err)}
}
