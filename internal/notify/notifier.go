package notify

import (
	"context"
	"errors"
	"time"

	"pillcloud/internal/logs"
	"pillcloud/internal/metrics"
	"pillcloud/internal/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrDisabled — канал уведомлений не настроен.
var ErrDisabled = errors.New("notifications are not configured")

// DefaultConcurrency — одновременных отправок в Bot API по умолчанию.
const DefaultConcurrency = 4

// Notifier — fire-and-forget доставка. Ошибки только логируются и считаются в метрике,
// вызывающему они никогда не возвращаются. Одновременных отправок не больше лимита:
// при заполненных слотах Device ждёт свободного.
type Notifier struct {
	sender      Sender
	defaultChat string
	timeout     time.Duration
	inflight    errgroup.Group
	log         *logrus.Entry
}

// New — sender == nil выключает уведомления.
func New(sender Sender, defaultChat string, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	n := &Notifier{
		sender:      sender,
		defaultChat: defaultChat,
		timeout:     timeout,
		log:         logs.Component("notify"),
	}
	n.inflight.SetLimit(DefaultConcurrency)
	return n
}

// SetConcurrency меняет лимит; вызывать до первой отправки.
func (n *Notifier) SetConcurrency(limit int) {
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	n.inflight.SetLimit(limit)
}

func (n *Notifier) Enabled() bool {
	return n != nil && n.sender != nil && n.defaultChat != ""
}

// Device отправляет текст в чат устройства (или в общий чат).
func (n *Notifier) Device(d *models.Device, text string) {
	if n == nil || n.sender == nil {
		return
	}
	chat := d.ChatID
	if chat == "" {
		chat = n.defaultChat
	}
	if chat == "" {
		return
	}
	identity := d.Identity
	n.inflight.Go(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		if err := n.sender.Send(ctx, chat, text); err != nil {
			metrics.NotificationFailuresTotal.Inc()
			n.log.WithFields(logrus.Fields{"device": identity, "chat": chat}).Warnf("notification failed: %v", err)
		}
		return nil
	})
}

// Test — синхронная отправка для проверки настройки из админки.
func (n *Notifier) Test(ctx context.Context, chatID, text string) error {
	if n == nil || n.sender == nil {
		return ErrDisabled
	}
	if chatID == "" {
		chatID = n.defaultChat
	}
	if chatID == "" {
		return ErrDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	return n.sender.Send(ctx, chatID, text)
}

// Wait дожидается отправки всех уведомлений (остановка сервиса, тесты).
func (n *Notifier) Wait() {
	if n != nil {
		_ = n.inflight.Wait()
	}
}
