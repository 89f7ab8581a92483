// Package watchdog — периодический перевод молчащих устройств в offline.
package watchdog

import (
	"context"
	"encoding/json"
	"time"

	"pillcloud/internal/logs"
	"pillcloud/internal/metrics"
	"pillcloud/internal/models"
	"pillcloud/internal/notify"
	"pillcloud/internal/repo"

	"github.com/sirupsen/logrus"
)

type Options struct {
	Interval  time.Duration
	Threshold time.Duration
	Now       func() time.Time
}

type Watchdog struct {
	store    *repo.Store
	notifier *notify.Notifier
	interval time.Duration
	thresh   time.Duration
	now      func() time.Time
	log      *logrus.Entry
}

func New(store *repo.Store, notifier *notify.Notifier, o Options) *Watchdog {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.Threshold <= 0 {
		o.Threshold = 120 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return &Watchdog{
		store:    store,
		notifier: notifier,
		interval: o.Interval,
		thresh:   o.Threshold,
		now:      o.Now,
		log:      logs.Component("watchdog"),
	}
}

// Sweep — один проход. Возвращает число устройств, переведённых в offline.
// Перевод — условный UPDATE по last_seen, поэтому heartbeat, пришедший между
// чтением и записью, не затирается.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { metrics.WatchdogSweepDuration.Observe(time.Since(start).Seconds()) }()

	now := w.now().UTC().Truncate(time.Millisecond)
	threshold := now.Add(-w.thresh)

	cands, err := w.store.OfflineCandidates(ctx, threshold)
	if err != nil {
		return 0, err
	}
	flipped := 0
	for i := range cands {
		d := &cands[i]
		ok, err := w.demote(ctx, d, threshold, now)
		if err != nil {
			w.log.WithField("device", d.Identity).Errorf("mark offline: %v", err)
			continue
		}
		if !ok {
			continue
		}
		flipped++
		metrics.OfflineTransitionsTotal.Inc()
		w.log.WithFields(logrus.Fields{"device": d.Identity, "last_seen": d.LastSeen}).Info("device went offline")
		if !d.OfflineNotified {
			w.notifier.Device(d, notify.Offline(d, d.LastSeen))
		}
	}
	return flipped, nil
}

func (w *Watchdog) demote(ctx context.Context, d *models.Device, threshold, now time.Time) (bool, error) {
	var ok bool
	err := w.store.Tx(ctx, func(tx *repo.Store) error {
		var err error
		ok, err = tx.MarkOffline(ctx, d.ID, threshold)
		if err != nil || !ok {
			return err
		}
		payload, _ := json.Marshal(map[string]any{"last_seen": d.LastSeen, "previous": d.Status})
		return tx.AppendEvent(ctx, &models.Event{
			DeviceID:       &d.ID,
			DeviceIdentity: d.Identity,
			Type:           models.EventDeviceOffline,
			Payload:        payload,
			CreatedAt:      now,
		})
	})
	return ok, err
}

// Run крутит Sweep до отмены ctx.
func (w *Watchdog) Run(ctx context.Context) error {
	w.log.WithFields(logrus.Fields{"interval": w.interval, "threshold": w.thresh}).Info("watchdog started")
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info("watchdog stopped")
			return nil
		case <-t.C:
			if n, err := w.Sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				w.log.Errorf("sweep: %v", err)
			} else if n > 0 {
				w.log.Debugf("sweep: %d device(s) offline", n)
			}
		}
	}
}
