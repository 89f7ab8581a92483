package watchdog_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"pillcloud/internal/models"
	"pillcloud/internal/notify"
	"pillcloud/internal/repo"
	"pillcloud/internal/testhelpers"
	"pillcloud/internal/watchdog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	mu   sync.Mutex
	msgs []string
}

func (s *sent) Send(_ context.Context, _ string, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, text)
	return nil
}

func (s *sent) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

type fixture struct {
	store    *repo.Store
	wd       *watchdog.Watchdog
	notifier *notify.Notifier
	sent     *sent
	clock    *testhelpers.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := testhelpers.NewStore(t)
	clock := testhelpers.NewClock()
	s := &sent{}
	n := notify.New(s, "ops", time.Second)
	wd := watchdog.New(store, n, watchdog.Options{Interval: time.Second, Threshold: 2 * time.Minute, Now: clock.Now})
	return &fixture{store: store, wd: wd, notifier: n, sent: s, clock: clock}
}

func (f *fixture) device(t *testing.T, identity string, status models.DeviceStatus, lastSeen *time.Time) *models.Device {
	t.Helper()
	d := &models.Device{
		Identity:       identity,
		Status:         status,
		AdminState:     models.AdminActive,
		CredentialHash: fmt.Sprintf("%064s", identity),
		LastSeen:       lastSeen,
	}
	require.NoError(t, f.store.CreateDevice(context.Background(), d))
	return d
}

func (f *fixture) status(t *testing.T, id uint) models.DeviceStatus {
	t.Helper()
	d, err := f.store.DeviceByID(context.Background(), id, false)
	require.NoError(t, err)
	return d.Status
}

func TestSweep_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seen := f.clock.Now()
	d := f.device(t, "dev-1", models.StatusOnline, &seen)
	fresh := f.device(t, "dev-2", models.StatusOnline, &seen)

	f.clock.Advance(time.Minute)
	n, err := f.wd.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "not stale yet")

	// dev-2 продолжает слать heartbeat
	now := f.clock.Now().Add(2 * time.Minute)
	require.NoError(t, f.store.UpdateDevice(ctx, fresh.ID, map[string]any{"last_seen": now}))

	f.clock.Advance(2 * time.Minute)
	n, err = f.wd.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.StatusOffline, f.status(t, d.ID))
	assert.Equal(t, models.StatusOnline, f.status(t, fresh.ID))

	n, err = f.wd.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, models.StatusOffline, f.status(t, d.ID))

	f.notifier.Wait()
	assert.Equal(t, 1, f.sent.len(), "exactly one offline notification")

	events, err := f.store.ListEvents(ctx, repo.EventFilter{Type: models.EventDeviceOffline})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestSweep_SkipsBlockedAndNeverSeen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seen := f.clock.Now()
	blocked := f.device(t, "dev-b", models.StatusBlocked, &seen)
	never := f.device(t, "dev-n", models.StatusOnline, nil)

	f.clock.Advance(time.Hour)
	n, err := f.wd.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, models.StatusBlocked, f.status(t, blocked.ID))
	assert.Equal(t, models.StatusOnline, f.status(t, never.ID))
}

func TestSweep_RenotifyAfterReturn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seen := f.clock.Now()
	d := f.device(t, "dev-r", models.StatusAlarming, &seen)

	f.clock.Advance(3 * time.Minute)
	_, err := f.wd.Sweep(ctx)
	require.NoError(t, err)

	// устройство вернулось: heartbeat сбрасывает флаг
	back := f.clock.Now()
	require.NoError(t, f.store.UpdateDevice(ctx, d.ID, map[string]any{
		"status": models.StatusOnline, "last_seen": back, "offline_notified": false,
	}))

	f.clock.Advance(3 * time.Minute)
	n, err := f.wd.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f.notifier.Wait()
	assert.Equal(t, 2, f.sent.len())
	f.sent.mu.Lock()
	defer f.sent.mu.Unlock()
	assert.True(t, strings.Contains(f.sent.msgs[0], "went offline"))
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.wd.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog did not stop")
	}
}
