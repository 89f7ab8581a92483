package heartbeat_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"pillcloud/internal/apperr"
	"pillcloud/internal/blob"
	"pillcloud/internal/dispatch"
	"pillcloud/internal/firmware"
	"pillcloud/internal/heartbeat"
	"pillcloud/internal/models"
	"pillcloud/internal/notify"
	"pillcloud/internal/repo"
	"pillcloud/internal/testhelpers"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
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

func (s *sent) count(substr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.msgs {
		if strings.Contains(m, substr) {
			n++
		}
	}
	return n
}

type fixture struct {
	store    *repo.Store
	disp     *dispatch.Dispatcher
	rec      *heartbeat.Reconciler
	notifier *notify.Notifier
	sent     *sent
	clock    *testhelpers.Clock
}

func newFixture(t *testing.T, o heartbeat.Options) *fixture {
	t.Helper()
	store := testhelpers.NewStore(t)
	clock := testhelpers.NewClock()
	reg := firmware.NewRegistry(store, blob.New(afero.NewMemMapFs()), firmware.Options{MaxBytes: 1 << 20, Now: clock.Now})
	disp := dispatch.New(store, reg, clock.Now)
	s := &sent{}
	n := notify.New(s, "ops-chat", time.Second)
	o.Now = clock.Now
	return &fixture{
		store:    store,
		disp:     disp,
		rec:      heartbeat.New(store, disp, n, o),
		notifier: n,
		sent:     s,
		clock:    clock,
	}
}

func (f *fixture) register(t *testing.T, identity string) (*models.Device, string) {
	t.Helper()
	res, err := f.rec.Register(context.Background(), heartbeat.Report{Identity: identity, FirmwareVersion: "1.0.0"})
	require.NoError(t, err)
	require.True(t, res.Registered)
	require.NotEmpty(t, res.APIKey)
	return res.Device, res.APIKey
}

func (f *fixture) beat(identity, key string) (*heartbeat.Result, error) {
	f.clock.Advance(10 * time.Second)
	return f.rec.Heartbeat(context.Background(), heartbeat.Report{Identity: identity, Credential: key, FirmwareVersion: "1.0.0"})
}

func (f *fixture) setAdminState(t *testing.T, id uint, st models.AdminState) {
	t.Helper()
	require.NoError(t, f.store.UpdateDevice(context.Background(), id, map[string]any{"admin_state": st}))
}

func TestScenario_RegisterBlockUnblock(t *testing.T) {
	f := newFixture(t, heartbeat.Options{AutoRegister: true})
	dev, k1 := f.register(t, "AA:BB:CC:DD:EE:FF")
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", dev.Identity)

	res, err := f.beat("aa:bb:cc:dd:ee:ff", k1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, res.Device.Status)

	f.setAdminState(t, dev.ID, models.AdminBlocked)
	for i := 0; i < 3; i++ {
		_, err = f.beat("aa:bb:cc:dd:ee:ff", k1)
		assert.True(t, apperr.Is(err, apperr.Forbidden))
	}
	a, err := f.disp.NextAction(context.Background(), dev.ID)
	require.NoError(t, err)
	assert.True(t, a.None())

	f.setAdminState(t, dev.ID, models.AdminActive)
	res, err = f.beat("aa:bb:cc:dd:ee:ff", k1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, res.Device.Status)
}

func TestHeartbeat_Errors(t *testing.T) {
	f := newFixture(t, heartbeat.Options{AutoRegister: true})
	_, key := f.register(t, "dev-0001")

	_, err := f.beat("", key)
	assert.True(t, apperr.Is(err, apperr.BadRequest))
	_, err = f.beat("aa:bb:cc", key)
	assert.True(t, apperr.Is(err, apperr.BadRequest))
	_, err = f.beat("dev-0001", "wrong")
	assert.True(t, apperr.Is(err, apperr.Unauthorized))
	_, err = f.beat("dev-0001", "")
	assert.True(t, apperr.Is(err, apperr.Unauthorized))
}

func TestHeartbeat_AutoRegister(t *testing.T) {
	f := newFixture(t, heartbeat.Options{AutoRegister: true})
	ctx := context.Background()

	res, err := f.beat("dev-new", "")
	require.NoError(t, err)
	assert.True(t, res.Registered)
	assert.NotEmpty(t, res.APIKey)
	assert.Equal(t, models.StatusOnline, res.Device.Status)

	// повтор с выданным ключом: без новой регистрации и без нового ключа
	again, err := f.beat("dev-new", res.APIKey)
	require.NoError(t, err)
	assert.False(t, again.Registered)
	assert.Empty(t, again.APIKey)

	events, err := f.store.ListEvents(ctx, repo.EventFilter{Type: models.EventDeviceRegistered})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestHeartbeat_AutoRegisterDisabled(t *testing.T) {
	f := newFixture(t, heartbeat.Options{AutoRegister: false})
	_, err := f.beat("dev-unknown", "")
	assert.True(t, apperr.Is(err, apperr.NotFound))

	_, err = f.rec.Register(context.Background(), heartbeat.Report{Identity: "dev-unknown"})
	assert.True(t, apperr.Is(err, apperr.Forbidden))
}

func TestRegister_EnrollKey(t *testing.T) {
	f := newFixture(t, heartbeat.Options{AutoRegister: false, EnrollKey: "enroll-secret"})
	ctx := context.Background()

	_, err := f.rec.Register(ctx, heartbeat.Report{Identity: "dev-e1", EnrollKey: "nope"})
	assert.True(t, apperr.Is(err, apperr.Unauthorized))

	res, err := f.rec.Register(ctx, heartbeat.Report{Identity: "dev-e1", EnrollKey: "enroll-secret"})
	require.NoError(t, err)
	assert.True(t, res.Registered)
}

func TestRegister_Repeat(t *testing.T) {
	f := newFixture(t, heartbeat.Options{AutoRegister: true})
	ctx := context.Background()
	_, key := f.register(t, "dev-r1")

	res, err := f.rec.Register(ctx, heartbeat.Report{Identity: "dev-r1", Credential: key})
	require.NoError(t, err)
	assert.False(t, res.Registered)
	assert.Empty(t, res.APIKey)

	_, err = f.rec.Register(ctx, heartbeat.Report{Identity: "dev-r1"})
	require.True(t, apperr.Is(err, apperr.Conflict))
	assert.Contains(t, apperr.Message(err), "rotate")
}

func TestRegister_ReissueByEnrollKey(t *testing.T) {
	f := newFixture(t, heartbeat.Options{EnrollKey: "enroll-secret"})
	ctx := context.Background()

	first, err := f.rec.Register(ctx, heartbeat.Report{Identity: "dev-w1", EnrollKey: "enroll-secret"})
	require.NoError(t, err)
	oldKey := first.APIKey

	_, err = f.rec.Register(ctx, heartbeat.Report{Identity: "dev-w1", EnrollKey: "nope"})
	assert.True(t, apperr.Is(err, apperr.Conflict))

	res, err := f.rec.Register(ctx, heartbeat.Report{Identity: "dev-w1", EnrollKey: "enroll-secret"})
	require.NoError(t, err)
	assert.False(t, res.Registered)
	require.NotEmpty(t, res.APIKey)
	assert.NotEqual(t, oldKey, res.APIKey)

	_, err = f.beat("dev-w1", oldKey)
	assert.True(t, apperr.Is(err, apperr.Unauthorized))
	_, err = f.beat("dev-w1", res.APIKey)
	require.NoError(t, err)

	f.setAdminState(t, res.Device.ID, models.AdminBlocked)
	_, err = f.rec.Register(ctx, heartbeat.Report{Identity: "dev-w1", EnrollKey: "enroll-secret"})
	assert.True(t, apperr.Is(err, apperr.Forbidden))
}

func TestHeartbeat_ConcurrentFirstContact(t *testing.T) {
	f := newFixture(t, heartbeat.Options{AutoRegister: true})

	// соседний запрос вставляет то же устройство между чтением и INSERT
	injected := false
	cb := f.store.DB().Callback().Create()
	require.NoError(t, cb.Before("gorm:create").Register("test:concurrent_device", func(tx *gorm.DB) {
		if injected || tx.Statement.Table != "devices" {
			return
		}
		injected = true
		other := &models.Device{
			Identity:       "dev-race",
			Status:         models.StatusOnline,
			AdminState:     models.AdminActive,
			CredentialHash: strings.Repeat("e", 64),
		}
		if err := tx.Session(&gorm.Session{NewDB: true}).Create(other).Error; err != nil {
			_ = tx.AddError(err)
		}
	}))

	_, err := f.rec.Heartbeat(context.Background(), heartbeat.Report{Identity: "dev-race", FirmwareVersion: "1.0.0"})
	require.True(t, injected)
	assert.True(t, apperr.Is(err, apperr.Conflict), "got %v", err)
}

func TestHeartbeat_LastSeenMonotonic(t *testing.T) {
	f := newFixture(t, heartbeat.Options{AutoRegister: true})
	ctx := context.Background()

	const devices = 4
	keys := make([]string, devices)
	for i := range keys {
		_, keys[i] = f.register(t, fmt.Sprintf("dev-m%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < devices; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 0; n < 5; n++ {
				_, err := f.beat(fmt.Sprintf("dev-m%d", i), keys[i])
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	// контрольный heartbeat после всех: last_seen равен его времени
	for i := 0; i < devices; i++ {
		res, err := f.beat(fmt.Sprintf("dev-m%d", i), keys[i])
		require.NoError(t, err)
		want := f.clock.Now()
		got, err := f.store.DeviceByID(ctx, res.Device.ID, false)
		require.NoError(t, err)
		require.NotNil(t, got.LastSeen)
		assert.True(t, want.Equal(*got.LastSeen), "device %d: %s != %s", i, got.LastSeen, want)
	}
}

func TestHeartbeat_LastSeenNeverMovesBack(t *testing.T) {
	f := newFixture(t, heartbeat.Options{AutoRegister: true})
	ctx := context.Background()
	dev, key := f.register(t, "dev-back")

	_, err := f.beat("dev-back", key)
	require.NoError(t, err)
	latest := f.clock.Now()

	f.clock.Advance(-time.Hour)
	_, err = f.rec.Heartbeat(ctx, heartbeat.Report{Identity: "dev-back", Credential: key})
	require.NoError(t, err)

	got, err := f.store.DeviceByID(ctx, dev.ID, false)
	require.NoError(t, err)
	assert.True(t, latest.Equal(*got.LastSeen))
}

func TestHeartbeat_OnlineEdgeOnlyOnce(t *testing.T) {
	f := newFixture(t, heartbeat.Options{AutoRegister: true})
	ctx := context.Background()
	dev, key := f.register(t, "dev-edge")
	require.NoError(t, f.store.UpdateDevice(ctx, dev.ID, map[string]any{"status": models.StatusOffline}))

	for i := 0; i < 3; i++ {
		_, err := f.beat("dev-edge", key)
		require.NoError(t, err)
	}
	f.notifier.Wait()
	assert.Equal(t, 1, f.sent.count("back online"))

	events, err := f.store.ListEvents(ctx, repo.EventFilter{Type: models.EventDeviceOnline})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestHeartbeat_AlarmEdge(t *testing.T) {
	f := newFixture(t, heartbeat.Options{AutoRegister: true})
	ctx := context.Background()
	_, key := f.register(t, "dev-alarm")

	for i := 0; i < 2; i++ {
		f.clock.Advance(time.Second)
		res, err := f.rec.Heartbeat(ctx, heartbeat.Report{Identity: "dev-alarm", Credential: key, Status: "ALARMING"})
		require.NoError(t, err)
		assert.Equal(t, models.StatusAlarming, res.Device.Status)
	}
	res, err := f.beat("dev-alarm", key)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, res.Device.Status)

	f.notifier.Wait()
	assert.Equal(t, 1, f.sent.count("Alarm"))
}

func TestHeartbeat_Suspended(t *testing.T) {
	f := newFixture(t, heartbeat.Options{AutoRegister: true})
	ctx := context.Background()
	dev, key := f.register(t, "dev-susp")
	_, err := f.disp.Enqueue(ctx, dev.ID, dispatch.Reboot{})
	require.NoError(t, err)
	f.setAdminState(t, dev.ID, models.AdminSuspended)

	res, err := f.beat("dev-susp", key)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuspended, res.Device.Status)
	assert.True(t, res.Action.None())
	assert.True(t, f.clock.Now().Equal(*res.Device.LastSeen))

	f.setAdminState(t, dev.ID, models.AdminActive)
	res, err = f.beat("dev-susp", key)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, res.Device.Status)
	require.False(t, res.Action.None())
	assert.Equal(t, dispatch.KindReboot, res.Action.Command.Kind())
}

func TestHeartbeat_CommandDeliveredOnce(t *testing.T) {
	f := newFixture(t, heartbeat.Options{AutoRegister: true})
	dev, key := f.register(t, "dev-cmd")
	_, err := f.disp.Enqueue(context.Background(), dev.ID, dispatch.Reboot{})
	require.NoError(t, err)

	first, err := f.beat("dev-cmd", key)
	require.NoError(t, err)
	require.False(t, first.Action.None())
	assert.Equal(t, dispatch.KindReboot, first.Action.Command.Kind())

	second, err := f.beat("dev-cmd", key)
	require.NoError(t, err)
	assert.True(t, second.Action.None())
}

func TestHeartbeat_ScheduleRevReported(t *testing.T) {
	f := newFixture(t, heartbeat.Options{AutoRegister: true})
	ctx := context.Background()
	dev, key := f.register(t, "dev-sch")
	_, err := f.disp.SetSchedule(ctx, dev.ID, []dispatch.Slot{{Compartment: 0, Time: "07:30"}})
	require.NoError(t, err)

	res, err := f.beat("dev-sch", key)
	require.NoError(t, err)
	assert.Equal(t, dispatch.KindScheduleSync, res.Action.Command.Kind())

	rev := int64(1)
	f.clock.Advance(time.Second)
	res, err = f.rec.Heartbeat(ctx, heartbeat.Report{Identity: "dev-sch", Credential: key, ScheduleRev: &rev})
	require.NoError(t, err)
	assert.True(t, res.Action.None())
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t, heartbeat.Options{AutoRegister: true})
	ctx := context.Background()
	dev, key := f.register(t, "dev-auth")

	got, err := f.rec.Authenticate(ctx, "DEV-AUTH", key)
	require.NoError(t, err)
	assert.Equal(t, dev.ID, got.ID)

	_, err = f.rec.Authenticate(ctx, "dev-ghost", key)
	assert.True(t, apperr.Is(err, apperr.Unauthorized))

	f.setAdminState(t, dev.ID, models.AdminBlocked)
	_, err = f.rec.Authenticate(ctx, "dev-auth", key)
	assert.True(t, apperr.Is(err, apperr.Forbidden))
}
