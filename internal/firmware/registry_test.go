package firmware_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"testing"
	"time"

	"pillcloud/internal/apperr"
	"pillcloud/internal/blob"
	"pillcloud/internal/firmware"
	"pillcloud/internal/models"
	"pillcloud/internal/repo"
	"pillcloud/internal/testhelpers"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store *repo.Store
	fs    afero.Fs
	reg   *firmware.Registry
	clock *testhelpers.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := testhelpers.NewStore(t)
	fs := afero.NewMemMapFs()
	clock := testhelpers.NewClock()
	reg := firmware.NewRegistry(store, blob.New(fs), firmware.Options{
		MaxBytes:  1024,
		PublicURL: "https://pill.example.com/",
		Now:       clock.Now,
	})
	return &fixture{store: store, fs: fs, reg: reg, clock: clock}
}

func (f *fixture) upload(t *testing.T, version string, stable bool) *models.Firmware {
	t.Helper()
	f.clock.Advance(time.Minute)
	fw, err := f.reg.Upload(context.Background(), firmware.UploadInput{Version: version, Stable: stable},
		strings.NewReader("bin-"+version))
	require.NoError(t, err)
	return fw
}

func (f *fixture) device(t *testing.T, identity, reported string, otaEnabled bool) *models.Device {
	t.Helper()
	d := &models.Device{
		Identity:        identity,
		FirmwareVersion: reported,
		Status:          models.StatusOnline,
		AdminState:      models.AdminActive,
		CredentialHash:  strings.Repeat("0", 48) + identity[len(identity)-2:] + strings.Repeat("f", 14),
		OTAEnabled:      otaEnabled,
	}
	require.NoError(t, f.store.CreateDevice(context.Background(), d))
	return d
}

func stableVersions(t *testing.T, f *fixture) []string {
	t.Helper()
	list, err := f.reg.List(context.Background())
	require.NoError(t, err)
	var out []string
	for _, fw := range list {
		if fw.IsStable {
			out = append(out, fw.Version)
		}
	}
	return out
}

func TestUpload_DownloadRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := bytes.Repeat([]byte{0xE9, 0x00, 0xFF}, 300)

	fw, err := f.reg.Upload(ctx, firmware.UploadInput{Version: "1.0.0", Changelog: "first"}, bytes.NewReader(data))
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), fw.SHA256)
	assert.Equal(t, int64(len(data)), fw.SizeBytes)
	assert.True(t, strings.HasPrefix(fw.Filename, "firmware_1_0_0_"))
	assert.True(t, strings.HasSuffix(fw.Filename, ".bin"))

	desc := f.reg.Describe(fw)
	assert.Equal(t, "https://pill.example.com/api/device/firmware/1.0.0", desc.URL)

	got, file, err := f.reg.Open(ctx, desc.Version)
	require.NoError(t, err)
	defer file.Close()
	body, err := io.ReadAll(file)
	require.NoError(t, err)
	assert.Equal(t, data, body)
	resum := sha256.Sum256(body)
	assert.Equal(t, got.SHA256, hex.EncodeToString(resum[:]))
	assert.Equal(t, desc.Size, int64(len(body)))
}

func TestUpload_DuplicateVersion(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "1.0.0", false)

	_, err := f.reg.Upload(context.Background(), firmware.UploadInput{Version: "1.0.0"}, strings.NewReader("other"))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Conflict))
	assert.Contains(t, apperr.Message(err), "already exists")

	entries, err := afero.ReadDir(f.fs, "/")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no orphaned blob")
}

func TestUpload_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.Upload(ctx, firmware.UploadInput{Version: "2.0.0"}, strings.NewReader(strings.Repeat("x", 1025)))
	assert.True(t, apperr.Is(err, apperr.BadRequest))

	_, err = f.reg.Upload(ctx, firmware.UploadInput{Version: "2.0.0"}, strings.NewReader(""))
	assert.True(t, apperr.Is(err, apperr.BadRequest))

	_, err = f.reg.Upload(ctx, firmware.UploadInput{Version: "../2.0"}, strings.NewReader("x"))
	assert.True(t, apperr.Is(err, apperr.BadRequest))

	entries, err := afero.ReadDir(f.fs, "/")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSingleStablePerFleet(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "1.0.0", true)
	assert.Equal(t, []string{"1.0.0"}, stableVersions(t, f))

	f.upload(t, "1.0.1", true)
	assert.Equal(t, []string{"1.0.1"}, stableVersions(t, f))

	f.upload(t, "1.1.0", false)
	_, err := f.reg.SetStable(context.Background(), "1.1.0", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.1.0"}, stableVersions(t, f))

	_, err = f.reg.SetStable(context.Background(), "1.1.0", false)
	require.NoError(t, err)
	assert.Empty(t, stableVersions(t, f))
}

func TestRollbackStable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upload(t, "1.0.0", true)
	f.upload(t, "1.0.1", true)
	f.upload(t, "1.0.2", true)

	fw, err := f.reg.RollbackStable(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", fw.Version)
	assert.Equal(t, []string{"1.0.1"}, stableVersions(t, f))

	fw, err = f.reg.RollbackStable(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", fw.Version)

	_, err = f.reg.RollbackStable(ctx)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestRollbackStable_SkipsWithdrawn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upload(t, "1.0.0", true)
	f.upload(t, "1.0.1", true)

	pulled, err := f.reg.SetStable(ctx, "1.0.1", false)
	require.NoError(t, err)
	require.NotNil(t, pulled.WithdrawnAt)

	fw, err := f.reg.RollbackStable(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", fw.Version)
	assert.Equal(t, []string{"1.0.0"}, stableVersions(t, f))
}

func TestRollbackStable_DoesNotReturnRolledAwayVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upload(t, "1.0.1", true)
	f.upload(t, "1.0.2", true)

	fw, err := f.reg.RollbackStable(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", fw.Version)

	f.upload(t, "1.0.3", true)
	fw, err = f.reg.RollbackStable(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", fw.Version)
	assert.Equal(t, []string{"1.0.1"}, stableVersions(t, f))

	// повторное продвижение снимает пометку об отзыве
	f.clock.Advance(time.Minute)
	fw, err = f.reg.SetStable(ctx, "1.0.2", true)
	require.NoError(t, err)
	assert.Nil(t, fw.WithdrawnAt)
	fw, err = f.reg.RollbackStable(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", fw.Version)
}

func TestOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upload(t, "1.0.0", false)
	f.upload(t, "1.2.0", true)

	d := f.device(t, "aa:bb:cc:dd:ee:01", "1.1.0", true)
	desc, err := f.reg.Offer(ctx, d, d.FirmwareVersion)
	require.NoError(t, err)
	require.NotNil(t, desc)
	assert.Equal(t, "1.2.0", desc.Version)

	// уже на stable
	desc, err = f.reg.Offer(ctx, d, "1.2.0")
	require.NoError(t, err)
	assert.Nil(t, desc)

	// версия устройства не разбирается, не предлагаем
	desc, err = f.reg.Offer(ctx, d, "dev-build")
	require.NoError(t, err)
	assert.Nil(t, desc)

	// ota выключен
	off := f.device(t, "aa:bb:cc:dd:ee:02", "1.0.0", false)
	desc, err = f.reg.Offer(ctx, off, off.FirmwareVersion)
	require.NoError(t, err)
	assert.Nil(t, desc)
}

func TestPinIgnoresFlags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upload(t, "1.0.0", false)
	f.upload(t, "1.2.0", true)

	f.device(t, "aa:bb:cc:dd:ee:03", "1.2.0", false)
	d, err := f.reg.PinDevice(ctx, "aa:bb:cc:dd:ee:03", "1.0.0")
	require.NoError(t, err)

	fw, err := f.reg.LatestEligible(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", fw.Version)

	desc, err := f.reg.Offer(ctx, d, "1.2.0")
	require.NoError(t, err)
	require.NotNil(t, desc, "pin allows downgrade")
	assert.Equal(t, "1.0.0", desc.Version)

	desc, err = f.reg.Offer(ctx, d, "1.0.0")
	require.NoError(t, err)
	assert.Nil(t, desc)

	_, err = f.reg.PinDevice(ctx, "aa:bb:cc:dd:ee:03", "9.9.9")
	assert.True(t, apperr.Is(err, apperr.NotFound))

	err = f.reg.Delete(ctx, "1.0.0")
	assert.True(t, apperr.Is(err, apperr.Conflict), "pinned version cannot be deleted")

	d, err = f.reg.UnpinDevice(ctx, "aa:bb:cc:dd:ee:03")
	require.NoError(t, err)
	assert.Nil(t, d.OTATargetVersion)
	require.NoError(t, f.reg.Delete(ctx, "1.0.0"))
}

func TestDelete_RemovesRowThenBlob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fw := f.upload(t, "1.0.0", false)

	require.NoError(t, f.reg.Delete(ctx, "1.0.0"))
	_, err := f.reg.Get(ctx, "1.0.0")
	assert.True(t, apperr.Is(err, apperr.NotFound))

	ok, err := afero.Exists(f.fs, fw.Filename)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, apperr.Is(f.reg.Delete(ctx, "1.0.0"), apperr.NotFound))
}

func TestRollbackDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upload(t, "1.0.0", true)
	f.upload(t, "1.1.0", true)
	f.upload(t, "1.2.0", true)

	f.device(t, "aa:bb:cc:dd:ee:04", "1.2.0", true)
	d, target, err := f.reg.RollbackDevice(ctx, "aa:bb:cc:dd:ee:04")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", target.Version)
	require.NotNil(t, d.OTATargetVersion)
	assert.Equal(t, "1.1.0", *d.OTATargetVersion)

	_, target, err = f.reg.RollbackDevice(ctx, "aa:bb:cc:dd:ee:04")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", target.Version)

	_, _, err = f.reg.RollbackDevice(ctx, "aa:bb:cc:dd:ee:04")
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestRollbackDevice_SkipsWithdrawn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upload(t, "1.0.0", true)
	f.upload(t, "1.0.1", true)
	f.upload(t, "1.0.2", true)
	_, err := f.reg.SetStable(ctx, "1.0.1", false)
	require.NoError(t, err)

	f.device(t, "aa:bb:cc:dd:ee:05", "1.0.2", true)
	_, target, err := f.reg.RollbackDevice(ctx, "aa:bb:cc:dd:ee:05")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", target.Version)

	// версия вне реестра: ищем более старую, тоже мимо отозванной
	f.device(t, "aa:bb:cc:dd:ee:06", "1.0.9", true)
	_, err = f.reg.SetStable(ctx, "1.0.2", false)
	require.NoError(t, err)
	_, target, err = f.reg.RollbackDevice(ctx, "aa:bb:cc:dd:ee:06")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", target.Version)
}
