package firmware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"pillcloud/internal/apperr"
	"pillcloud/internal/blob"
	"pillcloud/internal/logs"
	"pillcloud/internal/metrics"
	"pillcloud/internal/models"
	"pillcloud/internal/repo"
	"pillcloud/internal/validate"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gorm.io/gorm"
)

// DownloadPath — путь, по которому устройства забирают бинарник.
const DownloadPath = "/api/device/firmware/"

// Descriptor — то, что получает устройство для OTA.
type Descriptor struct {
	Version string `json:"version"`
	URL     string `json:"url"`
	SHA256  string `json:"sha256"`
	Size    int64  `json:"size"`
}

type Options struct {
	MaxBytes  int64
	PublicURL string // пусто: относительный url
	Now       func() time.Time
}

type Registry struct {
	store     *repo.Store
	blobs     *blob.Store
	maxBytes  int64
	publicURL string
	now       func() time.Time
	log       *logrus.Entry
}

func NewRegistry(store *repo.Store, blobs *blob.Store, o Options) *Registry {
	now := o.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		store:     store,
		blobs:     blobs,
		maxBytes:  o.MaxBytes,
		publicURL: strings.TrimRight(o.PublicURL, "/"),
		now:       now,
		log:       logs.Component("firmware"),
	}
}

func (r *Registry) clock() time.Time {
	return r.now().UTC().Truncate(time.Millisecond)
}

func (r *Registry) Describe(f *models.Firmware) *Descriptor {
	return &Descriptor{
		Version: f.Version,
		URL:     r.publicURL + DownloadPath + url.PathEscape(f.Version),
		SHA256:  f.SHA256,
		Size:    f.SizeBytes,
	}
}

type UploadInput struct {
	Version   string
	Stable    bool
	Changelog string
}

// Upload принимает бинарник: sha256 и размер считаются по всему потоку до вставки строки.
// Дубликат версии даёт Conflict; при любой ошибке после записи файл удаляется.
func (r *Registry) Upload(ctx context.Context, in UploadInput, body io.Reader) (fw *models.Firmware, err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = string(apperr.KindOf(err))
		}
		metrics.FirmwareUploadsTotal.WithLabelValues(result).Inc()
	}()

	version, err := validate.Version(in.Version)
	if err != nil {
		return nil, err
	}
	exists, err := r.store.FirmwareExists(ctx, version)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, apperr.New(apperr.Conflict, "version %s already exists", version)
	}

	name := fmt.Sprintf("firmware_%s_%s.bin", strings.ReplaceAll(version, ".", "_"), uuid.NewString()[:8])
	w, err := r.blobs.Put(name, body, r.maxBytes)
	if errors.Is(err, blob.ErrTooLarge) {
		return nil, apperr.New(apperr.BadRequest, "firmware exceeds %d MB", r.maxBytes/(1024*1024))
	}
	if err != nil {
		return nil, fmt.Errorf("store firmware blob: %w", err)
	}
	if w.Size == 0 {
		r.removeBlob(name)
		return nil, apperr.New(apperr.BadRequest, "empty firmware file")
	}

	now := r.clock()
	fw = &models.Firmware{
		Version:    version,
		Filename:   w.Name,
		SHA256:     w.SHA256,
		SizeBytes:  w.Size,
		IsStable:   in.Stable,
		Changelog:  strings.TrimSpace(in.Changelog),
		UploadedAt: now,
	}
	if in.Stable {
		fw.PromotedAt = &now
	}
	err = r.store.Tx(ctx, func(tx *repo.Store) error {
		if in.Stable {
			if err := tx.ClearStable(ctx, 0); err != nil {
				return err
			}
		}
		return tx.CreateFirmware(ctx, fw)
	})
	if err != nil {
		r.removeBlob(name)
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, apperr.New(apperr.Conflict, "version %s already exists", version)
		}
		if dup, _ := r.store.FirmwareExists(ctx, version); dup {
			return nil, apperr.New(apperr.Conflict, "version %s already exists", version)
		}
		return nil, fmt.Errorf("insert firmware %s: %w", version, err)
	}

	r.log.WithFields(logrus.Fields{
		"version": fw.Version, "sha256": fw.SHA256, "size": fw.SizeBytes, "stable": fw.IsStable,
	}).Info("firmware uploaded")
	return fw, nil
}

func (r *Registry) removeBlob(name string) {
	if err := r.blobs.Remove(name); err != nil {
		r.log.WithField("file", name).Warnf("remove firmware blob: %v", err)
	}
}

func (r *Registry) Get(ctx context.Context, version string) (*models.Firmware, error) {
	return r.store.FirmwareByVersion(ctx, strings.TrimSpace(version))
}

func (r *Registry) List(ctx context.Context) ([]models.Firmware, error) {
	return r.store.ListFirmware(ctx)
}

// Open — строка и файл для отдачи. Файл закрывает вызывающий.
func (r *Registry) Open(ctx context.Context, version string) (*models.Firmware, afero.File, error) {
	fw, err := r.Get(ctx, version)
	if err != nil {
		return nil, nil, err
	}
	f, _, err := r.blobs.Open(fw.Filename)
	if err != nil {
		// строка без файла: битое состояние, для устройства это 404
		r.log.WithField("version", fw.Version).Errorf("firmware blob %s: %v", fw.Filename, err)
		return nil, nil, apperr.New(apperr.NotFound, "firmware %s not found", fw.Version)
	}
	return fw, f, nil
}

// Delete — сначала строка, потом файл: устройство не получит ссылку на отсутствующий файл.
func (r *Registry) Delete(ctx context.Context, version string) error {
	fw, err := r.Get(ctx, version)
	if err != nil {
		return err
	}
	pinned, err := r.store.DevicesPinnedTo(ctx, fw.Version)
	if err != nil {
		return err
	}
	if pinned > 0 {
		return apperr.New(apperr.Conflict, "version %s is pinned by %d device(s)", fw.Version, pinned)
	}
	if err := r.store.DeleteFirmware(ctx, fw.ID); err != nil {
		return fmt.Errorf("delete firmware %s: %w", fw.Version, err)
	}
	r.removeBlob(fw.Filename)
	r.log.WithField("version", fw.Version).Info("firmware deleted")
	return nil
}

// SetStable — на флоте не больше одной stable-версии: отметка снимает флаг с остальных.
func (r *Registry) SetStable(ctx context.Context, version string, stable bool) (*models.Firmware, error) {
	var out *models.Firmware
	err := r.store.Tx(ctx, func(tx *repo.Store) error {
		fw, err := tx.FirmwareByVersion(ctx, strings.TrimSpace(version))
		if err != nil {
			return err
		}
		if stable {
			if err := tx.ClearStable(ctx, fw.ID); err != nil {
				return err
			}
			now := r.clock()
			if err := tx.SetFirmwareStable(ctx, fw.ID, true, &now); err != nil {
				return err
			}
		} else if err := tx.WithdrawFirmware(ctx, fw.ID, r.clock()); err != nil {
			return err
		}
		out, err = tx.FirmwareByVersion(ctx, fw.Version)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.log.WithFields(logrus.Fields{"version": out.Version, "stable": out.IsStable}).Info("firmware stable flag changed")
	return out, nil
}

// RollbackStable возвращает флаг stable версии, продвинутой перед текущей.
// Покидаемая версия помечается отозванной, promoted_at не трогаем,
// поэтому повторный откат идёт дальше в прошлое.
func (r *Registry) RollbackStable(ctx context.Context) (*models.Firmware, error) {
	var out *models.Firmware
	err := r.store.Tx(ctx, func(tx *repo.Store) error {
		promoted, err := tx.PromotedFirmware(ctx)
		if err != nil {
			return err
		}
		prev := previousPromoted(promoted)
		if prev == nil {
			return apperr.New(apperr.NotFound, "no previous stable firmware")
		}
		now := r.clock()
		for i := range promoted {
			if promoted[i].IsStable {
				if err := tx.WithdrawFirmware(ctx, promoted[i].ID, now); err != nil {
					return err
				}
			}
		}
		if err := tx.SetFirmwareStable(ctx, prev.ID, true, nil); err != nil {
			return err
		}
		out, err = tx.FirmwareByVersion(ctx, prev.Version)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.log.WithField("version", out.Version).Warn("fleet firmware rolled back")
	return out, nil
}

// previousPromoted: promoted отсортированы по promoted_at от новых, отозванные пропускаются.
// Если stable есть, берём следующую за ней, иначе последнюю продвинутую.
func previousPromoted(promoted []models.Firmware) *models.Firmware {
	for i := range promoted {
		if promoted[i].IsStable {
			return firstActive(promoted[i+1:])
		}
	}
	return firstActive(promoted)
}

func firstActive(list []models.Firmware) *models.Firmware {
	for i := range list {
		if list[i].WithdrawnAt == nil {
			return &list[i]
		}
	}
	return nil
}

// LatestEligible — какая прошивка положена устройству:
// закреплённая версия (флаги не учитываются), иначе при ota_enabled — последняя stable.
func (r *Registry) LatestEligible(ctx context.Context, d *models.Device) (*models.Firmware, error) {
	if d.OTATargetVersion != nil && *d.OTATargetVersion != "" {
		return r.store.FirmwareByVersion(ctx, *d.OTATargetVersion)
	}
	if !d.OTAEnabled {
		return nil, nil
	}
	return r.store.LatestStable(ctx)
}

// Offer — нужно ли предлагать обновление устройству, которое сейчас на reported.
// Закреплённая версия предлагается при любом отличии (в т.ч. даунгрейд),
// stable — только если она новее.
func (r *Registry) Offer(ctx context.Context, d *models.Device, reported string) (*Descriptor, error) {
	fw, err := r.LatestEligible(ctx, d)
	if err != nil {
		return nil, err
	}
	if fw == nil {
		return nil, nil
	}
	if d.OTATargetVersion != nil && *d.OTATargetVersion != "" {
		if strings.TrimSpace(reported) == fw.Version {
			return nil, nil
		}
		return r.Describe(fw), nil
	}
	if !Newer(fw.Version, reported) {
		return nil, nil
	}
	return r.Describe(fw), nil
}

// PinDevice закрепляет за устройством версию; версия должна существовать.
func (r *Registry) PinDevice(ctx context.Context, identity, version string) (*models.Device, error) {
	var out *models.Device
	err := r.store.Tx(ctx, func(tx *repo.Store) error {
		fw, err := tx.FirmwareByVersion(ctx, strings.TrimSpace(version))
		if err != nil {
			return err
		}
		d, err := tx.DeviceByIdentity(ctx, identity, true)
		if err != nil {
			return err
		}
		d.OTATargetVersion = &fw.Version
		if err := tx.UpdateDevice(ctx, d.ID, map[string]any{"ota_target_version": fw.Version}); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.log.WithFields(logrus.Fields{"device": identity, "version": *out.OTATargetVersion}).Info("device pinned to firmware")
	return out, nil
}

func (r *Registry) UnpinDevice(ctx context.Context, identity string) (*models.Device, error) {
	var out *models.Device
	err := r.store.Tx(ctx, func(tx *repo.Store) error {
		d, err := tx.DeviceByIdentity(ctx, identity, true)
		if err != nil {
			return err
		}
		if err := tx.UpdateDevice(ctx, d.ID, map[string]any{"ota_target_version": nil}); err != nil {
			return err
		}
		d.OTATargetVersion = nil
		out = d
		return nil
	})
	return out, err
}

// RollbackDevice закрепляет устройство на версии, которая была stable перед его текущей.
// Текущая — закреплённая, иначе сообщённая устройством.
func (r *Registry) RollbackDevice(ctx context.Context, identity string) (*models.Device, *models.Firmware, error) {
	d, err := r.store.DeviceByIdentity(ctx, identity, false)
	if err != nil {
		return nil, nil, err
	}
	current := d.FirmwareVersion
	if d.OTATargetVersion != nil && *d.OTATargetVersion != "" {
		current = *d.OTATargetVersion
	}
	promoted, err := r.store.PromotedFirmware(ctx)
	if err != nil {
		return nil, nil, err
	}

	var target *models.Firmware
	idx := -1
	for i := range promoted {
		if promoted[i].Version == current {
			idx = i
			break
		}
	}
	if idx >= 0 {
		target = firstActive(promoted[idx+1:])
	} else {
		// текущая версия не из реестра или никогда не была stable: берём последнюю более старую
		for i := range promoted {
			if promoted[i].WithdrawnAt == nil && Newer(current, promoted[i].Version) {
				target = &promoted[i]
				break
			}
		}
	}
	if target == nil {
		return nil, nil, apperr.New(apperr.NotFound, "no previous stable firmware for %s", identity)
	}
	d, err = r.PinDevice(ctx, identity, target.Version)
	if err != nil {
		return nil, nil, err
	}
	return d, target, nil
}
