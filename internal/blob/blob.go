// Package blob — хранилище бинарников прошивок поверх afero.
// В проде это каталог на диске, в тестах MemMapFs.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// ErrTooLarge — поток длиннее лимита; частичный файл уже удалён.
var ErrTooLarge = errors.New("blob exceeds size limit")

type Store struct {
	fs afero.Fs
}

// NewDir — хранилище в каталоге dir (создаётся при необходимости).
func NewDir(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob dir %s: %w", dir, err)
	}
	return New(afero.NewBasePathFs(afero.NewOsFs(), dir)), nil
}

func New(fs afero.Fs) *Store {
	return &Store{fs: fs}
}

// Written — результат записи.
type Written struct {
	Name   string
	Size   int64
	SHA256 string
}

// Put пишет поток во временный файл, считает sha256 и размер, затем переименовывает в name.
// Если поток длиннее maxBytes (>0) или запись упала, временный файл удаляется.
func (s *Store) Put(name string, r io.Reader, maxBytes int64) (*Written, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	tmp := name + ".part-" + uuid.NewString()[:8]
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", tmp, err)
	}

	h := sha256.New()
	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	n, copyErr := io.Copy(io.MultiWriter(f, h), src)
	closeErr := f.Close()

	fail := func(err error) (*Written, error) {
		_ = s.fs.Remove(tmp)
		return nil, err
	}
	switch {
	case copyErr != nil:
		return fail(fmt.Errorf("write %s: %w", name, copyErr))
	case closeErr != nil:
		return fail(fmt.Errorf("close %s: %w", name, closeErr))
	case maxBytes > 0 && n > maxBytes:
		return fail(ErrTooLarge)
	}
	if err := s.fs.Rename(tmp, name); err != nil {
		return fail(fmt.Errorf("rename %s: %w", name, err))
	}
	return &Written{Name: name, Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

// Open — файл для чтения; afero.File реализует io.ReadSeeker для http.ServeContent.
func (s *Store) Open(name string) (afero.File, os.FileInfo, error) {
	if err := checkName(name); err != nil {
		return nil, nil, err
	}
	f, err := s.fs.Open(name)
	if err != nil {
		return nil, nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return f, fi, nil
}

// Remove — отсутствующий файл не ошибка.
func (s *Store) Remove(name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := s.fs.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) Exists(name string) (bool, error) {
	return afero.Exists(s.fs, name)
}

// имена только плоские: без каталогов и ..
func checkName(name string) error {
	if name == "" || name != path.Base(name) || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid blob name %q", name)
	}
	return nil
}
