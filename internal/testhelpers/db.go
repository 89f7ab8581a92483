// Package testhelpers — общие фикстуры для тестов пакетов.
package testhelpers

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pillcloud/internal/db"
	"pillcloud/internal/repo"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// NewDB — sqlite во временном каталоге теста со схемой.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pillcloud.db")
	g, err := db.Open("sqlite", path)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(g))
	t.Cleanup(func() {
		if sqlDB, err := g.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return g
}

func NewStore(t *testing.T) *repo.Store {
	t.Helper()
	return repo.New(NewDB(t))
}

// Clock — управляемые часы для тестов.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
