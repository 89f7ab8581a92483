package repo

import (
	"context"
	"errors"

	"pillcloud/internal/apperr"
	"pillcloud/internal/db"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store — доступ к таблицам сервиса. Внутри Tx все вызовы идут через транзакционный *Store.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB — сырой хендл для health-проверок.
func (s *Store) DB() *gorm.DB { return s.db }

// Tx выполняет fn в транзакции. Вложенный вызов становится savepoint'ом.
func (s *Store) Tx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

func (s *Store) q(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// forUpdate добавляет SELECT ... FOR UPDATE там, где диалект это умеет.
// В sqlite транзакция и так сериализует писателей.
func (s *Store) forUpdate(q *gorm.DB) *gorm.DB {
	if db.IsSQLite(s.db) {
		return q
	}
	return q.Clauses(clause.Locking{Strength: "UPDATE"})
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.New(apperr.NotFound, "%s not found", what)
	}
	return err
}
