package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/sirupsen/logrus"

	"github.com/pershin-daniil/MeetMatch/pkg/metrics"
	"github.com/pershin-daniil/MeetMatch/pkg/models"
	"github.com/pershin-daniil/MeetMatch/pkg/store"
)

//go:embed migrations
var migrations embed.FS

const retries = 3

const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

type Store struct {
	log *logrus.Entry
	db  *sqlx.DB
}

type queryer interface {
	sqlx.QueryerContext
	sqlx.ExecerContext
}

func NewStore(ctx context.Context, log *logrus.Logger, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("err connecting to postgres: %w", err)
	}
	return &Store{
		log: log.WithField("component", "pgstore"),
		db:  db,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(direction migrate.MigrationDirection) error {
	assetDir := func() func(string) ([]string, error) {
		return func(path string) ([]string, error) {
			dirEntry, er := migrations.ReadDir(path)
			if er != nil {
				return nil, er
			}
			entries := make([]string, 0)
			for _, e := range dirEntry {
				entries = append(entries, e.Name())
			}

			return entries, nil
		}
	}()
	asset := migrate.AssetMigrationSource{
		Asset:    migrations.ReadFile,
		AssetDir: assetDir,
		Dir:      "migrations",
	}
	n, err := migrate.Exec(s.db.DB, "postgres", asset, direction)
	if err != nil {
		return fmt.Errorf("err applying migrations: %w", err)
	}
	s.log.Infof("applied %d migrations", n)
	return nil
}

// InTx runs fn in a read committed transaction. Serialization failures and
// deadlocks are reported as store.ErrConflict.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	started := time.Now()
	defer func() {
		metrics.PgDuration.WithLabelValues("InTx").Observe(time.Since(started).Seconds())
		if err != nil {
			metrics.PgErrCount.WithLabelValues("InTx").Inc()
		}
	}()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("err beginning tx: %w", conflict(err))
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(&pgTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Warnf("err rolling back tx: %v", rbErr)
		}
		return conflict(err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("err committing tx: %w", conflict(err))
	}
	return nil
}

// ResetTables truncates tables and restarts their id sequences.
func (s *Store) ResetTables(ctx context.Context, tables []string) error {
	if _, err := s.db.ExecContext(ctx, `TRUNCATE TABLE `+strings.Join(tables, `, `)+` CASCADE`); err != nil {
		return fmt.Errorf("err truncating tables: %w", err)
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`ALTER SEQUENCE %s_id_seq RESTART`, table)); err != nil {
			return fmt.Errorf("err restarting %s sequence: %w", table, err)
		}
	}
	return nil
}

// read runs an idempotent query, retrying transient failures. sql.ErrNoRows is returned at once.
func (s *Store) read(ctx context.Context, method string, fn func() error) error {
	var err error
	for i := 0; i < retries; i++ {
		err = s.observe(method, fn)
		if err == nil || errors.Is(err, sql.ErrNoRows) || ctx.Err() != nil {
			return err
		}
		s.log.Warnf("err in %s, attempt %d: %v", method, i+1, err)
	}
	return err
}

func (s *Store) observe(method string, fn func() error) error {
	started := time.Now()
	err := fn()
	metrics.PgDuration.WithLabelValues(method).Observe(time.Since(started).Seconds())
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		metrics.PgErrCount.WithLabelValues(method).Inc()
	}
	return err
}

// conflict marks errors caused by concurrent writers as retryable.
func conflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected:
			return fmt.Errorf("%w: %v", store.ErrConflict, err)
		}
	}
	return err
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("err getting affected rows: %w", err)
	}
	return n > 0, nil
}

const userColumns = `id, last_name, first_name, gender, birth_year, telegram_id, created_at, updated_at`

func (s *Store) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	var created models.User
	query := `
INSERT INTO users (last_name, first_name, gender, birth_year, telegram_id)
VALUES ($1, $2, $3, $4, $5)
RETURNING ` + userColumns
	err := s.observe("CreateUser", func() error {
		return s.db.GetContext(ctx, &created, query, user.LastName, user.FirstName, user.Gender, user.BirthYear, user.TelegramID)
	})
	if err != nil {
		return models.User{}, fmt.Errorf("err creating user: %w", err)
	}
	return created, nil
}

func (s *Store) GetUser(ctx context.Context, id int) (models.User, error) {
	var user models.User
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	err := s.read(ctx, "GetUser", func() error {
		return s.db.GetContext(ctx, &user, query, id)
	})
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return models.User{}, models.ErrUserNotFound
	case err != nil:
		return models.User{}, fmt.Errorf("err getting user %d: %w", id, err)
	}
	return user, nil
}

func (s *Store) GetUsers(ctx context.Context, ids []int) ([]models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT `+userColumns+` FROM users WHERE id IN (?) ORDER BY id`, ids)
	if err != nil {
		return nil, fmt.Errorf("err building users query: %w", err)
	}
	query = s.db.Rebind(query)
	var users []models.User
	err = s.read(ctx, "GetUsers", func() error {
		users = users[:0]
		return s.db.SelectContext(ctx, &users, query, args...)
	})
	if err != nil {
		return nil, fmt.Errorf("err getting users: %w", err)
	}
	return users, nil
}

func (s *Store) UpdateUser(ctx context.Context, user models.User) (models.User, error) {
	var updated models.User
	query := `
UPDATE users
SET last_name = $2,
    first_name = $3,
    gender = $4,
    birth_year = $5,
    telegram_id = $6,
    updated_at = now()
WHERE id = $1
RETURNING ` + userColumns
	err := s.observe("UpdateUser", func() error {
		return s.db.GetContext(ctx, &updated, query, user.ID, user.LastName, user.FirstName, user.Gender, user.BirthYear, user.TelegramID)
	})
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return models.User{}, models.ErrUserNotFound
	case err != nil:
		return models.User{}, fmt.Errorf("err updating user %d: %w", user.ID, err)
	}
	return updated, nil
}

// GetUserByTelegramID finds the user that registered the telegram chat.
func (s *Store) GetUserByTelegramID(ctx context.Context, telegramID int64) (models.User, error) {
	var user models.User
	query := `SELECT ` + userColumns + ` FROM users WHERE telegram_id = $1`
	err := s.read(ctx, "GetUserByTelegramID", func() error {
		return s.db.GetContext(ctx, &user, query, telegramID)
	})
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return models.User{}, models.ErrUserNotFound
	case err != nil:
		return models.User{}, fmt.Errorf("err getting user by telegram id: %w", err)
	}
	return user, nil
}
