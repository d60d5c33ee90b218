// Package pgstore keeps refresh token families and records in PostgreSQL.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jrsteele09/go-session-auth/internal/dbx"
	apperrors "github.com/jrsteele09/go-session-auth/internal/errors"
	"github.com/jrsteele09/go-session-auth/token/refresh"
	"github.com/jrsteele09/go-session-auth/token/refresh/pgstore/migrations"
	"github.com/pressly/goose/v3"
)

var _ refresh.Store = (*Store)(nil)

type Store struct {
	db      *sql.DB
	nowTime func() time.Time
}

type Option func(*Store)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(s *Store) {
		s.nowTime = nowFunc
	}
}

func New(db *sql.DB, options ...Option) *Store {
	s := &Store{
		db:      db,
		nowTime: time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Open connects through the pgx stdlib driver and checks the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// Migrate applies the embedded schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := gooseUpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("migrate refresh token schema: %w", err)
	}
	return nil
}

func (s *Store) CreateFamily(ctx context.Context) (string, error) {
	id := uuid.New().String()
	query :=
		`INSERT INTO refresh_families (id, locked, created_at)
		 VALUES ($1, FALSE, $2)
		 `
	if _, err := s.db.ExecContext(ctx, query, id, s.nowTime().UTC()); err != nil {
		return "", fmt.Errorf("db error: %w", err)
	}
	return id, nil
}

func (s *Store) GetFamily(ctx context.Context, familyID string) (*refresh.Family, error) {
	query :=
		`SELECT id, locked, created_at FROM refresh_families
		 WHERE id = $1
		 `
	f := &refresh.Family{}
	err := s.db.QueryRowContext(ctx, query, familyID).Scan(&f.ID, &f.Locked, &f.Created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return f, nil
}

func (s *Store) LockFamily(ctx context.Context, familyID string) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE refresh_families SET locked = TRUE
			 WHERE id = $1
			 `, familyID)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		if n == 0 {
			return apperrors.ErrNotFound
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE refresh_tokens SET locked = TRUE
			 WHERE family_id = $1
			 `, familyID); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		return nil
	})
}

// CreateToken inserts the record only if its family exists, inheriting the family lock.
func (s *Store) CreateToken(ctx context.Context, record *refresh.Record) (*refresh.Record, error) {
	query :=
		`INSERT INTO refresh_tokens (token, family_id, user_id, created_at, expires_at, has_rotated, locked)
		 SELECT $1, f.id, $3, $4, $5, FALSE, f.locked OR $6
		 FROM refresh_families f
		 WHERE f.id = $2
		 RETURNING token, family_id, user_id, created_at, expires_at, has_rotated, locked
		 `
	out, err := scanRecord(s.db.QueryRowContext(ctx, query,
		record.Token, record.FamilyID, record.UserID,
		record.Created.UTC(), record.Expires.UTC(), record.Locked))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (s *Store) FindToken(ctx context.Context, token string) (*refresh.Record, error) {
	query :=
		`SELECT token, family_id, user_id, created_at, expires_at, has_rotated, locked FROM refresh_tokens
		 WHERE token = $1
		 `
	out, err := scanRecord(s.db.QueryRowContext(ctx, query, token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

// MarkRotated flips has_rotated only if it is still false; the row count says who won.
func (s *Store) MarkRotated(ctx context.Context, token string) (bool, error) {
	query :=
		`UPDATE refresh_tokens SET has_rotated = TRUE
		 WHERE token = $1 AND has_rotated = FALSE
		 `
	res, err := s.db.ExecContext(ctx, query, token)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return n == 1, nil
}

func (s *Store) ListTokens(ctx context.Context, familyID string) ([]*refresh.Record, error) {
	query :=
		`SELECT token, family_id, user_id, created_at, expires_at, has_rotated, locked FROM refresh_tokens
		 WHERE family_id = $1
		 ORDER BY created_at
		 `
	rows, err := s.db.QueryContext(ctx, query, familyID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	records := make([]*refresh.Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return records, nil
}

func (s *Store) DeleteTokens(ctx context.Context, records []*refresh.Record) error {
	if len(records) == 0 {
		return nil
	}
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, r := range records {
			if _, err := tx.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE token = $1`, r.Token); err != nil {
				return fmt.Errorf("db error: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) DeleteFamily(ctx context.Context, familyID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM refresh_families WHERE id = $1`, familyID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*refresh.Record, error) {
	r := &refresh.Record{}
	if err := row.Scan(&r.Token, &r.FamilyID, &r.UserID, &r.Created, &r.Expires, &r.HasRotated, &r.Locked); err != nil {
		return nil, err
	}
	return r, nil
}
