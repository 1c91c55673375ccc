package credstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/Rosenorn-Solutions/pantmig-go/pkg/credstore/migrations"

	_ "modernc.org/sqlite"
)

// SQLite is a durable Store backed by a single SQLite database file. Multiple
// client processes on the same machine may share one file; SQLite's own
// locking serializes writers.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens (or creates) the database at dsn and applies any pending
// schema migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// A credential store sees tiny, rare writes. A single connection keeps
	// SQLITE_BUSY out of the picture entirely.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error { return s.db.Close() }

// applyMigrations applies the embedded migrations, compiled into the binary.
func (s *SQLite) applyMigrations() error {
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return err
	}

	src, err := iofs.New(migrations.Migrations, ".")
	if err != nil {
		return err
	}

	instance, err := migrate.NewWithInstance("iofs", src, "", driver)
	if err != nil {
		return err
	}

	if err := instance.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM credentials WHERE key = ?`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (s *SQLite) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		key, value,
	)
	return err
}

func (s *SQLite) Remove(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE key = ?`, key)
	return err
}

// SetTokens writes the token unit in one transaction so a concurrent reader
// never sees a token without its matching expiry.
func (s *SQLite) SetTokens(ctx context.Context, t Tokens) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback() // safe after commit
	}()

	for key, value := range map[string]string{
		KeyToken:          t.AccessToken,
		KeyRefreshToken:   t.RefreshToken,
		KeyTokenExpiresAt: encodeExpiry(t.ExpiresAt),
	} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO credentials (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT (key) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at`,
			key, value,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLite) Tokens(ctx context.Context) (Tokens, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM credentials
		WHERE key IN (?, ?, ?)`,
		KeyToken, KeyRefreshToken, KeyTokenExpiresAt,
	)
	if err != nil {
		return Tokens{}, err
	}
	defer rows.Close()

	var t Tokens
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return Tokens{}, err
		}
		switch key {
		case KeyToken:
			t.AccessToken = value
		case KeyRefreshToken:
			t.RefreshToken = value
		case KeyTokenExpiresAt:
			t.ExpiresAt = decodeExpiry(value)
		}
	}
	return t, rows.Err()
}

func (s *SQLite) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials`)
	return err
}
