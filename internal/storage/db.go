package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/micro-ha/hypervolt-charger/addon/internal/hvapi"
)

// Repository persists the rotated token pair per charger so restarts
// can resume with a refresh grant instead of a password login. Device
// state is deliberately never stored here.
type Repository struct {
	db     *sql.DB
	logger *slog.Logger
}

func New(ctx context.Context, dbPath string, logger *slog.Logger) (*Repository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	repo := &Repository{db: db, logger: logger}
	if err := repo.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Repository) migrate(ctx context.Context) error {
	statements := []string{
		`PRAGMA journal_mode = WAL;`,
		`CREATE TABLE IF NOT EXISTS credentials (
			charger_id TEXT PRIMARY KEY,
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range statements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate failed: %w", err)
		}
	}
	return nil
}

// Save upserts the latest credential pair for a charger.
func (r *Repository) Save(ctx context.Context, chargerID string, creds hvapi.Credentials) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO credentials (charger_id, access_token, refresh_token, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(charger_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at;`,
		chargerID,
		creds.AccessToken,
		creds.RefreshToken,
		creds.ExpiresAt.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

// Load returns the stored credential pair for a charger, if any.
func (r *Repository) Load(ctx context.Context, chargerID string) (hvapi.Credentials, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, expires_at
		FROM credentials WHERE charger_id = ?;`, chargerID)

	var creds hvapi.Credentials
	var expiresAt string
	if err := row.Scan(&creds.AccessToken, &creds.RefreshToken, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return hvapi.Credentials{}, false, nil
		}
		return hvapi.Credentials{}, false, fmt.Errorf("load credentials: %w", err)
	}

	parsed, err := time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil {
		r.logger.Warn("stored credential expiry unparsable, discarding row", "charger_id", chargerID, "err", err)
		return hvapi.Credentials{}, false, nil
	}
	creds.ExpiresAt = parsed.UTC()
	return creds, true, nil
}

// Delete removes stored credentials, used when a refresh token is
// permanently rejected.
func (r *Repository) Delete(ctx context.Context, chargerID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM credentials WHERE charger_id = ?;`, chargerID)
	if err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}
