package license

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	apperrors "picopass/internal/errors"
)

var ledgerSchema = []string{
	`CREATE TABLE IF NOT EXISTS devices (
	serial_number TEXT PRIMARY KEY,
	board_type    TEXT NOT NULL,
	friendly_name TEXT,
	activated_at  INTEGER NOT NULL,
	last_seen     INTEGER NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS settings (
	name  TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`,
}

const productKeySetting = "product_key"

// LocalAuthority validates a product key offline and keeps the seat ledger
// in SQLite. An empty key is the FREE tier.
//
// Ledger I/O failures are reported as ErrAuthorityUnreachable: the seats are
// unknown, not revoked.
type LocalAuthority struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger

	mu  sync.RWMutex
	key *ProductKey
}

var _ KeyInstaller = (*LocalAuthority)(nil)

// OpenLocalAuthority opens (creating if needed) the ledger at path. A key
// installed at runtime with InstallProductKey takes precedence over
// productKey. Any key in use must parse, otherwise the authority refuses to
// start.
func OpenLocalAuthority(path, productKey string, logger *slog.Logger) (*LocalAuthority, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	// One connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping ledger: %w", err)
	}
	for _, stmt := range ledgerSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create ledger tables: %w", err)
		}
	}

	a := &LocalAuthority{
		db:     db,
		now:    time.Now,
		logger: logger.With("component", "license_ledger"),
	}

	var stored string
	err = db.QueryRow(`SELECT value FROM settings WHERE name = ?`, productKeySetting).Scan(&stored)
	switch {
	case err == nil:
		productKey = stored
	case !errors.Is(err, sql.ErrNoRows):
		db.Close()
		return nil, fmt.Errorf("failed to read installed product key: %w", err)
	}

	if productKey != "" {
		pk, err := ParseProductKey(productKey)
		if err != nil {
			db.Close()
			return nil, err
		}
		a.key = &pk
	}
	return a, nil
}

// Close releases the ledger.
func (a *LocalAuthority) Close() error {
	return a.db.Close()
}

func (a *LocalAuthority) tier() (Tier, int, *time.Time) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.key == nil {
		return TierFree, 1, nil
	}
	return a.key.Tier, a.key.Seats, a.key.ValidUntil
}

// Validate implements Authority.
func (a *LocalAuthority) Validate(ctx context.Context, serial string) (Info, error) {
	_, _, validUntil := a.tier()
	if validUntil != nil && a.now().After(*validUntil) {
		return Info{}, fmt.Errorf("license expired on %s: %w", validUntil.Format(time.DateOnly), apperrors.ErrAuthorityRejected)
	}

	res, err := a.db.ExecContext(ctx,
		`UPDATE devices SET last_seen = ? WHERE serial_number = ?`, a.now().Unix(), serial)
	if err != nil {
		return Info{}, unavailable("failed to touch device", err)
	}
	touched, _ := res.RowsAffected()

	return a.info(ctx, a.db, touched == 1)
}

// Activate implements Authority.
func (a *LocalAuthority) Activate(ctx context.Context, req ActivationRequest) (Info, error) {
	if req.SerialNumber == "" {
		return Info{}, fmt.Errorf("activation without serial: %w", apperrors.ErrDeviceNotPresent)
	}

	_, maxSeats, validUntil := a.tier()
	if validUntil != nil && a.now().After(*validUntil) {
		return Info{}, fmt.Errorf("license expired: %w", apperrors.ErrAuthorityRejected)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return Info{}, unavailable("failed to begin activation", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM devices WHERE serial_number = ?`, req.SerialNumber).Scan(&exists)
	switch {
	case err == nil:
		return Info{}, fmt.Errorf("serial %s: %w", req.SerialNumber, apperrors.ErrDeviceAlreadyRegistered)
	case !errors.Is(err, sql.ErrNoRows):
		return Info{}, unavailable("failed to look up device", err)
	}

	var used int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&used); err != nil {
		return Info{}, unavailable("failed to count seats", err)
	}
	if used >= maxSeats {
		return Info{}, fmt.Errorf("%d of %d seats in use: %w", used, maxSeats, apperrors.ErrSeatsExhausted)
	}

	now := a.now().Unix()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO devices (serial_number, board_type, friendly_name, activated_at, last_seen) VALUES (?, ?, ?, ?, ?)`,
		req.SerialNumber, req.BoardType, nullString(req.FriendlyName), now, now); err != nil {
		return Info{}, unavailable("failed to record activation", err)
	}

	info, err := a.info(ctx, tx, true)
	if err != nil {
		return Info{}, err
	}
	if err := tx.Commit(); err != nil {
		return Info{}, unavailable("failed to commit activation", err)
	}

	a.logger.InfoContext(ctx, "device activated",
		slog.String("serial_number", req.SerialNumber),
		slog.String("board_type", req.BoardType),
		slog.Int("remaining_seats", info.RemainingSeats))
	return info, nil
}

// Deregister implements Authority.
func (a *LocalAuthority) Deregister(ctx context.Context, serial string) (Info, error) {
	res, err := a.db.ExecContext(ctx, `DELETE FROM devices WHERE serial_number = ?`, serial)
	if err != nil {
		return Info{}, unavailable("failed to remove device", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Info{}, fmt.Errorf("serial %s: %w", serial, apperrors.ErrDeviceNotRegistered)
	}

	a.logger.InfoContext(ctx, "device deregistered", slog.String("serial_number", serial))
	// The caller's device no longer holds a seat.
	return a.info(ctx, a.db, false)
}

// InstallProductKey replaces the product key and stores it in the ledger so
// it survives restarts. A key with fewer seats than are in use is refused
// with ErrSeatsExhausted.
func (a *LocalAuthority) InstallProductKey(ctx context.Context, key string) error {
	pk, err := ParseProductKey(key)
	if err != nil {
		return err
	}
	if pk.ValidUntil != nil && a.now().After(*pk.ValidUntil) {
		return fmt.Errorf("license expired on %s: %w", pk.ValidUntil.Format(time.DateOnly), apperrors.ErrAuthorityRejected)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("failed to begin key install", err)
	}
	defer tx.Rollback()

	var used int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&used); err != nil {
		return unavailable("failed to count seats", err)
	}
	if used > pk.Seats {
		return fmt.Errorf("key allows %d seats, %d in use; deregister devices first: %w", pk.Seats, used, apperrors.ErrSeatsExhausted)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO settings (name, value) VALUES (?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		productKeySetting, pk.Raw); err != nil {
		return unavailable("failed to store product key", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("failed to commit key install", err)
	}

	a.mu.Lock()
	a.key = &pk
	a.mu.Unlock()

	a.logger.InfoContext(ctx, "product key installed",
		slog.String("user_id", pk.UserID),
		slog.String("tier", pk.Tier.String()),
		slog.Int("seats", pk.Seats))
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (a *LocalAuthority) info(ctx context.Context, q queryer, deviceHoldsSeat bool) (Info, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT serial_number, board_type, friendly_name, activated_at, last_seen FROM devices`)
	if err != nil {
		return Info{}, unavailable("failed to list devices", err)
	}
	defer rows.Close()

	var devices []DeviceSummary
	for rows.Next() {
		var (
			d                   DeviceSummary
			name                sql.NullString
			activated, lastSeen int64
		)
		if err := rows.Scan(&d.SerialNumber, &d.BoardType, &name, &activated, &lastSeen); err != nil {
			return Info{}, unavailable("failed to scan device", err)
		}
		if name.Valid {
			n := name.String
			d.FriendlyName = &n
		}
		d.ActivatedAt = time.Unix(activated, 0).UTC()
		d.LastSeen = time.Unix(lastSeen, 0).UTC()
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return Info{}, unavailable("failed to list devices", err)
	}

	tier, seats, validUntil := a.tier()
	valid := deviceHoldsSeat && (validUntil == nil || !a.now().After(*validUntil))
	return NewInfo(tier, seats, len(devices), devices, valid, validUntil)
}

func unavailable(what string, err error) error {
	return fmt.Errorf("%s: %w: %w", what, err, apperrors.ErrAuthorityUnreachable)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
