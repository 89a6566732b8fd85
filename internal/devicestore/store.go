// Package devicestore persists the devices a session has connected to, so the
// last one can be reconnected without a new scan.
package devicestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"bluetooth-serial/internal/connmgr"
)

// ErrNotFound is returned when no device has been remembered yet.
var ErrNotFound = errors.New("devicestore: no device")

// Device is one remembered peer.
type Device struct {
	Address  string
	Name     string
	LastUsed time.Time
}

// Store is a SQLite-backed device list.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("devicestore: create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("devicestore: open %s: %w", path, err)
	}
	// One writer; the store sees a handful of writes per session.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("devicestore: busy timeout: %w", err)
	}
	if _, err := db.Exec(ddlDevices); err != nil {
		db.Close()
		return nil, fmt.Errorf("devicestore: migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Remember records d as the most recently used device. An empty name keeps the
// name already stored for the address.
func (s *Store) Remember(ctx context.Context, d Device) error {
	if d.Address == "" {
		return errors.New("devicestore: address required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (address, name, last_used) VALUES (?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			name = COALESCE(NULLIF(excluded.name, ''), devices.name),
			last_used = excluded.last_used`,
		d.Address, d.Name, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("devicestore: remember %s: %w", d.Address, err)
	}
	return nil
}

// Last returns the most recently used device, or ErrNotFound.
func (s *Store) Last(ctx context.Context) (Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT address, name, last_used FROM devices ORDER BY last_used DESC, rowid DESC LIMIT 1`)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, ErrNotFound
	}
	if err != nil {
		return Device{}, fmt.Errorf("devicestore: last: %w", err)
	}
	return d, nil
}

// List returns every remembered device, most recent first.
func (s *Store) List(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT address, name, last_used FROM devices ORDER BY last_used DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("devicestore: list: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("devicestore: list: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("devicestore: list: %w", err)
	}
	return out, nil
}

// Forget removes address. Forgetting an unknown address is not an error.
func (s *Store) Forget(ctx context.Context, address string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE address = ?`, address); err != nil {
		return fmt.Errorf("devicestore: forget %s: %w", address, err)
	}
	return nil
}

// Sink returns an event sink that remembers every identified peer.
func (s *Store) Sink(log *zap.Logger) connmgr.EventSink {
	if log == nil {
		log = zap.NewNop()
	}
	return connmgr.SinkFunc(func(ev connmgr.Event) {
		if ev.Type != connmgr.EventDeviceIdentified || ev.Peer.Address == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Remember(ctx, Device{Address: ev.Peer.Address, Name: ev.Peer.Name}); err != nil {
			log.Warn("devicestore: remember peer", zap.Error(err))
		}
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(sc scanner) (Device, error) {
	var (
		d  Device
		ms int64
	)
	if err := sc.Scan(&d.Address, &d.Name, &ms); err != nil {
		return Device{}, err
	}
	d.LastUsed = time.UnixMilli(ms)
	return d, nil
}

const ddlDevices = `
CREATE TABLE IF NOT EXISTS devices (
    address   TEXT    PRIMARY KEY COLLATE NOCASE,
    name      TEXT    NOT NULL DEFAULT '',
    last_used INTEGER NOT NULL  -- Unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_devices_last_used ON devices (last_used DESC);
`
