package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/marquee-dev/marquee/internal/protocol"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
    id TEXT PRIMARY KEY,
    name TEXT,
    token TEXT UNIQUE,
    status TEXT DEFAULT 'offline',
    status_message TEXT,
    playlist_id TEXT,
    display_width INTEGER,
    display_height INTEGER,
    kiosk_mode INTEGER,
    config_pending INTEGER DEFAULT 0,
    last_seen DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS playlist_items (
    id TEXT PRIMARY KEY,
    playlist_id TEXT NOT NULL,
    content_url TEXT NOT NULL,
    duration_ms INTEGER DEFAULT 0,
    order_index INTEGER NOT NULL,
    days TEXT,
    window_start TEXT,
    window_end TEXT
);
CREATE INDEX IF NOT EXISTS idx_items_playlist ON playlist_items(playlist_id, order_index);

CREATE TABLE IF NOT EXISTS health_reports (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id TEXT NOT NULL,
    cpu REAL, mem REAL, disk REAL,
    reported_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_health_device ON health_reports(device_id, reported_at);

CREATE TABLE IF NOT EXISTS error_reports (
    id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL,
    error TEXT NOT NULL,
    stack TEXT,
    context TEXT,
    reported_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS screenshots (
    id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL,
    image BLOB NOT NULL,
    current_url TEXT,
    captured_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// SQLite implements Store and CredentialResolver on a local database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema. Path ":memory:" is supported for tests.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// UpsertDevice registers or updates a device row. Used by provisioning and
// by tests; the hub itself never creates devices.
func (s *SQLite) UpsertDevice(ctx context.Context, id, name, token, playlistID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, token, playlist_id) VALUES (?, ?, ?, NULLIF(?, ''))
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, token=excluded.token, playlist_id=excluded.playlist_id`,
		id, name, token, playlistID)
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", id, err)
	}
	return nil
}

// SetDisplayConfig stores display configuration and marks it pending so the
// hub pushes it on the device's next connect.
func (s *SQLite) SetDisplayConfig(ctx context.Context, deviceID string, cfg protocol.ConfigUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET
			display_width = COALESCE(?, display_width),
			display_height = COALESCE(?, display_height),
			kiosk_mode = COALESCE(?, kiosk_mode),
			config_pending = 1
		WHERE id = ?`,
		cfg.DisplayWidth, cfg.DisplayHeight, boolPtrToInt(cfg.KioskMode), deviceID)
	if err != nil {
		return fmt.Errorf("set display config %s: %w", deviceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddPlaylistItem inserts one item. Days are stored as a JSON array of
// weekday numbers.
func (s *SQLite) AddPlaylistItem(ctx context.Context, playlistID string, item protocol.PlaylistItem) error {
	var days []byte
	if len(item.Days) > 0 {
		var err error
		days, err = json.Marshal(item.Days)
		if err != nil {
			return fmt.Errorf("marshal days: %w", err)
		}
	}
	var winStart, winEnd any
	if item.Window != nil {
		winStart, winEnd = item.Window.Start, item.Window.End
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO playlist_items (id, playlist_id, content_url, duration_ms, order_index, days, window_start, window_end)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, playlistID, item.ContentURL, item.DurationMs, item.OrderIndex, nullable(days), winStart, winEnd)
	if err != nil {
		return fmt.Errorf("add playlist item %s: %w", item.ID, err)
	}
	return nil
}

func (s *SQLite) AssignedPlaylist(ctx context.Context, deviceID string) (string, []protocol.PlaylistItem, error) {
	var playlistID sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT playlist_id FROM devices WHERE id = ?`, deviceID).Scan(&playlistID)
	if err == sql.ErrNoRows || (err == nil && !playlistID.Valid) {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("lookup playlist for %s: %w", deviceID, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content_url, duration_ms, order_index, days, window_start, window_end
		FROM playlist_items WHERE playlist_id = ? ORDER BY order_index`, playlistID.String)
	if err != nil {
		return "", nil, fmt.Errorf("load playlist %s: %w", playlistID.String, err)
	}
	defer rows.Close()

	var items []protocol.PlaylistItem
	for rows.Next() {
		var it protocol.PlaylistItem
		var days sql.NullString
		var winStart, winEnd sql.NullString
		if err := rows.Scan(&it.ID, &it.ContentURL, &it.DurationMs, &it.OrderIndex, &days, &winStart, &winEnd); err != nil {
			return "", nil, fmt.Errorf("scan playlist item: %w", err)
		}
		if days.Valid && days.String != "" {
			if err := json.Unmarshal([]byte(days.String), &it.Days); err != nil {
				return "", nil, fmt.Errorf("decode days for item %s: %w", it.ID, err)
			}
		}
		if winStart.Valid && winEnd.Valid {
			it.Window = &protocol.TimeWindow{Start: winStart.String, End: winEnd.String}
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return "", nil, fmt.Errorf("iterate playlist items: %w", err)
	}
	return playlistID.String, items, nil
}

func (s *SQLite) PendingDisplayConfig(ctx context.Context, deviceID string) (*protocol.ConfigUpdate, error) {
	var pending int
	var width, height sql.NullInt64
	var kiosk sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT config_pending, display_width, display_height, kiosk_mode FROM devices WHERE id = ?`,
		deviceID).Scan(&pending, &width, &height, &kiosk)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pending config for %s: %w", deviceID, err)
	}
	if pending == 0 {
		return nil, nil
	}

	cfg := &protocol.ConfigUpdate{}
	if width.Valid {
		w := int(width.Int64)
		cfg.DisplayWidth = &w
	}
	if height.Valid {
		h := int(height.Int64)
		cfg.DisplayHeight = &h
	}
	if kiosk.Valid {
		k := kiosk.Int64 != 0
		cfg.KioskMode = &k
	}
	return cfg, nil
}

func (s *SQLite) ClearPendingDisplayConfig(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE devices SET config_pending = 0 WHERE id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("clear pending config for %s: %w", deviceID, err)
	}
	return nil
}

func (s *SQLite) SetDeviceStatus(ctx context.Context, deviceID, status, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE devices SET status = ?, status_message = ?, last_seen = ? WHERE id = ?`,
		status, message, time.Now().UTC(), deviceID)
	if err != nil {
		return fmt.Errorf("set status for %s: %w", deviceID, err)
	}
	return nil
}

func (s *SQLite) SaveHealth(ctx context.Context, deviceID string, report protocol.HealthReport) error {
	ts := report.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO health_reports (device_id, cpu, mem, disk, reported_at) VALUES (?, ?, ?, ?, ?)`,
		deviceID, report.CPU, report.Mem, report.Disk, ts)
	if err != nil {
		return fmt.Errorf("save health for %s: %w", deviceID, err)
	}
	return nil
}

func (s *SQLite) SaveError(ctx context.Context, deviceID string, report protocol.ErrorReport) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO error_reports (id, device_id, error, stack, context) VALUES (?, ?, ?, ?, ?)`,
		id, deviceID, report.Error, report.Stack, report.Context)
	if err != nil {
		return "", fmt.Errorf("save error for %s: %w", deviceID, err)
	}
	return id, nil
}

func (s *SQLite) SaveScreenshot(ctx context.Context, deviceID string, shot protocol.ScreenshotUpload) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO screenshots (id, device_id, image, current_url) VALUES (?, ?, ?, ?)`,
		id, deviceID, []byte(shot.Image), shot.CurrentURL)
	if err != nil {
		return "", fmt.Errorf("save screenshot for %s: %w", deviceID, err)
	}
	return id, nil
}

// Resolve implements CredentialResolver against the devices table.
func (s *SQLite) Resolve(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrNotFound
	}
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM devices WHERE token = ?`, token).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve token: %w", err)
	}
	return id, nil
}

func boolPtrToInt(b *bool) any {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
