// Package store holds the persistence collaborators the hub depends on:
// the telemetry/content store and the credential resolver. The hub only
// sees these interfaces; the SQLite implementation lives alongside.
package store

import (
	"context"
	"errors"

	"github.com/marquee-dev/marquee/internal/protocol"
)

// ErrNotFound is returned when a device, playlist, or token is unknown.
var ErrNotFound = errors.New("store: not found")

// Store is the durable side of the hub. Telemetry writes must not block
// other connections' receive loops, so implementations are expected to be
// safe for concurrent use.
type Store interface {
	// AssignedPlaylist returns the playlist currently assigned to a device,
	// ordered by item order index. ErrNotFound when nothing is assigned.
	AssignedPlaylist(ctx context.Context, deviceID string) (playlistID string, items []protocol.PlaylistItem, err error)

	// PendingDisplayConfig returns display configuration that has not yet
	// been pushed to the device, or nil when none is pending.
	PendingDisplayConfig(ctx context.Context, deviceID string) (*protocol.ConfigUpdate, error)

	// ClearPendingDisplayConfig marks the pending config as delivered.
	ClearPendingDisplayConfig(ctx context.Context, deviceID string) error

	// SetDeviceStatus records the last reported status and bumps last-seen.
	SetDeviceStatus(ctx context.Context, deviceID, status, message string) error

	SaveHealth(ctx context.Context, deviceID string, report protocol.HealthReport) error
	SaveError(ctx context.Context, deviceID string, report protocol.ErrorReport) (id string, err error)
	SaveScreenshot(ctx context.Context, deviceID string, shot protocol.ScreenshotUpload) (id string, err error)
}

// CredentialResolver maps a bearer token to a device id during the
// connection handshake. Resolution failure rejects the connection.
type CredentialResolver interface {
	Resolve(ctx context.Context, token string) (deviceID string, err error)
}
