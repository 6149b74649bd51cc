package player

import (
	"context"
	"encoding/json"

	"github.com/marquee-dev/marquee/internal/protocol"
)

// Frame is one captured live-view frame.
type Frame struct {
	Data     string // base64-encoded image
	Metadata json.RawMessage
}

// CaptureParams tune the capture session. Fixed per deployment; the
// supervisor never varies them between restarts.
type CaptureParams struct {
	Quality       int
	EveryNthFrame int
}

// CaptureSession is one live frame stream bound to the surface's current
// page context. Each delivered frame must be acknowledged before the
// surface emits the next one.
type CaptureSession interface {
	AckFrame() error
	Close() error
}

// RenderSurface is the embedded display engine the player drives. The real
// implementation wraps a browser; DevSurface is a development stand-in.
type RenderSurface interface {
	// Navigate points the surface at an address, honoring ctx's deadline.
	Navigate(ctx context.Context, url string) error
	// Refresh reloads the current page.
	Refresh(ctx context.Context, force bool) error
	// CaptureStill returns one base64 JPEG of the current page.
	CaptureStill(ctx context.Context) (string, error)
	// CurrentURL reports the address currently displayed.
	CurrentURL() string

	// StartCapture opens a frame stream. onFrame is invoked per frame;
	// onDetach fires when the underlying session is invalidated and will
	// emit no more frames. Both callbacks run on the surface's own
	// goroutine, never from within StartCapture itself.
	StartCapture(ctx context.Context, params CaptureParams, onFrame func(Frame), onDetach func()) (CaptureSession, error)

	// ApplyDisplayConfig reconfigures the display. This restarts the
	// surface, invalidating any capture session.
	ApplyDisplayConfig(ctx context.Context, cfg protocol.ConfigUpdate) error

	Click(ctx context.Context, x, y float64) error
	Type(ctx context.Context, text string) error
	Key(ctx context.Context, key string) error
	Scroll(ctx context.Context, dx, dy float64) error
}
