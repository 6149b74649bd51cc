package player

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/marquee-dev/marquee/internal/protocol"
)

// DevSurface is a development render surface: it logs every command and
// synthesizes capture output, so marquee-player runs end-to-end without a
// browser. Frames are emitted on a ticker and honor the ack flow control the
// way a real capture session would.
type DevSurface struct {
	log      zerolog.Logger
	interval time.Duration

	mu  sync.Mutex
	url string
}

func NewDevSurface(log zerolog.Logger) *DevSurface {
	return &DevSurface{log: log, interval: 500 * time.Millisecond}
}

func (d *DevSurface) Navigate(_ context.Context, url string) error {
	d.mu.Lock()
	d.url = url
	d.mu.Unlock()
	d.log.Info().Str("url", url).Msg("navigate")
	return nil
}

func (d *DevSurface) Refresh(_ context.Context, force bool) error {
	d.log.Info().Bool("force", force).Msg("refresh")
	return nil
}

func (d *DevSurface) CurrentURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url
}

func (d *DevSurface) CaptureStill(context.Context) (string, error) {
	still := fmt.Sprintf("synthetic still of %s at %s", d.CurrentURL(), time.Now().Format(time.RFC3339))
	return base64.StdEncoding.EncodeToString([]byte(still)), nil
}

func (d *DevSurface) ApplyDisplayConfig(_ context.Context, cfg protocol.ConfigUpdate) error {
	ev := d.log.Info()
	if cfg.DisplayWidth != nil {
		ev = ev.Int("width", *cfg.DisplayWidth)
	}
	if cfg.DisplayHeight != nil {
		ev = ev.Int("height", *cfg.DisplayHeight)
	}
	if cfg.KioskMode != nil {
		ev = ev.Bool("kiosk", *cfg.KioskMode)
	}
	ev.Msg("display config applied")
	return nil
}

func (d *DevSurface) Click(_ context.Context, x, y float64) error {
	d.log.Info().Float64("x", x).Float64("y", y).Msg("click")
	return nil
}

func (d *DevSurface) Type(_ context.Context, text string) error {
	d.log.Info().Int("chars", len(text)).Msg("type")
	return nil
}

func (d *DevSurface) Key(_ context.Context, key string) error {
	d.log.Info().Str("key", key).Msg("key")
	return nil
}

func (d *DevSurface) Scroll(_ context.Context, dx, dy float64) error {
	d.log.Info().Float64("dx", dx).Float64("dy", dy).Msg("scroll")
	return nil
}

type devSession struct {
	acks chan struct{}
	stop chan struct{}
	once sync.Once
}

func (s *devSession) AckFrame() error {
	select {
	case s.acks <- struct{}{}:
	default:
	}
	return nil
}

func (s *devSession) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

// StartCapture emits synthetic frames until closed. After the first frame,
// each subsequent one waits for the previous frame's ack.
func (d *DevSurface) StartCapture(ctx context.Context, _ CaptureParams, onFrame func(Frame), onDetach func()) (CaptureSession, error) {
	sess := &devSession{
		acks: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	go func() {
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		seq := 0
		for {
			select {
			case <-sess.stop:
				return
			case <-ctx.Done():
				onDetach()
				return
			case <-ticker.C:
				if seq > 0 {
					select {
					case <-sess.acks:
					case <-sess.stop:
						return
					case <-ctx.Done():
						onDetach()
						return
					}
				}
				seq++
				payload := fmt.Sprintf("synthetic frame %d of %s", seq, d.CurrentURL())
				meta, _ := json.Marshal(map[string]any{"seq": seq, "ts": time.Now().UnixMilli()})
				onFrame(Frame{
					Data:     base64.StdEncoding.EncodeToString([]byte(payload)),
					Metadata: meta,
				})
			}
		}
	}()
	return sess, nil
}
