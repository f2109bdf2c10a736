// Package bridge moves captured frames from the capture-side texture domain
// into the render-side one: GPU copy into a staging texture, blocking map,
// pitch-aware row copy through host memory, unmap, upload.
package bridge

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bryanchriswhite/FrameMirror/internal/capture"
	"github.com/bryanchriswhite/FrameMirror/internal/gpu"
	"github.com/bryanchriswhite/FrameMirror/internal/logger"
	"github.com/rs/zerolog"
)

// DefaultMaxConsecutiveMapFailures is how many map failures in a row are
// tolerated before the capture device is treated as lost
const DefaultMaxConsecutiveMapFailures = 30

// Config holds bridge tuning
type Config struct {
	// MaxConsecutiveMapFailures escalates a map failure streak to device
	// loss. Zero uses the default, negative disables escalation.
	MaxConsecutiveMapFailures int
}

// Stats are bridge counters
type Stats struct {
	Width                  int    `json:"width"`
	Height                 int    `json:"height"`
	Uploads                uint64 `json:"uploads"`
	Reallocations          uint64 `json:"reallocations"`
	MapFailures            uint64 `json:"map_failures"`
	ConsecutiveMapFailures int    `json:"consecutive_map_failures"`
	LastSeq                uint64 `json:"last_seq"`
}

// Bridge owns the staging texture, the host copy buffer and the render
// texture. Upload is called from the render tick only; it never runs
// concurrently with itself.
type Bridge struct {
	render      gpu.RenderDevice
	maxFailures int
	log         *zerolog.Logger

	// capture is the device the staging texture was created on
	capture gpu.CaptureDevice
	staging gpu.StagingTexture
	format  gpu.Format
	width   int
	height  int
	host    []byte

	// current holds the last successful upload. pending is a texture
	// allocated for new dimensions that has not been filled yet.
	current gpu.RenderTexture
	pending gpu.RenderTexture

	statsMu sync.Mutex
	stats   Stats
}

// New creates a bridge uploading into render
func New(render gpu.RenderDevice, cfg Config) *Bridge {
	limit := cfg.MaxConsecutiveMapFailures
	if limit == 0 {
		limit = DefaultMaxConsecutiveMapFailures
	}
	return &Bridge{
		render:      render,
		maxFailures: limit,
		log:         logger.WithComponent("bridge"),
	}
}

// Current returns the texture of the last successful upload, or nil
func (b *Bridge) Current() gpu.RenderTexture {
	return b.current
}

// Upload transfers frame into the render texture and releases the frame.
//
// On a map failure the frame is dropped, Current is unchanged and the
// returned error is a MapFailure. After too many failures in a row, or on
// any device loss, the error is DeviceLost and the bridge must be
// invalidated before the next upload.
func (b *Bridge) Upload(dev gpu.CaptureDevice, frame *capture.Frame) (gpu.RenderTexture, error) {
	if frame == nil {
		return b.current, nil
	}
	if dev == nil {
		frame.Release()
		return nil, capture.NewError(capture.KindDeviceLost, "upload", fmt.Errorf("%w: no capture device", gpu.ErrDeviceLost))
	}

	width, height := frame.Texture.Width(), frame.Texture.Height()
	format := frame.Texture.Format()
	if width <= 0 || height <= 0 {
		frame.Release()
		return b.current, capture.NewError(capture.KindDimensionMismatch, "upload",
			fmt.Errorf("empty frame %dx%d", width, height))
	}

	if err := b.ensure(dev, width, height, format); err != nil {
		frame.Release()
		return b.current, err
	}

	// The compositor buffer goes back as soon as the GPU copy is recorded
	err := dev.Copy(b.staging, frame.Texture)
	seq := frame.Seq
	frame.Release()
	if err != nil {
		return b.current, b.captureFailure("copy", err)
	}

	mapped, err := dev.Map(b.staging)
	if err != nil {
		return b.current, b.captureFailure("map", err)
	}
	rowBytes := width * format.BytesPerPixel()
	err = CopyRows(b.host, rowBytes, mapped.Data, mapped.RowPitch, rowBytes, height)
	dev.Unmap(b.staging)
	if err != nil {
		return b.current, b.captureFailure("read staging", fmt.Errorf("%w: %v", gpu.ErrMapFailed, err))
	}

	target := b.current
	if b.pending != nil {
		target = b.pending
	}
	if err := b.render.WriteTexture(target, b.host, rowBytes); err != nil {
		if errors.Is(err, gpu.ErrDeviceLost) {
			return b.current, capture.NewError(capture.KindDeviceLost, "write texture", err)
		}
		return b.current, capture.NewError(capture.KindMapFailure, "write texture", err)
	}

	if b.pending != nil {
		if b.current != nil {
			b.current.Release()
		}
		b.current = b.pending
		b.pending = nil
	}

	b.statsMu.Lock()
	if b.stats.ConsecutiveMapFailures > 0 {
		b.log.Info().
			Int("failures", b.stats.ConsecutiveMapFailures).
			Msg("Staging map recovered")
	}
	b.stats.ConsecutiveMapFailures = 0
	b.stats.Uploads++
	b.stats.LastSeq = seq
	b.statsMu.Unlock()

	b.log.Debug().
		Uint64("seq", seq).
		Int("width", width).
		Int("height", height).
		Msg("Frame uploaded")
	return b.current, nil
}

// ensure (re)allocates the staging texture, host buffer and render texture
// when the frame size, format or capture device differ from the current ones
func (b *Bridge) ensure(dev gpu.CaptureDevice, width, height int, format gpu.Format) error {
	sizeChanged := width != b.width || height != b.height || format != b.format
	if b.staging != nil && !sizeChanged && dev == b.capture {
		return nil
	}

	if b.staging != nil {
		b.staging.Release()
		b.staging = nil
	}
	staging, err := dev.CreateStaging(width, height, format)
	if err != nil {
		return b.captureFailure("create staging", err)
	}
	b.staging = staging
	b.capture = dev

	if b.current == nil || b.current.Width() != width || b.current.Height() != height || b.current.Format() != format {
		if b.pending != nil {
			b.pending.Release()
			b.pending = nil
		}
		tex, err := b.render.CreateTexture(width, height, format)
		if err != nil {
			b.staging.Release()
			b.staging = nil
			if errors.Is(err, gpu.ErrDeviceLost) {
				return capture.NewError(capture.KindDeviceLost, "create render texture", err)
			}
			return fmt.Errorf("failed to create render texture: %w", err)
		}
		b.pending = tex
	} else if b.pending != nil {
		b.pending.Release()
		b.pending = nil
	}

	rowBytes := width * format.BytesPerPixel()
	if cap(b.host) < rowBytes*height {
		b.host = make([]byte, rowBytes*height)
	}
	b.host = b.host[:rowBytes*height]

	if sizeChanged && b.width != 0 {
		b.log.Info().
			Str("kind", capture.KindDimensionMismatch.String()).
			Int("old_width", b.width).
			Int("old_height", b.height).
			Int("width", width).
			Int("height", height).
			Msg("Frame size changed, textures reallocated")
	}
	b.width, b.height, b.format = width, height, format

	b.statsMu.Lock()
	b.stats.Width, b.stats.Height = width, height
	b.stats.Reallocations++
	b.statsMu.Unlock()
	return nil
}

// captureFailure classifies a capture-side error and tracks map failure
// streaks. Only the first failure of a streak and the escalation are logged.
func (b *Bridge) captureFailure(op string, err error) error {
	if errors.Is(err, gpu.ErrDeviceLost) {
		return capture.NewError(capture.KindDeviceLost, op, err)
	}

	b.statsMu.Lock()
	b.stats.MapFailures++
	b.stats.ConsecutiveMapFailures++
	streak := b.stats.ConsecutiveMapFailures
	b.statsMu.Unlock()

	if streak == 1 {
		b.log.Warn().Err(err).Str("op", op).Msg("Frame dropped, holding last frame")
	}

	if b.maxFailures > 0 && streak >= b.maxFailures {
		b.log.Error().
			Err(err).
			Int("consecutive", streak).
			Msg("Staging map keeps failing, treating capture device as lost")
		return capture.NewError(capture.KindDeviceLost, op,
			fmt.Errorf("%w: %d consecutive map failures: %v", gpu.ErrDeviceLost, streak, err))
	}
	return capture.NewError(capture.KindMapFailure, op, err)
}

// Invalidate drops every capture-side and render-side object after a device
// loss. The next upload reallocates from scratch.
func (b *Bridge) Invalidate() {
	b.releaseAll()

	b.statsMu.Lock()
	b.stats.ConsecutiveMapFailures = 0
	b.stats.Width, b.stats.Height = 0, 0
	b.statsMu.Unlock()
}

// Rebuild invalidates the bridge and switches it to a new render device
func (b *Bridge) Rebuild(render gpu.RenderDevice) {
	b.Invalidate()
	b.render = render
}

// Release frees every object the bridge owns
func (b *Bridge) Release() {
	b.releaseAll()
}

func (b *Bridge) releaseAll() {
	if b.staging != nil {
		b.staging.Release()
		b.staging = nil
	}
	if b.pending != nil {
		b.pending.Release()
		b.pending = nil
	}
	if b.current != nil {
		b.current.Release()
		b.current = nil
	}
	b.capture = nil
	b.width, b.height = 0, 0
	b.host = nil
}

// Stats returns a snapshot of the bridge counters
func (b *Bridge) Stats() Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.stats
}
