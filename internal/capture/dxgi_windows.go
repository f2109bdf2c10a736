//go:build windows

package capture

import (
	"errors"
	"fmt"
	"image"

	"github.com/bryanchriswhite/FrameMirror/internal/gpu"
	"github.com/bryanchriswhite/FrameMirror/internal/gpu/soft"
	"github.com/bryanchriswhite/FrameMirror/internal/logger"
	"github.com/kirides/screencapture/d3d"
)

// maxConsecutiveDuplicationFailures is how many failed AcquireNextFrame
// calls in a row are treated as losing the device (mode change, secure
// desktop, driver reset)
const maxConsecutiveDuplicationFailures = 3

// DXGISource captures a monitor through DXGI desktop duplication. The
// duplication API hands back a CPU copy, so the session's buffers live in
// host memory like the screenshot source.
type DXGISource struct {
	FPS        int
	Buffers    int
	PitchAlign int
}

func newDXGISource(opts SourceOptions) (Source, error) {
	return &DXGISource{FPS: opts.FPS, Buffers: opts.Buffers}, nil
}

func (s *DXGISource) Name() string {
	return "dxgi"
}

func (s *DXGISource) Begin(target Target, sink FrameSink) (Session, error) {
	if target.Kind != TargetMonitor {
		return nil, NewError(KindTargetUnavailable, "begin",
			fmt.Errorf("%w: desktop duplication only captures monitors", ErrTargetUnavailable))
	}

	device, deviceCtx, err := d3d.NewD3D11Device()
	if err != nil {
		return nil, NewError(KindDeviceLost, "create device", fmt.Errorf("could not create D3D11 device: %w", err))
	}

	ddup, err := d3d.NewIDXGIOutputDuplication(device, deviceCtx, uint(target.ID))
	if err != nil {
		deviceCtx.Release()
		device.Release()
		return nil, NewError(KindTargetUnavailable, "duplicate output",
			fmt.Errorf("%w: output %d: %v", ErrTargetUnavailable, target.ID, err))
	}

	bounds := target.Rect
	if bounds.Empty() {
		screens := (&ScreenshotSource{}).Monitors()
		if int(target.ID) < len(screens) {
			bounds = screens[target.ID].Rect
		}
	}
	if bounds.Empty() {
		ddup.Release()
		deviceCtx.Release()
		device.Release()
		return nil, NewError(KindTargetUnavailable, "resolve monitor",
			fmt.Errorf("%w: unknown bounds for output %d", ErrTargetUnavailable, target.ID))
	}

	buffers := s.Buffers
	if buffers <= 0 {
		buffers = 2
	}
	sess := &dxgiSession{
		hostSession: newHostSession(target, sink, buffers, s.PitchAlign),
		device:      device,
		deviceCtx:   deviceCtx,
		ddup:        ddup,
		img:         image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy())),
	}
	log := logger.WithComponent("dxgi").With().Str("session", sess.ID()).Logger()

	failures := 0
	sess.poll(frameInterval(s.FPS), func() {
		err := sess.ddup.GetImage(sess.img, 0)
		if errors.Is(err, d3d.ErrNoImageYet) {
			return
		}
		if err != nil {
			failures++
			log.Debug().Err(err).Int("consecutive", failures).Msg("Duplication frame failed")
			if failures == maxConsecutiveDuplicationFailures {
				sess.dev.Lose()
				sess.deviceLost(fmt.Errorf("%w: %v", gpu.ErrDeviceLost, err))
			}
			return
		}
		failures = 0

		b := sess.img.Bounds()
		err = sess.deliver(b.Dx(), b.Dy(), func(tex *soft.Texture) error {
			tex.LoadRGBA(sess.img.Pix, sess.img.Stride)
			return nil
		})
		if err != nil && err != errSessionStopped {
			log.Debug().Err(err).Msg("Frame dropped")
		}
	})

	log.Info().
		Str("target", target.String()).
		Int("width", bounds.Dx()).
		Int("height", bounds.Dy()).
		Msg("DXGI capture started")
	return sess, nil
}

type dxgiSession struct {
	*hostSession

	device    *d3d.ID3D11Device
	deviceCtx *d3d.ID3D11DeviceContext
	ddup      *d3d.OutputDuplicator
	img       *image.RGBA
}

// Close releases the duplication before the D3D device and context
func (s *dxgiSession) Close() error {
	s.ddup.Release()
	s.deviceCtx.Release()
	s.device.Release()
	return nil
}
