package capture

import (
	"fmt"
	"image"

	"github.com/bryanchriswhite/FrameMirror/internal/gpu/soft"
	"github.com/bryanchriswhite/FrameMirror/internal/logger"
	"github.com/kbinani/screenshot"
)

// maxConsecutiveGrabFailures is how many failed grabs in a row are treated
// as the target going away
const maxConsecutiveGrabFailures = 3

// ScreenshotSource polls the platform screenshot API. It has no change
// notifications, so every tick is treated as a new frame. It works wherever
// kbinani/screenshot does and is the fallback when no compositor API is
// available.
type ScreenshotSource struct {
	FPS        int
	Buffers    int
	PitchAlign int
}

func (s *ScreenshotSource) Name() string {
	return "screenshot"
}

// Monitors lists active displays as capture targets
func (s *ScreenshotSource) Monitors() []Target {
	n := screenshot.NumActiveDisplays()
	targets := make([]Target, 0, n)
	for i := 0; i < n; i++ {
		targets = append(targets, Target{
			Kind: TargetMonitor,
			ID:   uint32(i),
			Rect: screenshot.GetDisplayBounds(i),
			Name: fmt.Sprintf("display-%d", i),
		})
	}
	return targets
}

// resolve returns the desktop rectangle to grab for target
func (s *ScreenshotSource) resolve(target Target) (image.Rectangle, error) {
	if target.Kind == TargetWindow {
		if target.Rect.Empty() {
			return image.Rectangle{}, NewError(KindTargetUnavailable, "resolve",
				fmt.Errorf("window targets need a rect with the screenshot source"))
		}
		return target.Rect, nil
	}

	if int(target.ID) >= screenshot.NumActiveDisplays() {
		return image.Rectangle{}, NewError(KindTargetUnavailable, "resolve",
			fmt.Errorf("%w: display %d not active", ErrTargetUnavailable, target.ID))
	}
	bounds := screenshot.GetDisplayBounds(int(target.ID))
	if !target.Rect.Empty() {
		bounds = target.Rect.Intersect(bounds)
	}
	return bounds, nil
}

func (s *ScreenshotSource) Begin(target Target, sink FrameSink) (Session, error) {
	rect, err := s.resolve(target)
	if err != nil {
		return nil, err
	}

	buffers := s.Buffers
	if buffers <= 0 {
		buffers = 2
	}
	sess := newHostSession(target, sink, buffers, s.PitchAlign)
	log := logger.WithComponent("screenshot").With().Str("session", sess.ID()).Logger()

	failures := 0
	lost := false
	sess.poll(frameInterval(s.FPS), func() {
		if target.Kind == TargetMonitor {
			if int(target.ID) >= screenshot.NumActiveDisplays() {
				if !lost {
					lost = true
					sess.targetLost(fmt.Errorf("%w: display %d disconnected", ErrTargetUnavailable, target.ID))
				}
				return
			}
			current := screenshot.GetDisplayBounds(int(target.ID))
			if target.Rect.Empty() && current != rect {
				log.Info().
					Int("width", current.Dx()).
					Int("height", current.Dy()).
					Msg("Display geometry changed")
				rect = current
			}
		}

		img, err := screenshot.CaptureRect(rect)
		if err != nil {
			failures++
			log.Debug().Err(err).Int("consecutive", failures).Msg("Screen grab failed")
			if failures >= maxConsecutiveGrabFailures && !lost {
				lost = true
				sess.targetLost(fmt.Errorf("%w: %v", ErrTargetUnavailable, err))
			}
			return
		}
		failures = 0
		lost = false

		b := img.Bounds()
		err = sess.deliver(b.Dx(), b.Dy(), func(tex *soft.Texture) error {
			tex.LoadRGBA(img.Pix, img.Stride)
			return nil
		})
		if err != nil && err != errSessionStopped {
			log.Debug().Err(err).Msg("Frame dropped")
		}
	})

	log.Info().
		Str("target", target.String()).
		Int("width", rect.Dx()).
		Int("height", rect.Dy()).
		Msg("Screenshot capture started")
	return sess, nil
}
