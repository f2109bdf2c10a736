package capture

import (
	"fmt"
	"image/color"
	"sync"

	"github.com/bryanchriswhite/FrameMirror/internal/gpu"
	"github.com/bryanchriswhite/FrameMirror/internal/gpu/soft"
	"github.com/bryanchriswhite/FrameMirror/internal/logger"
)

// SyntheticOptions configures the test-pattern source
type SyntheticOptions struct {
	Width  int
	Height int

	// FPS is the notification rate. Zero means frames are only produced by
	// explicit Emit calls.
	FPS int

	Buffers    int
	PitchAlign int

	// StartHidden begins every session with the target unavailable, like a
	// minimized window, until RestoreTarget
	StartHidden bool
}

// SyntheticSource produces a moving test pattern without any display server.
// It is the headless source and the harness the engine and mirror tests drive.
type SyntheticSource struct {
	opts SyntheticOptions

	mu      sync.Mutex
	current *SyntheticSession
	begins  int
	failErr error
}

// NewSyntheticSource creates a synthetic source
func NewSyntheticSource(opts SyntheticOptions) *SyntheticSource {
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = 1280, 720
	}
	if opts.Buffers <= 0 {
		opts.Buffers = 2
	}
	return &SyntheticSource{opts: opts}
}

func (s *SyntheticSource) Name() string {
	return "synthetic"
}

// FailNextBegin makes the next Begin return err
func (s *SyntheticSource) FailNextBegin(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *SyntheticSource) Begin(target Target, sink FrameSink) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failErr; err != nil {
		s.failErr = nil
		return nil, err
	}

	width, height := target.Size()
	if width <= 0 || height <= 0 {
		width, height = s.opts.Width, s.opts.Height
	}

	sess := &SyntheticSession{
		hostSession: newHostSession(target, sink, s.opts.Buffers, s.opts.PitchAlign),
		width:       width,
		height:      height,
	}
	if s.opts.StartHidden {
		sess.LoseTarget()
	}
	if s.opts.FPS > 0 {
		sess.poll(frameInterval(s.opts.FPS), func() { _ = sess.Emit() })
	}

	s.current = sess
	s.begins++

	logger.WithComponent("synthetic").Debug().
		Str("session", sess.ID()).
		Int("width", width).
		Int("height", height).
		Int("fps", s.opts.FPS).
		Msg("Synthetic session started")
	return sess, nil
}

// Session returns the most recently started session
func (s *SyntheticSource) Session() *SyntheticSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Begins returns how many sessions were started
func (s *SyntheticSource) Begins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begins
}

// SyntheticSession is a running synthetic capture
type SyntheticSession struct {
	*hostSession

	sizeMu sync.Mutex
	width  int
	height int
	frame  uint64
	lost   bool
}

// Emit produces one frame, as if the compositor had signalled a new one
func (s *SyntheticSession) Emit() error {
	s.sizeMu.Lock()
	if s.lost {
		s.sizeMu.Unlock()
		return fmt.Errorf("%w: target hidden", ErrTargetUnavailable)
	}
	width, height := s.width, s.height
	s.frame++
	n := s.frame
	s.sizeMu.Unlock()

	showCursor := s.target.ShowCursor
	return s.deliver(width, height, func(tex *soft.Texture) error {
		tex.Fill(func(x, y int) color.RGBA {
			return SyntheticPattern(x, y, n)
		})
		if showCursor {
			drawCursor(tex, int(n*7)%width, int(n*5)%height)
		}
		return nil
	})
}

// Resize changes the captured surface size, as a window resize would
func (s *SyntheticSession) Resize(width, height int) {
	s.sizeMu.Lock()
	defer s.sizeMu.Unlock()
	s.width, s.height = width, height
}

// LoseTarget hides the target until RestoreTarget
func (s *SyntheticSession) LoseTarget() {
	s.sizeMu.Lock()
	s.lost = true
	s.sizeMu.Unlock()
	s.targetLost(fmt.Errorf("%w: window minimized", ErrTargetUnavailable))
}

// RestoreTarget lets Emit produce frames again
func (s *SyntheticSession) RestoreTarget() {
	s.sizeMu.Lock()
	defer s.sizeMu.Unlock()
	s.lost = false
}

// LoseDevice removes the capture device and reports it
func (s *SyntheticSession) LoseDevice() {
	s.dev.Lose()
	s.deviceLost(gpu.ErrDeviceLost)
}

// SoftDevice exposes the device for fault injection
func (s *SyntheticSession) SoftDevice() *soft.CaptureDevice {
	return s.dev
}

// SyntheticPattern is the color of pixel (x, y) in frame n: diagonal bands
// that shift every frame over a per-frame blue level.
func SyntheticPattern(x, y int, n uint64) color.RGBA {
	band := uint8((x + y + int(n)*4) / 16 % 8)
	return color.RGBA{
		R: band * 32,
		G: uint8(y),
		B: uint8(n),
		A: 0xff,
	}
}

func drawCursor(tex *soft.Texture, cx, cy int) {
	for dy := 0; dy < 12; dy++ {
		for dx := 0; dx <= dy/2; dx++ {
			x, y := cx+dx, cy+dy
			if x < tex.Width() && y < tex.Height() {
				tex.Set(x, y, color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff})
			}
		}
	}
}
