// Package display provides the destination window the mirror presents into.
package display

import (
	"fmt"
	"image"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/FrameMirror/internal/logger"
	"github.com/rs/zerolog"
)

// Config describes the destination window
type Config struct {
	// Display is the X display name; empty uses $DISPLAY
	Display string
	Width   int
	Height  int
	Title   string
}

// Surface is an X11 window used as a swapchain. The back buffer is an RGBA
// image; Present converts it to the screen's pixmap format and sends it with
// PutImage.
type Surface struct {
	conn   *xgb.Conn
	screen *xproto.ScreenInfo
	window xproto.Window
	gc     xproto.Gcontext
	log    *zerolog.Logger

	depth       byte
	bytesPerPix int
	padBytes    int
	maxRequest  int

	deleteAtom xproto.Atom

	mu       sync.Mutex
	width    int
	height   int
	winW     int
	winH     int
	back     *image.RGBA
	data     []byte
	onResize func(width, height int)
	onClose  func()
	released bool

	done chan struct{}
}

// NewSurface creates and maps the destination window
func NewSurface(cfg Config) (*Surface, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid window size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Title == "" {
		cfg.Title = "FrameMirror"
	}

	conn, err := xgb.NewConnDisplay(cfg.Display)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	s := &Surface{
		conn:   conn,
		screen: screen,
		log:    logger.WithComponent("display"),
		depth:  screen.RootDepth,
		width:  cfg.Width,
		height: cfg.Height,
		winW:   cfg.Width,
		winH:   cfg.Height,
		done:   make(chan struct{}),
		// MaximumRequestLength is in 4-byte units
		maxRequest: int(setup.MaximumRequestLength) * 4,
	}

	for _, format := range setup.PixmapFormats {
		if format.Depth == s.depth {
			s.bytesPerPix = int(format.BitsPerPixel) / 8
			s.padBytes = int(format.ScanlinePad) / 8
			break
		}
	}
	if s.bytesPerPix != 3 && s.bytesPerPix != 4 {
		conn.Close()
		return nil, fmt.Errorf("unsupported pixmap format for depth %d (%d bytes per pixel)", s.depth, s.bytesPerPix)
	}

	if err := s.createWindow(cfg.Title); err != nil {
		conn.Close()
		return nil, err
	}
	s.back = image.NewRGBA(image.Rect(0, 0, cfg.Width, cfg.Height))

	go s.eventLoop()

	s.log.Info().
		Int("width", cfg.Width).
		Int("height", cfg.Height).
		Uint32("window_id", uint32(s.window)).
		Msg("Destination window created")
	return s, nil
}

func (s *Surface) createWindow(title string) error {
	windowID, err := xproto.NewWindowId(s.conn)
	if err != nil {
		return fmt.Errorf("failed to create window ID: %w", err)
	}
	s.window = windowID

	mask := uint32(xproto.CwBackPixel | xproto.CwEventMask)
	values := []uint32{
		0x000000,
		xproto.EventMaskExposure | xproto.EventMaskStructureNotify,
	}

	err = xproto.CreateWindowChecked(
		s.conn,
		s.screen.RootDepth,
		s.window,
		s.screen.Root,
		0, 0,
		uint16(s.width), uint16(s.height),
		0,
		xproto.WindowClassInputOutput,
		s.screen.RootVisual,
		mask,
		values,
	).Check()
	if err != nil {
		return fmt.Errorf("failed to create window: %w", err)
	}

	if err := s.setWindowTitle(title); err != nil {
		s.log.Warn().Err(err).Msg("Failed to set window title")
	}
	if err := s.setWindowClass("framemirror", "FrameMirror"); err != nil {
		s.log.Warn().Err(err).Msg("Failed to set window class")
	}
	if err := s.setDeleteProtocol(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to register WM_DELETE_WINDOW")
	}

	if err := xproto.MapWindowChecked(s.conn, s.window).Check(); err != nil {
		return fmt.Errorf("failed to map window: %w", err)
	}

	gc, err := xproto.NewGcontextId(s.conn)
	if err != nil {
		return fmt.Errorf("failed to create graphics context: %w", err)
	}
	s.gc = gc
	if err := xproto.CreateGCChecked(s.conn, s.gc, xproto.Drawable(s.window), 0, nil).Check(); err != nil {
		return fmt.Errorf("failed to create GC: %w", err)
	}

	s.conn.Sync()
	return nil
}

// OnResize registers fn to be called when the window manager resizes the
// window. fn runs on the event goroutine.
func (s *Surface) OnResize(fn func(width, height int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onResize = fn
}

// OnClose registers fn to be called when the user closes the window. fn runs
// on the event goroutine and must not call Release.
func (s *Surface) OnClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = fn
}

// WindowID returns the X11 window id of the destination window
func (s *Surface) WindowID() uint32 {
	return uint32(s.window)
}

// Configure recreates the back buffer, resizing the window when the size
// did not come from the window manager
func (s *Surface) Configure(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid surface size %dx%d", width, height)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return fmt.Errorf("surface released")
	}
	if width != s.winW || height != s.winH {
		err := xproto.ConfigureWindowChecked(
			s.conn,
			s.window,
			xproto.ConfigWindowWidth|xproto.ConfigWindowHeight,
			[]uint32{uint32(width), uint32(height)},
		).Check()
		if err != nil {
			return fmt.Errorf("failed to resize window: %w", err)
		}
		s.winW, s.winH = width, height
	}

	s.width, s.height = width, height
	s.back = image.NewRGBA(image.Rect(0, 0, width, height))
	s.data = nil

	s.log.Debug().Int("width", width).Int("height", height).Msg("Swapchain configured")
	return nil
}

func (s *Surface) Size() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

func (s *Surface) Acquire() (*image.RGBA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil, fmt.Errorf("surface released")
	}
	return s.back, nil
}

// Present converts the back buffer and sends it to the window
func (s *Surface) Present() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return fmt.Errorf("surface released")
	}

	stride := scanlineStride(s.width, s.bytesPerPix, s.padBytes)
	if len(s.data) != stride*s.height {
		s.data = make([]byte, stride*s.height)
	}
	if err := packBGRX(s.data, stride, s.back, s.bytesPerPix, s.depth == 32); err != nil {
		return err
	}

	// Split into bands that fit one request; the PutImage header is 24 bytes
	rows := (s.maxRequest - 24) / stride
	if rows <= 0 {
		return fmt.Errorf("window row of %d bytes exceeds the X request size", stride)
	}
	for y := 0; y < s.height; y += rows {
		n := rows
		if y+n > s.height {
			n = s.height - y
		}
		err := xproto.PutImageChecked(
			s.conn,
			xproto.ImageFormatZPixmap,
			xproto.Drawable(s.window),
			s.gc,
			uint16(s.width),
			uint16(n),
			0, int16(y),
			0,
			s.depth,
			s.data[y*stride:(y+n)*stride],
		).Check()
		if err != nil {
			return fmt.Errorf("failed to put image: %w", err)
		}
	}
	return nil
}

// Release destroys the window and closes the connection
func (s *Surface) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.mu.Unlock()

	if s.gc != 0 {
		xproto.FreeGC(s.conn, s.gc)
	}
	if s.window != 0 {
		xproto.DestroyWindow(s.conn, s.window)
		s.conn.Sync()
	}
	s.conn.Close()
	<-s.done

	s.log.Info().Msg("Destination window closed")
}

func (s *Surface) eventLoop() {
	defer close(s.done)

	for {
		ev, xerr := s.conn.WaitForEvent()
		if ev == nil && xerr == nil {
			return
		}
		if xerr != nil {
			s.log.Debug().Str("error", xerr.Error()).Msg("X11 error on destination window")
			continue
		}

		switch e := ev.(type) {
		case xproto.ConfigureNotifyEvent:
			if e.Window != s.window {
				continue
			}
			w, h := int(e.Width), int(e.Height)

			s.mu.Lock()
			changed := w != s.winW || h != s.winH
			s.winW, s.winH = w, h
			fn := s.onResize
			s.mu.Unlock()

			if changed && fn != nil {
				s.log.Debug().Int("width", w).Int("height", h).Msg("Destination window resized")
				fn(w, h)
			}

		case xproto.ClientMessageEvent:
			if e.Window != s.window || e.Format != 32 {
				continue
			}
			if xproto.Atom(e.Data.Data32[0]) != s.deleteAtom || s.deleteAtom == 0 {
				continue
			}
			s.mu.Lock()
			fn := s.onClose
			s.mu.Unlock()
			if fn != nil {
				fn()
			}

		case xproto.DestroyNotifyEvent:
			if e.Window == s.window {
				s.mu.Lock()
				fn := s.onClose
				released := s.released
				s.mu.Unlock()
				if fn != nil && !released {
					fn()
				}
			}
		}
	}
}

// setWindowTitle sets the window title
func (s *Surface) setWindowTitle(title string) error {
	titleAtom, err := s.getAtom("_NET_WM_NAME")
	if err != nil {
		return err
	}
	utf8Atom, err := s.getAtom("UTF8_STRING")
	if err != nil {
		return err
	}

	if err := xproto.ChangePropertyChecked(
		s.conn,
		xproto.PropModeReplace,
		s.window,
		titleAtom,
		utf8Atom,
		8,
		uint32(len(title)),
		[]byte(title),
	).Check(); err != nil {
		return err
	}

	return xproto.ChangePropertyChecked(
		s.conn,
		xproto.PropModeReplace,
		s.window,
		xproto.AtomWmName,
		xproto.AtomString,
		8,
		uint32(len(title)),
		[]byte(title),
	).Check()
}

// setWindowClass sets the window class
func (s *Surface) setWindowClass(instance, class string) error {
	// WM_CLASS format: instance\0class\0
	classStr := instance + "\x00" + class + "\x00"

	return xproto.ChangePropertyChecked(
		s.conn,
		xproto.PropModeReplace,
		s.window,
		xproto.AtomWmClass,
		xproto.AtomString,
		8,
		uint32(len(classStr)),
		[]byte(classStr),
	).Check()
}

// setDeleteProtocol asks the window manager for WM_DELETE_WINDOW messages
// instead of killing the connection
func (s *Surface) setDeleteProtocol() error {
	protocols, err := s.getAtom("WM_PROTOCOLS")
	if err != nil {
		return err
	}
	del, err := s.getAtom("WM_DELETE_WINDOW")
	if err != nil {
		return err
	}
	s.deleteAtom = del

	buf := make([]byte, 4)
	xgb.Put32(buf, uint32(del))
	return xproto.ChangePropertyChecked(
		s.conn,
		xproto.PropModeReplace,
		s.window,
		protocols,
		xproto.AtomAtom,
		32,
		1,
		buf,
	).Check()
}

// getAtom gets an atom ID by name
func (s *Surface) getAtom(name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(s.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	return reply.Atom, nil
}
