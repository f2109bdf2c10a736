package capture

import (
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/composite"
	"github.com/BurntSushi/xgb/damage"
	"github.com/BurntSushi/xgb/randr"
	"github.com/BurntSushi/xgb/xfixes"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/FrameMirror/internal/gpu"
	"github.com/bryanchriswhite/FrameMirror/internal/logger"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// X11Source captures through the X server's Composite and Damage extensions.
// Damage notifications are the frame-arrival events; each one copies the
// target into a pixmap from the session's buffer ring.
type X11Source struct {
	// Display is the X display name; empty uses $DISPLAY
	Display string
	Buffers int
}

func (s *X11Source) Name() string {
	return "x11"
}

// X11Monitors lists active CRTCs as monitor targets, in RandR order
func X11Monitors(conn *xgb.Conn, root xproto.Window) ([]Target, error) {
	if err := randr.Init(conn); err != nil {
		return nil, fmt.Errorf("randr extension not available: %w", err)
	}

	res, err := randr.GetScreenResources(conn, root).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get screen resources: %w", err)
	}

	monitors := make([]Target, 0, len(res.Crtcs))
	for _, crtc := range res.Crtcs {
		info, err := randr.GetCrtcInfo(conn, crtc, res.ConfigTimestamp).Reply()
		if err != nil || info.Width == 0 || info.Height == 0 || len(info.Outputs) == 0 {
			continue
		}

		name := fmt.Sprintf("crtc-%d", crtc)
		if out, err := randr.GetOutputInfo(conn, info.Outputs[0], res.ConfigTimestamp).Reply(); err == nil && len(out.Name) > 0 {
			name = string(out.Name)
		}

		monitors = append(monitors, Target{
			Kind: TargetMonitor,
			ID:   uint32(len(monitors)),
			Rect: image.Rect(int(info.X), int(info.Y), int(info.X)+int(info.Width), int(info.Y)+int(info.Height)),
			Name: name,
		})
	}
	return monitors, nil
}

// resolveMonitor finds the desktop rectangle of monitor target.ID
func resolveMonitor(conn *xgb.Conn, screen *xproto.ScreenInfo, target Target) (image.Rectangle, error) {
	monitors, err := X11Monitors(conn, screen.Root)
	if err != nil || len(monitors) == 0 {
		// Without RandR the whole root window is monitor 0
		if target.ID == 0 {
			return image.Rect(0, 0, int(screen.WidthInPixels), int(screen.HeightInPixels)), nil
		}
		return image.Rectangle{}, fmt.Errorf("%w: monitor %d not found", ErrTargetUnavailable, target.ID)
	}
	if int(target.ID) >= len(monitors) {
		return image.Rectangle{}, fmt.Errorf("%w: monitor %d not found (%d active)", ErrTargetUnavailable, target.ID, len(monitors))
	}
	return monitors[target.ID].Rect, nil
}

func (s *X11Source) Begin(target Target, sink FrameSink) (Session, error) {
	conn, err := xgb.NewConnDisplay(s.Display)
	if err != nil {
		return nil, NewError(KindDeviceLost, "connect", fmt.Errorf("failed to connect to X server: %w", err))
	}

	sess, err := s.begin(conn, target, sink)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return sess, nil
}

func (s *X11Source) begin(conn *xgb.Conn, target Target, sink FrameSink) (*x11Session, error) {
	screen := xproto.Setup(conn).DefaultScreen(conn)

	if err := composite.Init(conn); err != nil {
		return nil, fmt.Errorf("composite extension not available: %w", err)
	}
	if err := xfixes.Init(conn); err != nil {
		return nil, fmt.Errorf("xfixes extension not available: %w", err)
	}
	// Damage requires the XFixes version to be negotiated first
	if _, err := xfixes.QueryVersion(conn, 2, 0).Reply(); err != nil {
		return nil, fmt.Errorf("failed to query xfixes version: %w", err)
	}
	if err := damage.Init(conn); err != nil {
		return nil, fmt.Errorf("damage extension not available: %w", err)
	}
	if _, err := damage.QueryVersion(conn, 1, 1).Reply(); err != nil {
		return nil, fmt.Errorf("failed to query damage version: %w", err)
	}

	dev, err := newX11Device(conn, screen, target.ShowCursor)
	if err != nil {
		return nil, err
	}

	buffers := s.Buffers
	if buffers <= 0 {
		buffers = 2
	}

	sess := &x11Session{
		id:     uuid.New().String(),
		target: target,
		conn:   conn,
		screen: screen,
		dev:    dev,
		sink:   sink,
		ring: NewBufferRing(buffers, func(int) *x11Texture {
			return nil
		}),
		events: make(chan xgb.Event, 64),
		closed: make(chan struct{}),
		stopCh: make(chan struct{}),
	}
	sess.log = logger.WithComponent("x11-source").With().Str("session", sess.id).Logger()
	dev.cursorOrigin = sess.origin

	switch target.Kind {
	case TargetMonitor:
		rect, err := resolveMonitor(conn, screen, target)
		if err != nil {
			return nil, NewError(KindTargetUnavailable, "resolve monitor", err)
		}
		sess.setRect(rect)
		sess.source = xproto.Drawable(screen.Root)
		if err := randr.SelectInputChecked(conn, screen.Root, randr.NotifyMaskScreenChange).Check(); err != nil {
			sess.log.Debug().Err(err).Msg("Monitor change notifications unavailable")
		}

	case TargetWindow:
		if err := sess.attachWindow(xproto.Window(target.ID)); err != nil {
			return nil, err
		}
	}

	damageID, err := damage.NewDamageId(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate damage id: %w", err)
	}
	watched := xproto.Drawable(screen.Root)
	if target.Kind == TargetWindow {
		watched = xproto.Drawable(target.ID)
	}
	if err := damage.CreateChecked(conn, damageID, watched, damage.ReportLevelNonEmpty).Check(); err != nil {
		return nil, NewError(KindTargetUnavailable, "create damage", err)
	}
	sess.damage = damageID

	sess.wg.Add(1)
	go sess.pump()
	go sess.loop()

	if sess.hidden {
		sess.notify(func() {
			sess.sink.OnTargetLost(fmt.Errorf("%w: window 0x%x is not viewable", ErrTargetUnavailable, target.ID))
		})
	}

	sess.log.Info().
		Str("target", target.String()).
		Int("width", sess.rect.Dx()).
		Int("height", sess.rect.Dy()).
		Int("buffers", buffers).
		Msg("X11 capture started")
	return sess, nil
}

// x11Session is a live Composite/Damage capture
type x11Session struct {
	id     string
	target Target
	conn   *xgb.Conn
	screen *xproto.ScreenInfo
	dev    *x11Device
	sink   FrameSink
	ring   *BufferRing[*x11Texture]
	damage damage.Damage
	log    zerolog.Logger

	// Only touched by the event loop, and by begin before it starts.
	// The render goroutine reads the monitor position through monitorOrigin.
	source  xproto.Drawable
	named   xproto.Pixmap
	rect    image.Rectangle
	hidden  bool
	destroy bool

	monitorOrigin atomic.Pointer[image.Point]

	events chan xgb.Event
	closed chan struct{}

	mu       sync.Mutex
	stopped  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (s *x11Session) ID() string                { return s.id }
func (s *x11Session) Target() Target            { return s.target }
func (s *x11Session) Device() gpu.CaptureDevice { return s.dev }

// attachWindow redirects the window offscreen and names its backing pixmap
func (s *x11Session) attachWindow(win xproto.Window) error {
	attrs, err := xproto.GetWindowAttributes(s.conn, win).Reply()
	if err != nil {
		return NewError(KindTargetUnavailable, "window attributes", fmt.Errorf("%w: %v", ErrTargetUnavailable, err))
	}
	if attrs.Class != xproto.WindowClassInputOutput {
		return NewError(KindTargetUnavailable, "window attributes",
			fmt.Errorf("%w: window 0x%x is input-only", ErrTargetUnavailable, uint32(win)))
	}
	// A minimized window is captured once it is mapped again
	s.hidden = attrs.MapState != xproto.MapStateViewable

	err = xproto.ChangeWindowAttributesChecked(
		s.conn,
		win,
		xproto.CwEventMask,
		[]uint32{xproto.EventMaskStructureNotify},
	).Check()
	if err != nil {
		return NewError(KindTargetUnavailable, "select window events", err)
	}

	if err := composite.RedirectWindowChecked(s.conn, win, composite.RedirectAutomatic).Check(); err != nil {
		return fmt.Errorf("failed to redirect window via Composite: %w", err)
	}

	geom, err := xproto.GetGeometry(s.conn, xproto.Drawable(win)).Reply()
	if err != nil {
		return NewError(KindTargetUnavailable, "window geometry", err)
	}
	s.rect = image.Rect(0, 0, int(geom.Width), int(geom.Height))
	return s.renamePixmap()
}

// renamePixmap refreshes the window's backing pixmap, which the server
// replaces whenever the window is resized or remapped
func (s *x11Session) renamePixmap() error {
	win := xproto.Window(s.target.ID)
	if s.named != 0 {
		xproto.FreePixmap(s.conn, s.named)
		s.named = 0
	}

	pixmap, err := xproto.NewPixmapId(s.conn)
	if err != nil {
		return fmt.Errorf("failed to allocate pixmap id: %w", err)
	}
	if err := composite.NameWindowPixmapChecked(s.conn, win, pixmap).Check(); err != nil {
		// Fall back to reading the window directly
		s.source = xproto.Drawable(win)
		s.log.Debug().Err(err).Msg("Failed to name window pixmap, using window drawable")
		return nil
	}
	s.named = pixmap
	s.source = xproto.Drawable(pixmap)
	return nil
}

// setRect records the captured area and publishes its position
func (s *x11Session) setRect(rect image.Rectangle) {
	s.rect = rect
	origin := rect.Min
	s.monitorOrigin.Store(&origin)
}

// origin is the desktop position of the captured area, for cursor placement.
// It runs on the render goroutine while the event loop owns rect.
func (s *x11Session) origin() image.Point {
	if s.target.Kind == TargetMonitor {
		if p := s.monitorOrigin.Load(); p != nil {
			return *p
		}
		return image.Point{}
	}
	reply, err := xproto.TranslateCoordinates(s.conn, xproto.Window(s.target.ID), s.screen.Root, 0, 0).Reply()
	if err != nil {
		return image.Point{}
	}
	return image.Pt(int(reply.DstX), int(reply.DstY))
}

// pump moves events off the connection. It ends when the connection closes,
// which happens on device release or when the server goes away.
func (s *x11Session) pump() {
	defer close(s.closed)
	for {
		ev, xerr := s.conn.WaitForEvent()
		if ev == nil && xerr == nil {
			return
		}
		if xerr != nil {
			s.log.Debug().Str("error", xerr.Error()).Msg("X11 error event")
			continue
		}
		select {
		case s.events <- ev:
		case <-s.stopCh:
			return
		}
	}
}

func (s *x11Session) loop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case <-s.closed:
			select {
			case <-s.stopCh:
				return
			default:
			}
			s.dev.closed.Store(true)
			s.notify(func() {
				s.sink.OnDeviceLost(fmt.Errorf("%w: X server connection closed", gpu.ErrDeviceLost))
			})
			return
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

func (s *x11Session) handle(ev xgb.Event) {
	win := xproto.Window(s.target.ID)

	switch e := ev.(type) {
	case damage.NotifyEvent:
		damage.Subtract(s.conn, s.damage, 0, 0)
		if !s.hidden && !s.destroy {
			s.grab()
		}

	case xproto.ConfigureNotifyEvent:
		if e.Window != win {
			return
		}
		if int(e.Width) != s.rect.Dx() || int(e.Height) != s.rect.Dy() {
			s.rect = image.Rect(0, 0, int(e.Width), int(e.Height))
			s.log.Debug().
				Int("width", s.rect.Dx()).
				Int("height", s.rect.Dy()).
				Msg("Target window resized")
			if err := s.renamePixmap(); err != nil {
				s.log.Warn().Err(err).Msg("Failed to refresh window pixmap")
			}
		}

	case xproto.UnmapNotifyEvent:
		if e.Window != win || s.hidden {
			return
		}
		s.hidden = true
		s.notify(func() {
			s.sink.OnTargetLost(fmt.Errorf("%w: window 0x%x unmapped", ErrTargetUnavailable, uint32(win)))
		})

	case xproto.MapNotifyEvent:
		if e.Window != win {
			return
		}
		s.hidden = false
		if err := s.renamePixmap(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to refresh window pixmap")
		}
		s.grab()

	case xproto.DestroyNotifyEvent:
		if e.Window != win {
			return
		}
		s.destroy = true
		s.named = 0
		s.notify(func() {
			s.sink.OnTargetLost(fmt.Errorf("%w: window 0x%x destroyed", ErrTargetUnavailable, uint32(win)))
		})

	case randr.ScreenChangeNotifyEvent:
		if s.target.Kind != TargetMonitor {
			return
		}
		rect, err := resolveMonitor(s.conn, s.screen, s.target)
		if err != nil {
			s.hidden = true
			s.notify(func() { s.sink.OnTargetLost(err) })
			return
		}
		if rect != s.rect {
			s.log.Info().
				Int("width", rect.Dx()).
				Int("height", rect.Dy()).
				Msg("Monitor geometry changed")
		}
		s.setRect(rect)
		s.hidden = false
	}
}

// grab copies the target into a free ring buffer and publishes it
func (s *x11Session) grab() {
	width, height := s.rect.Dx(), s.rect.Dy()
	if width <= 0 || height <= 0 {
		return
	}

	idx, tex, ok := s.ring.Acquire()
	if !ok {
		s.log.Debug().Uint64("drops", s.ring.Drops()).Msg("All compositor buffers busy, skipping frame")
		return
	}
	if tex == nil || tex.width != width || tex.height != height {
		if tex != nil {
			tex.Release()
		}
		fresh, err := s.dev.newPixmap(width, height)
		if err != nil {
			s.ring.Replace(idx, nil)
			s.ring.Release(idx)
			s.fail(err)
			return
		}
		tex = fresh
		s.ring.Replace(idx, tex)
	}

	srcX, srcY := 0, 0
	if s.target.Kind == TargetMonitor {
		srcX, srcY = s.rect.Min.X, s.rect.Min.Y
	}
	if err := s.dev.copyFrom(tex, s.source, srcX, srcY); err != nil {
		s.ring.Release(idx)
		s.fail(err)
		return
	}

	s.notify(func() {
		s.sink.OnFrame(NewFrame(tex, func() { s.ring.Release(idx) }))
	})
}

func (s *x11Session) fail(err error) {
	if IsDeviceLost(err) {
		s.notify(func() { s.sink.OnDeviceLost(err) })
		return
	}
	s.log.Debug().Err(err).Msg("Failed to copy target")
}

// notify runs a sink call unless notifications were stopped
func (s *x11Session) notify(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		fn()
	}
}

func (s *x11Session) StopNotifications() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *x11Session) Close() error {
	if s.dev.closed.Load() {
		return nil
	}

	damage.Destroy(s.conn, s.damage)
	if s.target.Kind == TargetWindow && !s.destroy {
		composite.UnredirectWindow(s.conn, xproto.Window(s.target.ID), composite.RedirectAutomatic)
		if s.named != 0 {
			xproto.FreePixmap(s.conn, s.named)
		}
	}
	s.ring.Each(func(tex *x11Texture) {
		if tex != nil {
			tex.Release()
		}
	})

	if _, err := xproto.GetInputFocus(s.conn).Reply(); err != nil {
		return fmt.Errorf("failed to flush session teardown: %w", err)
	}
	return nil
}
