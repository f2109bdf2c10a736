package capture

import (
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xfixes"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/FrameMirror/internal/gpu"
)

// x11Texture is a server-side pixmap. Compositor buffers and staging
// textures are both pixmaps; only staging textures are ever mapped.
type x11Texture struct {
	dev    *x11Device
	pixmap xproto.Pixmap
	width  int
	height int
}

func (t *x11Texture) Width() int         { return t.width }
func (t *x11Texture) Height() int        { return t.height }
func (t *x11Texture) Format() gpu.Format { return gpu.FormatBGRA8 }

func (t *x11Texture) Release() {
	t.dev.freePixmap(t.pixmap)
}

// x11Device treats the X server as the capture-side GPU. CopyArea is the
// texture copy and GetImage is the blocking map. The device owns the
// session's connection.
type x11Device struct {
	conn        *xgb.Conn
	root        xproto.Window
	depth       byte
	gc          xproto.Gcontext
	bytesPerPx  int
	scanlinePad int

	showCursor   bool
	cursorOrigin func() image.Point

	closed   atomic.Bool
	mu       sync.Mutex
	released bool
}

func newX11Device(conn *xgb.Conn, screen *xproto.ScreenInfo, showCursor bool) (*x11Device, error) {
	d := &x11Device{
		conn:       conn,
		root:       screen.Root,
		depth:      screen.RootDepth,
		showCursor: showCursor,
	}

	// Find the pixmap format that matches the root depth
	for _, format := range xproto.Setup(conn).PixmapFormats {
		if format.Depth == d.depth {
			d.bytesPerPx = int(format.BitsPerPixel) / 8
			d.scanlinePad = int(format.ScanlinePad) / 8
			break
		}
	}
	if d.bytesPerPx != 4 {
		return nil, fmt.Errorf("unsupported pixmap format for depth %d: %d bytes per pixel", d.depth, d.bytesPerPx)
	}
	if d.scanlinePad == 0 {
		d.scanlinePad = 4
	}

	gc, err := xproto.NewGcontextId(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create graphics context id: %w", err)
	}
	err = xproto.CreateGCChecked(
		conn,
		gc,
		xproto.Drawable(d.root),
		xproto.GcSubwindowMode,
		[]uint32{xproto.SubwindowModeIncludeInferiors},
	).Check()
	if err != nil {
		return nil, fmt.Errorf("failed to create graphics context: %w", err)
	}
	d.gc = gc

	if showCursor {
		if err := xfixes.Init(conn); err != nil {
			d.showCursor = false
		}
	}
	return d, nil
}

// pitch returns the scanline stride of a ZPixmap image width pixels wide
func (d *x11Device) pitch(width int) int {
	unpadded := width * d.bytesPerPx
	return ((unpadded + d.scanlinePad - 1) / d.scanlinePad) * d.scanlinePad
}

func (d *x11Device) classify(op string, err error) error {
	if d.closed.Load() {
		return fmt.Errorf("%s: %w: %v", op, gpu.ErrDeviceLost, err)
	}
	return fmt.Errorf("%s: %w: %v", op, gpu.ErrMapFailed, err)
}

func (d *x11Device) newPixmap(width, height int) (*x11Texture, error) {
	if d.closed.Load() {
		return nil, gpu.ErrDeviceLost
	}

	pid, err := xproto.NewPixmapId(d.conn)
	if err != nil {
		return nil, d.classify("allocate pixmap id", err)
	}
	err = xproto.CreatePixmapChecked(
		d.conn,
		d.depth,
		pid,
		xproto.Drawable(d.root),
		uint16(width), uint16(height),
	).Check()
	if err != nil {
		return nil, d.classify("create pixmap", err)
	}
	return &x11Texture{dev: d, pixmap: pid, width: width, height: height}, nil
}

func (d *x11Device) freePixmap(p xproto.Pixmap) {
	if p == 0 || d.closed.Load() {
		return
	}
	xproto.FreePixmap(d.conn, p)
}

// copyFrom copies a region of any drawable into a pixmap texture
func (d *x11Device) copyFrom(dst *x11Texture, src xproto.Drawable, x, y int) error {
	err := xproto.CopyAreaChecked(
		d.conn,
		src,
		xproto.Drawable(dst.pixmap),
		d.gc,
		int16(x), int16(y),
		0, 0,
		uint16(dst.width), uint16(dst.height),
	).Check()
	if err != nil {
		return d.classify("copy area", err)
	}
	return nil
}

func (d *x11Device) CreateStaging(width, height int, format gpu.Format) (gpu.StagingTexture, error) {
	if format != gpu.FormatBGRA8 {
		return nil, fmt.Errorf("unsupported staging format %s", format)
	}
	return d.newPixmap(width, height)
}

func (d *x11Device) Copy(dst gpu.StagingTexture, src gpu.Texture) error {
	st, ok := dst.(*x11Texture)
	if !ok || st.dev != d {
		return fmt.Errorf("staging texture does not belong to this device")
	}
	tex, ok := src.(*x11Texture)
	if !ok {
		return fmt.Errorf("unsupported source texture %T", src)
	}
	if tex.width != st.width || tex.height != st.height {
		return fmt.Errorf("copy size mismatch: src %dx%d, dst %dx%d", tex.width, tex.height, st.width, st.height)
	}
	return d.copyFrom(st, xproto.Drawable(tex.pixmap), 0, 0)
}

func (d *x11Device) Map(tex gpu.StagingTexture) (gpu.Mapped, error) {
	st, ok := tex.(*x11Texture)
	if !ok || st.dev != d {
		return gpu.Mapped{}, fmt.Errorf("staging texture does not belong to this device")
	}
	if d.closed.Load() {
		return gpu.Mapped{}, gpu.ErrDeviceLost
	}

	reply, err := xproto.GetImage(
		d.conn,
		xproto.ImageFormatZPixmap,
		xproto.Drawable(st.pixmap),
		0, 0,
		uint16(st.width), uint16(st.height),
		0xffffffff,
	).Reply()
	if err != nil {
		return gpu.Mapped{}, d.classify("get image", err)
	}

	pitch := d.pitch(st.width)
	if len(reply.Data) < pitch*st.height {
		return gpu.Mapped{}, fmt.Errorf("%w: short image: got %d bytes, want %d",
			gpu.ErrMapFailed, len(reply.Data), pitch*st.height)
	}

	// Depth 24 leaves the padding byte undefined
	if d.depth == 24 {
		for y := 0; y < st.height; y++ {
			row := reply.Data[y*pitch : y*pitch+st.width*4]
			for x := 3; x < len(row); x += 4 {
				row[x] = 0xff
			}
		}
	}

	if d.showCursor && d.cursorOrigin != nil {
		d.overlayCursor(reply.Data, pitch, st.width, st.height)
	}

	return gpu.Mapped{Data: reply.Data, RowPitch: pitch}, nil
}

// overlayCursor blends the current cursor image into mapped BGRA rows
func (d *x11Device) overlayCursor(data []byte, pitch, width, height int) {
	cur, err := xfixes.GetCursorImage(d.conn).Reply()
	if err != nil {
		return
	}

	origin := d.cursorOrigin()
	left := int(cur.X) - int(cur.Xhot) - origin.X
	top := int(cur.Y) - int(cur.Yhot) - origin.Y

	for cy := 0; cy < int(cur.Height); cy++ {
		y := top + cy
		if y < 0 || y >= height {
			continue
		}
		for cx := 0; cx < int(cur.Width); cx++ {
			x := left + cx
			if x < 0 || x >= width {
				continue
			}
			argb := cur.CursorImage[cy*int(cur.Width)+cx]
			a := argb >> 24
			if a == 0 {
				continue
			}
			i := y*pitch + x*4
			inv := 255 - a
			// Cursor pixels are premultiplied ARGB
			data[i] = byte(argb&0xff + uint32(data[i])*inv/255)
			data[i+1] = byte((argb>>8)&0xff + uint32(data[i+1])*inv/255)
			data[i+2] = byte((argb>>16)&0xff + uint32(data[i+2])*inv/255)
		}
	}
}

func (d *x11Device) Unmap(tex gpu.StagingTexture) {}

func (d *x11Device) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.released {
		return
	}
	d.released = true

	if !d.closed.Load() {
		xproto.FreeGC(d.conn, d.gc)
	}
	d.closed.Store(true)
	d.conn.Close()
}
