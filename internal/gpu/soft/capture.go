// Package soft is a host-memory implementation of both texture domains.
//
// It backs the synthetic and screenshot frame sources, the headless
// presentation mode, and the tests. Row pitch alignment and device faults can
// be configured so the bridge sees the same layouts and failures a hardware
// driver produces.
package soft

import (
	"fmt"
	"image/color"
	"sync"

	"github.com/bryanchriswhite/FrameMirror/internal/gpu"
)

// alignPitch rounds rowBytes up to a multiple of align
func alignPitch(rowBytes, align int) int {
	if align <= 1 {
		return rowBytes
	}
	return ((rowBytes + align - 1) / align) * align
}

// Texture is a capture-side texture living in host memory
type Texture struct {
	width  int
	height int
	format gpu.Format
	pitch  int
	pix    []byte
}

// NewTexture allocates a zeroed texture whose rows are padded to pitchAlign bytes
func NewTexture(width, height int, format gpu.Format, pitchAlign int) *Texture {
	pitch := alignPitch(width*format.BytesPerPixel(), pitchAlign)
	return &Texture{
		width:  width,
		height: height,
		format: format,
		pitch:  pitch,
		pix:    make([]byte, pitch*height),
	}
}

func (t *Texture) Width() int         { return t.width }
func (t *Texture) Height() int        { return t.height }
func (t *Texture) Format() gpu.Format { return t.format }
func (t *Texture) Pitch() int         { return t.pitch }

// Row returns the pixel bytes of row y, without padding
func (t *Texture) Row(y int) []byte {
	start := y * t.pitch
	return t.pix[start : start+t.width*t.format.BytesPerPixel()]
}

// Set writes one pixel in the texture's own channel order
func (t *Texture) Set(x, y int, c color.RGBA) {
	i := y*t.pitch + x*4
	switch t.format {
	case gpu.FormatBGRA8:
		t.pix[i], t.pix[i+1], t.pix[i+2], t.pix[i+3] = c.B, c.G, c.R, c.A
	default:
		t.pix[i], t.pix[i+1], t.pix[i+2], t.pix[i+3] = c.R, c.G, c.B, c.A
	}
}

// Fill sets every pixel from fn
func (t *Texture) Fill(fn func(x, y int) color.RGBA) {
	for y := 0; y < t.height; y++ {
		for x := 0; x < t.width; x++ {
			t.Set(x, y, fn(x, y))
		}
	}
}

// LoadRGBA copies tightly packed RGBA rows into the texture, converting to
// the texture's channel order.
func (t *Texture) LoadRGBA(pix []byte, stride int) {
	for y := 0; y < t.height; y++ {
		src := pix[y*stride : y*stride+t.width*4]
		dst := t.Row(y)
		if t.format == gpu.FormatBGRA8 {
			for x := 0; x < len(src); x += 4 {
				dst[x], dst[x+1], dst[x+2], dst[x+3] = src[x+2], src[x+1], src[x], src[x+3]
			}
			continue
		}
		copy(dst, src)
	}
}

type stagingTexture struct {
	dev      *CaptureDevice
	width    int
	height   int
	format   gpu.Format
	pitch    int
	data     []byte
	mapped   bool
	released bool
}

func (s *stagingTexture) Width() int         { return s.width }
func (s *stagingTexture) Height() int        { return s.height }
func (s *stagingTexture) Format() gpu.Format { return s.format }

func (s *stagingTexture) Release() {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	s.released = true
	s.data = nil
}

// CaptureDevice is a host-memory capture device
type CaptureDevice struct {
	mu         sync.Mutex
	pitchAlign int
	lost       bool
	released   bool
	failMaps   int
	allocs     int
	copies     int
}

// NewCaptureDevice creates a device whose staging rows are padded to pitchAlign bytes
func NewCaptureDevice(pitchAlign int) *CaptureDevice {
	return &CaptureDevice{pitchAlign: pitchAlign}
}

// NewTexture allocates a texture with this device's row alignment
func (d *CaptureDevice) NewTexture(width, height int, format gpu.Format) *Texture {
	return NewTexture(width, height, format, d.pitchAlign)
}

func (d *CaptureDevice) checkLocked() error {
	if d.lost || d.released {
		return gpu.ErrDeviceLost
	}
	return nil
}

func (d *CaptureDevice) CreateStaging(width, height int, format gpu.Format) (gpu.StagingTexture, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkLocked(); err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid staging size %dx%d", width, height)
	}

	pitch := alignPitch(width*format.BytesPerPixel(), d.pitchAlign)
	d.allocs++
	return &stagingTexture{
		dev:    d,
		width:  width,
		height: height,
		format: format,
		pitch:  pitch,
		data:   make([]byte, pitch*height),
	}, nil
}

func (d *CaptureDevice) Copy(dst gpu.StagingTexture, src gpu.Texture) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkLocked(); err != nil {
		return err
	}

	st, ok := dst.(*stagingTexture)
	if !ok || st.dev != d || st.released {
		return fmt.Errorf("staging texture does not belong to this device")
	}
	tex, ok := src.(*Texture)
	if !ok {
		return fmt.Errorf("unsupported source texture %T", src)
	}
	if tex.width != st.width || tex.height != st.height {
		return fmt.Errorf("copy size mismatch: src %dx%d, dst %dx%d",
			tex.width, tex.height, st.width, st.height)
	}
	if tex.format != st.format {
		return fmt.Errorf("copy format mismatch: src %s, dst %s", tex.format, st.format)
	}

	rowBytes := tex.width * tex.format.BytesPerPixel()
	for y := 0; y < tex.height; y++ {
		copy(st.data[y*st.pitch:y*st.pitch+rowBytes], tex.pix[y*tex.pitch:y*tex.pitch+rowBytes])
	}
	d.copies++
	return nil
}

func (d *CaptureDevice) Map(tex gpu.StagingTexture) (gpu.Mapped, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkLocked(); err != nil {
		return gpu.Mapped{}, err
	}

	st, ok := tex.(*stagingTexture)
	if !ok || st.dev != d || st.released {
		return gpu.Mapped{}, fmt.Errorf("staging texture does not belong to this device")
	}
	if d.failMaps > 0 {
		d.failMaps--
		return gpu.Mapped{}, fmt.Errorf("%w: staging busy", gpu.ErrMapFailed)
	}
	if st.mapped {
		return gpu.Mapped{}, fmt.Errorf("%w: already mapped", gpu.ErrMapFailed)
	}

	st.mapped = true
	return gpu.Mapped{Data: st.data, RowPitch: st.pitch}, nil
}

func (d *CaptureDevice) Unmap(tex gpu.StagingTexture) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := tex.(*stagingTexture); ok {
		st.mapped = false
	}
}

func (d *CaptureDevice) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = true
}

// FailNextMaps makes the next n Map calls fail with gpu.ErrMapFailed
func (d *CaptureDevice) FailNextMaps(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failMaps = n
}

// Lose simulates device removal
func (d *CaptureDevice) Lose() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lost = true
}

// Released reports whether Release has been called
func (d *CaptureDevice) Released() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}

// StagingAllocations returns how many staging textures were created
func (d *CaptureDevice) StagingAllocations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocs
}

// Copies returns how many GPU copies completed
func (d *CaptureDevice) Copies() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.copies
}
