package soft

import (
	"fmt"
	"image"
	"math"
	"sync"

	"github.com/bryanchriswhite/FrameMirror/internal/gpu"
	"golang.org/x/image/draw"
)

type renderTexture struct {
	dev      *RenderDevice
	format   gpu.Format
	img      *image.RGBA
	released bool
}

func (t *renderTexture) Width() int         { return t.img.Rect.Dx() }
func (t *renderTexture) Height() int        { return t.img.Rect.Dy() }
func (t *renderTexture) Format() gpu.Format { return t.format }

func (t *renderTexture) Release() {
	t.dev.mu.Lock()
	defer t.dev.mu.Unlock()
	t.released = true
}

type sampler struct {
	desc gpu.SamplerDesc
}

func (s *sampler) Desc() gpu.SamplerDesc { return s.desc }
func (s *sampler) Release()              {}

// RenderDevice rasterizes textured quads on the CPU with x/image/draw scalers
type RenderDevice struct {
	mu       sync.Mutex
	lost     bool
	released bool
	allocs   int
	uploads  int
	draws    int
}

// NewRenderDevice creates a host-memory render device
func NewRenderDevice() *RenderDevice {
	return &RenderDevice{}
}

func (d *RenderDevice) checkLocked() error {
	if d.lost || d.released {
		return gpu.ErrDeviceLost
	}
	return nil
}

func (d *RenderDevice) CreateTexture(width, height int, format gpu.Format) (gpu.RenderTexture, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkLocked(); err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid texture size %dx%d", width, height)
	}

	d.allocs++
	return &renderTexture{
		dev:    d,
		format: format,
		img:    image.NewRGBA(image.Rect(0, 0, width, height)),
	}, nil
}

// WriteTexture stores the rows as RGBA so the scalers can use their fast path
func (d *RenderDevice) WriteTexture(tex gpu.RenderTexture, data []byte, bytesPerRow int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkLocked(); err != nil {
		return err
	}

	t, ok := tex.(*renderTexture)
	if !ok || t.dev != d || t.released {
		return fmt.Errorf("render texture does not belong to this device")
	}

	w, h := t.Width(), t.Height()
	rowBytes := w * t.format.BytesPerPixel()
	if bytesPerRow < rowBytes {
		return fmt.Errorf("row stride %d shorter than row %d", bytesPerRow, rowBytes)
	}
	if need := (h-1)*bytesPerRow + rowBytes; len(data) < need {
		return fmt.Errorf("texture data too short: got %d bytes, need %d", len(data), need)
	}

	for y := 0; y < h; y++ {
		src := data[y*bytesPerRow : y*bytesPerRow+rowBytes]
		dst := t.img.Pix[y*t.img.Stride : y*t.img.Stride+rowBytes]
		if t.format == gpu.FormatBGRA8 {
			for x := 0; x < rowBytes; x += 4 {
				dst[x], dst[x+1], dst[x+2], dst[x+3] = src[x+2], src[x+1], src[x], src[x+3]
			}
			continue
		}
		copy(dst, src)
	}
	d.uploads++
	return nil
}

// ReadPixels returns a copy of a render texture's contents as RGBA
func (d *RenderDevice) ReadPixels(tex gpu.RenderTexture) (*image.RGBA, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := tex.(*renderTexture)
	if !ok || t.dev != d || t.released {
		return nil, fmt.Errorf("render texture does not belong to this device")
	}
	img := image.NewRGBA(t.img.Rect)
	copy(img.Pix, t.img.Pix)
	return img, nil
}

func (d *RenderDevice) CreateSampler(desc gpu.SamplerDesc) (gpu.Sampler, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkLocked(); err != nil {
		return nil, err
	}
	return &sampler{desc: desc}, nil
}

func (d *RenderDevice) Draw(pass gpu.RenderPass) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkLocked(); err != nil {
		return err
	}
	if pass.Target == nil {
		return fmt.Errorf("render pass has no target")
	}

	draw.Draw(pass.Target, pass.Target.Bounds(), image.NewUniform(pass.Clear), image.Point{}, draw.Src)
	d.draws++

	if pass.Texture == nil {
		return nil
	}
	t, ok := pass.Texture.(*renderTexture)
	if !ok || t.dev != d || t.released {
		return fmt.Errorf("render texture does not belong to this device")
	}
	if len(pass.Vertices) == 0 {
		return fmt.Errorf("render pass has no vertices")
	}

	dstRect, srcRect := quadRects(pass.Vertices, pass.Target.Bounds(), t.img.Bounds())
	if dstRect.Empty() || srcRect.Empty() {
		return nil
	}

	var scaler draw.Scaler = draw.ApproxBiLinear
	if pass.Sampler != nil && pass.Sampler.Desc().Filter == gpu.FilterNearest {
		scaler = draw.NearestNeighbor
	}
	scaler.Scale(pass.Target, dstRect, t.img, srcRect, draw.Src, nil)
	return nil
}

// quadRects maps the quad's NDC extent onto target pixels and its UV extent
// onto texture pixels. Y points up in NDC and down in both images.
func quadRects(vertices []gpu.Vertex, target, texture image.Rectangle) (dst, src image.Rectangle) {
	minX, minY := float32(math.MaxFloat32), float32(math.MaxFloat32)
	maxX, maxY := float32(-math.MaxFloat32), float32(-math.MaxFloat32)
	minU, minV := float32(math.MaxFloat32), float32(math.MaxFloat32)
	maxU, maxV := float32(-math.MaxFloat32), float32(-math.MaxFloat32)

	for _, v := range vertices {
		minX = min(minX, v.Position[0])
		maxX = max(maxX, v.Position[0])
		minY = min(minY, v.Position[1])
		maxY = max(maxY, v.Position[1])
		minU = min(minU, v.UV[0])
		maxU = max(maxU, v.UV[0])
		minV = min(minV, v.UV[1])
		maxV = max(maxV, v.UV[1])
	}

	tw, th := float32(target.Dx()), float32(target.Dy())
	dst = image.Rect(
		target.Min.X+round((minX+1)/2*tw),
		target.Min.Y+round((1-maxY)/2*th),
		target.Min.X+round((maxX+1)/2*tw),
		target.Min.Y+round((1-minY)/2*th),
	).Intersect(target)

	sw, sh := float32(texture.Dx()), float32(texture.Dy())
	src = image.Rect(
		texture.Min.X+round(clamp01(minU)*sw),
		texture.Min.Y+round(clamp01(minV)*sh),
		texture.Min.X+round(clamp01(maxU)*sw),
		texture.Min.Y+round(clamp01(maxV)*sh),
	)
	return dst, src
}

func round(f float32) int {
	return int(math.Round(float64(f)))
}

func clamp01(f float32) float32 {
	return min(max(f, 0), 1)
}

func (d *RenderDevice) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = true
}

// Lose simulates device removal
func (d *RenderDevice) Lose() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lost = true
}

// Released reports whether Release has been called
func (d *RenderDevice) Released() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}

// TextureAllocations returns how many render textures were created
func (d *RenderDevice) TextureAllocations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocs
}

// Uploads returns how many WriteTexture calls succeeded
func (d *RenderDevice) Uploads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.uploads
}
