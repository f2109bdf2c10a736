// Package gpu defines the two texture domains the mirror moves pixels between.
//
// The capture side owns textures produced by the compositor and a staging
// texture that can be mapped for CPU reads. The render side owns the texture
// sampled by the presentation pass and the surface it presents into. Nothing
// crosses between the two domains except bytes copied through host memory.
package gpu

import (
	"errors"
	"fmt"
	"image"
	"image/color"
)

var (
	// ErrDeviceLost is returned by any device call once the device has been
	// removed or reset. Every object created from that device is invalid.
	ErrDeviceLost = errors.New("gpu device lost")

	// ErrMapFailed is returned when a staging texture cannot be mapped for
	// reading. The device itself remains usable.
	ErrMapFailed = errors.New("gpu map failed")
)

// Format is a texel layout.
type Format int

const (
	FormatBGRA8 Format = iota
	FormatRGBA8
)

// BytesPerPixel returns the texel size of the format
func (f Format) BytesPerPixel() int {
	switch f {
	case FormatBGRA8, FormatRGBA8:
		return 4
	default:
		return 0
	}
}

func (f Format) String() string {
	switch f {
	case FormatBGRA8:
		return "bgra8"
	case FormatRGBA8:
		return "rgba8"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// Texture is a capture-side texture handed out by a frame source
type Texture interface {
	Width() int
	Height() int
	Format() Format
}

// StagingTexture is a CPU-readable capture-side texture
type StagingTexture interface {
	Texture
	Release()
}

// Mapped is a CPU view of a mapped staging texture. Rows are RowPitch bytes
// apart; only the first Width*BytesPerPixel bytes of each row are pixels.
type Mapped struct {
	Data     []byte
	RowPitch int
}

// CaptureDevice is the capture-side device
type CaptureDevice interface {
	// CreateStaging allocates a CPU-readable texture
	CreateStaging(width, height int, format Format) (StagingTexture, error)

	// Copy performs a GPU copy of src into dst. Both must have the same size.
	Copy(dst StagingTexture, src Texture) error

	// Map blocks until the staging texture is readable
	Map(tex StagingTexture) (Mapped, error)

	// Unmap ends the CPU view returned by Map
	Unmap(tex StagingTexture)

	// Release destroys the device. Objects created from it become invalid.
	Release()
}

// RenderTexture is a render-side texture sampled by the presentation pass
type RenderTexture interface {
	Width() int
	Height() int
	Format() Format
	Release()
}

// Filter selects how a sampler reconstructs texels
type Filter int

const (
	FilterLinear Filter = iota
	FilterNearest
)

func (f Filter) String() string {
	if f == FilterNearest {
		return "nearest"
	}
	return "linear"
}

// ParseFilter maps a config value to a Filter
func ParseFilter(s string) (Filter, error) {
	switch s {
	case "", "linear":
		return FilterLinear, nil
	case "nearest":
		return FilterNearest, nil
	default:
		return FilterLinear, fmt.Errorf("unknown filter: %s", s)
	}
}

// SamplerDesc describes a sampler. Addressing is always clamp-to-edge.
type SamplerDesc struct {
	Filter Filter
}

// Sampler is a render-side sampler object
type Sampler interface {
	Desc() SamplerDesc
	Release()
}

// Vertex is a quad corner in normalized device coordinates with its
// texture coordinate.
type Vertex struct {
	Position [2]float32
	UV       [2]float32
}

// RenderPass is a single draw of a textured quad into a surface image.
// A nil Texture clears the target and draws nothing.
type RenderPass struct {
	Target   *image.RGBA
	Clear    color.RGBA
	Vertices []Vertex
	Texture  RenderTexture
	Sampler  Sampler
}

// RenderDevice is the render-side device
type RenderDevice interface {
	CreateTexture(width, height int, format Format) (RenderTexture, error)

	// WriteTexture uploads tightly or loosely packed rows into tex
	WriteTexture(tex RenderTexture, data []byte, bytesPerRow int) error

	CreateSampler(desc SamplerDesc) (Sampler, error)

	Draw(pass RenderPass) error

	Release()
}

// Surface is the destination swapchain
type Surface interface {
	// Configure (re)creates the swapchain at the given size
	Configure(width, height int) error

	Size() (width, height int)

	// Acquire returns the back buffer for the next frame
	Acquire() (*image.RGBA, error)

	// Present shows the back buffer acquired last
	Present() error

	Release()
}
