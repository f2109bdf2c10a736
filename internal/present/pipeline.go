// Package present draws the bridged render texture to the destination
// surface once per render tick.
package present

import (
	"fmt"
	"image/color"
	"sync"

	"github.com/bryanchriswhite/FrameMirror/internal/gpu"
	"github.com/bryanchriswhite/FrameMirror/internal/logger"
	"github.com/rs/zerolog"
)

// statsLogInterval is how many presented frames pass between info logs
const statsLogInterval = 60

// Config holds presentation settings
type Config struct {
	Filter     gpu.Filter
	Fit        Fit
	ClearColor color.RGBA
}

// DefaultConfig presents with a linear sampler, stretched, over black
func DefaultConfig() Config {
	return Config{
		Filter:     gpu.FilterLinear,
		Fit:        FitStretch,
		ClearColor: color.RGBA{A: 0xff},
	}
}

// Stats are pipeline counters
type Stats struct {
	Presented uint64 `json:"presented"`
	Empty     uint64 `json:"empty"`
	Binds     uint64 `json:"binds"`
	Resizes   uint64 `json:"resizes"`
	Rebuilds  uint64 `json:"rebuilds"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// Pipeline is the render-side pass: a quad, a sampler and the bound texture
type Pipeline struct {
	dev     gpu.RenderDevice
	surface gpu.Surface
	cfg     Config
	log     *zerolog.Logger

	sampler gpu.Sampler
	bound   gpu.RenderTexture

	// vertices are recomputed when the bound texture or surface size changes
	vertices []gpu.Vertex
	quadFor  [4]int

	mu    sync.Mutex
	stats Stats
}

// New creates a pipeline drawing with dev into surface
func New(dev gpu.RenderDevice, surface gpu.Surface, cfg Config) (*Pipeline, error) {
	if cfg.Fit == "" {
		cfg.Fit = FitStretch
	}
	p := &Pipeline{
		dev:      dev,
		surface:  surface,
		cfg:      cfg,
		log:      logger.WithComponent("present"),
		vertices: FullscreenQuad(),
	}
	if err := p.createSampler(dev); err != nil {
		return nil, err
	}

	w, h := surface.Size()
	p.stats.Width, p.stats.Height = w, h
	p.log.Info().
		Int("width", w).
		Int("height", h).
		Str("filter", cfg.Filter.String()).
		Str("fit", string(cfg.Fit)).
		Msg("Presentation pipeline created")
	return p, nil
}

func (p *Pipeline) createSampler(dev gpu.RenderDevice) error {
	s, err := dev.CreateSampler(gpu.SamplerDesc{Filter: p.cfg.Filter})
	if err != nil {
		return fmt.Errorf("failed to create sampler: %w", err)
	}
	p.sampler = s
	return nil
}

// Bind makes tex the texture drawn by every following Present. The
// pipeline does not take ownership; the bridge keeps it alive until it
// hands out a replacement.
func (p *Pipeline) Bind(tex gpu.RenderTexture) {
	if tex == nil || tex == p.bound {
		return
	}
	p.bound = tex

	p.mu.Lock()
	p.stats.Binds++
	p.mu.Unlock()
}

// Unbind drops the bound texture so the next Present shows the clear color
func (p *Pipeline) Unbind() {
	p.bound = nil
}

// Bound returns the currently bound texture
func (p *Pipeline) Bound() gpu.RenderTexture {
	return p.bound
}

// Present draws one frame. With nothing bound the surface is cleared to the
// configured color; otherwise the bound texture is drawn again whether or
// not it changed this tick.
func (p *Pipeline) Present() error {
	if p.dev == nil {
		return fmt.Errorf("presentation pipeline has no render device")
	}
	target, err := p.surface.Acquire()
	if err != nil {
		return fmt.Errorf("failed to acquire surface: %w", err)
	}

	pass := gpu.RenderPass{
		Target: target,
		Clear:  p.cfg.ClearColor,
	}
	if p.bound != nil {
		pass.Texture = p.bound
		pass.Sampler = p.sampler
		pass.Vertices = p.quad(target.Rect.Dx(), target.Rect.Dy())
	}

	if err := p.dev.Draw(pass); err != nil {
		return fmt.Errorf("failed to draw frame: %w", err)
	}
	if err := p.surface.Present(); err != nil {
		return fmt.Errorf("failed to present frame: %w", err)
	}

	p.mu.Lock()
	p.stats.Presented++
	if p.bound == nil {
		p.stats.Empty++
	}
	presented := p.stats.Presented
	p.mu.Unlock()

	if presented%statsLogInterval == 0 {
		ev := p.log.Info().Uint64("presented", presented)
		if p.bound != nil {
			ev = ev.Int("width", p.bound.Width()).Int("height", p.bound.Height())
		}
		ev.Msg("Presented frames")
	}
	return nil
}

func (p *Pipeline) quad(surfaceWidth, surfaceHeight int) []gpu.Vertex {
	if p.cfg.Fit != FitContain {
		return p.vertices
	}
	key := [4]int{p.bound.Width(), p.bound.Height(), surfaceWidth, surfaceHeight}
	if key != p.quadFor {
		p.vertices = ContainQuad(key[0], key[1], key[2], key[3])
		p.quadFor = key
	}
	return p.vertices
}

// Resize recreates the swapchain. The quad and the bound texture are kept.
func (p *Pipeline) Resize(width, height int) error {
	if err := p.surface.Configure(width, height); err != nil {
		return fmt.Errorf("failed to resize surface: %w", err)
	}

	p.mu.Lock()
	p.stats.Resizes++
	p.stats.Width, p.stats.Height = width, height
	p.mu.Unlock()

	p.log.Info().Int("width", width).Int("height", height).Msg("Surface resized")
	return nil
}

// Rebuild switches to a new render device after device loss. Everything
// created from the old device is dropped, including the bound texture.
// The old device itself belongs to the caller. When dev is unusable it is
// released and the pipeline is left without a device until the next
// Rebuild.
func (p *Pipeline) Rebuild(dev gpu.RenderDevice) error {
	if p.sampler != nil {
		p.sampler.Release()
		p.sampler = nil
	}
	p.bound = nil
	p.dev = nil
	p.quadFor = [4]int{}

	if err := p.createSampler(dev); err != nil {
		dev.Release()
		return err
	}
	p.dev = dev

	if w, h := p.surface.Size(); w > 0 && h > 0 {
		if err := p.surface.Configure(w, h); err != nil {
			return fmt.Errorf("failed to reconfigure surface: %w", err)
		}
	}

	p.mu.Lock()
	p.stats.Rebuilds++
	p.mu.Unlock()

	p.log.Info().Msg("Presentation pipeline rebuilt")
	return nil
}

// Device returns the render device the pipeline draws with, or nil after
// a failed Rebuild
func (p *Pipeline) Device() gpu.RenderDevice {
	return p.dev
}

// Release frees the sampler and the surface
func (p *Pipeline) Release() {
	if p.sampler != nil {
		p.sampler.Release()
		p.sampler = nil
	}
	p.bound = nil
	p.surface.Release()
}

// Stats returns a snapshot of the pipeline counters
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
