package present

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"

	"github.com/bryanchriswhite/FrameMirror/internal/gpu"
)

// Fit controls how the texture is placed on the surface
type Fit string

const (
	// FitStretch fills the whole surface
	FitStretch Fit = "stretch"
	// FitContain keeps the aspect ratio and letterboxes with the clear color
	FitContain Fit = "contain"
)

// ParseFit maps a config value to a Fit
func ParseFit(s string) (Fit, error) {
	switch Fit(strings.ToLower(s)) {
	case "", FitStretch:
		return FitStretch, nil
	case FitContain:
		return FitContain, nil
	default:
		return FitStretch, fmt.Errorf("unknown fit mode: %s", s)
	}
}

// FullscreenQuad returns two triangles covering normalized device
// coordinates with UV (0,0) at the top-left corner
func FullscreenQuad() []gpu.Vertex {
	return rectQuad(-1, -1, 1, 1)
}

// ContainQuad returns a centered quad with the texture's aspect ratio that
// fits inside the surface
func ContainQuad(texWidth, texHeight, surfaceWidth, surfaceHeight int) []gpu.Vertex {
	if texWidth <= 0 || texHeight <= 0 || surfaceWidth <= 0 || surfaceHeight <= 0 {
		return FullscreenQuad()
	}

	texAspect := float32(texWidth) / float32(texHeight)
	surfAspect := float32(surfaceWidth) / float32(surfaceHeight)

	sx, sy := float32(1), float32(1)
	if texAspect > surfAspect {
		sy = surfAspect / texAspect
	} else {
		sx = texAspect / surfAspect
	}
	return rectQuad(-sx, -sy, sx, sy)
}

func rectQuad(left, bottom, right, top float32) []gpu.Vertex {
	tl := gpu.Vertex{Position: [2]float32{left, top}, UV: [2]float32{0, 0}}
	tr := gpu.Vertex{Position: [2]float32{right, top}, UV: [2]float32{1, 0}}
	bl := gpu.Vertex{Position: [2]float32{left, bottom}, UV: [2]float32{0, 1}}
	br := gpu.Vertex{Position: [2]float32{right, bottom}, UV: [2]float32{1, 1}}
	return []gpu.Vertex{tl, bl, tr, tr, bl, br}
}

// ParseColor parses "#rrggbb" or "#rrggbbaa"
func ParseColor(s string) (color.RGBA, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) != 6 && len(hex) != 8 {
		return color.RGBA{}, fmt.Errorf("invalid color %q (use #rrggbb)", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	if len(hex) == 6 {
		v = v<<8 | 0xff
	}
	return color.RGBA{
		R: uint8(v >> 24),
		G: uint8(v >> 16),
		B: uint8(v >> 8),
		A: uint8(v),
	}, nil
}
