package soft

import (
	"errors"
	"image/color"
	"testing"

	"github.com/bryanchriswhite/FrameMirror/internal/gpu"
)

func TestStagingPitchAlignment(t *testing.T) {
	tests := []struct {
		name      string
		width     int
		align     int
		wantPitch int
	}{
		{"tight", 7, 1, 28},
		{"already aligned", 64, 256, 256},
		{"padded", 65, 256, 512},
		{"odd width", 3, 16, 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := NewCaptureDevice(tt.align)
			st, err := dev.CreateStaging(tt.width, 2, gpu.FormatBGRA8)
			if err != nil {
				t.Fatalf("CreateStaging() error = %v", err)
			}
			m, err := dev.Map(st)
			if err != nil {
				t.Fatalf("Map() error = %v", err)
			}
			defer dev.Unmap(st)

			if m.RowPitch != tt.wantPitch {
				t.Errorf("RowPitch = %d, want %d", m.RowPitch, tt.wantPitch)
			}
			if len(m.Data) != tt.wantPitch*2 {
				t.Errorf("len(Data) = %d, want %d", len(m.Data), tt.wantPitch*2)
			}
		})
	}
}

func TestCopyPreservesPixels(t *testing.T) {
	dev := NewCaptureDevice(64)
	src := NewTexture(5, 3, gpu.FormatBGRA8, 1)
	src.Fill(func(x, y int) color.RGBA {
		return color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255}
	})

	st, err := dev.CreateStaging(5, 3, gpu.FormatBGRA8)
	if err != nil {
		t.Fatalf("CreateStaging() error = %v", err)
	}
	if err := dev.Copy(st, src); err != nil {
		t.Fatalf("Copy() error = %v", err)
	}

	m, err := dev.Map(st)
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	defer dev.Unmap(st)

	for y := 0; y < 3; y++ {
		row := m.Data[y*m.RowPitch : y*m.RowPitch+5*4]
		for x := 0; x < 5; x++ {
			b, g, r := row[x*4], row[x*4+1], row[x*4+2]
			if r != uint8(x) || g != uint8(y) || b != 200 {
				t.Fatalf("pixel (%d,%d) = r%d g%d b%d", x, y, r, g, b)
			}
		}
	}
}

func TestCopyRejectsSizeMismatch(t *testing.T) {
	dev := NewCaptureDevice(1)
	st, _ := dev.CreateStaging(4, 4, gpu.FormatBGRA8)
	if err := dev.Copy(st, NewTexture(8, 4, gpu.FormatBGRA8, 1)); err == nil {
		t.Fatal("Copy() with mismatched sizes should fail")
	}
}

func TestMapFaults(t *testing.T) {
	dev := NewCaptureDevice(1)
	st, _ := dev.CreateStaging(2, 2, gpu.FormatBGRA8)

	dev.FailNextMaps(2)
	for i := 0; i < 2; i++ {
		if _, err := dev.Map(st); !errors.Is(err, gpu.ErrMapFailed) {
			t.Fatalf("Map() #%d error = %v, want ErrMapFailed", i, err)
		}
	}
	if _, err := dev.Map(st); err != nil {
		t.Fatalf("Map() after injected failures error = %v", err)
	}
	if _, err := dev.Map(st); !errors.Is(err, gpu.ErrMapFailed) {
		t.Fatalf("second Map() without Unmap error = %v, want ErrMapFailed", err)
	}
	dev.Unmap(st)

	dev.Lose()
	if _, err := dev.Map(st); !errors.Is(err, gpu.ErrDeviceLost) {
		t.Fatalf("Map() on lost device error = %v, want ErrDeviceLost", err)
	}
	if _, err := dev.CreateStaging(2, 2, gpu.FormatBGRA8); !errors.Is(err, gpu.ErrDeviceLost) {
		t.Fatalf("CreateStaging() on lost device error = %v, want ErrDeviceLost", err)
	}
}

func TestWriteTextureSwizzlesBGRA(t *testing.T) {
	dev := NewRenderDevice()
	tex, err := dev.CreateTexture(2, 1, gpu.FormatBGRA8)
	if err != nil {
		t.Fatalf("CreateTexture() error = %v", err)
	}

	data := []byte{
		1, 2, 3, 255, 10, 20, 30, 255, // pixels
		0xAA, 0xAA, // padding
	}
	if err := dev.WriteTexture(tex, data, 10); err != nil {
		t.Fatalf("WriteTexture() error = %v", err)
	}

	img := tex.(*renderTexture).img
	got := img.RGBAAt(1, 0)
	want := color.RGBA{R: 30, G: 20, B: 10, A: 255}
	if got != want {
		t.Errorf("pixel = %v, want %v", got, want)
	}

	if err := dev.WriteTexture(tex, data[:6], 8); err == nil {
		t.Error("WriteTexture() with short data should fail")
	}
}

func TestDrawClearAndStretch(t *testing.T) {
	dev := NewRenderDevice()
	surface := NewSurface(8, 8)
	bg := color.RGBA{R: 1, G: 2, B: 3, A: 255}

	target, err := surface.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := dev.Draw(gpu.RenderPass{Target: target, Clear: bg}); err != nil {
		t.Fatalf("Draw() clear error = %v", err)
	}
	if got := target.RGBAAt(7, 7); got != bg {
		t.Fatalf("cleared pixel = %v, want %v", got, bg)
	}

	tex, _ := dev.CreateTexture(2, 2, gpu.FormatRGBA8)
	red := []byte{255, 0, 0, 255, 255, 0, 0, 255, 255, 0, 0, 255, 255, 0, 0, 255}
	if err := dev.WriteTexture(tex, red, 8); err != nil {
		t.Fatalf("WriteTexture() error = %v", err)
	}
	smp, _ := dev.CreateSampler(gpu.SamplerDesc{Filter: gpu.FilterNearest})

	quad := []gpu.Vertex{
		{Position: [2]float32{-1, 1}, UV: [2]float32{0, 0}},
		{Position: [2]float32{1, 1}, UV: [2]float32{1, 0}},
		{Position: [2]float32{-1, -1}, UV: [2]float32{0, 1}},
		{Position: [2]float32{1, -1}, UV: [2]float32{1, 1}},
	}
	err = dev.Draw(gpu.RenderPass{Target: target, Clear: bg, Vertices: quad, Texture: tex, Sampler: smp})
	if err != nil {
		t.Fatalf("Draw() error = %v", err)
	}
	for _, p := range [][2]int{{0, 0}, {7, 0}, {0, 7}, {7, 7}, {4, 4}} {
		if got := target.RGBAAt(p[0], p[1]); got != (color.RGBA{R: 255, A: 255}) {
			t.Errorf("pixel %v = %v, want red", p, got)
		}
	}

	if err := surface.Present(); err != nil {
		t.Fatalf("Present() error = %v", err)
	}
	if surface.Presents() != 1 || surface.Frame() == nil {
		t.Errorf("Presents() = %d, Frame() nil = %v", surface.Presents(), surface.Frame() == nil)
	}
}

func TestRenderDeviceLost(t *testing.T) {
	dev := NewRenderDevice()
	tex, _ := dev.CreateTexture(1, 1, gpu.FormatBGRA8)
	dev.Lose()

	if err := dev.WriteTexture(tex, []byte{0, 0, 0, 0}, 4); !errors.Is(err, gpu.ErrDeviceLost) {
		t.Errorf("WriteTexture() error = %v, want ErrDeviceLost", err)
	}
	if _, err := dev.CreateTexture(1, 1, gpu.FormatBGRA8); !errors.Is(err, gpu.ErrDeviceLost) {
		t.Errorf("CreateTexture() error = %v, want ErrDeviceLost", err)
	}
}
