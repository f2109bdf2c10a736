package display

import (
	"image"
	"image/color"
	"testing"
)

func TestScanlineStride(t *testing.T) {
	tests := []struct {
		width, bpp, pad int
		want            int
	}{
		{width: 10, bpp: 4, pad: 4, want: 40},
		{width: 10, bpp: 3, pad: 4, want: 32},
		{width: 7, bpp: 3, pad: 1, want: 21},
		{width: 1, bpp: 3, pad: 8, want: 8},
		{width: 5, bpp: 4, pad: 0, want: 20},
	}
	for _, tt := range tests {
		if got := scanlineStride(tt.width, tt.bpp, tt.pad); got != tt.want {
			t.Errorf("scanlineStride(%d, %d, %d) = %d, want %d", tt.width, tt.bpp, tt.pad, got, tt.want)
		}
	}
}

func TestPackBGRX(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 3, 2))
	src.SetRGBA(0, 0, color.RGBA{R: 1, G: 2, B: 3, A: 4})
	src.SetRGBA(2, 1, color.RGBA{R: 10, G: 20, B: 30, A: 40})

	t.Run("depth 24 with 32bpp", func(t *testing.T) {
		stride := scanlineStride(3, 4, 4)
		dst := make([]byte, stride*2)
		if err := packBGRX(dst, stride, src, 4, false); err != nil {
			t.Fatalf("packBGRX failed: %v", err)
		}
		if got := dst[0:4]; got[0] != 3 || got[1] != 2 || got[2] != 1 || got[3] != 0 {
			t.Errorf("pixel (0,0) = %v", got)
		}
		off := stride + 2*4
		if got := dst[off : off+4]; got[0] != 30 || got[1] != 20 || got[2] != 10 || got[3] != 0 {
			t.Errorf("pixel (2,1) = %v", got)
		}
	})

	t.Run("depth 32 keeps alpha", func(t *testing.T) {
		dst := make([]byte, 12*2)
		if err := packBGRX(dst, 12, src, 4, true); err != nil {
			t.Fatalf("packBGRX failed: %v", err)
		}
		if dst[3] != 4 {
			t.Errorf("expected alpha 4, got %d", dst[3])
		}
	})

	t.Run("24bpp leaves padding", func(t *testing.T) {
		stride := scanlineStride(3, 3, 4)
		dst := make([]byte, stride*2)
		for i := range dst {
			dst[i] = 0xee
		}
		if err := packBGRX(dst, stride, src, 3, false); err != nil {
			t.Fatalf("packBGRX failed: %v", err)
		}
		if stride != 12 {
			t.Fatalf("expected stride 12, got %d", stride)
		}
		for y := 0; y < 2; y++ {
			for i := 9; i < stride; i++ {
				if dst[y*stride+i] != 0xee {
					t.Errorf("row %d padding byte %d overwritten", y, i)
				}
			}
		}
		off := stride + 2*3
		if got := dst[off : off+3]; got[0] != 30 || got[1] != 20 || got[2] != 10 {
			t.Errorf("pixel (2,1) = %v", got)
		}
	})

	t.Run("errors", func(t *testing.T) {
		if err := packBGRX(make([]byte, 100), 12, src, 2, false); err == nil {
			t.Error("expected error for 2 bytes per pixel")
		}
		if err := packBGRX(make([]byte, 100), 8, src, 4, false); err == nil {
			t.Error("expected error for short stride")
		}
		if err := packBGRX(make([]byte, 10), 12, src, 4, false); err == nil {
			t.Error("expected error for short buffer")
		}
	})
}
