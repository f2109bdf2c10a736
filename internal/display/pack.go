package display

import (
	"fmt"
	"image"
)

// scanlineStride pads a row of width pixels to the server's scanline pad
func scanlineStride(width, bytesPerPixel, padBytes int) int {
	unpadded := width * bytesPerPixel
	if padBytes <= 1 {
		return unpadded
	}
	return ((unpadded + padBytes - 1) / padBytes) * padBytes
}

// packBGRX converts src into ZPixmap rows of stride bytes. Byte order
// matches the usual little-endian TrueColor masks: B, G, R, then alpha for
// depth 32 or a zero pad byte otherwise. Padding bytes are left untouched.
func packBGRX(dst []byte, stride int, src *image.RGBA, bytesPerPixel int, withAlpha bool) error {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	if bytesPerPixel != 3 && bytesPerPixel != 4 {
		return fmt.Errorf("unsupported bytes per pixel: %d", bytesPerPixel)
	}
	if stride < w*bytesPerPixel {
		return fmt.Errorf("stride %d shorter than row of %d pixels", stride, w)
	}
	if len(dst) < stride*h {
		return fmt.Errorf("destination holds %d bytes, need %d", len(dst), stride*h)
	}

	for y := 0; y < h; y++ {
		srcRow := src.Pix[y*src.Stride : y*src.Stride+w*4]
		dstRow := dst[y*stride : y*stride+w*bytesPerPixel]
		for x := 0; x < w; x++ {
			si, di := x*4, x*bytesPerPixel
			dstRow[di] = srcRow[si+2]
			dstRow[di+1] = srcRow[si+1]
			dstRow[di+2] = srcRow[si]
			if bytesPerPixel == 4 {
				if withAlpha {
					dstRow[di+3] = srcRow[si+3]
				} else {
					dstRow[di+3] = 0
				}
			}
		}
	}
	return nil
}
