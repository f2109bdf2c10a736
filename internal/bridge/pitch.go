package bridge

import "fmt"

// CopyRows copies height rows of rowBytes pixels from src, whose rows are
// srcPitch bytes apart, into dst with rows dstPitch bytes apart. Row padding
// in either buffer is never read or written.
func CopyRows(dst []byte, dstPitch int, src []byte, srcPitch int, rowBytes, height int) error {
	if height <= 0 || rowBytes <= 0 {
		return nil
	}
	if srcPitch < rowBytes {
		return fmt.Errorf("source pitch %d shorter than row %d", srcPitch, rowBytes)
	}
	if dstPitch < rowBytes {
		return fmt.Errorf("destination pitch %d shorter than row %d", dstPitch, rowBytes)
	}
	if need := (height-1)*srcPitch + rowBytes; len(src) < need {
		return fmt.Errorf("source too short: got %d bytes, need %d", len(src), need)
	}
	if need := (height-1)*dstPitch + rowBytes; len(dst) < need {
		return fmt.Errorf("destination too short: got %d bytes, need %d", len(dst), need)
	}

	// Same layout, one copy
	if srcPitch == rowBytes && dstPitch == rowBytes {
		copy(dst[:rowBytes*height], src[:rowBytes*height])
		return nil
	}

	for y := 0; y < height; y++ {
		copy(dst[y*dstPitch:y*dstPitch+rowBytes], src[y*srcPitch:y*srcPitch+rowBytes])
	}
	return nil
}
