package capture

import (
	"image"
	"sync"
	"testing"
)

func TestMonitorOriginFollowsGeometry(t *testing.T) {
	s := &x11Session{target: Target{Kind: TargetMonitor}}
	if got := s.origin(); got != (image.Point{}) {
		t.Fatalf("origin() before geometry = %v, want zero", got)
	}

	s.setRect(image.Rect(1920, 0, 3840, 1080))
	if got := s.origin(); got != image.Pt(1920, 0) {
		t.Fatalf("origin() = %v, want (1920,0)", got)
	}

	// The event loop moves the monitor while frames are being mapped
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			s.setRect(image.Rect(i, 0, i+1920, 1080))
		}
	}()
	for i := 0; i < 1000; i++ {
		if got := s.origin(); got.Y != 0 || got.X < 0 || got.X > 1920 {
			t.Fatalf("origin() = %v, want a published monitor position", got)
		}
	}
	wg.Wait()

	if got := s.origin(); got != image.Pt(999, 0) {
		t.Errorf("origin() after moves = %v, want (999,0)", got)
	}
}
