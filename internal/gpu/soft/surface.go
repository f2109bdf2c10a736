package soft

import (
	"fmt"
	"image"
	"sync"
)

// Surface is an in-memory swapchain. The last presented image can be read
// back, which makes it usable for headless runs and tests.
type Surface struct {
	mu         sync.Mutex
	back       *image.RGBA
	front      *image.RGBA
	configures int
	presents   int
	released   bool
}

// NewSurface creates a surface already configured at width x height
func NewSurface(width, height int) *Surface {
	s := &Surface{}
	if width > 0 && height > 0 {
		s.back = image.NewRGBA(image.Rect(0, 0, width, height))
		s.configures = 1
	}
	return s
}

func (s *Surface) Configure(width, height int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return fmt.Errorf("surface released")
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid surface size %dx%d", width, height)
	}
	s.back = image.NewRGBA(image.Rect(0, 0, width, height))
	s.configures++
	return nil
}

func (s *Surface) Size() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.back == nil {
		return 0, 0
	}
	return s.back.Rect.Dx(), s.back.Rect.Dy()
}

func (s *Surface) Acquire() (*image.RGBA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil, fmt.Errorf("surface released")
	}
	if s.back == nil {
		return nil, fmt.Errorf("surface not configured")
	}
	return s.back, nil
}

func (s *Surface) Present() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return fmt.Errorf("surface released")
	}
	if s.back == nil {
		return fmt.Errorf("surface not configured")
	}
	front := image.NewRGBA(s.back.Rect)
	copy(front.Pix, s.back.Pix)
	s.front = front
	s.presents++
	return nil
}

func (s *Surface) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
}

// Frame returns the last presented image, or nil before the first present
func (s *Surface) Frame() *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.front
}

// Presents returns the number of presented frames
func (s *Surface) Presents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presents
}

// Configures returns how many times the swapchain was (re)created
func (s *Surface) Configures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configures
}

// Released reports whether Release has been called
func (s *Surface) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}
