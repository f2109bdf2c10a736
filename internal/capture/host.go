package capture

import (
	"errors"
	"sync"
	"time"

	"github.com/bryanchriswhite/FrameMirror/internal/gpu"
	"github.com/bryanchriswhite/FrameMirror/internal/gpu/soft"
	"github.com/google/uuid"
)

var errSessionStopped = errors.New("session stopped")

// hostSession is the session plumbing shared by sources whose compositor
// buffers live in host memory: a soft capture device, a buffer ring and a
// notification goroutine.
type hostSession struct {
	id     string
	target Target
	dev    *soft.CaptureDevice
	sink   FrameSink
	ring   *BufferRing[*soft.Texture]

	// mu is held for the whole of every sink call, so StopNotifications can
	// wait for an in-flight call by taking it
	mu      sync.Mutex
	stopped bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newHostSession(target Target, sink FrameSink, buffers, pitchAlign int) *hostSession {
	return &hostSession{
		id:     uuid.New().String(),
		target: target,
		dev:    soft.NewCaptureDevice(pitchAlign),
		sink:   sink,
		ring: NewBufferRing(buffers, func(int) *soft.Texture {
			return nil
		}),
		stopCh: make(chan struct{}),
	}
}

func (h *hostSession) ID() string                { return h.id }
func (h *hostSession) Target() Target            { return h.target }
func (h *hostSession) Device() gpu.CaptureDevice { return h.dev }

// deliver acquires a compositor buffer, lets fill write the pixels and
// hands the frame to the sink. The buffer returns to the ring when the frame
// is released.
func (h *hostSession) deliver(width, height int, fill func(*soft.Texture) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return errSessionStopped
	}

	idx, tex, ok := h.ring.Acquire()
	if !ok {
		return ErrNoBuffer
	}
	if tex == nil || tex.Width() != width || tex.Height() != height {
		tex = h.dev.NewTexture(width, height, gpu.FormatBGRA8)
		h.ring.Replace(idx, tex)
	}
	if err := fill(tex); err != nil {
		h.ring.Release(idx)
		return err
	}

	h.sink.OnFrame(NewFrame(tex, func() { h.ring.Release(idx) }))
	return nil
}

func (h *hostSession) targetLost(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.stopped {
		h.sink.OnTargetLost(err)
	}
}

func (h *hostSession) deviceLost(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.stopped {
		h.sink.OnDeviceLost(err)
	}
}

// poll calls fn every interval until notifications stop
func (h *hostSession) poll(interval time.Duration, fn func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-h.stopCh:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

func (h *hostSession) StopNotifications() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()

	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
}

func (h *hostSession) Close() error {
	return nil
}

// BuffersInUse returns how many compositor buffers are still held by frames
func (h *hostSession) BuffersInUse() int {
	return h.ring.InUse()
}

// BufferDrops returns how many notifications found every buffer busy
func (h *hostSession) BufferDrops() uint64 {
	return h.ring.Drops()
}

func frameInterval(fps int) time.Duration {
	if fps <= 0 {
		fps = 30
	}
	return time.Second / time.Duration(fps)
}
