package output

import (
	"image"
	"image/color"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bryanchriswhite/FrameMirror/internal/gpu/soft"
)

type recordingOutput struct {
	running bool
	frames  []*image.RGBA
}

func (o *recordingOutput) Start() error    { o.running = true; return nil }
func (o *recordingOutput) Stop() error     { o.running = false; return nil }
func (o *recordingOutput) Name() string    { return "recording" }
func (o *recordingOutput) IsRunning() bool { return o.running }

func (o *recordingOutput) WriteFrame(frame *image.RGBA) error {
	cp := image.NewRGBA(frame.Rect)
	copy(cp.Pix, frame.Pix)
	o.frames = append(o.frames, cp)
	return nil
}

func TestTeeForwardsPresentedFrames(t *testing.T) {
	surface := soft.NewSurface(4, 4)
	out := &recordingOutput{}
	tee := Tee(surface, out)

	present := func(c color.RGBA) {
		t.Helper()
		back, err := tee.Acquire()
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		back.SetRGBA(1, 1, c)
		if err := tee.Present(); err != nil {
			t.Fatalf("Present() error = %v", err)
		}
	}

	present(color.RGBA{R: 255, A: 255})
	if len(out.frames) != 0 {
		t.Fatalf("stopped output received %d frames", len(out.frames))
	}

	out.Start()
	present(color.RGBA{G: 255, A: 255})

	if len(out.frames) != 1 {
		t.Fatalf("output received %d frames, want 1", len(out.frames))
	}
	if got := out.frames[0].RGBAAt(1, 1); got != (color.RGBA{G: 255, A: 255}) {
		t.Errorf("forwarded pixel = %v", got)
	}
	if surface.Presents() != 2 {
		t.Errorf("wrapped surface presented %d times, want 2", surface.Presents())
	}
	if w, h := tee.Size(); w != 4 || h != 4 {
		t.Errorf("Size() = %dx%d, want 4x4", w, h)
	}
}

func TestMJPEGWriteFrameStates(t *testing.T) {
	out := NewMJPEGOutput(Config{})
	frame := image.NewRGBA(image.Rect(0, 0, 8, 8))

	if err := out.WriteFrame(frame); err == nil {
		t.Fatal("WriteFrame() before Start() should fail")
	}
	if err := out.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := out.Start(); err == nil {
		t.Error("second Start() should fail")
	}

	// Nobody is watching
	if err := out.WriteFrame(frame); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}
	if s := out.Stats(); s.Frames != 0 || !s.Running {
		t.Errorf("Stats() = %+v, want running with no encoded frames", s)
	}

	if err := out.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if out.IsRunning() {
		t.Error("IsRunning() after Stop() = true")
	}
}

func TestMJPEGStream(t *testing.T) {
	out := NewMJPEGOutput(Config{FPS: 1000, Quality: 90})
	if err := out.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer out.Stop()

	srv := httptest.NewServer(out.Handler())
	defer srv.Close()

	type result struct {
		resp *http.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := http.Get(srv.URL)
		done <- result{resp, err}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for out.Stats().Clients == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	frame := image.NewRGBA(image.Rect(0, 0, 16, 12))
	if err := out.WriteFrame(frame); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}
	// Ends the stream after the queued frame
	out.Stop()

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream never started")
	}
	if res.err != nil {
		t.Fatalf("GET error = %v", res.err)
	}
	defer res.resp.Body.Close()

	mr := multipart.NewReader(res.resp.Body, "frame")
	part, err := mr.NextPart()
	if err != nil {
		t.Fatalf("NextPart() error = %v", err)
	}
	if ct := part.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("part Content-Type = %q", ct)
	}
	img, err := jpeg.Decode(part)
	if err != nil {
		t.Fatalf("jpeg.Decode() error = %v", err)
	}
	if b := img.Bounds(); b.Dx() != 16 || b.Dy() != 12 {
		t.Errorf("decoded size = %dx%d, want 16x12", b.Dx(), b.Dy())
	}
	if s := out.Stats(); s.Frames != 1 {
		t.Errorf("Stats().Frames = %d, want 1", s.Frames)
	}
}

func TestMJPEGHandlerWhenStopped(t *testing.T) {
	out := NewMJPEGOutput(Config{})
	rec := httptest.NewRecorder()
	out.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
