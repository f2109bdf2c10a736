package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bryanchriswhite/FrameMirror/internal/capture"
	"github.com/bryanchriswhite/FrameMirror/internal/gpu"
	"github.com/bryanchriswhite/FrameMirror/internal/gpu/soft"
	"github.com/bryanchriswhite/FrameMirror/internal/mirror"
	"github.com/bryanchriswhite/FrameMirror/internal/output"
	"github.com/gorilla/websocket"
)

type fakeLister struct{}

func (fakeLister) Targets() ([]capture.Target, error) {
	return []capture.Target{
		{Kind: capture.TargetMonitor, ID: 0, Rect: image.Rect(0, 0, 32, 24), Name: "DP-1"},
		{Kind: capture.TargetWindow, ID: 0x400001, Rect: image.Rect(0, 0, 16, 16), Name: "terminal"},
	}, nil
}

func (fakeLister) Resolve(t capture.Target) (capture.Target, error) {
	if t.Kind == capture.TargetMonitor && t.ID == 0 {
		t.Rect = image.Rect(0, 0, 32, 24)
		t.Name = "DP-1"
		return t, nil
	}
	return t, capture.NewError(capture.KindTargetUnavailable, "resolve", capture.ErrTargetUnavailable)
}

type testEnv struct {
	mirror  *mirror.Mirror
	source  *capture.SyntheticSource
	surface *soft.Surface
	server  *Server
}

func newTestEnv(t *testing.T, lister TargetLister) *testEnv {
	t.Helper()

	source := capture.NewSyntheticSource(capture.SyntheticOptions{Width: 32, Height: 24})
	surface := soft.NewSurface(32, 24)
	m, err := mirror.New(mirror.DefaultConfig(), source, func() (gpu.RenderDevice, error) {
		return soft.NewRenderDevice(), nil
	}, surface)
	if err != nil {
		t.Fatalf("mirror.New failed: %v", err)
	}
	t.Cleanup(m.Shutdown)

	return &testEnv{mirror: m, source: source, surface: surface, server: NewServer(m, lister)}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "GET", "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["status"] != "healthy" || body["version"] != Version {
		t.Errorf("unexpected body: %v", body)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestPreflight(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, "OPTIONS", "/api/capture/start", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for preflight, got %d", rec.Code)
	}
}

func TestStartStatusStop(t *testing.T) {
	env := newTestEnv(t, fakeLister{})

	rec := env.do(t, "POST", "/api/capture/start", `{"target": "monitor:0"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var started map[string]string
	json.NewDecoder(rec.Body).Decode(&started)
	if started["target"] != "monitor:0" || started["session_id"] == "" {
		t.Errorf("unexpected start response: %v", started)
	}

	sess := env.source.Session()
	if sess == nil {
		t.Fatal("no session started")
	}
	if err := sess.Emit(); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if err := env.mirror.Tick(); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	rec = env.do(t, "GET", "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", rec.Code)
	}
	var status struct {
		State     string `json:"state"`
		Target    string `json:"target"`
		SessionID string `json:"session_id"`
		Stats     struct {
			Bridge struct {
				Uploads uint64 `json:"uploads"`
				Width   int    `json:"width"`
			} `json:"bridge"`
		} `json:"stats"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("invalid status JSON: %v", err)
	}
	if status.State != capture.StateCapturing.String() || status.Target != "monitor:0" {
		t.Errorf("unexpected status: %+v", status)
	}
	if status.Stats.Bridge.Uploads != 1 || status.Stats.Bridge.Width != 32 {
		t.Errorf("unexpected bridge stats: %+v", status.Stats.Bridge)
	}

	rec = env.do(t, "POST", "/api/capture/stop", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d", rec.Code)
	}
	if got := env.mirror.Engine().State(); got != capture.StateIdle {
		t.Errorf("expected idle after stop, got %s", got)
	}
}

func TestStartErrors(t *testing.T) {
	env := newTestEnv(t, fakeLister{})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"bad target", `{"target": "screen"}`, http.StatusBadRequest},
		{"window without id", `{"kind": "window"}`, http.StatusBadRequest},
		{"unknown monitor", `{"target": "monitor:3"}`, http.StatusNotFound},
		{"unknown window", `{"kind": "window", "id": 99}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, "POST", "/api/capture/start", tt.body)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestStartWithoutLister(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "POST", "/api/capture/start", `{"kind": "monitor", "id": 0, "show_cursor": true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	target, ok := env.mirror.Engine().Target()
	if !ok || !target.ShowCursor {
		t.Errorf("unexpected target %+v (%v)", target, ok)
	}

	rec = env.do(t, "GET", "/api/targets", "")
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("targets without lister: expected 501, got %d", rec.Code)
	}
}

func TestTargets(t *testing.T) {
	env := newTestEnv(t, fakeLister{})

	rec := env.do(t, "GET", "/api/targets", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var targets []capture.Target
	if err := json.NewDecoder(rec.Body).Decode(&targets); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(targets) != 2 || targets[1].Kind != capture.TargetWindow {
		t.Errorf("unexpected targets: %+v", targets)
	}
}

func TestSelect(t *testing.T) {
	env := newTestEnv(t, fakeLister{})

	if rec := env.do(t, "POST", "/api/capture/select", ""); rec.Code != http.StatusOK {
		t.Fatalf("select: expected 200, got %d", rec.Code)
	}
	if got := env.mirror.Engine().State(); got != capture.StateSelecting {
		t.Errorf("expected selecting, got %s", got)
	}

	env.do(t, "POST", "/api/capture/start", `{"target": "monitor:0"}`)
	if rec := env.do(t, "POST", "/api/capture/select", ""); rec.Code != http.StatusConflict {
		t.Errorf("select while capturing: expected 409, got %d", rec.Code)
	}
}

func TestResize(t *testing.T) {
	env := newTestEnv(t, nil)

	if rec := env.do(t, "POST", "/api/display/resize", `{"width": 0, "height": 10}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if rec := env.do(t, "POST", "/api/display/resize", `{"width": 80, "height": 60}`); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if w, h := env.surface.Size(); w != 80 || h != 60 {
		t.Errorf("surface not resized: %dx%d", w, h)
	}
}

func TestPreview(t *testing.T) {
	env := newTestEnv(t, nil)

	if rec := env.do(t, "GET", "/preview", ""); rec.Code != http.StatusNotFound {
		t.Errorf("preview before EnablePreview: expected 404, got %d", rec.Code)
	}

	preview := output.NewMJPEGOutput(output.Config{})
	preview.Start()
	defer preview.Stop()
	env.server.EnablePreview(preview)

	rec := env.do(t, "GET", "/preview", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `src="/api/preview/stream"`) {
		t.Errorf("viewer: %d %q", rec.Code, rec.Body.String())
	}

	rec = env.do(t, "GET", "/api/preview/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d", rec.Code)
	}
	var stats output.Stats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if !stats.Running || stats.Clients != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestWriteErrorStatus(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"mirror closed", fmt.Errorf("resize: %w", mirror.ErrClosed), http.StatusServiceUnavailable},
		{"target unavailable", capture.NewError(capture.KindTargetUnavailable, "begin", capture.ErrTargetUnavailable), http.StatusNotFound},
		{"device lost", fmt.Errorf("start: %w", capture.NewError(capture.KindDeviceLost, "begin", gpu.ErrDeviceLost)), http.StatusServiceUnavailable},
		{"map failure", capture.NewError(capture.KindMapFailure, "map", gpu.ErrMapFailed), http.StatusInternalServerError},
		{"resize failure", fmt.Errorf("failed to configure surface: %w", errors.New("swapchain rejected 80x60")), http.StatusInternalServerError},
		{"bare device loss", fmt.Errorf("resize: %w", gpu.ErrDeviceLost), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			env.server.writeError(rec, tt.err)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestClosedMirror(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mirror.Shutdown()

	if rec := env.do(t, "POST", "/api/capture/start", `{"target": "monitor:0"}`); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after shutdown, got %d", rec.Code)
	}
}

func TestEventsStream(t *testing.T) {
	env := newTestEnv(t, fakeLister{})
	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	read := func() capture.Event {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var ev capture.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read event: %v", err)
		}
		return ev
	}

	if ev := read(); ev.State != capture.StateIdle {
		t.Fatalf("expected initial idle state, got %s", ev.State)
	}

	// The subscription is registered before the initial event is written
	if rec := env.do(t, "POST", "/api/capture/start", `{"target": "monitor:0"}`); rec.Code != http.StatusOK {
		t.Fatalf("start: %d", rec.Code)
	}
	ev := read()
	if ev.Type != capture.EventStateChanged || ev.State != capture.StateCapturing || ev.Target != "monitor:0" {
		t.Errorf("unexpected event: %+v", ev)
	}

	env.source.Session().LoseDevice()
	for i := 0; i < 5; i++ {
		ev = read()
		if ev.Type == capture.EventError {
			break
		}
	}
	if ev.Type != capture.EventError || ev.Kind != capture.KindDeviceLost.String() {
		t.Errorf("expected device-lost error event, got %+v", ev)
	}
}
