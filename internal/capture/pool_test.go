package capture

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/bryanchriswhite/FrameMirror/internal/gpu"
	"github.com/bryanchriswhite/FrameMirror/internal/gpu/soft"
)

func testFrame(seq uint64, released *atomic.Int64) *Frame {
	f := NewFrame(soft.NewTexture(4, 4, gpu.FormatBGRA8, 1), func() {
		if released != nil {
			released.Add(1)
		}
	})
	f.Seq = seq
	return f
}

func TestFramePoolEmpty(t *testing.T) {
	p := NewFramePool()
	if f := p.TryTakeLatest(); f != nil {
		t.Fatalf("TryTakeLatest() on empty pool = seq %d, want nil", f.Seq)
	}
}

func TestFramePoolEvictsUnconsumed(t *testing.T) {
	var released atomic.Int64
	p := NewFramePool()

	p.Publish(testFrame(1, &released))
	p.Publish(testFrame(2, &released))

	if got := released.Load(); got != 1 {
		t.Fatalf("released after overwrite = %d, want 1", got)
	}

	f := p.TryTakeLatest()
	if f == nil || f.Seq != 2 {
		t.Fatalf("TryTakeLatest() = %v, want seq 2", f)
	}
	if again := p.TryTakeLatest(); again != nil {
		t.Fatalf("second TryTakeLatest() = seq %d, want nil", again.Seq)
	}

	stats := p.Stats()
	if stats.Published != 2 || stats.Dropped != 1 || stats.Taken != 1 {
		t.Errorf("Stats() = %+v, want published 2, dropped 1, taken 1", stats)
	}
}

func TestFramePoolRejectsStaleFrames(t *testing.T) {
	var released atomic.Int64
	p := NewFramePool()

	p.Publish(testFrame(5, &released))
	p.Publish(testFrame(3, &released))
	if got := released.Load(); got != 1 {
		t.Fatalf("older frame should be released on publish, released = %d", got)
	}

	if f := p.TryTakeLatest(); f == nil || f.Seq != 5 {
		t.Fatalf("TryTakeLatest() = %v, want seq 5", f)
	}

	// Already past seq 5, so 4 is stale even with an empty slot
	p.Publish(testFrame(4, &released))
	if f := p.TryTakeLatest(); f != nil {
		t.Fatalf("TryTakeLatest() returned stale seq %d", f.Seq)
	}
}

func TestFramePoolClose(t *testing.T) {
	var released atomic.Int64
	p := NewFramePool()

	p.Publish(testFrame(1, &released))
	p.Close()
	if got := released.Load(); got != 1 {
		t.Fatalf("Close() should release the held frame, released = %d", got)
	}

	p.Publish(testFrame(2, &released))
	if got := released.Load(); got != 2 {
		t.Fatalf("Publish() after Close() should release immediately, released = %d", got)
	}
	if p.Pending() {
		t.Fatal("closed pool holds a frame")
	}

	p.Reopen()
	p.Publish(testFrame(3, &released))
	if f := p.TryTakeLatest(); f == nil || f.Seq != 3 {
		t.Fatalf("TryTakeLatest() after Reopen() = %v, want seq 3", f)
	}
}

// TestFramePoolMonotonicUnderContention publishes from several goroutines in
// shuffled order while a consumer takes, and checks the consumer never sees
// a sequence number go backwards and every frame is released exactly once.
func TestFramePoolMonotonicUnderContention(t *testing.T) {
	const (
		producers = 4
		perWorker = 2000
	)

	var released atomic.Int64
	p := NewFramePool()

	var next atomic.Uint64
	var wg sync.WaitGroup
	done := make(chan struct{})

	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for j := 0; j < perWorker; j++ {
				seq := next.Add(1)
				if r.Intn(8) == 0 && seq > 3 {
					// Late delivery of an older frame
					seq -= uint64(r.Intn(3) + 1)
				}
				p.Publish(testFrame(seq, &released))
			}
		}(int64(i))
	}

	var last uint64
	var taken int64
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for {
			select {
			case <-done:
				return
			default:
			}
			if f := p.TryTakeLatest(); f != nil {
				if f.Seq <= last {
					t.Errorf("TryTakeLatest() seq %d after %d", f.Seq, last)
				}
				last = f.Seq
				taken++
				f.Release()
			}
		}
	}()

	wg.Wait()
	close(done)
	<-consumerDone

	if f := p.TryTakeLatest(); f != nil {
		if f.Seq <= last {
			t.Errorf("final TryTakeLatest() seq %d after %d", f.Seq, last)
		}
		taken++
		f.Release()
	}

	if got, want := released.Load(), int64(producers*perWorker); got != want {
		t.Errorf("released = %d, want %d (taken %d)", got, want, taken)
	}
	t.Logf("taken %d of %d frames", taken, producers*perWorker)
}

func TestFrameReleaseOnce(t *testing.T) {
	var released atomic.Int64
	f := testFrame(1, &released)
	f.Release()
	f.Release()
	if got := released.Load(); got != 1 {
		t.Fatalf("released = %d, want 1", got)
	}

	var nilFrame *Frame
	nilFrame.Release()
}

func TestBufferRing(t *testing.T) {
	r := NewBufferRing(2, func(i int) int { return i * 10 })

	i0, v0, ok := r.Acquire()
	if !ok || v0 != 0 {
		t.Fatalf("Acquire() = %d, %d, %v", i0, v0, ok)
	}
	i1, v1, ok := r.Acquire()
	if !ok || v1 != 10 {
		t.Fatalf("Acquire() = %d, %d, %v", i1, v1, ok)
	}
	if _, _, ok := r.Acquire(); ok {
		t.Fatal("Acquire() on a full ring should fail")
	}
	if r.Drops() != 1 || r.InUse() != 2 {
		t.Fatalf("Drops() = %d, InUse() = %d", r.Drops(), r.InUse())
	}

	r.Release(i0)
	r.Replace(i0, 99)
	if _, v, ok := r.Acquire(); !ok || v != 99 {
		t.Fatalf("Acquire() after Release() = %d, %v, want 99", v, ok)
	}
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in      string
		want    Target
		wantErr bool
	}{
		{in: "monitor:0", want: Target{Kind: TargetMonitor, ID: 0}},
		{in: "display:2", want: Target{Kind: TargetMonitor, ID: 2}},
		{in: "window:0x3a00007", want: Target{Kind: TargetWindow, ID: 0x3a00007}},
		{in: "window:1234", want: Target{Kind: TargetWindow, ID: 1234}},
		{in: "window:0", wantErr: true},
		{in: "screen:1", wantErr: true},
		{in: "monitor", wantErr: true},
		{in: "monitor:abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTarget(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTarget(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err == nil && (got.Kind != tt.want.Kind || got.ID != tt.want.ID) {
				t.Errorf("ParseTarget(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}
