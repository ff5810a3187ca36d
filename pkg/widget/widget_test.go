package widget

import (
	"context"
	"errors"
	"testing"
	"time"

	"snapcam/pkg/artifact"
	"snapcam/pkg/camera"
	"snapcam/pkg/capture"
	"snapcam/pkg/device"
	"snapcam/pkg/device/devicetest"
	"snapcam/pkg/types"
)

type fixture struct {
	w   *Widget
	cam *devicetest.Camera
	reg *artifact.Registry
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	cam := devicetest.New()
	cam.AutoResolve = true
	reg := artifact.NewRegistry()
	w := New(camera.NewStreamController(cam), capture.NewSession(cam, cam, reg), opts)
	t.Cleanup(w.Unmount)
	return &fixture{w: w, cam: cam, reg: reg}
}

func (f *fixture) dispatch(t *testing.T, ev Event) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.w.Dispatch(ctx, ev); err != nil {
		t.Fatalf("%s: %s", ev.Name(), err)
	}
}

func TestCaptureFreezesAndStopsStream(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.w.Mount(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := f.w.Stream().CurrentHandle()
	if first == nil {
		t.Fatal("mount should adopt a stream")
	}
	if f.w.Snapshot().Preview != types.PreviewLive {
		t.Fatal("mount should leave the preview live")
	}

	f.dispatch(t, Capture{})
	snap := f.w.Snapshot()
	if snap.Preview != types.PreviewFrozen || snap.LastCapture == nil {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Stream.Active || snap.Stream.Streaming {
		t.Fatal("stream should stop while the preview is frozen")
	}
	if f.cam.Releases(first) != 1 {
		t.Fatalf("stream released %d times, want 1", f.cam.Releases(first))
	}

	f.dispatch(t, HideImage{})
	snap = f.w.Snapshot()
	if snap.Preview != types.PreviewLive || !snap.Stream.Streaming {
		t.Fatalf("snapshot after hide = %+v", snap)
	}
	if snap.LastCapture == nil {
		t.Fatal("hiding the preview must keep the last capture")
	}
	if len(f.cam.Live()) != 1 {
		t.Fatalf("%d live streams, want 1", len(f.cam.Live()))
	}
}

func TestPrewarmKeepsStream(t *testing.T) {
	f := newFixture(t, Options{PrewarmWhileFrozen: true})
	if err := f.w.Mount(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.dispatch(t, ShowImage{})
	if snap := f.w.Snapshot(); !snap.Stream.Streaming || snap.Preview != types.PreviewFrozen {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestToggleWhileFrozenDoesNotAcquire(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.w.Mount(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.dispatch(t, ShowImage{})
	before := f.cam.Acquires()

	f.dispatch(t, ToggleFacingMode{})
	if f.cam.Acquires() != before {
		t.Fatal("toggle while frozen acquired a stream")
	}
	if f.w.Stream().Config().FacingMode != types.FacingEnvironment {
		t.Fatal("toggle should still switch the facing mode")
	}

	f.dispatch(t, HideImage{})
	h := f.w.Stream().CurrentHandle()
	if h == nil || h.Config().FacingMode != types.FacingEnvironment {
		t.Fatalf("handle = %v, want environment stream", h)
	}
}

func TestHideKeepsUserDeactivation(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.w.Mount(context.Background()); err != nil {
		t.Fatal(err)
	}

	// turned off before the preview froze
	f.dispatch(t, SetActive{Active: false})
	f.dispatch(t, ShowImage{})
	f.dispatch(t, HideImage{})
	if snap := f.w.Snapshot(); snap.Stream.Active || snap.Stream.Streaming {
		t.Fatalf("hide turned the camera back on: %+v", snap.Stream)
	}

	// turned off while frozen
	f.dispatch(t, SetActive{Active: true})
	f.dispatch(t, Capture{})
	f.dispatch(t, SetActive{Active: false})
	f.dispatch(t, HideImage{})
	if snap := f.w.Snapshot(); snap.Stream.Active || snap.Preview != types.PreviewLive {
		t.Fatalf("snapshot = %+v", snap)
	}
	acquires := f.cam.Acquires()

	// frozen by a capture alone: hide restarts the stream
	f.dispatch(t, SetActive{Active: true})
	f.dispatch(t, Capture{})
	f.dispatch(t, HideImage{})
	if snap := f.w.Snapshot(); !snap.Stream.Streaming {
		t.Fatalf("hide should restart the stream: %+v", snap.Stream)
	}
	if f.cam.Acquires() != acquires+2 {
		t.Fatalf("acquires = %d, want %d", f.cam.Acquires(), acquires+2)
	}
}

func TestCaptureWithoutStream(t *testing.T) {
	f := newFixture(t, Options{})
	err := f.w.Dispatch(context.Background(), Capture{})
	if !errors.Is(err, device.ErrNoActiveStream) {
		t.Fatalf("err = %v, want ErrNoActiveStream", err)
	}
	snap := f.w.Snapshot()
	if snap.LastCapture != nil || snap.Error == "" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestPhotoCapture(t *testing.T) {
	f := newFixture(t, Options{CaptureSource: types.SourcePhoto})
	if err := f.w.Mount(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.dispatch(t, Capture{})
	snap := f.w.Snapshot()
	if snap.LastCapture == nil || snap.LastCapture.Source != types.SourcePhoto {
		t.Fatalf("last capture = %+v", snap.LastCapture)
	}
	if !snap.Stream.Streaming || snap.Preview != types.PreviewLive {
		t.Fatalf("photo capture should not touch the stream or preview: %+v", snap)
	}
}

func TestTimedCapture(t *testing.T) {
	f := newFixture(t, Options{TimerTick: 20 * time.Millisecond})
	if err := f.w.Mount(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.dispatch(t, ToggleTimer{})
	f.dispatch(t, Capture{})
	if f.w.Snapshot().Timer.State != "counting" {
		t.Fatal("capture with the timer on should start counting")
	}
	if err := f.w.Dispatch(context.Background(), Capture{}); err == nil {
		t.Fatal("second shutter press while counting should fail")
	}

	devicetest.Eventually(t, func() bool {
		snap := f.w.Snapshot()
		return snap.LastCapture != nil && snap.Timer.State == "idle"
	}, "timed capture lands")
	if f.w.Snapshot().Timer.Remaining != 3 {
		t.Fatalf("remaining = %d, want 3", f.w.Snapshot().Timer.Remaining)
	}
}

func TestUnmountReleasesEverything(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.w.Mount(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.dispatch(t, Capture{})
	f.dispatch(t, HideImage{})

	f.w.Unmount()
	if n := len(f.cam.Live()); n != 0 {
		t.Fatalf("%d streams still live", n)
	}
	if f.reg.Len() != 0 {
		t.Fatalf("%d artifact urls still registered", f.reg.Len())
	}
	f.cam.CheckReleases(t)
}

func TestParseEvent(t *testing.T) {
	cases := []struct {
		name, arg string
		want      Event
	}{
		{"toggle_facing_mode", "", ToggleFacingMode{}},
		{"set_facing_mode", "environment", SetFacingMode{Mode: types.FacingEnvironment}},
		{"set_active", "off", SetActive{Active: false}},
		{"show_image", "", ShowImage{}},
		{"hide_image", "", HideImage{}},
		{"capture", "photo", Capture{Source: types.SourcePhoto}},
		{"capture", "", Capture{}},
		{"toggle_timer", "", ToggleTimer{}},
		{"cancel_timer", "", CancelTimer{}},
	}
	for _, c := range cases {
		got, err := ParseEvent(c.name, c.arg)
		if err != nil {
			t.Errorf("ParseEvent(%q, %q): %s", c.name, c.arg, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseEvent(%q, %q) = %#v, want %#v", c.name, c.arg, got, c.want)
		}
	}

	for _, bad := range [][2]string{{"explode", ""}, {"set_active", "maybe"}, {"set_facing_mode", "up"}, {"capture", "video"}} {
		if _, err := ParseEvent(bad[0], bad[1]); err == nil {
			t.Errorf("ParseEvent(%q, %q) should fail", bad[0], bad[1])
		}
	}
}
