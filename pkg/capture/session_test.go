package capture

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"testing"

	"snapcam/pkg/artifact"
	"snapcam/pkg/device"
	"snapcam/pkg/device/devicetest"
	"snapcam/pkg/types"
)

func newSession(t *testing.T) (*Session, *devicetest.Camera, *artifact.Registry, device.Stream) {
	t.Helper()
	cam := devicetest.New()
	cam.AutoResolve = true
	s, err := cam.AcquireStream(context.Background(), types.StreamConfig{FacingMode: types.FacingUser})
	if err != nil {
		t.Fatal(err)
	}
	reg := artifact.NewRegistry()
	return NewSession(cam, cam, reg), cam, reg, s
}

func TestPreviewToggleDoesNotCapture(t *testing.T) {
	sess, _, reg, _ := newSession(t)
	if sess.Mode() != types.PreviewLive {
		t.Fatalf("initial mode = %s, want live", sess.Mode())
	}

	sess.HidePreview()
	sess.ShowPreview()
	sess.ShowPreview()

	if sess.Mode() != types.PreviewFrozen {
		t.Fatalf("mode = %s, want frozen", sess.Mode())
	}
	if sess.Last() != nil || reg.Len() != 0 {
		t.Fatalf("preview toggle captured: last = %v, urls = %d", sess.Last(), reg.Len())
	}

	sess.HidePreview()
	if sess.Mode() != types.PreviewLive {
		t.Fatalf("mode = %s, want live", sess.Mode())
	}
}

func TestCaptureFromLiveFrame(t *testing.T) {
	sess, _, reg, stream := newSession(t)

	im, err := sess.CaptureFromLiveFrame(stream)
	if err != nil {
		t.Fatal(err)
	}
	if im.Width != 640 || im.Height != 480 {
		t.Fatalf("size = %dx%d, want 640x480", im.Width, im.Height)
	}
	if im.Source != types.SourceFrame {
		t.Fatalf("source = %s", im.Source)
	}
	if sess.Mode() != types.PreviewFrozen {
		t.Fatalf("mode = %s, want frozen", sess.Mode())
	}

	a, ok := reg.Lookup(im.URL)
	if !ok {
		t.Fatal("capture url not registered")
	}
	if a.ContentType() != "image/png" {
		t.Fatalf("content type = %s", a.ContentType())
	}
	var buf bytes.Buffer
	if err = a.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	decoded, err := png.Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if b := decoded.Bounds(); b.Dx() != 640 || b.Dy() != 480 {
		t.Fatalf("png bounds = %v", b)
	}
}

func TestCaptureUsesNativeSize(t *testing.T) {
	sess, _, _, _ := newSession(t)
	src := &sizedSource{w: 1280, h: 720}

	im, err := sess.CaptureFromLiveFrame(src)
	if err != nil {
		t.Fatal(err)
	}
	if im.Width != 1280 || im.Height != 720 {
		t.Fatalf("size = %dx%d, want 1280x720", im.Width, im.Height)
	}
}

type sizedSource struct{ w, h int }

func (s *sizedSource) Size() (int, int) { return s.w, s.h }

func TestCaptureWithoutStream(t *testing.T) {
	sess, _, reg, stream := newSession(t)
	first, err := sess.CaptureFromLiveFrame(stream)
	if err != nil {
		t.Fatal(err)
	}
	sess.HidePreview()

	var none device.Stream
	if _, err = sess.CaptureFromLiveFrame(none); !errors.Is(err, device.ErrNoActiveStream) {
		t.Fatalf("err = %v, want ErrNoActiveStream", err)
	}
	if _, err = sess.CaptureFromDevice(context.Background(), nil); !errors.Is(err, device.ErrNoActiveStream) {
		t.Fatalf("err = %v, want ErrNoActiveStream", err)
	}
	if last := sess.Last(); last == nil || last.ID != first.ID {
		t.Fatalf("last = %v, want %s", last, first.ID)
	}
	if sess.Mode() != types.PreviewLive {
		t.Fatalf("failed capture changed mode to %s", sess.Mode())
	}
	if reg.Len() != 1 {
		t.Fatalf("urls = %d, want 1", reg.Len())
	}
}

func TestRepeatedCapturesReleasePrevious(t *testing.T) {
	sess, _, reg, stream := newSession(t)

	var urls []string
	for i := 0; i < 3; i++ {
		im, err := sess.CaptureFromLiveFrame(stream)
		if err != nil {
			t.Fatal(err)
		}
		urls = append(urls, im.URL)
	}
	if reg.Len() != 1 {
		t.Fatalf("urls = %d, want 1", reg.Len())
	}
	for _, u := range urls[:2] {
		if _, ok := reg.Lookup(u); ok {
			t.Fatalf("replaced capture %s still registered", u)
		}
	}
	if sess.Last().URL != urls[2] {
		t.Fatal("last capture is not the newest")
	}

	sess.Close()
	if reg.Len() != 0 || sess.Last() != nil {
		t.Fatalf("close left urls = %d, last = %v", reg.Len(), sess.Last())
	}
}

func TestCaptureFromDevice(t *testing.T) {
	sess, cam, reg, stream := newSession(t)
	cam.PhotoGate = make(chan struct{})

	type result struct {
		im  *Image
		err error
	}
	done := make(chan result, 1)
	go func() {
		im, err := sess.CaptureFromDevice(context.Background(), stream)
		done <- result{im, err}
	}()

	devicetest.Eventually(t, sess.Loading, "loading while the photo is pending")
	if _, err := sess.CaptureFromDevice(context.Background(), stream); !errors.Is(err, device.ErrCaptureInProgress) {
		t.Fatalf("err = %v, want ErrCaptureInProgress", err)
	}

	close(cam.PhotoGate)
	r := <-done
	if r.err != nil {
		t.Fatal(r.err)
	}
	if sess.Loading() {
		t.Fatal("loading should be false after completion")
	}
	if r.im.Source != types.SourcePhoto || r.im.Size == "" {
		t.Fatalf("image = %+v", r.im)
	}
	if sess.Mode() != types.PreviewLive {
		t.Fatalf("device capture changed mode to %s", sess.Mode())
	}
	a, ok := reg.Lookup(r.im.URL)
	if !ok || a.ContentType() != "image/jpeg" {
		t.Fatalf("artifact = %v, %t", a, ok)
	}
}

func TestCaptureFromDeviceFailureKeepsPrevious(t *testing.T) {
	sess, cam, reg, stream := newSession(t)
	first, err := sess.CaptureFromLiveFrame(stream)
	if err != nil {
		t.Fatal(err)
	}

	cam.PhotoErr = device.ErrDeviceUnavailable
	if _, err = sess.CaptureFromDevice(context.Background(), stream); !errors.Is(err, device.ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want unavailable", err)
	}
	if sess.Loading() {
		t.Fatal("loading should be false after failure")
	}
	if sess.Last().ID != first.ID || reg.Len() != 1 {
		t.Fatalf("failure replaced the previous capture")
	}
}

func TestStalePhotoDropped(t *testing.T) {
	sess, cam, reg, stream := newSession(t)
	cam.PhotoGate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := sess.CaptureFromDevice(context.Background(), stream)
		done <- err
	}()
	devicetest.Eventually(t, sess.Loading, "photo pending")

	frame, err := sess.CaptureFromLiveFrame(stream)
	if err != nil {
		t.Fatal(err)
	}
	close(cam.PhotoGate)
	if err = <-done; !errors.Is(err, device.ErrStaleResult) {
		t.Fatalf("err = %v, want ErrStaleResult", err)
	}
	if sess.Last().ID != frame.ID || reg.Len() != 1 {
		t.Fatal("stale photo replaced the newer frame capture")
	}
}
