package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"snapcam/pkg/artifact"
	"snapcam/pkg/camera"
	"snapcam/pkg/capture"
	"snapcam/pkg/types"
	"snapcam/pkg/widget"
)

// Runs the capture flow against real cameras:
// 1) start the live feed and capture a frame
// 2) go back to live, switch cameras and capture again
// 3) ask the device for a full photo
// 4) capture through the self-timer
func main() {
	devs := flag.String("devices", camera.DefaultDevices().String(), "facing mode to device path")
	out := flag.String("out", ".", "directory the stills are written to")
	n := flag.Int("n", 1, "number of rounds")
	timeout := flag.Duration("timeout", 10*time.Second, "per step timeout")
	flag.Parse()

	devices, err := camera.ParseDevices(*devs)
	if err != nil {
		fail("devices", err)
	}

	dev := camera.NewV4L2Device(devices)
	reg := artifact.NewRegistry()
	w := widget.New(
		camera.NewStreamController(dev, camera.WithAcquireTimeout(*timeout)),
		capture.NewSession(dev, dev, reg),
		widget.Options{TimerTick: 500 * time.Millisecond, CaptureTimeout: *timeout},
	)
	defer w.Unmount()

	step := func(name string, ev widget.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		defer cancel()
		start := time.Now()
		if err := w.Dispatch(ctx, ev); err != nil {
			fail(name, err)
		}
		fmt.Printf("%s: %s\n", name, time.Since(start))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	if err = w.Mount(ctx); err != nil {
		fail("mount", err)
	}
	cancel()

	for round := 1; round <= *n; round++ {
		fmt.Printf("\n===== round %d =====\n", round)

		step("[1/4] capture frame", widget.Capture{Source: types.SourceFrame})
		save(reg, w.Session().Last(), *out, fmt.Sprintf("frame_%s_%d", w.Stream().Config().FacingMode, round))

		step("[2/4] back to live", widget.HideImage{})
		step("[2/4] switch camera", widget.ToggleFacingMode{})
		step("[2/4] capture frame", widget.Capture{Source: types.SourceFrame})
		save(reg, w.Session().Last(), *out, fmt.Sprintf("frame_%s_%d", w.Stream().Config().FacingMode, round))
		step("[2/4] back to live", widget.HideImage{})

		step("[3/4] capture photo", widget.Capture{Source: types.SourcePhoto})
		save(reg, w.Session().Last(), *out, fmt.Sprintf("photo_%d", round))

		step("[4/4] timer on", widget.ToggleTimer{})
		before := w.Session().Last()
		step("[4/4] start countdown", widget.Capture{})
		deadline := time.Now().Add(*timeout)
		for w.Session().Last() == nil || w.Session().Last().ID == before.ID {
			if time.Now().After(deadline) {
				fail("timed capture", context.DeadlineExceeded)
			}
			fmt.Printf("  %d\n", w.Snapshot().Timer.Remaining)
			time.Sleep(250 * time.Millisecond)
		}
		save(reg, w.Session().Last(), *out, fmt.Sprintf("timed_%d", round))
		step("[4/4] timer off", widget.ToggleTimer{})
		step("[4/4] back to live", widget.HideImage{})
	}
}

func save(reg *artifact.Registry, im *capture.Image, dir, name string) {
	if im == nil {
		fail("save "+name, fmt.Errorf("nothing captured"))
	}
	a, ok := reg.Lookup(im.URL)
	if !ok {
		fail("save "+name, fmt.Errorf("%s already released", im.URL))
	}
	ext := ".jpg"
	if a.ContentType() == "image/png" {
		ext = ".png"
	}
	path := filepath.Join(dir, name+ext)
	f, err := os.Create(path)
	if err != nil {
		fail("save "+name, err)
	}
	defer f.Close()
	if err = a.Encode(f); err != nil {
		fail("save "+name, err)
	}
	fmt.Printf("saved %s (%dx%d, %s)\n", path, im.Width, im.Height, im.Size)
}

func fail(step string, err error) {
	fmt.Printf("%s failed: %s\n", step, err)
	os.Exit(1)
}
