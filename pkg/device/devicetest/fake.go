// Package devicetest provides an in-memory camera for tests. Acquisitions
// block until the test resolves or fails them, unless AutoResolve is set.
package devicetest

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"snapcam/pkg/device"
	"snapcam/pkg/types"
)

const (
	DefaultWidth  = 640
	DefaultHeight = 480
)

type Stream struct {
	id     string
	cfg    types.StreamConfig
	width  int
	height int
}

func (s *Stream) ID() string                 { return s.id }
func (s *Stream) Config() types.StreamConfig { return s.cfg }
func (s *Stream) Size() (width, height int)  { return s.width, s.height }

// Pending is one AcquireStream call waiting for the test to decide.
type Pending struct {
	Config types.StreamConfig

	cam    *Camera
	result chan acquireResult
	once   sync.Once
}

type acquireResult struct {
	s   device.Stream
	err error
}

// Resolve completes the acquisition with a fresh stream and returns it.
// With RefuseBusy set and the device path taken, the acquisition fails with
// device.ErrDeviceUnavailable instead and Resolve returns nil.
func (p *Pending) Resolve() *Stream {
	if err := p.cam.busy(p.Config); err != nil {
		p.Fail(err)
		return nil
	}
	s := p.cam.newStream(p.Config)
	p.once.Do(func() { p.result <- acquireResult{s: s} })
	return s
}

func (p *Pending) Fail(err error) {
	p.once.Do(func() { p.result <- acquireResult{err: err} })
}

// Camera is a fake device.StreamDevice, device.FrameSampler and
// device.PhotoTaker.
type Camera struct {
	// AutoResolve makes AcquireStream return immediately.
	AutoResolve bool
	// AcquireErr is returned by every auto-resolved acquisition when set.
	AcquireErr error
	// PhotoErr is returned by RequestPhoto when set.
	PhotoErr error
	// PhotoGate, when non-nil, blocks RequestPhoto until it is closed.
	PhotoGate chan struct{}
	// Paths maps facing modes to device paths. Unmapped modes use their own
	// name, so two modes only share a path when mapped to one.
	Paths map[types.FacingMode]string
	// RefuseBusy fails acquisitions whose path backs a live stream.
	RefuseBusy bool
	// ExclusiveOpen is what Exclusive reports.
	ExclusiveOpen bool

	mu       sync.Mutex
	seq      int
	streams  []*Stream
	releases map[string]int
	acquires int
	pending  chan *Pending
}

func New() *Camera {
	return &Camera{
		releases: make(map[string]int),
		pending:  make(chan *Pending, 64),
	}
}

func (c *Camera) newStream(cfg types.StreamConfig) *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	s := &Stream{
		id:     fmt.Sprintf("%s-%d", cfg.FacingMode, c.seq),
		cfg:    cfg,
		width:  DefaultWidth,
		height: DefaultHeight,
	}
	c.streams = append(c.streams, s)
	return s
}

func (c *Camera) AcquireStream(ctx context.Context, cfg types.StreamConfig) (device.Stream, error) {
	c.mu.Lock()
	c.acquires++
	auto := c.AutoResolve
	autoErr := c.AcquireErr
	c.mu.Unlock()

	if auto {
		if autoErr != nil {
			return nil, autoErr
		}
		if err := c.busy(cfg); err != nil {
			return nil, err
		}
		return c.newStream(cfg), nil
	}

	p := &Pending{Config: cfg, cam: c, result: make(chan acquireResult, 1)}
	c.pending <- p
	r := <-p.result
	return r.s, r.err
}

func (c *Camera) Exclusive() bool {
	return c.ExclusiveOpen
}

func (c *Camera) path(mode types.FacingMode) string {
	if p, ok := c.Paths[mode]; ok {
		return p
	}
	return string(mode)
}

func (c *Camera) busy(cfg types.StreamConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.RefuseBusy {
		return nil
	}
	path := c.path(cfg.FacingMode)
	for _, s := range c.streams {
		if c.releases[s.id] == 0 && c.path(s.cfg.FacingMode) == path {
			return fmt.Errorf("%w: %s busy", device.ErrDeviceUnavailable, path)
		}
	}
	return nil
}

func (c *Camera) ReleaseStream(s device.Stream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releases[s.ID()]++
}

func (c *Camera) SampleFrame(src device.FrameSource, width, height int) (image.Image, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}
	img.Set(0, 0, color.RGBA{R: 0xff, A: 0xff})
	return img, nil
}

func (c *Camera) RequestPhoto(ctx context.Context, s device.Stream) (*device.Blob, error) {
	if c.PhotoGate != nil {
		select {
		case <-c.PhotoGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.PhotoErr != nil {
		return nil, c.PhotoErr
	}
	return &device.Blob{Data: []byte("jpeg:" + s.ID()), MIME: "image/jpeg"}, nil
}

// NextAcquire waits for the next blocked AcquireStream call.
func (c *Camera) NextAcquire(t testing.TB) *Pending {
	t.Helper()
	select {
	case p := <-c.pending:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for AcquireStream")
		return nil
	}
}

// NoAcquire fails the test if an AcquireStream call shows up within d.
func (c *Camera) NoAcquire(t testing.TB, d time.Duration) {
	t.Helper()
	select {
	case p := <-c.pending:
		t.Fatalf("unexpected AcquireStream for %s", p.Config.FacingMode)
	case <-time.After(d):
	}
}

func (c *Camera) Acquires() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquires
}

// Releases reports how many times the stream was released.
func (c *Camera) Releases(s device.Stream) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releases[s.ID()]
}

// Live lists the streams handed out and not yet released.
func (c *Camera) Live() []*Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	var res []*Stream
	for _, s := range c.streams {
		if c.releases[s.id] == 0 {
			res = append(res, s)
		}
	}
	return res
}

// CheckReleases fails the test when a stream was released more than once.
func (c *Camera) CheckReleases(t testing.TB) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, n := range c.releases {
		if n > 1 {
			t.Errorf("stream %s released %d times", id, n)
		}
	}
}

// Eventually polls cond until it holds or fails the test.
func Eventually(t testing.TB, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}
