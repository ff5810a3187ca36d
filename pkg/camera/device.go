package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	dev "github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"

	"snapcam/pkg/device"
	"snapcam/pkg/types"
	img "snapcam/pkg/utils/image"
)

type PixelFormat string

const (
	FormatJPEG  PixelFormat = "jpeg"
	FormatRGB24 PixelFormat = "rgb24"

	DefaultJPEGQuality = 90
	frameTimeout       = 3 * time.Second
)

// V4L2Device opens one video device per facing mode. A device path can only
// back one stream at a time.
type V4L2Device struct {
	devices Devices
	width   int
	height  int
	format  PixelFormat
	quality int

	lock sync.Mutex
	seq  int
	open map[string]*Stream
}

type DeviceOption func(*V4L2Device)

func WithSize(width, height int) DeviceOption {
	return func(d *V4L2Device) {
		d.width, d.height = width, height
	}
}

func WithFormat(f PixelFormat) DeviceOption {
	return func(d *V4L2Device) {
		d.format = f
	}
}

func WithJPEGQuality(q int) DeviceOption {
	return func(d *V4L2Device) {
		d.quality = q
	}
}

func NewV4L2Device(devices Devices, opts ...DeviceOption) *V4L2Device {
	d := &V4L2Device{
		devices: devices,
		width:   DefaultWidth,
		height:  DefaultHeight,
		format:  FormatJPEG,
		quality: DefaultJPEGQuality,
		open:    make(map[string]*Stream),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *V4L2Device) pixelFormat() v4l2.FourCCType {
	if d.format == FormatRGB24 {
		return v4l2.PixelFmtRGB24
	}
	return v4l2.PixelFmtJPEG
}

func (d *V4L2Device) AcquireStream(ctx context.Context, cfg types.StreamConfig) (device.Stream, error) {
	path, ok := d.devices[cfg.FacingMode]
	if !ok {
		return nil, fmt.Errorf("%w: no device for %s", device.ErrDeviceUnavailable, cfg.FacingMode)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, classify(path, err)
	}

	d.lock.Lock()
	defer d.lock.Unlock()
	if _, busy := d.open[path]; busy {
		return nil, fmt.Errorf("%w: %s busy", device.ErrDeviceUnavailable, path)
	}

	logger.Infof("open %s in %d*%d (%s)", path, d.width, d.height, d.format)
	camera, err := dev.Open(
		path,
		dev.WithBufferSize(1),
		dev.WithPixFormat(v4l2.PixFormat{
			PixelFormat: d.pixelFormat(),
			Width:       uint32(d.width),
			Height:      uint32(d.height),
			Field:       v4l2.FieldNone,
		}),
	)
	if err != nil {
		return nil, classify(path, err)
	}

	// the stream outlives ctx, which only bounds the acquisition
	streamCtx, cancel := context.WithCancel(context.Background())
	if err = camera.Start(streamCtx); err != nil {
		cancel()
		_ = camera.Close()
		return nil, classify(path, err)
	}
	if err = ctx.Err(); err != nil {
		cancel()
		_ = camera.Close()
		return nil, err
	}

	width, height := d.width, d.height
	if pf, err := camera.GetPixFormat(); err == nil {
		width, height = int(pf.Width), int(pf.Height)
	}

	d.seq++
	s := &Stream{
		id:      fmt.Sprintf("%s#%d", cfg.FacingMode, d.seq),
		cfg:     cfg,
		path:    path,
		width:   width,
		height:  height,
		format:  d.format,
		quality: d.quality,
		camera:  camera,
		cancel:  cancel,
		fresh:   make(chan struct{}),
		done:    make(chan struct{}),
		subs:    make(map[chan []byte]struct{}),
	}
	d.open[path] = s
	go s.pump(camera.GetOutput())

	return s, nil
}

// Exclusive is true: a video device node backs one stream at a time.
func (d *V4L2Device) Exclusive() bool {
	return true
}

// ReleaseStream stops the device behind s. Calling it twice is harmless.
func (d *V4L2Device) ReleaseStream(ds device.Stream) {
	s, ok := ds.(*Stream)
	if !ok {
		logger.Warnf("release of foreign stream %s", ds.ID())
		return
	}
	s.stop()

	d.lock.Lock()
	if d.open[s.path] == s {
		delete(d.open, s.path)
	}
	d.lock.Unlock()
}

func (d *V4L2Device) SampleFrame(src device.FrameSource, width, height int) (image.Image, error) {
	s, ok := src.(*Stream)
	if !ok {
		return nil, fmt.Errorf("sample frame: unsupported source %T", src)
	}
	frame, err := s.latestFrame()
	if err != nil {
		return nil, err
	}
	decoded, err := s.decode(frame)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	return img.Fit(decoded, width, height), nil
}

// RequestPhoto waits for the next frame and returns it as a JPEG still.
func (d *V4L2Device) RequestPhoto(ctx context.Context, ds device.Stream) (*device.Blob, error) {
	s, ok := ds.(*Stream)
	if !ok {
		return nil, fmt.Errorf("request photo: unsupported stream %T", ds)
	}
	frame, err := s.nextFrame(ctx, frameTimeout)
	if err != nil {
		return nil, err
	}
	data, err := s.toJPEG(frame)
	if err != nil {
		return nil, err
	}
	logger.Debugf("photo from %s: %s", s.id, humanize.Bytes(uint64(len(data))))

	return &device.Blob{Data: data, MIME: "image/jpeg"}, nil
}

func classify(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return fmt.Errorf("%w: %s: %s", device.ErrPermissionDenied, path, err)
	case errors.Is(err, context.DeadlineExceeded):
		return device.ErrDeviceTimeout
	default:
		return fmt.Errorf("%w: %s: %s", device.ErrDeviceUnavailable, path, err)
	}
}

// Stream is a started V4L2 device. Frames are pumped into a one-slot
// latest-frame buffer and fanned out to JPEG subscribers.
type Stream struct {
	id      string
	cfg     types.StreamConfig
	path    string
	width   int
	height  int
	format  PixelFormat
	quality int

	camera *dev.Device
	cancel context.CancelFunc
	once   sync.Once

	lock   sync.Mutex
	latest []byte
	fresh  chan struct{}
	done   chan struct{}
	subs   map[chan []byte]struct{}
}

func (s *Stream) ID() string                 { return s.id }
func (s *Stream) Config() types.StreamConfig { return s.cfg }
func (s *Stream) Size() (width, height int)  { return s.width, s.height }

// Subscribe returns a channel of JPEG frames. Slow readers drop frames.
func (s *Stream) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 1)
	s.lock.Lock()
	select {
	case <-s.done:
		close(ch)
		s.lock.Unlock()
		return ch, func() {}
	default:
	}
	s.subs[ch] = struct{}{}
	s.lock.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.lock.Lock()
			if _, ok := s.subs[ch]; ok {
				delete(s.subs, ch)
				close(ch)
			}
			s.lock.Unlock()
		})
	}
}

func (s *Stream) pump(frames <-chan []byte) {
	defer func() {
		s.lock.Lock()
		close(s.done)
		for ch := range s.subs {
			close(ch)
		}
		s.subs = nil
		s.lock.Unlock()
	}()

	for frame := range frames {
		if len(frame) == 0 {
			continue
		}
		cp := append([]byte(nil), frame...)

		s.lock.Lock()
		s.latest = cp
		close(s.fresh)
		s.fresh = make(chan struct{})
		hasSubs := len(s.subs) > 0
		s.lock.Unlock()

		if !hasSubs {
			continue
		}
		out, err := s.toJPEG(cp)
		if err != nil {
			logger.Warnf("encode preview frame: %s", err)
			continue
		}
		s.lock.Lock()
		for ch := range s.subs {
			select {
			case ch <- out:
			default:
				// drop the frame rather than block the device
			}
		}
		s.lock.Unlock()
	}
}

func (s *Stream) latestFrame() ([]byte, error) {
	s.lock.Lock()
	frame := s.latest
	s.lock.Unlock()
	if frame != nil {
		return frame, nil
	}
	return s.nextFrame(context.Background(), frameTimeout)
}

func (s *Stream) nextFrame(ctx context.Context, timeout time.Duration) ([]byte, error) {
	s.lock.Lock()
	fresh := s.fresh
	s.lock.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-fresh:
		s.lock.Lock()
		defer s.lock.Unlock()
		return s.latest, nil
	case <-s.done:
		return nil, fmt.Errorf("%w: stream %s closed", device.ErrNoActiveStream, s.id)
	case <-timer.C:
		return nil, device.ErrDeviceTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Stream) decode(frame []byte) (image.Image, error) {
	if s.format == FormatRGB24 {
		return img.DecodeRGB(frame, s.width, s.height)
	}
	return img.DecodeJPEG(frame)
}

func (s *Stream) toJPEG(frame []byte) ([]byte, error) {
	if s.format != FormatRGB24 {
		return frame, nil
	}
	decoded, err := img.DecodeRGB(frame, s.width, s.height)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err = img.EncodeJPEG(decoded, &buf, s.quality); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Stream) stop() {
	s.once.Do(func() {
		logger.Infof("stop %s (%s)", s.id, s.path)
		// cancel first so the device goroutine leaves its loop and stops
		// streaming before Close runs
		s.cancel()
		time.Sleep(100 * time.Millisecond)
		if err := s.camera.Close(); err != nil {
			logger.Warnf("close %s: %s", s.path, err)
		}
	})
}
