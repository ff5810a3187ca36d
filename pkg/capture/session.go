// Package capture keeps the preview mode and the single retained still.
package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"snapcam/pkg/artifact"
	"snapcam/pkg/device"
	"snapcam/pkg/metrics"
	"snapcam/pkg/types"
	"snapcam/pkg/utils"
	img "snapcam/pkg/utils/image"
)

const (
	eventShow = "show"
	eventHide = "hide"

	// canvas size used when a source cannot report its own
	fallbackWidth  = 640
	fallbackHeight = 480
)

// Image is the retained still. URL stays valid until the image is replaced
// or the session is closed.
type Image struct {
	ID         string              `json:"id"`
	URL        string              `json:"url"`
	Width      int                 `json:"width"`
	Height     int                 `json:"height"`
	Source     types.CaptureSource `json:"source"`
	Size       string              `json:"size,omitempty"`
	CapturedAt time.Time           `json:"capturedAt"`
}

// Raster is a sampled frame, served as PNG.
type Raster struct {
	image.Image
}

func (r Raster) ContentType() string {
	return "image/png"
}

func (r Raster) Encode(w io.Writer) error {
	return img.EncodePNG(r.Image, w)
}

type Session struct {
	lock sync.Mutex

	sampler device.FrameSampler
	photos  device.PhotoTaker
	reg     *artifact.Registry
	logger  *zap.SugaredLogger

	mode    *fsm.FSM
	last    *Image
	loading bool
	seq     uint64
	closed  bool
}

func NewSession(sampler device.FrameSampler, photos device.PhotoTaker, reg *artifact.Registry) *Session {
	s := &Session{
		sampler: sampler,
		photos:  photos,
		reg:     reg,
		logger:  utils.GetLogger().Named("capture"),
	}
	s.mode = fsm.NewFSM(
		string(types.PreviewLive),
		fsm.Events{
			{Name: eventShow, Src: []string{string(types.PreviewLive)}, Dst: string(types.PreviewFrozen)},
			{Name: eventHide, Src: []string{string(types.PreviewFrozen)}, Dst: string(types.PreviewLive)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.logger.Debugf("preview %s -> %s", e.Src, e.Dst)
			},
		},
	)
	return s
}

// ShowPreview freezes the preview on the last still. With no still yet the
// preview stays empty until a capture lands.
func (s *Session) ShowPreview() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.transition(eventShow)
}

func (s *Session) HidePreview() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.transition(eventHide)
}

func (s *Session) transition(event string) {
	if !s.mode.Can(event) {
		return
	}
	if err := s.mode.Event(context.Background(), event); err != nil {
		s.logger.Warnf("preview %s: %s", event, err)
	}
}

func (s *Session) Mode() types.PreviewMode {
	return types.PreviewMode(s.mode.Current())
}

// Last returns a copy of the retained still, or nil.
func (s *Session) Last() *Image {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.last == nil {
		return nil
	}
	cp := *s.last
	return &cp
}

func (s *Session) Loading() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.loading
}

// CaptureFromLiveFrame samples the current frame of src at its native size,
// keeps it as the last still and freezes the preview.
func (s *Session) CaptureFromLiveFrame(src device.FrameSource) (*Image, error) {
	if src == nil {
		metrics.Captures.WithLabelValues(string(types.SourceFrame), "no_stream").Inc()
		return nil, device.ErrNoActiveStream
	}
	width, height := src.Size()
	if width <= 0 || height <= 0 {
		width, height = fallbackWidth, fallbackHeight
	}

	raster, err := s.sampler.SampleFrame(src, width, height)
	if err != nil {
		metrics.Captures.WithLabelValues(string(types.SourceFrame), "error").Inc()
		return nil, fmt.Errorf("sample frame: %w", err)
	}
	b := raster.Bounds()

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil, fmt.Errorf("capture session closed")
	}
	s.seq++
	im := s.storeLocked(Raster{raster}, b.Dx(), b.Dy(), types.SourceFrame, "")
	s.transition(eventShow)

	metrics.Captures.WithLabelValues(string(types.SourceFrame), "ok").Inc()
	s.logger.Infof("captured %dx%d frame %s", im.Width, im.Height, im.ID)
	return im, nil
}

// CaptureFromDevice asks the device for a native still. Loading is true for
// the duration; a failure leaves the last still untouched. When another
// capture lands first the photo is dropped and ErrStaleResult returned.
func (s *Session) CaptureFromDevice(ctx context.Context, stream device.Stream) (*Image, error) {
	if stream == nil {
		metrics.Captures.WithLabelValues(string(types.SourcePhoto), "no_stream").Inc()
		return nil, device.ErrNoActiveStream
	}

	s.lock.Lock()
	if s.loading {
		s.lock.Unlock()
		return nil, device.ErrCaptureInProgress
	}
	s.loading = true
	s.seq++
	seq := s.seq
	s.lock.Unlock()

	blob, err := s.photos.RequestPhoto(ctx, stream)

	s.lock.Lock()
	defer s.lock.Unlock()
	s.loading = false
	if err != nil {
		metrics.Captures.WithLabelValues(string(types.SourcePhoto), "error").Inc()
		return nil, device.Wrap("request photo", stream.Config().FacingMode, err)
	}
	if s.closed || seq != s.seq {
		metrics.Captures.WithLabelValues(string(types.SourcePhoto), "stale").Inc()
		return nil, device.ErrStaleResult
	}

	width, height := stream.Size()
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(blob.Data)); err == nil {
		width, height = cfg.Width, cfg.Height
	}
	size := humanize.Bytes(uint64(len(blob.Data)))
	im := s.storeLocked(blob, width, height, types.SourcePhoto, size)

	metrics.Captures.WithLabelValues(string(types.SourcePhoto), "ok").Inc()
	metrics.CaptureBytes.Observe(float64(len(blob.Data)))
	s.logger.Infof("captured %s photo %s", size, im.ID)
	return im, nil
}

// storeLocked releases the previous still before the new one replaces it.
func (s *Session) storeLocked(a device.Artifact, width, height int, source types.CaptureSource, size string) *Image {
	if s.last != nil {
		s.reg.ReleaseURL(s.last.URL)
		s.last = nil
	}
	url := s.reg.ToURL(a)
	s.last = &Image{
		ID:         artifact.ID(url),
		URL:        url,
		Width:      width,
		Height:     height,
		Source:     source,
		Size:       size,
		CapturedAt: time.Now(),
	}
	cp := *s.last
	return &cp
}

// Close releases the retained still.
func (s *Session) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.last != nil {
		s.reg.ReleaseURL(s.last.URL)
		s.last = nil
	}
}
