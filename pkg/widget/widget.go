// Package widget wires the stream controller, the capture session and the
// self-timer together and dispatches UI intents into them.
package widget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"snapcam/pkg/camera"
	"snapcam/pkg/capture"
	"snapcam/pkg/device"
	"snapcam/pkg/timer"
	"snapcam/pkg/types"
	"snapcam/pkg/utils"
)

const defaultCaptureTimeout = 10 * time.Second

type Options struct {
	// CaptureSource is used when a Capture event names none.
	CaptureSource types.CaptureSource
	// PrewarmWhileFrozen keeps the stream running behind a frozen preview.
	PrewarmWhileFrozen bool
	TimerStart         int
	TimerTick          time.Duration
	// CaptureTimeout bounds captures fired by the self-timer.
	CaptureTimeout time.Duration
}

type Widget struct {
	stream  *camera.StreamController
	session *capture.Session
	timer   *timer.Countdown
	opts    Options
	logger  *zap.SugaredLogger

	lock    sync.Mutex
	lastErr error
	// frozeStream is set while the stream is off only because the preview
	// is frozen.
	frozeStream bool
}

func New(stream *camera.StreamController, session *capture.Session, opts Options) *Widget {
	if opts.CaptureSource == "" {
		opts.CaptureSource = types.SourceFrame
	}
	if opts.CaptureTimeout <= 0 {
		opts.CaptureTimeout = defaultCaptureTimeout
	}
	w := &Widget{
		stream:  stream,
		session: session,
		opts:    opts,
		logger:  utils.GetLogger().Named("widget"),
	}
	w.timer = timer.New(w.timedCapture, timer.WithStart(opts.TimerStart), timer.WithTick(opts.TimerTick))
	return w
}

func (w *Widget) Stream() *camera.StreamController {
	return w.stream
}

func (w *Widget) Session() *capture.Session {
	return w.session
}

// Mount starts the live feed.
func (w *Widget) Mount(ctx context.Context) error {
	return w.stream.SetActive(true).Wait(ctx)
}

// Unmount cancels the timer and releases the stream and the last still.
func (w *Widget) Unmount() {
	w.timer.SetEnabled(false)
	w.stream.Close()
	w.session.Close()
}

// Dispatch applies ev. Stream changes wait for their acquisition so device
// errors reach the caller; superseded acquisitions return nil.
func (w *Widget) Dispatch(ctx context.Context, ev Event) error {
	w.logger.Debugf("dispatch %s", ev.Name())

	switch e := ev.(type) {
	case ToggleFacingMode:
		return w.stream.ToggleFacingMode().Wait(ctx)
	case SetFacingMode:
		return w.stream.SetFacingMode(e.Mode).Wait(ctx)
	case SetActive:
		w.lock.Lock()
		w.frozeStream = false
		w.lock.Unlock()
		return w.stream.SetActive(e.Active).Wait(ctx)
	case ShowImage:
		w.session.ShowPreview()
		return w.freeze(ctx)
	case HideImage:
		w.session.HidePreview()
		return w.thaw(ctx)
	case Capture:
		if w.timer.Enabled() {
			return w.timer.Start()
		}
		_, err := w.capture(ctx, e.Source)
		return err
	case ToggleTimer:
		w.timer.Toggle()
		return nil
	case CancelTimer:
		w.timer.Cancel()
		return nil
	}
	return fmt.Errorf("unsupported event %T", ev)
}

// freeze stops the stream behind a frozen preview unless prewarming. A
// stream the user already turned off stays off after thaw.
func (w *Widget) freeze(ctx context.Context) error {
	if w.opts.PrewarmWhileFrozen || !w.stream.State().Active {
		return nil
	}
	w.lock.Lock()
	w.frozeStream = true
	w.lock.Unlock()
	return w.stream.SetActive(false).Wait(ctx)
}

// thaw restarts the stream freeze stopped.
func (w *Widget) thaw(ctx context.Context) error {
	w.lock.Lock()
	froze := w.frozeStream
	w.frozeStream = false
	w.lock.Unlock()
	if !froze {
		return nil
	}
	return w.stream.SetActive(true).Wait(ctx)
}

func (w *Widget) capture(ctx context.Context, src types.CaptureSource) (*capture.Image, error) {
	if src == "" {
		src = w.opts.CaptureSource
	}

	var (
		im  *capture.Image
		err error
	)
	switch src {
	case types.SourceFrame:
		im, err = w.session.CaptureFromLiveFrame(w.stream.CurrentHandle())
		if err == nil {
			err = w.freeze(ctx)
		}
	case types.SourcePhoto:
		im, err = w.session.CaptureFromDevice(ctx, w.stream.CurrentHandle())
		if errors.Is(err, device.ErrStaleResult) {
			return nil, nil
		}
	default:
		err = fmt.Errorf("unknown capture source %q", src)
	}

	w.lock.Lock()
	w.lastErr = err
	w.lock.Unlock()
	return im, err
}

func (w *Widget) timedCapture() {
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.CaptureTimeout)
	defer cancel()
	if _, err := w.capture(ctx, ""); err != nil {
		w.logger.Warnf("timed capture: %s", err)
	}
}

type TimerState struct {
	Enabled   bool   `json:"enabled"`
	Remaining int    `json:"remaining"`
	State     string `json:"state"`
}

type Snapshot struct {
	Stream      camera.StreamState `json:"stream"`
	Preview     types.PreviewMode  `json:"preview"`
	LastCapture *capture.Image     `json:"lastCapture,omitempty"`
	Loading     bool               `json:"loading"`
	Timer       TimerState         `json:"timer"`
	Error       string             `json:"error,omitempty"`
}

func (w *Widget) Snapshot() Snapshot {
	s := Snapshot{
		Stream:      w.stream.State(),
		Preview:     w.session.Mode(),
		LastCapture: w.session.Last(),
		Loading:     w.session.Loading(),
		Timer: TimerState{
			Enabled:   w.timer.Enabled(),
			Remaining: w.timer.Remaining(),
			State:     w.timer.State(),
		},
	}
	w.lock.Lock()
	if w.lastErr != nil {
		s.Error = w.lastErr.Error()
	}
	w.lock.Unlock()
	return s
}
