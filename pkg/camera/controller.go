package camera

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"snapcam/pkg/device"
	"snapcam/pkg/metrics"
	"snapcam/pkg/types"
)

const DefaultAcquireTimeout = 10 * time.Second

var ErrClosed = errors.New("stream controller closed")

// Outcome says how a Request ended.
type Outcome int

const (
	OutcomePending Outcome = iota
	// OutcomeNoop: nothing changed, nothing was acquired.
	OutcomeNoop
	// OutcomeAdopted: the acquired stream is now the current handle.
	OutcomeAdopted
	// OutcomeInactive: the stream is not wanted; anything acquired was released.
	OutcomeInactive
	// OutcomeSuperseded: a newer request won; the result was released.
	OutcomeSuperseded
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoop:
		return "noop"
	case OutcomeAdopted:
		return "adopted"
	case OutcomeInactive:
		return "inactive"
	case OutcomeSuperseded:
		return "superseded"
	case OutcomeFailed:
		return "failed"
	}
	return "pending"
}

// Request is the token for one reconciliation. It completes when the
// acquisition it issued (if any) has been adopted or released.
type Request struct {
	gen     uint64
	done    chan struct{}
	once    sync.Once
	outcome Outcome
	err     error
}

func newRequest(gen uint64) *Request {
	return &Request{gen: gen, done: make(chan struct{})}
}

func doneRequest(gen uint64, o Outcome, err error) *Request {
	r := newRequest(gen)
	r.finish(o, err)
	return r
}

// finish completes r. Only the first call counts.
func (r *Request) finish(o Outcome, err error) {
	r.once.Do(func() {
		r.outcome = o
		r.err = err
		close(r.done)
	})
}

// Gen is the controller generation this request was issued at.
func (r *Request) Gen() uint64 {
	return r.gen
}

func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the request completes. Superseded and inactive requests
// complete without error.
func (r *Request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Request) Outcome() Outcome {
	select {
	case <-r.done:
		return r.outcome
	default:
		return OutcomePending
	}
}

func (r *Request) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// StreamState is a snapshot of the controller.
type StreamState struct {
	Config     types.StreamConfig `json:"config"`
	Active     bool               `json:"active"`
	Streaming  bool               `json:"streaming"`
	StreamID   string             `json:"streamId,omitempty"`
	Acquiring  bool               `json:"acquiring"`
	Generation uint64             `json:"generation"`
	Pending    int                `json:"pending"`
	Error      string             `json:"error,omitempty"`

	Err error `json:"-"`
}

// StreamController owns the facing-mode configuration and the single live
// stream. Every change of config or intent bumps the generation; only a
// resolution carrying the current generation is adopted, everything else is
// released.
type StreamController struct {
	mu sync.Mutex

	dev     device.StreamDevice
	timeout time.Duration
	logger  *zap.SugaredLogger

	config types.StreamConfig
	active bool
	handle device.Stream

	gen       uint64
	acquiring bool
	inflight  int
	lastErr   error
	closed    bool

	// set when dev is device.Exclusive
	exclusive bool
	serial    sync.Mutex
	releasing chan struct{}
}

type ControllerOption func(*StreamController)

func WithInitialConfig(cfg types.StreamConfig) ControllerOption {
	return func(c *StreamController) {
		if cfg.FacingMode.Valid() {
			c.config = cfg
		}
	}
}

// WithAcquireTimeout bounds each acquisition. Zero waits forever.
func WithAcquireTimeout(d time.Duration) ControllerOption {
	return func(c *StreamController) {
		c.timeout = d
	}
}

func WithLogger(l *zap.SugaredLogger) ControllerOption {
	return func(c *StreamController) {
		c.logger = l
	}
}

func NewStreamController(dev device.StreamDevice, opts ...ControllerOption) *StreamController {
	c := &StreamController{
		dev:     dev,
		timeout: DefaultAcquireTimeout,
		logger:  logger.Named("stream"),
		config:  types.StreamConfig{FacingMode: types.FacingUser},
	}
	for _, opt := range opts {
		opt(c)
	}
	if x, ok := dev.(device.Exclusive); ok {
		c.exclusive = x.Exclusive()
	}
	return c
}

// SetFacingMode switches cameras. Asking for the current mode does nothing.
func (c *StreamController) SetFacingMode(mode types.FacingMode) *Request {
	if !mode.Valid() {
		return doneRequest(0, OutcomeFailed, device.Wrap("set facing mode", mode, errors.New("invalid facing mode")))
	}

	c.mu.Lock()
	r := c.setFacingModeLocked(mode)
	c.mu.Unlock()
	return c.settle(r, "facing mode changed")
}

// ToggleFacingMode switches to the other camera. The target is read and
// applied under one lock, so concurrent toggles never collapse into one.
func (c *StreamController) ToggleFacingMode() *Request {
	c.mu.Lock()
	r := c.setFacingModeLocked(c.config.FacingMode.Toggle())
	c.mu.Unlock()
	return c.settle(r, "facing mode changed")
}

func (c *StreamController) setFacingModeLocked(mode types.FacingMode) reconcile {
	if c.closed {
		return settled(doneRequest(0, OutcomeFailed, ErrClosed))
	}
	if c.config.FacingMode == mode {
		return settled(doneRequest(c.gen, OutcomeNoop, nil))
	}
	c.config = types.StreamConfig{FacingMode: mode}
	c.logger.Infof("facing mode -> %s", mode)
	return c.reconcileLocked()
}

// SetActive sets whether a stream should be running. Re-activating after a
// failed acquisition tries again; otherwise an unchanged intent is a no-op.
func (c *StreamController) SetActive(active bool) *Request {
	c.mu.Lock()
	r := c.setActiveLocked(active)
	c.mu.Unlock()
	return c.settle(r, "deactivated")
}

func (c *StreamController) setActiveLocked(active bool) reconcile {
	if c.closed {
		return settled(doneRequest(0, OutcomeFailed, ErrClosed))
	}
	if active == c.active && (!active || c.handle != nil || c.acquiring) {
		return settled(doneRequest(c.gen, OutcomeNoop, nil))
	}
	c.active = active
	c.logger.Infof("active -> %t", active)
	return c.reconcileLocked()
}

// CurrentHandle returns the live stream, or nil.
func (c *StreamController) CurrentHandle() device.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

func (c *StreamController) Config() types.StreamConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

func (c *StreamController) State() StreamState {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := StreamState{
		Config:     c.config,
		Active:     c.active,
		Streaming:  c.handle != nil,
		Acquiring:  c.acquiring,
		Generation: c.gen,
		Pending:    c.inflight,
		Err:        c.lastErr,
	}
	if c.handle != nil {
		s.StreamID = c.handle.ID()
	}
	if c.lastErr != nil {
		s.Error = c.lastErr.Error()
	}
	return s
}

// Close releases the current stream. Acquisitions still in flight are
// released as they land.
func (c *StreamController) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.active = false
	c.acquiring = false
	c.gen++
	r := reconcile{req: newRequest(c.gen), outcome: OutcomeInactive}
	c.dropLocked(&r)
	c.mu.Unlock()

	c.settle(r, "closed")
}

// reconcile is what a locked mutation leaves for its caller to finish off
// the lock.
type reconcile struct {
	req *Request
	// drop is released by the caller, which then closes dropped.
	drop    device.Stream
	dropped chan struct{}
	// outcome completes req; OutcomePending when an acquisition owns it.
	outcome Outcome
}

func settled(req *Request) reconcile {
	return reconcile{req: req, outcome: req.Outcome()}
}

// reconcileLocked bumps the generation and issues whatever the current
// state asks for.
func (c *StreamController) reconcileLocked() reconcile {
	c.gen++
	r := reconcile{req: newRequest(c.gen), outcome: OutcomePending}

	if !c.active {
		c.acquiring = false
		c.dropLocked(&r)
		r.outcome = OutcomeInactive
		return r
	}

	// back on the config the held stream was opened with: keep it, and let
	// whatever is still in flight resolve as superseded
	if c.handle != nil && c.handle.Config() == c.config {
		c.acquiring = false
		c.lastErr = nil
		c.logger.Infof("keeping %s stream %s", c.config.FacingMode, c.handle.ID())
		r.outcome = OutcomeAdopted
		return r
	}

	var prev chan struct{}
	if c.exclusive {
		// the device cannot open the next camera while this one is live
		prev = c.releasing
		c.dropLocked(&r)
	}
	c.acquiring = true
	c.inflight++
	c.lastErr = nil
	go c.acquire(r.req, c.config, prev, r.dropped)

	return r
}

// dropLocked hands the held stream to the caller for release. On exclusive
// devices later acquisitions wait until it is gone.
func (c *StreamController) dropLocked(r *reconcile) {
	r.drop = c.takeHandleLocked()
	if r.drop != nil && c.exclusive {
		r.dropped = make(chan struct{})
		c.releasing = r.dropped
	}
}

// settle releases what the mutation dropped and completes requests that no
// acquisition owns.
func (c *StreamController) settle(r reconcile, why string) *Request {
	c.release(r.drop, why)
	if r.dropped != nil {
		close(r.dropped)
	}
	if r.outcome != OutcomePending {
		r.req.finish(r.outcome, nil)
	}
	return r.req
}

func (c *StreamController) takeHandleLocked() device.Stream {
	h := c.handle
	c.handle = nil
	metrics.StreamHeld.Set(0)
	return h
}

// acquire runs one acquisition. On exclusive devices it waits for pending
// releases and earlier acquisitions, and skips the device entirely when a
// newer request has already taken over.
func (c *StreamController) acquire(req *Request, cfg types.StreamConfig, wait ...chan struct{}) {
	if c.exclusive {
		for _, ch := range wait {
			if ch != nil {
				<-ch
			}
		}
		c.serial.Lock()
		defer c.serial.Unlock()
		if c.skipStale(req) {
			return
		}
	}
	s, err := c.acquireWithTimeout(cfg)
	c.resolve(req, cfg, s, err)
}

// skipStale finishes req without touching the device when it is no longer
// the current generation.
func (c *StreamController) skipStale(req *Request) bool {
	c.mu.Lock()
	if req.gen == c.gen {
		c.mu.Unlock()
		return false
	}
	c.inflight--
	outcome := OutcomeSuperseded
	if !c.active {
		outcome = OutcomeInactive
	}
	c.mu.Unlock()

	c.logger.Debugf("gen %d skipped: %s", req.gen, device.ErrStaleResult)
	req.finish(outcome, nil)
	return true
}

func (c *StreamController) acquireWithTimeout(cfg types.StreamConfig) (device.Stream, error) {
	ctx := context.Background()
	cancel := func() {}
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}
	defer cancel()

	type result struct {
		s   device.Stream
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := c.dev.AcquireStream(ctx, cfg)
		ch <- result{s: s, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if r.s != nil {
				c.release(r.s, "acquire returned an error")
			}
			if errors.Is(r.err, context.DeadlineExceeded) {
				return nil, device.ErrDeviceTimeout
			}
			return nil, r.err
		}
		if r.s == nil {
			return nil, device.ErrDeviceUnavailable
		}
		return r.s, nil
	case <-ctx.Done():
		metrics.Acquisitions.WithLabelValues(metrics.TimedOut).Inc()
		go func() {
			if r := <-ch; r.s != nil {
				c.release(r.s, "resolved after timeout")
			}
		}()
		return nil, device.ErrDeviceTimeout
	}
}

func (c *StreamController) resolve(req *Request, cfg types.StreamConfig, s device.Stream, err error) {
	var (
		outcome Outcome
		reqErr  error
		drop    device.Stream
		old     device.Stream
	)

	c.mu.Lock()
	c.inflight--
	current := req.gen == c.gen
	if current {
		c.acquiring = false
	}
	switch {
	case err != nil && !current:
		outcome = OutcomeSuperseded
		c.logger.Debugf("superseded acquisition of %s failed: %s", cfg.FacingMode, err)
	case err != nil:
		reqErr = device.Wrap("acquire", cfg.FacingMode, err)
		c.lastErr = reqErr
		old = c.takeHandleLocked()
		outcome = OutcomeFailed
		metrics.Acquisitions.WithLabelValues(metrics.Failed).Inc()
		c.logger.Warnf("acquire %s stream: %s", cfg.FacingMode, err)
	case !c.active:
		drop = s
		outcome = OutcomeInactive
		metrics.Acquisitions.WithLabelValues(metrics.Released).Inc()
	case !current:
		drop = s
		outcome = OutcomeSuperseded
		metrics.Acquisitions.WithLabelValues(metrics.Superseded).Inc()
		c.logger.Debugf("gen %d < %d: %s", req.gen, c.gen, device.ErrStaleResult)
	default:
		old = c.handle
		c.handle = s
		outcome = OutcomeAdopted
		metrics.StreamHeld.Set(1)
		metrics.Acquisitions.WithLabelValues(metrics.Adopted).Inc()
		c.logger.Infof("adopted %s stream %s", cfg.FacingMode, s.ID())
	}
	c.mu.Unlock()

	c.release(drop, "not adopted")
	c.release(old, "replaced")
	req.finish(outcome, reqErr)
}

func (c *StreamController) release(s device.Stream, why string) {
	if s == nil {
		return
	}
	c.logger.Debugf("release stream %s: %s", s.ID(), why)
	c.dev.ReleaseStream(s)
	metrics.Releases.Inc()
}
