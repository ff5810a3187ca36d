// Package timer implements the self-timer in front of the shutter. The
// visible countdown and the delayed capture share one ticker, so cancelling
// the countdown also cancels the capture.
package timer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"snapcam/pkg/utils"
)

const (
	StateIdle     = "idle"
	StateCounting = "counting"

	DefaultStart = 3
	DefaultTick  = time.Second
)

var ErrAlreadyCounting = errors.New("countdown already running")

type Countdown struct {
	lock sync.Mutex

	start  int
	tick   time.Duration
	onFire func()
	logger *zap.SugaredLogger

	state     *fsm.FSM
	enabled   bool
	remaining int
	stop      chan struct{}
}

type Option func(*Countdown)

// WithStart sets the number of ticks before the capture fires.
func WithStart(n int) Option {
	return func(c *Countdown) {
		if n > 0 {
			c.start = n
		}
	}
}

func WithTick(d time.Duration) Option {
	return func(c *Countdown) {
		if d > 0 {
			c.tick = d
		}
	}
}

func New(onFire func(), opts ...Option) *Countdown {
	c := &Countdown{
		start:  DefaultStart,
		tick:   DefaultTick,
		onFire: onFire,
		logger: utils.GetLogger().Named("timer"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.remaining = c.start
	c.state = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: "start", Src: []string{StateIdle}, Dst: StateCounting},
			{Name: "finish", Src: []string{StateCounting}, Dst: StateIdle},
			{Name: "cancel", Src: []string{StateCounting}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.logger.Debugf("countdown %s: %s -> %s", e.Event, e.Src, e.Dst)
			},
		},
	)
	return c
}

func (c *Countdown) Enabled() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.enabled
}

// SetEnabled turns the self-timer on or off. Disabling cancels a running
// countdown.
func (c *Countdown) SetEnabled(on bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.enabled = on
	if !on {
		c.cancelLocked()
	}
}

func (c *Countdown) Toggle() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.enabled = !c.enabled
	if !c.enabled {
		c.cancelLocked()
	}
	return c.enabled
}

func (c *Countdown) Remaining() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.remaining
}

func (c *Countdown) State() string {
	return c.state.Current()
}

// Start begins counting down. The capture fires once, start ticks in, and
// the countdown returns to idle once remaining drops below zero.
func (c *Countdown) Start() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.state.Is(StateCounting) {
		return ErrAlreadyCounting
	}
	if err := c.state.Event(context.Background(), "start"); err != nil {
		return err
	}
	c.remaining = c.start
	stop := make(chan struct{})
	c.stop = stop
	go c.run(stop)

	return nil
}

// Cancel stops a running countdown; nothing fires afterwards.
func (c *Countdown) Cancel() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.cancelLocked()
}

func (c *Countdown) cancelLocked() {
	if c.stop == nil {
		return
	}
	close(c.stop)
	c.stop = nil
	c.remaining = c.start
	if err := c.state.Event(context.Background(), "cancel"); err != nil {
		c.logger.Warnf("cancel countdown: %s", err)
	}
}

func (c *Countdown) run(stop chan struct{}) {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		c.lock.Lock()
		if c.stop != stop {
			c.lock.Unlock()
			return
		}
		ticks++
		c.remaining--
		fire := ticks == c.start
		finished := c.remaining < 0
		if finished {
			c.stop = nil
			c.remaining = c.start
			if err := c.state.Event(context.Background(), "finish"); err != nil {
				c.logger.Warnf("finish countdown: %s", err)
			}
		}
		c.lock.Unlock()

		if fire && c.onFire != nil {
			c.onFire()
		}
		if finished {
			return
		}
	}
}
