package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"

	"snapcam/pkg/camera"
	"snapcam/pkg/types"
)

// Duration reads "1s"-style strings from JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var ms int64
		if err2 := json.Unmarshal(b, &ms); err2 != nil {
			return fmt.Errorf("duration must be a string or milliseconds: %w", err)
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Port     int    `json:"port"`
	LogLevel string `json:"logLevel"`

	Devices     camera.Devices     `json:"devices"`
	Width       int                `json:"width"`
	Height      int                `json:"height"`
	PixelFormat camera.PixelFormat `json:"pixelFormat"`
	JPEGQuality int                `json:"jpegQuality"`

	FacingMode     types.FacingMode    `json:"facingMode"`
	CaptureSource  types.CaptureSource `json:"captureSource"`
	AcquireTimeout Duration            `json:"acquireTimeout"`
	CaptureTimeout Duration            `json:"captureTimeout"`

	// PrewarmWhileFrozen keeps acquiring streams while a still is shown.
	PrewarmWhileFrozen bool `json:"prewarmWhileFrozen"`

	TimerStart int      `json:"timerStart"`
	TimerTick  Duration `json:"timerTick"`
}

func Default() *Config {
	return &Config{
		Port:           9999,
		LogLevel:       "info",
		Devices:        camera.DefaultDevices(),
		Width:          camera.DefaultWidth,
		Height:         camera.DefaultHeight,
		PixelFormat:    camera.FormatJPEG,
		JPEGQuality:    camera.DefaultJPEGQuality,
		FacingMode:     types.FacingUser,
		CaptureSource:  types.SourceFrame,
		AcquireTimeout: Duration(camera.DefaultAcquireTimeout),
		CaptureTimeout: Duration(10 * time.Second),
		TimerStart:     3,
		TimerTick:      Duration(time.Second),
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config err: %w", err)
	}
	if err = json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config err: %w", err)
	}

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if len(c.Devices) == 0 {
		return errors.New("no camera devices configured")
	}
	for mode := range c.Devices {
		if !mode.Valid() {
			return fmt.Errorf("unknown facing mode %q in devices", mode)
		}
	}
	if !c.FacingMode.Valid() {
		return fmt.Errorf("unknown facing mode %q", c.FacingMode)
	}
	if _, err := types.ParseCaptureSource(string(c.CaptureSource)); err != nil {
		return err
	}
	if c.PixelFormat != camera.FormatJPEG && c.PixelFormat != camera.FormatRGB24 {
		return fmt.Errorf("unknown pixel format %q", c.PixelFormat)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("bad size %dx%d", c.Width, c.Height)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("jpeg quality %d out of range", c.JPEGQuality)
	}
	if c.TimerStart < 1 {
		return fmt.Errorf("timer start %d must be positive", c.TimerStart)
	}
	if c.TimerTick <= 0 || c.AcquireTimeout < 0 || c.CaptureTimeout <= 0 {
		return errors.New("timeouts and tick must be positive")
	}
	return nil
}
