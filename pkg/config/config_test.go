package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"snapcam/pkg/camera"
	"snapcam/pkg/types"
)

func checkErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func TestDefaultIsValid(t *testing.T) {
	checkErr(t, Default().Validate())

	cfg, err := Load("")
	checkErr(t, err)
	if cfg.FacingMode != types.FacingUser || cfg.TimerStart != 3 {
		t.Fatalf("defaults = %+v", cfg)
	}

	cfg, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	checkErr(t, err)
	if cfg.Port != 9999 {
		t.Fatalf("port = %d", cfg.Port)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapcam.json")
	data := `{
		"port": 8080,
		"devices": {"user": "/dev/video2", "environment": "/dev/video4"},
		"facingMode": "environment",
		"captureSource": "photo",
		"acquireTimeout": "2s",
		"timerTick": 250,
		"prewarmWhileFrozen": true
	}`
	checkErr(t, os.WriteFile(path, []byte(data), 0660))

	cfg, err := Load(path)
	checkErr(t, err)
	if cfg.Port != 8080 || cfg.FacingMode != types.FacingEnvironment || cfg.CaptureSource != types.SourcePhoto {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Devices[types.FacingUser] != "/dev/video2" {
		t.Fatalf("devices = %v", cfg.Devices)
	}
	if cfg.AcquireTimeout.Std() != 2*time.Second || cfg.TimerTick.Std() != 250*time.Millisecond {
		t.Fatalf("durations = %s, %s", cfg.AcquireTimeout.Std(), cfg.TimerTick.Std())
	}
	if !cfg.PrewarmWhileFrozen {
		t.Fatal("prewarm not read")
	}
	// untouched fields keep their defaults
	if cfg.Width != camera.DefaultWidth || cfg.TimerStart != 3 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"port":      func(c *Config) { c.Port = 0 },
		"facing":    func(c *Config) { c.FacingMode = "side" },
		"source":    func(c *Config) { c.CaptureSource = "video" },
		"format":    func(c *Config) { c.PixelFormat = "yuyv" },
		"quality":   func(c *Config) { c.JPEGQuality = 101 },
		"timer":     func(c *Config) { c.TimerStart = 0 },
		"no device": func(c *Config) { c.Devices = nil },
		"tick":      func(c *Config) { c.TimerTick = 0 },
	}
	for name, mutate := range cases {
		c := Default()
		mutate(c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	checkErr(t, os.WriteFile(path, []byte(`{"acquireTimeout": "soon"}`), 0660))
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for bad duration")
	}
}
