package main

import (
	"context"
	"flag"
	"time"

	"go.uber.org/zap"

	"snapcam/pkg/api"
	"snapcam/pkg/artifact"
	"snapcam/pkg/camera"
	"snapcam/pkg/capture"
	"snapcam/pkg/config"
	"snapcam/pkg/types"
	"snapcam/pkg/utils"
	"snapcam/pkg/widget"
)

var (
	configPath = flag.String("config", "./snapcam.json", "config file, optional")
	port       = flag.Int("port", 9999, "ui port")
	devices    = flag.String("devices", camera.DefaultDevices().String(), "facing mode to device path, e.g. user=/dev/video0,environment=/dev/video1")
	facing     = flag.String("facing", string(types.FacingUser), "initial facing mode")
	source     = flag.String("source", string(types.SourceFrame), "default capture source: frame or photo")
	prewarm    = flag.Bool("prewarm", false, "keep the stream running while a still is shown")
	logLevel   = flag.String("log-level", "info", "debug, info, warn or error")

	logger *zap.SugaredLogger
)

func init() {
	logger = utils.GetLogger()
	flag.Parse()
}

func main() {
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal(err)
	}
	if err = utils.SetLevel(cfg.LogLevel); err != nil {
		logger.Fatal(err)
	}
	logger.Infof("devices: %s, facing %s, capture source %s", cfg.Devices, cfg.FacingMode, cfg.CaptureSource)

	dev := camera.NewV4L2Device(cfg.Devices,
		camera.WithSize(cfg.Width, cfg.Height),
		camera.WithFormat(cfg.PixelFormat),
		camera.WithJPEGQuality(cfg.JPEGQuality),
	)
	stream := camera.NewStreamController(dev,
		camera.WithInitialConfig(types.StreamConfig{FacingMode: cfg.FacingMode}),
		camera.WithAcquireTimeout(cfg.AcquireTimeout.Std()),
	)
	reg := artifact.NewRegistry()
	w := widget.New(stream, capture.NewSession(dev, dev, reg), widget.Options{
		CaptureSource:      cfg.CaptureSource,
		PrewarmWhileFrozen: cfg.PrewarmWhileFrozen,
		TimerStart:         cfg.TimerStart,
		TimerTick:          cfg.TimerTick.Std(),
		CaptureTimeout:     cfg.CaptureTimeout.Std(),
	})
	defer w.Unmount()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.AcquireTimeout.Std()+time.Second)
	if err = w.Mount(ctx); err != nil {
		// the ui can retry through /api/camera/active
		logger.Errorf("start camera: %s", err)
	}
	cancel()

	utils.ListenAndServe(api.New(w, reg).Router(), cfg.Port)
}

// loadConfig reads the config file and applies the flags that were set.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}

	var ferr error
	flag.Visit(func(f *flag.Flag) {
		if ferr != nil {
			return
		}
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "devices":
			cfg.Devices, ferr = camera.ParseDevices(*devices)
		case "facing":
			cfg.FacingMode, ferr = types.ParseFacingMode(*facing)
		case "source":
			cfg.CaptureSource, ferr = types.ParseCaptureSource(*source)
		case "prewarm":
			cfg.PrewarmWhileFrozen = *prewarm
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})
	if ferr != nil {
		return nil, ferr
	}

	return cfg, cfg.Validate()
}
