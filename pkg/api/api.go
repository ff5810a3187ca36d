// Package api exposes the capture widget over HTTP.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vincent-vinf/go-jsend"
	"go.uber.org/zap"

	"snapcam/pkg/artifact"
	"snapcam/pkg/camera"
	"snapcam/pkg/device"
	"snapcam/pkg/timer"
	"snapcam/pkg/types"
	"snapcam/pkg/utils"
	"snapcam/pkg/utils/ps"
	"snapcam/pkg/widget"
)

const (
	opShow   = "show"
	opHide   = "hide"
	opToggle = "toggle"
	opCancel = "cancel"

	requestTimeout = 15 * time.Second
)

// subscriber is implemented by streams that can feed the MJPEG preview.
type subscriber interface {
	Subscribe() (<-chan []byte, func())
}

type Server struct {
	widget   *widget.Widget
	registry *artifact.Registry
	logger   *zap.SugaredLogger
}

func New(w *widget.Widget, reg *artifact.Registry) *Server {
	return &Server{
		widget:   w,
		registry: reg,
		logger:   utils.GetLogger().Named("api"),
	}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(utils.Cors())
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, jsend.SimpleErr("page not found"))
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiRouter := r.Group("/api")
	apiRouter.GET("/widget", s.getWidget)
	apiRouter.POST("/events/:name", s.postEvent)
	apiRouter.PUT("/preview", s.ctlPreview)
	apiRouter.PUT("/timer", s.ctlTimer)

	cameraRouter := apiRouter.Group("/camera")
	cameraRouter.PUT("/facing", s.setFacing)
	cameraRouter.PUT("/active", s.setActive)
	cameraRouter.GET("/stream", s.realtimeVideo)

	captureRouter := apiRouter.Group("/capture")
	captureRouter.POST("", s.capture)
	captureRouter.GET("/latest", s.latestCapture)
	captureRouter.GET("/:id", s.getCapture)

	deviceRouter := apiRouter.Group("/device")
	deviceRouter.GET("/status", s.deviceStatus)

	return r
}

func (s *Server) getWidget(c *gin.Context) {
	c.JSON(http.StatusOK, jsend.Success(s.widget.Snapshot()))
}

// postEvent accepts any widget event by name, with its argument in ?arg=.
func (s *Server) postEvent(c *gin.Context) {
	ev, err := widget.ParseEvent(c.Param("name"), c.Query("arg"))
	if err != nil {
		c.JSON(http.StatusBadRequest, jsend.SimpleErr(err.Error()))
		return
	}
	s.dispatch(c, ev)
}

func (s *Server) setFacing(c *gin.Context) {
	mode := c.Query("mode")
	if mode == "" || mode == opToggle {
		s.dispatch(c, widget.ToggleFacingMode{})
		return
	}
	m, err := types.ParseFacingMode(mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, jsend.SimpleErr(err.Error()))
		return
	}
	s.dispatch(c, widget.SetFacingMode{Mode: m})
}

func (s *Server) setActive(c *gin.Context) {
	ev, err := widget.ParseEvent(widget.SetActive{}.Name(), c.Query("on"))
	if err != nil {
		c.JSON(http.StatusBadRequest, jsend.SimpleErr(err.Error()))
		return
	}
	s.dispatch(c, ev)
}

func (s *Server) ctlPreview(c *gin.Context) {
	switch c.Query("op") {
	case opShow:
		s.dispatch(c, widget.ShowImage{})
	case opHide:
		s.dispatch(c, widget.HideImage{})
	default:
		c.JSON(http.StatusBadRequest, jsend.SimpleErr("unknown operation"))
	}
}

func (s *Server) ctlTimer(c *gin.Context) {
	switch c.Query("op") {
	case opToggle:
		s.dispatch(c, widget.ToggleTimer{})
	case opCancel:
		s.dispatch(c, widget.CancelTimer{})
	default:
		c.JSON(http.StatusBadRequest, jsend.SimpleErr("unknown operation"))
	}
}

// capture fires the shutter. With the self-timer on the request returns 202
// as soon as the countdown starts.
func (s *Server) capture(c *gin.Context) {
	ev, err := widget.ParseEvent(widget.Capture{}.Name(), c.Query("source"))
	if err != nil {
		c.JSON(http.StatusBadRequest, jsend.SimpleErr(err.Error()))
		return
	}
	timed := s.widget.Snapshot().Timer.Enabled

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	if err = s.widget.Dispatch(ctx, ev); err != nil {
		s.fail(c, err)
		return
	}
	status := http.StatusOK
	if timed {
		status = http.StatusAccepted
	}
	c.JSON(status, jsend.Success(s.widget.Snapshot()))
}

func (s *Server) latestCapture(c *gin.Context) {
	last := s.widget.Session().Last()
	if last == nil {
		c.JSON(http.StatusNotFound, jsend.SimpleErr("nothing captured yet"))
		return
	}
	s.serveArtifact(c, last.URL)
}

func (s *Server) getCapture(c *gin.Context) {
	s.serveArtifact(c, artifact.Scheme+c.Param("id"))
}

func (s *Server) serveArtifact(c *gin.Context, url string) {
	a, ok := s.registry.Lookup(url)
	if !ok {
		c.JSON(http.StatusNotFound, jsend.SimpleErr("capture not found"))
		return
	}
	var buf bytes.Buffer
	if err := a.Encode(&buf); err != nil {
		internalErr(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, a.ContentType(), buf.Bytes())
}

func (s *Server) realtimeVideo(c *gin.Context) {
	handle := s.widget.Stream().CurrentHandle()
	if handle == nil {
		s.fail(c, device.ErrNoActiveStream)
		return
	}
	sub, ok := handle.(subscriber)
	if !ok {
		c.JSON(http.StatusNotImplemented, jsend.SimpleErr("stream does not support preview"))
		return
	}
	frames, unsubscribe := sub.Subscribe()
	defer unsubscribe()

	mimeWriter := multipart.NewWriter(c.Writer)
	c.Header("Content-Type", fmt.Sprintf("multipart/x-mixed-replace; boundary=%s", mimeWriter.Boundary()))
	partHeader := make(textproto.MIMEHeader)
	partHeader.Add("Content-Type", "image/jpeg")

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				// the stream was released, the client reconnects to the next one
				return
			}
			partWriter, err := mimeWriter.CreatePart(partHeader)
			if err != nil {
				s.logger.Warnf("failed to create multi-part writer: %s", err)
				return
			}
			if _, err := partWriter.Write(frame); err != nil {
				s.logger.Debugf("failed to write image: %s", err)
				return
			}
			c.Writer.Flush()
		}
	}
}

func (s *Server) deviceStatus(c *gin.Context) {
	status, err := ps.HostStatus()
	if err != nil {
		internalErr(c, err)
		return
	}
	c.JSON(http.StatusOK, jsend.Success(status))
}

func (s *Server) dispatch(c *gin.Context, ev widget.Event) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	if err := s.widget.Dispatch(ctx, ev); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, jsend.Success(s.widget.Snapshot()))
}

func (s *Server) fail(c *gin.Context, err error) {
	status := StatusOf(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(err)
	} else {
		s.logger.Debugf("%s %s: %s", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, jsend.SimpleErr(err.Error()))
}

// StatusOf maps widget errors to HTTP status codes.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, device.ErrNoActiveStream),
		errors.Is(err, device.ErrCaptureInProgress),
		errors.Is(err, timer.ErrAlreadyCounting):
		return http.StatusConflict
	case errors.Is(err, device.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, device.ErrDeviceUnavailable),
		errors.Is(err, camera.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, device.ErrDeviceTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func internalErr(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, jsend.SimpleErr(err.Error()))
}
