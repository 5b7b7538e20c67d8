// Package api exposes the camera pipeline over HTTP. Every mutating
// endpoint maps one-to-one onto a Supervisor command; failures come back as
// a JSON envelope carrying a stable reason code plus the camera id so
// clients can react without parsing message text.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"camera-control-go/internal/device"
	"camera-control-go/internal/perf"
	"camera-control-go/internal/pipeline"
	"camera-control-go/internal/record"
)

// Server bundles the collaborators the handlers need.
type Server struct {
	Supervisor *pipeline.Supervisor
	Recorder   *record.Recorder
	Monitor    *perf.Monitor
	// FrameInterval paces the MJPEG push stream; it should track the
	// display refresh rate.
	FrameInterval time.Duration

	log *slog.Logger
}

// NewServer wires the handler set.
func NewServer(sup *pipeline.Supervisor, rec *record.Recorder, mon *perf.Monitor, frameInterval time.Duration) *Server {
	if frameInterval <= 0 {
		frameInterval = 50 * time.Millisecond
	}
	return &Server{
		Supervisor:    sup,
		Recorder:      rec,
		Monitor:       mon,
		FrameInterval: frameInterval,
		log:           slog.With("component", "api"),
	}
}

// NewRouter builds the gin engine with recovery, logging and the API routes.
func NewRouter(s *Server, enableCORS bool) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.CustomRecovery(func(c *gin.Context, err any) {
		slog.ErrorContext(c.Request.Context(), "panic", "err", err, "stack", string(debug.Stack()))
		c.AbortWithStatus(http.StatusInternalServerError)
	}))
	r.Use(requestLogger(s.log))

	if enableCORS {
		r.Use(cors.New(cors.Config{
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Accept", "Content-Type", "Origin", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
			AllowOriginFunc:  func(string) bool { return true },
		}))
	}

	s.registerRoutes(r)
	return r
}

func (s *Server) registerRoutes(r gin.IRouter) {
	apiGroup := r.Group("/api")

	apiGroup.GET("/cameras", s.listCameras)
	apiGroup.POST("/cameras", s.connectCamera)

	cam := apiGroup.Group("/cameras/:id")
	cam.GET("", s.cameraStatus)
	cam.DELETE("", s.disconnectCamera)
	cam.POST("/stream/start", s.startStream)
	cam.POST("/stream/stop", s.stopStream)
	cam.POST("/record/start", s.startRecording)
	cam.POST("/record/stop", s.stopRecording)
	cam.POST("/zoom", s.setZoom)
	cam.GET("/params/:name", s.getParameter)
	cam.PUT("/params/:name", s.setParameter)
	cam.GET("/frame.jpg", s.frameJPEG)
	cam.GET("/stream.mjpeg", s.streamMJPEG)

	apiGroup.GET("/perf", s.perfSample)
	apiGroup.GET("/recordings", s.listRecordings)
	apiGroup.GET("/codecs", s.listCodecs)
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		// The MJPEG stream holds the connection open; logging it on
		// completion is still the right shape, just late.
		log.Info("http",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"dur", time.Since(start).Round(time.Millisecond),
		)
	}
}

// =============================================================================
// Error envelope
// =============================================================================

// errorBody is the JSON failure envelope: a stable machine-readable code,
// the camera the command addressed, and a human message for logs/debugging.
type errorBody struct {
	Code   string `json:"code"`
	Camera string `json:"camera,omitempty"`
	Msg    string `json:"msg"`
}

func fail(c *gin.Context, cameraID string, err error) {
	code := pipeline.Code(err)
	c.JSON(httpStatus(err), errorBody{Code: code, Camera: cameraID, Msg: err.Error()})
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrUnknownCamera):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrInvalidState),
		errors.Is(err, record.ErrAlreadyRecording):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrInvalidZoom),
		errors.Is(err, record.ErrUnsupportedCodec),
		errors.Is(err, device.ErrUnknownParameter),
		errors.Is(err, device.ErrOutOfRange),
		errors.Is(err, device.ErrRejected):
		return http.StatusBadRequest
	case errors.Is(err, device.ErrDeviceUnavailable),
		errors.Is(err, device.ErrTimeout):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
