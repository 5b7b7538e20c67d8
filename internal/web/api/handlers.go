package api

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"camera-control-go/internal/pipeline"
	"camera-control-go/internal/record"
)

// =============================================================================
// Camera lifecycle
// =============================================================================

type connectInput struct {
	// Ref is the backend device reference, e.g. "/dev/video0" or "0".
	Ref string `json:"ref" binding:"required"`
}

func (s *Server) connectCamera(c *gin.Context) {
	var in connectInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Code: "bad_request", Msg: err.Error()})
		return
	}
	id, err := s.Supervisor.Connect(in.Ref)
	if err != nil {
		fail(c, "", err)
		return
	}
	status, err := s.Supervisor.Status(id)
	if err != nil {
		fail(c, id, err)
		return
	}
	c.JSON(http.StatusCreated, status)
}

func (s *Server) listCameras(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cameras": s.Supervisor.ListActive()})
}

func (s *Server) cameraStatus(c *gin.Context) {
	id := c.Param("id")
	status, err := s.Supervisor.Status(id)
	if err != nil {
		fail(c, id, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) disconnectCamera(c *gin.Context) {
	id := c.Param("id")
	if err := s.Supervisor.Disconnect(id); err != nil {
		fail(c, id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "state": pipeline.StateDisconnected})
}

// =============================================================================
// Streaming and recording commands
// =============================================================================

func (s *Server) startStream(c *gin.Context) {
	id := c.Param("id")
	if err := s.Supervisor.StartStream(id); err != nil {
		fail(c, id, err)
		return
	}
	s.respondStatus(c, id)
}

func (s *Server) stopStream(c *gin.Context) {
	id := c.Param("id")
	if err := s.Supervisor.StopStream(id); err != nil {
		fail(c, id, err)
		return
	}
	s.respondStatus(c, id)
}

type recordInput struct {
	Path  string `json:"path"`
	Codec string `json:"codec"`
}

func (s *Server) startRecording(c *gin.Context) {
	id := c.Param("id")
	var in recordInput
	if err := c.ShouldBindJSON(&in); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, errorBody{Code: "bad_request", Camera: id, Msg: err.Error()})
		return
	}
	codec := record.CodecXVID
	if in.Codec != "" {
		var err error
		if codec, err = record.ParseCodec(in.Codec); err != nil {
			fail(c, id, err)
			return
		}
	}
	session, err := s.Supervisor.StartRecording(id, in.Path, codec)
	if err != nil {
		fail(c, id, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (s *Server) stopRecording(c *gin.Context) {
	id := c.Param("id")
	session, err := s.Supervisor.StopRecording(id)
	if err != nil {
		fail(c, id, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) listRecordings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.Recorder.Sessions()})
}

func (s *Server) listCodecs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"codecs": record.Codecs()})
}

// =============================================================================
// Controls
// =============================================================================

type zoomInput struct {
	Factor float64 `json:"factor" binding:"required"`
}

func (s *Server) setZoom(c *gin.Context) {
	id := c.Param("id")
	var in zoomInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Code: "bad_request", Camera: id, Msg: err.Error()})
		return
	}
	if err := s.Supervisor.SetZoom(id, in.Factor); err != nil {
		fail(c, id, err)
		return
	}
	s.respondStatus(c, id)
}

func (s *Server) getParameter(c *gin.Context) {
	id, name := c.Param("id"), c.Param("name")
	p, err := s.Supervisor.GetParameter(id, name)
	if err != nil {
		fail(c, id, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type paramInput struct {
	Value *float64 `json:"value"`
	Auto  *bool    `json:"auto"`
}

func (s *Server) setParameter(c *gin.Context) {
	id, name := c.Param("id"), c.Param("name")
	var in paramInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Code: "bad_request", Camera: id, Msg: err.Error()})
		return
	}
	if in.Value == nil && in.Auto == nil {
		c.JSON(http.StatusBadRequest, errorBody{Code: "bad_request", Camera: id, Msg: "value or auto required"})
		return
	}
	if in.Auto != nil {
		if err := s.Supervisor.SetParameterAuto(id, name, *in.Auto); err != nil {
			fail(c, id, err)
			return
		}
	}
	if in.Value != nil {
		if err := s.Supervisor.SetParameter(id, name, *in.Value); err != nil {
			fail(c, id, err)
			return
		}
	}
	p, err := s.Supervisor.GetParameter(id, name)
	if err != nil {
		fail(c, id, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// =============================================================================
// Performance
// =============================================================================

func (s *Server) perfSample(c *gin.Context) {
	c.JSON(http.StatusOK, s.Monitor.Latest())
}

// =============================================================================
// Frame delivery
// =============================================================================

const jpegQuality = 80

func (s *Server) frameJPEG(c *gin.Context) {
	id := c.Param("id")
	frame, ok := s.Supervisor.LatestFrame(id)
	if !ok {
		c.JSON(http.StatusNotFound, errorBody{Code: "no_frame", Camera: id, Msg: "no frame available"})
		return
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: jpegQuality}); err != nil {
		c.JSON(http.StatusInternalServerError, errorBody{Code: "internal", Camera: id, Msg: err.Error()})
		return
	}
	c.Header("X-Frame-Seq", fmt.Sprintf("%d", frame.Seq))
	c.Data(http.StatusOK, "image/jpeg", buf.Bytes())
}

// streamMJPEG pushes frames as a multipart/x-mixed-replace stream until the
// client hangs up or the camera goes away. It polls the frame buffer at the
// display cadence and only emits when the sequence advances, so a stalled
// camera costs no bandwidth.
func (s *Server) streamMJPEG(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.Supervisor.Status(id); err != nil {
		fail(c, id, err)
		return
	}

	const boundary = "frame"
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	c.Header("Cache-Control", "no-cache")

	ticker := time.NewTicker(s.FrameInterval)
	defer ticker.Stop()

	var lastSeq uint64
	var buf bytes.Buffer
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-ticker.C:
		}

		frame, ok := s.Supervisor.LatestFrame(id)
		if !ok {
			// Camera disconnected; end the stream.
			if _, err := s.Supervisor.Status(id); err != nil {
				return
			}
			continue
		}
		if frame.Seq == lastSeq {
			continue
		}
		lastSeq = frame.Seq

		buf.Reset()
		if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: jpegQuality}); err != nil {
			s.log.Warn("mjpeg encode failed", "camera", id, "err", err)
			continue
		}
		if _, err := fmt.Fprintf(c.Writer, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, buf.Len()); err != nil {
			return
		}
		if _, err := c.Writer.Write(buf.Bytes()); err != nil {
			return
		}
		if _, err := fmt.Fprint(c.Writer, "\r\n"); err != nil {
			return
		}
		c.Writer.Flush()
	}
}

func (s *Server) respondStatus(c *gin.Context, id string) {
	status, err := s.Supervisor.Status(id)
	if err != nil {
		fail(c, id, err)
		return
	}
	c.JSON(http.StatusOK, status)
}
