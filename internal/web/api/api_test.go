package api

import (
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"camera-control-go/internal/device"
	"camera-control-go/internal/perf"
	"camera-control-go/internal/pipeline"
	"camera-control-go/internal/record"
)

type memEncoder struct{}

func (memEncoder) Open(string, float64, int, int) error { return nil }
func (memEncoder) Write(image.Image) error              { return nil }
func (memEncoder) Close() error                         { return nil }

type idleProbe struct{}

func (idleProbe) CPUPercent() (float64, error)    { return 10, nil }
func (idleProbe) MemoryPercent() (float64, error) { return 10, nil }

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()

	backend := &device.SimBackend{Width: 64, Height: 48, FPS: 100}

	monitor := perf.NewMonitor(idleProbe{})
	monitor.Start(10 * time.Millisecond)
	t.Cleanup(monitor.Stop)

	recorder, err := record.NewRecorder(record.Config{
		Dir:          t.TempDir(),
		FPS:          30,
		PollInterval: 2 * time.Millisecond,
		NewEncoder:   func(record.Codec) record.Encoder { return memEncoder{} },
	})
	require.NoError(t, err)

	sup := pipeline.NewSupervisor(backend, recorder, monitor, perf.NewController(perf.DefaultThresholds()), pipeline.Config{
		ReadTimeout: 100 * time.Millisecond,
		MaxTimeouts: 3,
	})
	sup.Start()
	t.Cleanup(sup.Stop)

	return NewRouter(NewServer(sup, recorder, monitor, 5*time.Millisecond), false)
}

func do(t *testing.T, r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func connectCam(t *testing.T, r *gin.Engine) string {
	t.Helper()
	w := do(t, r, http.MethodPost, "/api/cameras", `{"ref":"0"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var status pipeline.CameraStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	require.NotEmpty(t, status.ID)
	return status.ID
}

func TestConnectAndList(t *testing.T) {
	r := newTestRouter(t)

	id := connectCam(t, r)

	w := do(t, r, http.MethodGet, "/api/cameras", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Cameras []pipeline.CameraStatus `json:"cameras"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Cameras, 1)
	assert.Equal(t, id, resp.Cameras[0].ID)
	assert.Equal(t, pipeline.StateConnected, resp.Cameras[0].State)
}

func TestConnectBadRef(t *testing.T) {
	r := newTestRouter(t)

	w := do(t, r, http.MethodPost, "/api/cameras", `{"ref":"not-a-number"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "device_unavailable", body.Code)
}

func TestUnknownCameraEnvelope(t *testing.T) {
	r := newTestRouter(t)

	w := do(t, r, http.MethodPost, "/api/cameras/ghost/stream/start", "")
	require.Equal(t, http.StatusNotFound, w.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "unknown_camera", body.Code)
	assert.Equal(t, "ghost", body.Camera)
	assert.NotEmpty(t, body.Msg)
}

func TestStreamLifecycleOverHTTP(t *testing.T) {
	r := newTestRouter(t)
	id := connectCam(t, r)

	w := do(t, r, http.MethodPost, "/api/cameras/"+id+"/stream/start", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var status pipeline.CameraStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, pipeline.StateStreaming, status.State)

	// Starting again conflicts.
	w = do(t, r, http.MethodPost, "/api/cameras/"+id+"/stream/start", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	// A frame becomes fetchable once capture is running.
	require.Eventually(t, func() bool {
		w := do(t, r, http.MethodGet, "/api/cameras/"+id+"/frame.jpg", "")
		return w.Code == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	w = do(t, r, http.MethodGet, "/api/cameras/"+id+"/frame.jpg", "")
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Frame-Seq"))

	w = do(t, r, http.MethodPost, "/api/cameras/"+id+"/stream/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRecordingOverHTTP(t *testing.T) {
	r := newTestRouter(t)
	id := connectCam(t, r)
	do(t, r, http.MethodPost, "/api/cameras/"+id+"/stream/start", "")

	w := do(t, r, http.MethodPost, "/api/cameras/"+id+"/record/start", `{"codec":"MJPG"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var session record.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))
	assert.Equal(t, record.CodecMJPG, session.Codec)
	assert.Equal(t, record.SessionActive, session.State)

	w = do(t, r, http.MethodPost, "/api/cameras/"+id+"/record/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))
	assert.Equal(t, record.SessionComplete, session.State)

	w = do(t, r, http.MethodGet, "/api/recordings", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Sessions []record.Session `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Sessions, 1)
}

func TestRecordingBadCodec(t *testing.T) {
	r := newTestRouter(t)
	id := connectCam(t, r)
	do(t, r, http.MethodPost, "/api/cameras/"+id+"/stream/start", "")

	w := do(t, r, http.MethodPost, "/api/cameras/"+id+"/record/start", `{"codec":"DIVX"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "unsupported_codec", body.Code)
}

func TestZoomOverHTTP(t *testing.T) {
	r := newTestRouter(t)
	id := connectCam(t, r)

	w := do(t, r, http.MethodPost, "/api/cameras/"+id+"/zoom", `{"factor":3.0}`)
	require.Equal(t, http.StatusOK, w.Code)
	var status pipeline.CameraStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, 3.0, status.Zoom)

	w = do(t, r, http.MethodPost, "/api/cameras/"+id+"/zoom", `{"factor":9.5}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "invalid_zoom", body.Code)
}

func TestParametersOverHTTP(t *testing.T) {
	r := newTestRouter(t)
	id := connectCam(t, r)

	w := do(t, r, http.MethodGet, "/api/cameras/"+id+"/params/brightness", "")
	require.Equal(t, http.StatusOK, w.Code)
	var p device.Parameter
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, 128.0, p.Value)

	w = do(t, r, http.MethodPut, "/api/cameras/"+id+"/params/brightness", `{"value":50}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, 50.0, p.Value)

	w = do(t, r, http.MethodPut, "/api/cameras/"+id+"/params/brightness", `{"value":5000}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPut, "/api/cameras/"+id+"/params/brightness", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPut, "/api/cameras/"+id+"/params/exposure", `{"auto":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.False(t, p.Auto)
}

func TestPerfEndpoint(t *testing.T) {
	r := newTestRouter(t)

	require.Eventually(t, func() bool {
		w := do(t, r, http.MethodGet, "/api/perf", "")
		if w.Code != http.StatusOK {
			return false
		}
		var s perf.Sample
		if err := json.Unmarshal(w.Body.Bytes(), &s); err != nil {
			return false
		}
		return s.CPUPercent == 10
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCodecsEndpoint(t *testing.T) {
	r := newTestRouter(t)

	w := do(t, r, http.MethodGet, "/api/codecs", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Codecs []record.Codec `json:"codecs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Codecs, record.CodecXVID)
	assert.Contains(t, resp.Codecs, record.CodecH264)
}

func TestDisconnectOverHTTP(t *testing.T) {
	r := newTestRouter(t)
	id := connectCam(t, r)

	w := do(t, r, http.MethodDelete, "/api/cameras/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, r, http.MethodGet, "/api/cameras/"+id, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
