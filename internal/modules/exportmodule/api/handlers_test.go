package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mantonx/framecast/internal/modules/exportmodule/core/progress"
	exportErrors "github.com/mantonx/framecast/internal/modules/exportmodule/errors"
	"github.com/mantonx/framecast/internal/modules/exportmodule/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	mu        sync.Mutex
	jobs      map[string]*types.ExportJob
	submitted []types.ExportRequest
	submitErr error
	runResult *types.ExportResult
	runErr    error
	cancelled []string

	done    chan struct{}
	watched chan progress.Observer

	// watchErr makes Watch fail after applying finishOnWatch.
	watchErr      error
	finishOnWatch *types.ExportJob
}

func newFakeService() *fakeService {
	return &fakeService{
		jobs:    make(map[string]*types.ExportJob),
		done:    make(chan struct{}),
		watched: make(chan progress.Observer, 1),
	}
}

func (f *fakeService) put(job *types.ExportJob) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
}

func (f *fakeService) Submit(_ context.Context, req types.ExportRequest, _ progress.Observer) (*types.ExportJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submitted = append(f.submitted, req)
	job := &types.ExportJob{ID: fmt.Sprintf("job-%d", len(f.submitted)), Request: req, Status: types.JobStatusQueued}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeService) Run(_ context.Context, req types.ExportRequest, _ progress.Observer) (*types.ExportResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	return f.runResult, f.runErr
}

func (f *fakeService) GetJob(id string) (*types.ExportJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, exportErrors.Wrap("get_job", fmt.Errorf("%w: %s", exportErrors.ErrJobNotFound, id))
	}
	copied := *job
	return &copied, nil
}

func (f *fakeService) ListJobs(limit int) ([]*types.ExportJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.ExportJob, 0, len(f.jobs))
	for _, job := range f.jobs {
		out = append(out, job)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeService) CancelJob(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return exportErrors.Wrap("cancel_job", fmt.Errorf("%w: %s", exportErrors.ErrJobNotFound, id))
	}
	if job.Status.Terminal() {
		return exportErrors.Wrap("cancel_job", fmt.Errorf("%w: already %s", exportErrors.ErrInvalidInput, job.Status))
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeService) Watch(id string, obs progress.Observer) (<-chan struct{}, func(), error) {
	if f.finishOnWatch != nil {
		f.put(f.finishOnWatch)
	}
	if f.watchErr != nil {
		return nil, nil, f.watchErr
	}
	f.watched <- obs
	return f.done, func() {}, nil
}

func newRouter(svc types.ExportService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterRoutes(router, NewAPIHandler(svc))
	return router
}

func do(t *testing.T, router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

const validBody = `{
	"framesDir": "/tmp/frames",
	"outPath": "/tmp/out.mp4",
	"width": 640,
	"height": 360,
	"fps": 30,
	"audio": [{"path": "/tmp/a.m4a", "offsetSec": -0.5}, {"path": "/tmp/b.mp3", "gain": 0.3, "mute": true}]
}`

func TestCreateExport_Queues(t *testing.T) {
	svc := newFakeService()
	w := do(t, newRouter(svc), http.MethodPost, "/api/v1/exports", validBody)

	require.Equal(t, http.StatusAccepted, w.Code)
	body := decode(t, w)
	assert.Equal(t, "job-1", body["id"])
	assert.Equal(t, "queued", body["status"])

	require.Len(t, svc.submitted, 1)
	req := svc.submitted[0]
	assert.Equal(t, 640, req.Width)
	require.Len(t, req.Audio, 2)
	assert.Equal(t, 1.0, req.Audio[0].Gain)
	assert.Equal(t, -0.5, req.Audio[0].OffsetSec)
	assert.Equal(t, 0.3, req.Audio[1].Gain)
	assert.True(t, req.Audio[1].Mute)
}

func TestCreateExport_Wait(t *testing.T) {
	svc := newFakeService()
	svc.runResult = &types.ExportResult{JobID: "job-9", OutPath: "/tmp/out.mp4", Path: types.ExportPathFull, Frames: 30}

	w := do(t, newRouter(svc), http.MethodPost, "/api/v1/exports?wait=true", validBody)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "job-9", body["jobId"])
	assert.Equal(t, "full", body["path"])
}

func TestCreateExport_WaitFailure(t *testing.T) {
	svc := newFakeService()
	svc.runErr = exportErrors.Wrap("encode_video", fmt.Errorf("%w: stalled", exportErrors.ErrEncoderTimeout)).WithJob("job-3")

	w := do(t, newRouter(svc), http.MethodPost, "/api/v1/exports?wait=true", validBody)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	body := decode(t, w)
	assert.Equal(t, exportErrors.CodeEncodeFail, body["code"])
	assert.Equal(t, "EncoderTimeout", body["type"])
	assert.Contains(t, body["error"], "stalled")
}

func TestCreateExport_BadRequests(t *testing.T) {
	svc := newFakeService()
	router := newRouter(svc)

	w := do(t, router, http.MethodPost, "/api/v1/exports", `{"width": "wide"`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, exportErrors.CodeInvalidRequest, decode(t, w)["code"])

	svc.submitErr = exportErrors.ValidationError("submit", fmt.Errorf("%w: 15x16", exportErrors.ErrInvalidDimensions))
	w = do(t, router, http.MethodPost, "/api/v1/exports", validBody)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decode(t, w)
	assert.Equal(t, exportErrors.CodeInvalidRequest, body["code"])
	assert.Equal(t, "InvalidDimensions", body["type"])
}

func TestCreateExport_QueueFull(t *testing.T) {
	svc := newFakeService()
	svc.submitErr = exportErrors.Wrap("submit", fmt.Errorf("%w: 8 jobs waiting", exportErrors.ErrQueueFull))

	w := do(t, newRouter(svc), http.MethodPost, "/api/v1/exports", validBody)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, exportErrors.CodeQueueFull, decode(t, w)["code"])
}

func TestGetExport(t *testing.T) {
	svc := newFakeService()
	svc.put(&types.ExportJob{ID: "abc", Status: types.JobStatusRunning, Progress: 0.42})
	router := newRouter(svc)

	w := do(t, router, http.MethodGet, "/api/v1/exports/abc", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, 0.42, body["progress"])

	w = do(t, router, http.MethodGet, "/api/v1/exports/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, exportErrors.CodeNotFound, decode(t, w)["code"])
}

func TestListExports(t *testing.T) {
	svc := newFakeService()
	svc.put(&types.ExportJob{ID: "a"})
	svc.put(&types.ExportJob{ID: "b"})
	router := newRouter(svc)

	w := do(t, router, http.MethodGet, "/api/v1/exports", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["count"])

	w = do(t, router, http.MethodGet, "/api/v1/exports?limit=1", "")
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = do(t, router, http.MethodGet, "/api/v1/exports?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelExport(t *testing.T) {
	svc := newFakeService()
	svc.put(&types.ExportJob{ID: "live", Status: types.JobStatusRunning})
	svc.put(&types.ExportJob{ID: "old", Status: types.JobStatusCompleted})
	router := newRouter(svc)

	w := do(t, router, http.MethodDelete, "/api/v1/exports/live", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"live"}, svc.cancelled)

	w = do(t, router, http.MethodDelete, "/api/v1/exports/old", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, http.MethodDelete, "/api/v1/exports/ghost", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func dial(t *testing.T, server *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/exports/" + id + "/progress"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestStreamProgress(t *testing.T) {
	svc := newFakeService()
	svc.put(&types.ExportJob{ID: "job-1", Status: types.JobStatusRunning, Progress: 0.1})
	server := httptest.NewServer(newRouter(svc))
	defer server.Close()

	conn := dial(t, server, "job-1")

	var msg ProgressMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, ProgressMessage{JobID: "job-1", Progress: 0.1, Status: types.JobStatusRunning}, msg)

	var obs progress.Observer
	select {
	case obs = <-svc.watched:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never attached an observer")
	}

	obs.OnProgress(0.5)
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, 0.5, msg.Progress)
	assert.Equal(t, types.JobStatusRunning, msg.Status)

	svc.put(&types.ExportJob{ID: "job-1", Status: types.JobStatusCompleted, Progress: 1})
	close(svc.done)

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, ProgressMessage{JobID: "job-1", Progress: 1, Status: types.JobStatusCompleted}, msg)

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error %v", err)
}

func TestStreamProgress_FinishedJob(t *testing.T) {
	svc := newFakeService()
	svc.put(&types.ExportJob{ID: "job-1", Status: types.JobStatusFailed, Progress: 0.3, Error: "boom"})
	server := httptest.NewServer(newRouter(svc))
	defer server.Close()

	conn := dial(t, server, "job-1")
	var msg ProgressMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, types.JobStatusFailed, msg.Status)
	assert.Equal(t, "boom", msg.Error)
}

func TestStreamProgress_UnknownJob(t *testing.T) {
	server := httptest.NewServer(newRouter(newFakeService()))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/exports/ghost/progress"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamProgress_JobFinishesBeforeWatch(t *testing.T) {
	svc := newFakeService()
	svc.put(&types.ExportJob{ID: "job-1", Status: types.JobStatusRunning, Progress: 0.9})
	svc.finishOnWatch = &types.ExportJob{ID: "job-1", Status: types.JobStatusCompleted, Progress: 1}
	svc.watchErr = exportErrors.Wrap("watch_job", fmt.Errorf("%w: job-1 is no longer active", exportErrors.ErrJobNotFound))
	server := httptest.NewServer(newRouter(svc))
	defer server.Close()

	conn := dial(t, server, "job-1")
	var msg ProgressMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, ProgressMessage{JobID: "job-1", Progress: 1, Status: types.JobStatusCompleted}, msg)

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error %v", err)
}

func TestStreamProgress_WatchFailure(t *testing.T) {
	svc := newFakeService()
	svc.put(&types.ExportJob{ID: "job-1", Status: types.JobStatusRunning, Progress: 0.2})
	svc.watchErr = exportErrors.Wrap("watch_job", errors.New("store unavailable"))
	server := httptest.NewServer(newRouter(svc))
	defer server.Close()

	conn := dial(t, server, "job-1")
	var msg ProgressMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, types.JobStatusRunning, msg.Status)
	assert.Contains(t, msg.Error, "store unavailable")
}
