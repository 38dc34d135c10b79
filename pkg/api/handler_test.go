package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/clip-prefetch/pkg/api"
	"github.com/psantana5/clip-prefetch/pkg/auth"
	"github.com/psantana5/clip-prefetch/pkg/framecache"
	"github.com/psantana5/clip-prefetch/pkg/jobhost"
	"github.com/psantana5/clip-prefetch/pkg/metrics"
	"github.com/psantana5/clip-prefetch/pkg/models"
	"github.com/psantana5/clip-prefetch/pkg/prefetch"
	"github.com/psantana5/clip-prefetch/pkg/source"
)

type stubMovies struct {
	gate chan struct{}
}

func (m *stubMovies) Open(clip *models.Clip) (source.MovieDecoder, error) {
	return &stubDecoder{gate: m.gate}, nil
}

type stubDecoder struct {
	gate chan struct{}
}

func (d *stubDecoder) DecodeAt(ctx context.Context, key models.VariantKey) (*models.FrameBuffer, error) {
	if d.gate != nil {
		<-d.gate
	}
	return &models.FrameBuffer{Image: image.NewNRGBA(image.Rect(0, 0, 2, 2))}, nil
}

func (d *stubDecoder) Close() error { return nil }

func newTestServer(t *testing.T, movies *stubMovies) (*httptest.Server, *framecache.Memory) {
	t.Helper()
	cache := framecache.NewMemory(0, 0)
	collector := metrics.NewCollector()
	collector.RegisterCache(cache)
	sched := prefetch.NewScheduler(prefetch.Config{ProgressInterval: 10 * time.Millisecond},
		cache, nil, movies, jobhost.New(nil), prefetch.WithMetrics(collector))

	handler := api.NewHandler(sched, collector, cache, nil)
	srv := httptest.NewServer(api.NewServer(api.ServerConfig{}, handler).Handler)
	t.Cleanup(srv.Close)
	return srv, cache
}

func postPrefetch(t *testing.T, url string, body api.PrefetchRequest) (int, api.PrefetchResponse) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url+"/prefetch", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out api.PrefetchResponse
	if resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func getRecord(t *testing.T, url, id string) (int, models.JobRecord) {
	t.Helper()
	resp, err := http.Get(url + "/jobs/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	var rec models.JobRecord
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	}
	return resp.StatusCode, rec
}

func movieRequest(owner string) api.PrefetchRequest {
	return api.PrefetchRequest{
		Owner:      owner,
		Clip:       &models.Clip{ID: "clip-a", Source: models.SourceMovie, Path: "/m/a.mov", StartFrame: 1},
		SceneStart: 1,
		SceneEnd:   8,
		Frame:      3,
		RenderSize: "50",
	}
}

func TestPrefetchLifecycle(t *testing.T) {
	srv, cache := newTestServer(t, &stubMovies{})

	code, resp := postPrefetch(t, srv.URL, movieRequest("editor"))
	require.Equal(t, http.StatusAccepted, code)
	require.True(t, resp.Started)
	id := resp.Job.ID

	require.Eventually(t, func() bool {
		code, rec := getRecord(t, srv.URL, id)
		return code == http.StatusOK && rec.Status == models.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 8, cache.Len())

	// cache is warm now
	code, resp = postPrefetch(t, srv.URL, movieRequest("editor"))
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, resp.Started)
	assert.Equal(t, models.JobStatusSkipped, resp.Job.Status)

	listResp, err := http.Get(srv.URL + "/jobs?owner=editor&limit=10")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var list struct {
		Jobs  []models.JobRecord `json:"jobs"`
		Count int                `json:"count"`
	}
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	assert.Equal(t, 2, list.Count)
}

func TestPrefetchRenderFlags(t *testing.T) {
	srv, _ := newTestServer(t, &stubMovies{})

	req := movieRequest("editor")
	req.Undistort = true
	req.Fallback = true
	code, resp := postPrefetch(t, srv.URL, req)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, models.RenderUndistorted|models.RenderFallback, resp.Job.Variant.Flag)
	assert.Equal(t, models.RenderSizeProxy50, resp.Job.Variant.Size)
}

func TestPrefetchRejectsBadInput(t *testing.T) {
	srv, _ := newTestServer(t, &stubMovies{})

	resp, err := http.Post(srv.URL+"/prefetch", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req := movieRequest("editor")
	req.RenderSize = "33"
	code, _ := postPrefetch(t, srv.URL, req)
	assert.Equal(t, http.StatusBadRequest, code)

	req = movieRequest("editor")
	req.Clip.Path = ""
	code, _ = postPrefetch(t, srv.URL, req)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCancelAndCloseSession(t *testing.T) {
	gate := make(chan struct{})
	srv, _ := newTestServer(t, &stubMovies{gate: gate})

	_, resp := postPrefetch(t, srv.URL, movieRequest("editor"))
	require.True(t, resp.Started)

	cancelResp, err := http.Post(srv.URL+"/jobs/"+resp.Job.ID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	cancelResp.Body.Close()
	assert.Equal(t, http.StatusAccepted, cancelResp.StatusCode)
	close(gate)

	require.Eventually(t, func() bool {
		_, rec := getRecord(t, srv.URL, resp.Job.ID)
		return rec.Status == models.JobStatusCancelled
	}, 5*time.Second, 10*time.Millisecond)

	missing, err := http.Post(srv.URL+"/jobs/nope/cancel", "application/json", nil)
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	code, _ := getRecord(t, srv.URL, "nope")
	assert.Equal(t, http.StatusNotFound, code)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/sessions/editor", nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer del.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(del.Body).Decode(&out))
	assert.Equal(t, "editor", out["owner"])
	assert.Contains(t, out, "stopped")

	all, err := http.Post(srv.URL+"/cancel", "application/json", nil)
	require.NoError(t, err)
	all.Body.Close()
	assert.Equal(t, http.StatusAccepted, all.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, &stubMovies{})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "healthy", health["status"])
	assert.Contains(t, health, "cache_frames")

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	assert.Contains(t, buf.String(), "clipfetch_cache_frames")
	assert.Contains(t, buf.String(), `route="/health"`)
}

func TestRateLimit(t *testing.T) {
	cache := framecache.NewMemory(0, 0)
	sched := prefetch.NewScheduler(prefetch.Config{}, cache, nil, &stubMovies{}, jobhost.New(nil))
	handler := api.NewHandler(sched, nil, nil, nil)
	server := api.NewServer(api.ServerConfig{RateLimit: 0.001, Burst: 1}, handler)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestAPIKeyRequired(t *testing.T) {
	keys, err := auth.NewKeySet("s3cret")
	require.NoError(t, err)
	cache := framecache.NewMemory(0, 0)
	sched := prefetch.NewScheduler(prefetch.Config{}, cache, nil, &stubMovies{}, jobhost.New(nil))
	server := api.NewServer(api.ServerConfig{Keys: keys}, api.NewHandler(sched, nil, cache, nil))

	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
