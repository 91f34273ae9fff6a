package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/geoyee/tilestitch/internal/config"
	"github.com/geoyee/tilestitch/internal/model"
)

type testResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type fakePublisher struct {
	mu    sync.Mutex
	metas []model.MapMetadata
}

func (f *fakePublisher) Publish(ctx context.Context, img image.Image, meta model.MapMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metas = append(f.metas, meta)
	return nil
}

func (f *fakePublisher) Close() {}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.metas)
}

type fixture struct {
	server   *Server
	handler  http.Handler
	requests *atomic.Int64
}

func tilePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 256, 256))
	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 70, G: 110, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// newFixture 使用本地瓦片服务与临时磁盘缓存；status 非 200 时瓦片服务返回该状态码
func newFixture(t *testing.T, status int, mutate func(*config.Config)) *fixture {
	t.Helper()
	body := tilePNG(t)
	var requests atomic.Int64
	tiles := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(body)
	}))
	t.Cleanup(tiles.Close)

	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Map.URLTemplate = tiles.URL + "/{z}/{y}/{x}"
	cfg.Map.ImageSize = 256
	cfg.Cache.Dir = filepath.Join(t.TempDir(), "cache")
	cfg.Fetch.RateLimit = 0
	if mutate != nil {
		mutate(cfg)
	}

	d, store, err := newDownloader(context.Background(), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		d.Close()
		store.Close()
	})

	s := NewServer(cfg, d, newSession(cfg.Session, nil), nil)
	return &fixture{server: s, handler: s.Handler(), requests: &requests}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, testResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	var resp testResponse
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	}
	return w, resp
}

func TestHandleHealth(t *testing.T) {
	f := newFixture(t, http.StatusOK, nil)
	w, resp := f.do(t, http.MethodGet, "/api/health", "")

	if w.Code != http.StatusOK || !resp.Success {
		t.Fatalf("Expected healthy response, got %d %+v", w.Code, resp)
	}
	var data map[string]interface{}
	json.Unmarshal(resp.Data, &data)
	if data["provider"] != "esri" || data["map_ready"] != false {
		t.Errorf("unexpected health data %v", data)
	}
	if _, ok := data["position"]; ok {
		t.Errorf("position reported before any fix: %v", data)
	}
}

func TestHandleProviders(t *testing.T) {
	f := newFixture(t, http.StatusOK, nil)
	w, resp := f.do(t, http.MethodGet, "/api/providers", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var list []model.ProviderConfig
	if err := json.Unmarshal(resp.Data, &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || list[0].Key != "esri" || list[2].MaxZoom != 16 {
		t.Errorf("unexpected providers %+v", list)
	}

	if w, _ := f.do(t, http.MethodPost, "/api/providers", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", w.Code)
	}
}

func TestHandleStitchValidation(t *testing.T) {
	f := newFixture(t, http.StatusOK, nil)

	tests := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"bad json", http.MethodPost, "{", http.StatusBadRequest},
		{"missing lon", http.MethodPost, `{"lat": 37.7}`, http.StatusBadRequest},
		{"latitude out of range", http.MethodPost, `{"lat": 89.9, "lon": 0}`, http.StatusBadRequest},
		{"negative coverage", http.MethodPost, `{"lat": 37.7, "lon": -122.4, "coverage_meters": -5}`, http.StatusBadRequest},
		{"oversized image", http.MethodPost, `{"lat": 37.7749, "lon": -122.4194, "coverage_meters": 500, "image_size": 20000}`, http.StatusBadRequest},
		{"negative image size", http.MethodPost, `{"lat": 37.7749, "lon": -122.4194, "image_size": -1}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := f.do(t, tt.method, "/api/stitch", tt.body)
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d (%s)", tt.want, w.Code, resp.Message)
			}
			if resp.Success {
				t.Error("Expected success to be false")
			}
		})
	}
	if got := f.requests.Load(); got != 0 {
		t.Errorf("invalid requests reached the tile server %d times", got)
	}
}

func TestHandleStitchAndFetchResults(t *testing.T) {
	f := newFixture(t, http.StatusOK, nil)
	pub := &fakePublisher{}
	f.server.publisher = pub

	if w, _ := f.do(t, http.MethodGet, "/api/image", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 before any map, got %d", w.Code)
	}
	if w, _ := f.do(t, http.MethodGet, "/api/metadata", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 before any map, got %d", w.Code)
	}

	w, resp := f.do(t, http.MethodPost, "/api/stitch", `{"lat": 37.7749, "lon": -122.4194, "grid": true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d (%s)", w.Code, resp.Message)
	}
	var meta model.MapMetadata
	if err := json.Unmarshal(resp.Data, &meta); err != nil {
		t.Fatal(err)
	}
	if meta.ImageSize != 256 || meta.Provider != "esri" || meta.TilesFetched != meta.TilesTotal {
		t.Errorf("unexpected metadata %+v", meta)
	}
	if pub.count() != 1 {
		t.Errorf("published %d times, want 1", pub.count())
	}

	w, _ = f.do(t, http.MethodGet, "/api/image", "")
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("unexpected image response %d %s", w.Code, w.Header().Get("Content-Type"))
	}
	img, err := png.Decode(w.Body)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 256 || b.Dy() != 256 {
		t.Errorf("image bounds = %v", b)
	}

	w, _ = f.do(t, http.MethodGet, "/api/image?encoding=bgr8", "")
	if w.Code != http.StatusOK || w.Body.Len() != 256*256*3 {
		t.Errorf("bgr8 response %d with %d bytes", w.Code, w.Body.Len())
	}
	if w.Header().Get("X-Image-Width") != "256" || w.Header().Get("X-Image-Encoding") != "bgr8" {
		t.Errorf("unexpected image headers %v", w.Header())
	}

	if w, _ := f.do(t, http.MethodGet, "/api/image?encoding=jpeg", ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown encoding, got %d", w.Code)
	}

	w, resp = f.do(t, http.MethodGet, "/api/metadata", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var latest model.MapMetadata
	json.Unmarshal(resp.Data, &latest)
	if latest.Zoom != meta.Zoom || latest.CenterLat != 37.7749 {
		t.Errorf("metadata mismatch %+v", latest)
	}
}

func TestHandleStitchNoTiles(t *testing.T) {
	f := newFixture(t, http.StatusNotFound, nil)
	w, resp := f.do(t, http.MethodPost, "/api/stitch", `{"lat": 37.7749, "lon": -122.4194}`)
	if w.Code != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d (%s)", w.Code, resp.Message)
	}
	if w, _ := f.do(t, http.MethodGet, "/api/image", ""); w.Code != http.StatusNotFound {
		t.Errorf("failed generation must not record a map, got %d", w.Code)
	}
}

func fixData(t *testing.T, raw json.RawMessage) bool {
	t.Helper()
	var data struct {
		Updated bool `json:"updated"`
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		t.Fatal(err)
	}
	return data.Updated
}

func TestHandleFixFetchOnce(t *testing.T) {
	f := newFixture(t, http.StatusOK, nil)

	_, resp := f.do(t, http.MethodPost, "/api/fix", `{"lat": 0, "lon": 0, "status": 0}`)
	if fixData(t, resp.Data) {
		t.Error("(0, 0) fix must be ignored")
	}
	_, resp = f.do(t, http.MethodPost, "/api/fix", `{"lat": 37.7749, "lon": -122.4194, "status": -1}`)
	if fixData(t, resp.Data) {
		t.Error("fix without signal must be ignored")
	}
	if f.requests.Load() != 0 {
		t.Error("ignored fixes must not fetch tiles")
	}

	w, resp := f.do(t, http.MethodPost, "/api/fix", `{"lat": 37.7749, "lon": -122.4194, "status": 0}`)
	if w.Code != http.StatusOK || !fixData(t, resp.Data) {
		t.Fatalf("first valid fix should generate a map: %d %s", w.Code, resp.Message)
	}
	fetched := f.requests.Load()

	_, resp = f.do(t, http.MethodPost, "/api/fix", `{"lat": 37.80, "lon": -122.40, "status": 0}`)
	if fixData(t, resp.Data) {
		t.Error("fetch-once session must not regenerate")
	}
	if f.requests.Load() != fetched {
		t.Error("unchanged map must not fetch tiles")
	}

	_, resp = f.do(t, http.MethodGet, "/api/health", "")
	var health struct {
		MapReady bool           `json:"map_ready"`
		Position model.GeoPoint `json:"position"`
	}
	if err := json.Unmarshal(resp.Data, &health); err != nil {
		t.Fatal(err)
	}
	if !health.MapReady || health.Position != (model.GeoPoint{Lat: 37.80, Lon: -122.40}) {
		t.Errorf("health should report the latest fix, got %+v", health)
	}
}

func TestHandleFixMovement(t *testing.T) {
	f := newFixture(t, http.StatusOK, func(cfg *config.Config) {
		cfg.Session.FetchOnceAtOrigin = false
		cfg.Session.UpdateOnMovement = true
		cfg.Session.MovementThresholdMeters = 100
	})

	updates := []struct {
		body string
		want bool
	}{
		{`{"lat": 37.7749, "lon": -122.4194}`, true},
		{`{"lat": 37.7752, "lon": -122.4194}`, false},
		{`{"lat": 37.7800, "lon": -122.4194}`, true},
	}
	for i, u := range updates {
		w, resp := f.do(t, http.MethodPost, "/api/fix", u.body)
		if w.Code != http.StatusOK {
			t.Fatalf("fix %d: status %d (%s)", i, w.Code, resp.Message)
		}
		if got := fixData(t, resp.Data); got != u.want {
			t.Errorf("fix %d: updated = %v, want %v", i, got, u.want)
		}
	}
}

func TestHandleCache(t *testing.T) {
	f := newFixture(t, http.StatusOK, nil)
	body := `{"lat": 37.7749, "lon": -122.4194}`

	f.do(t, http.MethodPost, "/api/stitch", body)
	first := f.requests.Load()
	f.do(t, http.MethodPost, "/api/stitch", body)
	if f.requests.Load() != first {
		t.Fatalf("second stitch should be served from cache")
	}

	if w, _ := f.do(t, http.MethodGet, "/api/cache", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", w.Code)
	}
	w, resp := f.do(t, http.MethodDelete, "/api/cache", "")
	if w.Code != http.StatusOK || !resp.Success {
		t.Fatalf("clear cache failed: %d %s", w.Code, resp.Message)
	}

	f.do(t, http.MethodPost, "/api/stitch", body)
	if f.requests.Load() != 2*first {
		t.Errorf("requests = %d, want %d after clearing cache", f.requests.Load(), 2*first)
	}
}

func TestCORSMiddleware(t *testing.T) {
	f := newFixture(t, http.StatusOK, nil)
	w, _ := f.do(t, http.MethodOptions, "/api/stitch", "")
	if w.Code != http.StatusOK || w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("unexpected preflight response %d %v", w.Code, w.Header())
	}

	f.server.corsOrigins = []string{"https://ops.example.com"}
	handler := f.server.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://ops.example.com" {
		t.Errorf("allowed origin not echoed: %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unexpected allow origin %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, http.StatusOK, nil)
	f.do(t, http.MethodPost, "/api/stitch", `{"lat": 37.7749, "lon": -122.4194}`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "tilestitch_") {
		t.Error("expected tilestitch metrics in output")
	}
}

func TestRunPublisher(t *testing.T) {
	f := newFixture(t, http.StatusOK, nil)
	pub := &fakePublisher{}

	// 没有结果时不发布
	f.server.publisher = pub
	f.server.publishLatest(context.Background())
	if pub.count() != 0 {
		t.Fatal("nothing should be published before the first map")
	}

	f.do(t, http.MethodPost, "/api/stitch", `{"lat": 37.7749, "lon": -122.4194}`)
	base := pub.count()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.server.runPublisher(ctx, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for pub.count() < base+2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if pub.count() < base+2 {
		t.Errorf("expected periodic republishing, got %d publishes", pub.count()-base)
	}
}

func TestSnapshotRestoredOnStartup(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "snap")
	f := newFixture(t, http.StatusOK, func(cfg *config.Config) {
		cfg.Session.SnapshotDir = dir
	})
	f.do(t, http.MethodPost, "/api/stitch", `{"lat": 37.7749, "lon": -122.4194}`)

	restored := newSession(f.server.cfg.Session, nil)
	entry, ok := restored.Last()
	if !ok {
		t.Fatal("snapshot was not restored")
	}
	if entry.Metadata.CenterLat != 37.7749 || entry.Image.Bounds().Dx() != 256 {
		t.Errorf("unexpected restored entry %+v", entry.Metadata)
	}
	if !restored.ShouldUpdate(model.GeoPoint{Lat: 37.80, Lon: -122.40}) {
		t.Error("restarted fetch-once service should generate for its new origin")
	}
}
