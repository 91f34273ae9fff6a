package session

import (
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/geoyee/tilestitch/internal/calculator"
	"github.com/geoyee/tilestitch/internal/model"
)

var origin = model.GeoPoint{Lat: 37.7749, Lon: -122.4194}

func testImage() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 30), G: uint8(y * 30), B: 90, A: 255})
		}
	}
	return img
}

func metaAt(p model.GeoPoint) model.MapMetadata {
	return model.MapMetadata{
		CenterLat:      p.Lat,
		CenterLon:      p.Lon,
		CoverageMeters: 500,
		ImageSize:      8,
		Zoom:           18,
		Provider:       "esri",
		TilesFetched:   49,
		TilesTotal:     49,
		GeneratedAt:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestValidFix(t *testing.T) {
	tests := []struct {
		p      model.GeoPoint
		status int
		want   bool
	}{
		{origin, 0, true},
		{origin, 2, true},
		{origin, -1, false},
		{model.GeoPoint{}, 0, false},
		{model.GeoPoint{Lat: 0, Lon: 10}, 0, true},
		{model.GeoPoint{Lat: 95, Lon: 10}, 0, false},
	}
	for _, tt := range tests {
		if got := ValidFix(tt.p, tt.status); got != tt.want {
			t.Errorf("ValidFix(%v, %d) = %v, want %v", tt.p, tt.status, got, tt.want)
		}
	}
}

func TestShouldUpdateFetchOnce(t *testing.T) {
	s := New(Policy{FetchOnceAtOrigin: true, UpdateOnMovement: true, MovementThresholdMeters: 1}, nil)

	if !s.ShouldUpdate(origin) {
		t.Error("first fix should trigger an update")
	}
	s.Record(testImage(), metaAt(origin))

	far := calculator.OffsetMeters(origin, 5000, 0)
	if s.ShouldUpdate(far) {
		t.Error("fetch-once session must not update after the first map")
	}
}

func TestShouldUpdateMovement(t *testing.T) {
	s := New(Policy{UpdateOnMovement: true, MovementThresholdMeters: 100}, nil)

	if !s.ShouldUpdate(origin) {
		t.Error("no previous map should trigger an update")
	}
	s.Record(testImage(), metaAt(origin))

	if s.ShouldUpdate(calculator.OffsetMeters(origin, 50, 0)) {
		t.Error("50 m move should not trigger an update")
	}
	if !s.ShouldUpdate(calculator.OffsetMeters(origin, 0, 150)) {
		t.Error("150 m move should trigger an update")
	}
}

func TestShouldUpdateStatic(t *testing.T) {
	s := New(Policy{MovementThresholdMeters: 100}, nil)

	if !s.ShouldUpdate(origin) {
		t.Error("no previous map should trigger an update")
	}
	s.Record(testImage(), metaAt(origin))
	if s.ShouldUpdate(calculator.OffsetMeters(origin, 10000, 0)) {
		t.Error("updates on movement are disabled")
	}
}

func TestObserveCenter(t *testing.T) {
	s := New(Policy{}, nil)
	if _, ok := s.Center(); ok {
		t.Error("new session should have no center")
	}
	s.Observe(origin)
	if got, ok := s.Center(); !ok || got != origin {
		t.Errorf("Center() = %v, %v", got, ok)
	}
}

func TestRecordAndLast(t *testing.T) {
	s := New(Policy{}, nil)
	if _, ok := s.Last(); ok {
		t.Fatal("new session should have no result")
	}

	img := testImage()
	s.Record(img, metaAt(origin))

	entry, ok := s.Last()
	if !ok {
		t.Fatal("Last() returned nothing after Record")
	}
	if entry.Image != img {
		t.Error("Last() returned a different image")
	}
	if entry.Position != origin {
		t.Errorf("Position = %v, want %v", entry.Position, origin)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "snap")
	s := New(Policy{FetchOnceAtOrigin: true}, nil)

	// 没有结果时不写文件
	if err := s.SaveSnapshot(dir); err != nil {
		t.Fatalf("SaveSnapshot on empty session: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("empty session should not create %s", dir)
	}

	img := testImage()
	s.Record(img, metaAt(origin))
	if err := s.SaveSnapshot(dir); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	restored := New(Policy{FetchOnceAtOrigin: true}, nil)
	if err := restored.LoadSnapshot(dir); err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}

	entry, ok := restored.Last()
	if !ok {
		t.Fatal("restored session has no result")
	}
	if entry.Metadata.Zoom != 18 || entry.Metadata.Provider != "esri" || entry.Metadata.TilesFetched != 49 {
		t.Errorf("unexpected metadata %+v", entry.Metadata)
	}
	if !entry.Metadata.GeneratedAt.Equal(metaAt(origin).GeneratedAt) {
		t.Errorf("GeneratedAt = %v", entry.Metadata.GeneratedAt)
	}
	if entry.Image.Bounds() != img.Bounds() {
		t.Fatalf("bounds = %v, want %v", entry.Image.Bounds(), img.Bounds())
	}
	for _, p := range []image.Point{{0, 0}, {3, 5}, {7, 7}} {
		if got, want := entry.Image.NRGBAAt(p.X, p.Y), img.NRGBAAt(p.X, p.Y); got != want {
			t.Errorf("pixel %v = %v, want %v", p, got, want)
		}
	}

	// 恢复的地图不计入更新策略，新起点仍需生成一次
	moved := model.GeoPoint{Lat: origin.Lat + 0.01, Lon: origin.Lon}
	if !restored.ShouldUpdate(moved) {
		t.Error("restored fetch-once session should still fetch its new origin")
	}
	restored.Record(img, metaAt(moved))
	if restored.ShouldUpdate(moved) {
		t.Error("fetch-once session should stop after its first generation")
	}
}

func TestLoadSnapshotMissing(t *testing.T) {
	s := New(Policy{}, nil)
	if err := s.LoadSnapshot(t.TempDir()); !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("expected ErrNoSnapshot, got %v", err)
	}
}

func TestLoadSnapshotRejectsBadImagePath(t *testing.T) {
	dir := t.TempDir()
	data := []byte(`{"version":"1.0","metadata":{},"image_file":"../evil.png","saved_at":"2024-05-01T12:00:00Z"}`)
	if err := os.WriteFile(filepath.Join(dir, snapshotMetaFile), data, 0644); err != nil {
		t.Fatal(err)
	}

	s := New(Policy{}, nil)
	if err := s.LoadSnapshot(dir); err == nil || errors.Is(err, ErrNoSnapshot) {
		t.Errorf("expected path error, got %v", err)
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := New(Policy{UpdateOnMovement: true, MovementThresholdMeters: 10}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := calculator.OffsetMeters(origin, float64(i*20), 0)
			s.Observe(p)
			if s.ShouldUpdate(p) {
				s.Record(testImage(), metaAt(p))
			}
			s.Last()
		}(i)
	}
	wg.Wait()

	if _, ok := s.Last(); !ok {
		t.Error("expected at least one recorded result")
	}
}
