package stitch

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"github.com/geoyee/tilestitch/internal/model"
)

var (
	red   = color.NRGBA{R: 255, A: 255}
	black = color.NRGBA{A: 255}
)

func solid(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func near(a, b color.NRGBA, tol int) bool {
	d := func(x, y uint8) bool {
		diff := int(x) - int(y)
		return diff <= tol && diff >= -tol
	}
	return d(a.R, b.R) && d(a.G, b.G) && d(a.B, b.B) && d(a.A, b.A)
}

func TestStitchZeroTiles(t *testing.T) {
	s := New(256, nil)
	rect := model.TileRect{Zoom: 5, MinX: 3, MaxX: 4, MinY: 7, MaxY: 8}

	img := s.Stitch(nil, rect, model.Size{Width: 512, Height: 512})
	if img.Bounds().Dx() != 512 || img.Bounds().Dy() != 512 {
		t.Fatalf("unexpected size %v", img.Bounds())
	}
	for _, p := range []image.Point{{0, 0}, {255, 255}, {511, 511}, {300, 40}} {
		if got := img.NRGBAAt(p.X, p.Y); got != DefaultFillColor {
			t.Errorf("pixel %v = %v, want fill %v", p, got, DefaultFillColor)
		}
	}
}

func TestStitchPlacement(t *testing.T) {
	s := New(256, nil)
	rect := model.TileRect{Zoom: 5, MinX: 3, MaxX: 4, MinY: 7, MaxY: 8}
	tiles := map[model.TileIndex]image.Image{
		{Z: 5, X: 4, Y: 7}: solid(256, 256, red),
	}

	img := s.Stitch(tiles, rect, model.Size{Width: 512, Height: 512})

	if got := img.NRGBAAt(300, 10); got != red {
		t.Errorf("tile not placed at top-right: %v", got)
	}
	if got := img.NRGBAAt(10, 10); got != DefaultFillColor {
		t.Errorf("missing tile should show fill: %v", got)
	}
	if got := img.NRGBAAt(300, 300); got != DefaultFillColor {
		t.Errorf("missing tile should show fill: %v", got)
	}
}

func TestStitchSkipsBadTiles(t *testing.T) {
	s := New(256, nil)
	rect := model.TileRect{Zoom: 5, MinX: 0, MaxX: 0, MinY: 0, MaxY: 0}
	tiles := map[model.TileIndex]image.Image{
		{Z: 5, X: 9, Y: 9}: solid(256, 256, red),
		{Z: 6, X: 0, Y: 0}: solid(256, 256, red),
		{Z: 5, X: 0, Y: 0}: nil,
	}

	img := s.Stitch(tiles, rect, model.Size{Width: 256, Height: 256})
	if got := img.NRGBAAt(128, 128); got != DefaultFillColor {
		t.Errorf("bad tiles should be skipped, got %v", got)
	}
}

func TestStitchResizesOddTile(t *testing.T) {
	s := New(256, nil)
	rect := model.TileRect{Zoom: 3, MinX: 1, MaxX: 1, MinY: 1, MaxY: 1}
	tiles := map[model.TileIndex]image.Image{
		{Z: 3, X: 1, Y: 1}: solid(128, 128, red),
	}

	img := s.Stitch(tiles, rect, model.Size{Width: 256, Height: 256})
	for _, p := range []image.Point{{0, 0}, {200, 200}, {255, 255}} {
		if got := img.NRGBAAt(p.X, p.Y); !near(got, red, 2) {
			t.Errorf("pixel %v = %v, want red", p, got)
		}
	}
}

func TestStitchTransparentTileShowsFill(t *testing.T) {
	s := New(256, nil)
	rect := model.TileRect{Zoom: 1, MinX: 0, MaxX: 0, MinY: 0, MaxY: 0}
	tiles := map[model.TileIndex]image.Image{
		{Z: 1, X: 0, Y: 0}: image.NewNRGBA(image.Rect(0, 0, 256, 256)),
	}

	img := s.Stitch(tiles, rect, model.Size{Width: 256, Height: 256})
	if got := img.NRGBAAt(100, 100); got != DefaultFillColor {
		t.Errorf("transparent tile should reveal fill, got %v", got)
	}
}

func TestStitchOutputSize(t *testing.T) {
	s := New(256, nil)
	rect := model.TileRect{Zoom: 18, MinX: 41925, MaxX: 41931, MinY: 101321, MaxY: 101327}
	if cs := s.CanvasSize(rect); cs.Width != 1792 || cs.Height != 1792 {
		t.Errorf("canvas size = %+v, want 1792x1792", cs)
	}

	tiles := map[model.TileIndex]image.Image{
		{Z: 18, X: 41928, Y: 101324}: solid(256, 256, red),
	}
	img := s.Stitch(tiles, rect, model.Size{Width: 1024, Height: 1024})
	if img.Bounds().Dx() != 1024 || img.Bounds().Dy() != 1024 {
		t.Errorf("output size = %v, want 1024x1024", img.Bounds())
	}
	if got := img.NRGBAAt(512, 512); !near(got, red, 2) {
		t.Errorf("center tile not at image center: %v", got)
	}

	odd := s.Stitch(nil, model.TileRect{Zoom: 2, MinX: 0, MaxX: 2, MinY: 0, MaxY: 2}, model.Size{Width: 300, Height: 200})
	if odd.Bounds().Dx() != 300 || odd.Bounds().Dy() != 200 {
		t.Errorf("output size = %v, want 300x200", odd.Bounds())
	}
}

func TestAddGridOverlay(t *testing.T) {
	base := solid(100, 100, black)
	white := color.NRGBA{R: 255, G: 255, B: 255, A: 255}

	out := AddGridOverlay(base, 10, 1, white, 1)
	for _, p := range []image.Point{{0, 5}, {10, 5}, {90, 37}, {5, 0}, {5, 20}} {
		if got := out.NRGBAAt(p.X, p.Y); !near(got, white, 1) {
			t.Errorf("grid pixel %v = %v, want white", p, got)
		}
	}
	for _, p := range []image.Point{{5, 5}, {15, 15}, {99, 99}} {
		if got := out.NRGBAAt(p.X, p.Y); got != black {
			t.Errorf("non-grid pixel %v = %v, want black", p, got)
		}
	}
	if base.NRGBAAt(0, 5) != black {
		t.Error("AddGridOverlay must not modify its input")
	}

	half := AddGridOverlay(base, 10, 1, white, 0.5)
	if got := half.NRGBAAt(0, 5); got.R < 100 || got.R > 155 {
		t.Errorf("half-alpha grid pixel = %v, want mid grey", got)
	}
}

func TestAddGridOverlayTooDense(t *testing.T) {
	base := solid(20, 20, black)
	out := AddGridOverlay(base, 0.5, 1, red, 1)
	if !bytes.Equal(out.Pix, base.Pix) {
		t.Error("sub-pixel spacing should return an unchanged copy")
	}
	if &out.Pix[0] == &base.Pix[0] {
		t.Error("expected a copy, not the input")
	}
}

func TestAddCenterMarker(t *testing.T) {
	img := solid(101, 101, black)
	AddCenterMarker(img, red, 5)

	for _, p := range []image.Point{{50, 50}, {45, 50}, {55, 50}, {50, 45}, {50, 55}, {49, 45}, {45, 49}} {
		if got := img.NRGBAAt(p.X, p.Y); got != red {
			t.Errorf("marker pixel %v = %v, want red", p, got)
		}
	}
	for _, p := range []image.Point{{57, 50}, {52, 52}, {50, 57}, {0, 0}} {
		if got := img.NRGBAAt(p.X, p.Y); got != black {
			t.Errorf("pixel %v = %v, want untouched", p, got)
		}
	}

	// 标记超出图像边界时裁剪
	small := solid(4, 4, black)
	AddCenterMarker(small, red, 10)
}

func TestParseColor(t *testing.T) {
	tests := []struct {
		in      string
		want    color.NRGBA
		wantErr bool
	}{
		{"#ff8000", color.NRGBA{R: 255, G: 128, A: 255}, false},
		{"00ff00", color.NRGBA{G: 255, A: 255}, false},
		{" #FFFFFF ", color.NRGBA{R: 255, G: 255, B: 255, A: 255}, false},
		{"#zzzzzz", color.NRGBA{}, true},
	}
	for _, tt := range tests {
		got, err := ParseColor(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseColor(%q) error = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseColor(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestToBGR(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 1, G: 2, B: 3, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{R: 4, G: 5, B: 6, A: 255})

	got := ToBGR(img)
	want := []byte{3, 2, 1, 6, 5, 4}
	if !bytes.Equal(got, want) {
		t.Errorf("ToBGR = %v, want %v", got, want)
	}
}
