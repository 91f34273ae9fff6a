// Package stitch 将瓦片拼接为单张图像并绘制叠加层
package stitch

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strings"
	"time"

	"github.com/anthonynsimon/bild/clone"
	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"

	"github.com/geoyee/tilestitch/internal/logging"
	"github.com/geoyee/tilestitch/internal/metrics"
	"github.com/geoyee/tilestitch/internal/model"
)

const (
	DefaultTileSize = 256
	// markerThickness 中心十字线宽（像素）
	markerThickness = 2
)

// DefaultFillColor 缺失瓦片处的底色
var DefaultFillColor = color.NRGBA{R: 200, G: 200, B: 200, A: 255}

type Stitcher struct {
	TileSize  int
	FillColor color.Color
	Logger    logging.Logger
}

// New tileSize 为 0 时使用 256
func New(tileSize int, logger logging.Logger) *Stitcher {
	if tileSize <= 0 {
		tileSize = DefaultTileSize
	}
	return &Stitcher{
		TileSize:  tileSize,
		FillColor: DefaultFillColor,
		Logger:    logging.OrNop(logger),
	}
}

// CanvasSize 拼接画布尺寸
func (s *Stitcher) CanvasSize(rect model.TileRect) model.Size {
	return model.Size{
		Width:  max(rect.Width(), 0) * s.TileSize,
		Height: max(rect.Height(), 0) * s.TileSize,
	}
}

// Stitch 将 tiles 按 rect 内的位置贴到底色画布上，再一次性缩放到 output。
// 缺失的瓦片保留底色；范围外、为空的瓦片记录日志后跳过。
func (s *Stitcher) Stitch(tiles map[model.TileIndex]image.Image, rect model.TileRect, output model.Size) *image.NRGBA {
	start := time.Now()
	defer metrics.ObserveSince(metrics.StitchDuration, start)

	logger := logging.OrNop(s.Logger)
	canvasSize := s.CanvasSize(rect)
	canvas := image.NewRGBA(image.Rect(0, 0, canvasSize.Width, canvasSize.Height))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(s.fill()), image.Point{}, draw.Src)

	placed := 0
	for idx, tile := range tiles {
		if !rect.Contains(idx) {
			logger.Warn("tile outside stitch rect, skipping", "tile", idx.String())
			continue
		}
		if tile == nil || tile.Bounds().Empty() {
			logger.Warn("empty tile, skipping", "tile", idx.String())
			continue
		}

		var src image.Image = tile
		if b := tile.Bounds(); b.Dx() != s.TileSize || b.Dy() != s.TileSize {
			logger.Debug("resizing tile", "tile", idx.String(), "width", b.Dx(), "height", b.Dy())
			src = imaging.Resize(tile, s.TileSize, s.TileSize, imaging.Lanczos)
		}
		rgba := clone.AsRGBA(src)

		x := (idx.X - rect.MinX) * s.TileSize
		y := (idx.Y - rect.MinY) * s.TileSize
		dst := image.Rect(x, y, x+s.TileSize, y+s.TileSize)
		draw.Draw(canvas, dst, rgba, rgba.Bounds().Min, draw.Over)
		placed++
	}

	logger.Debug("tiles composited", "placed", placed, "expected", rect.Count(),
		"canvas_width", canvasSize.Width, "canvas_height", canvasSize.Height)

	if output.Width <= 0 || output.Height <= 0 || (output.Width == canvasSize.Width && output.Height == canvasSize.Height) {
		return imaging.Clone(canvas)
	}
	return imaging.Resize(canvas, output.Width, output.Height, imaging.Lanczos)
}

func (s *Stitcher) fill() color.Color {
	if s.FillColor == nil {
		return DefaultFillColor
	}
	return s.FillColor
}

// AddGridOverlay 每隔 spacingM 米画一条网格线，从 0 开始。线画在透明图层上，
// 以 alpha 不透明度叠加到原图。间隔不足 1 像素时返回原图副本。
func AddGridOverlay(img image.Image, spacingM, metersPerPixel float64, c color.Color, alpha float64) *image.NRGBA {
	out := imaging.Clone(img)
	if metersPerPixel <= 0 || spacingM <= 0 {
		return out
	}
	step := int(spacingM / metersPerPixel)
	if step < 1 {
		return out
	}

	if c == nil {
		c = color.White
	}
	b := out.Bounds()
	layer := image.NewNRGBA(b)
	lineColor := color.NRGBAModel.Convert(c).(color.NRGBA)
	lineColor.A = 255

	for x := b.Min.X; x < b.Max.X; x += step {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			layer.SetNRGBA(x, y, lineColor)
		}
	}
	for y := b.Min.Y; y < b.Max.Y; y += step {
		for x := b.Min.X; x < b.Max.X; x++ {
			layer.SetNRGBA(x, y, lineColor)
		}
	}

	return imaging.Overlay(out, layer, b.Min, clampAlpha(alpha))
}

// AddCenterMarker 在图像中心原地绘制十字标记，size 为臂长
func AddCenterMarker(img draw.Image, c color.Color, size int) {
	if size <= 0 {
		return
	}
	if c == nil {
		c = color.NRGBA{R: 255, A: 255}
	}
	b := img.Bounds()
	cx := b.Min.X + b.Dx()/2
	cy := b.Min.Y + b.Dy()/2

	set := func(x, y int) {
		if image.Pt(x, y).In(b) {
			img.Set(x, y, c)
		}
	}
	for d := -size; d <= size; d++ {
		for t := 0; t < markerThickness; t++ {
			set(cx+d, cy-t)
			set(cx-t, cy+d)
		}
	}
}

// ParseColor 解析 #rrggbb 颜色
func ParseColor(hex string) (color.NRGBA, error) {
	hex = strings.TrimSpace(hex)
	if !strings.HasPrefix(hex, "#") {
		hex = "#" + hex
	}
	c, err := colorful.Hex(hex)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("parse color %q: %w", hex, err)
	}
	r, g, b := c.RGB255()
	return color.NRGBA{R: r, G: g, B: b, A: 255}, nil
}

// ToBGR 按行输出 bgr8 字节，供要求 BGR 排列的传输层使用
func ToBGR(img image.Image) []byte {
	src := imaging.Clone(img)
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	out := make([]byte, 0, w*h*3)
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride : y*src.Stride+w*4]
		for x := 0; x < w*4; x += 4 {
			out = append(out, row[x+2], row[x+1], row[x])
		}
	}
	return out
}

func clampAlpha(a float64) float64 {
	if a < 0 {
		return 0
	}
	if a > 1 {
		return 1
	}
	return a
}
