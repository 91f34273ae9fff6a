// Package pipeline 组合坐标计算、瓦片获取与拼接，是宿主程序调用的入口
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"time"

	"github.com/geoyee/tilestitch/internal/calculator"
	"github.com/geoyee/tilestitch/internal/download"
	"github.com/geoyee/tilestitch/internal/logging"
	"github.com/geoyee/tilestitch/internal/model"
	"github.com/geoyee/tilestitch/internal/stitch"
)

// ErrNoTiles 一个瓦片都没有获取到，调用方不应发布结果
var ErrNoTiles = errors.New("no tiles fetched")

// Fetcher 获取引擎能力，由 *download.Downloader 实现
type Fetcher interface {
	FetchRectangle(ctx context.Context, rect model.TileRect) *download.BatchResult
	ProviderInfo() model.ProviderConfig
}

type GridOptions struct {
	SpacingMeters float64
	Color         color.Color
	// Alpha 叠加不透明度 [0, 1]
	Alpha float64
}

type MarkerOptions struct {
	Color color.Color
	// Size 十字臂长（像素）
	Size int
}

// Options 可选叠加层，nil 表示不绘制
type Options struct {
	Grid         *GridOptions
	CenterMarker *MarkerOptions
}

type Request struct {
	Center         model.GeoPoint
	CoverageMeters float64
	Rect           model.TileRect
	OutputSize     model.Size
	Options        Options
}

type Result struct {
	Image    *image.NRGBA
	Metadata model.MapMetadata
	Batch    *download.BatchResult
}

type Pipeline struct {
	fetcher  Fetcher
	stitcher *stitch.Stitcher
	logger   logging.Logger
}

func New(fetcher Fetcher, logger logging.Logger) *Pipeline {
	logger = logging.OrNop(logger)
	return &Pipeline{
		fetcher:  fetcher,
		stitcher: stitch.New(fetcher.ProviderInfo().TileSize, logger),
		logger:   logger,
	}
}

// Provider 当前服务配置
func (p *Pipeline) Provider() model.ProviderConfig {
	return p.fetcher.ProviderInfo()
}

// ComputeZoomAndTiles 计算最佳缩放级别（不超过服务上限）和带 1 圈填充的瓦片范围
func (p *Pipeline) ComputeZoomAndTiles(center model.GeoPoint, coverageM float64, imageSize int) (int, model.TileRect) {
	zoom := calculator.OptimalZoom(coverageM, imageSize, center.Lat)
	info := p.fetcher.ProviderInfo()
	if info.MaxZoom > 0 && zoom > info.MaxZoom {
		p.logger.Info("clamping zoom to provider maximum", "provider", info.Key, "zoom", zoom, "max_zoom", info.MaxZoom)
		zoom = info.MaxZoom
	}
	rect := calculator.TileBounds(center, coverageM, coverageM, zoom, calculator.DefaultPadding)
	return zoom, rect
}

// FetchAndStitch 获取 req.Rect 内的瓦片并拼接。全部失败时返回 ErrNoTiles；
// 批次被取消且没有瓦片时返回 ctx 的错误。
func (p *Pipeline) FetchAndStitch(ctx context.Context, req Request) (*Result, error) {
	if err := calculator.ValidatePoint(req.Center); err != nil {
		return nil, err
	}
	if err := calculator.ValidateZoom(req.Rect.Zoom); err != nil {
		return nil, err
	}
	if err := calculator.ValidateImageSize(req.OutputSize.Width, req.OutputSize.Height); err != nil {
		return nil, err
	}

	batch := p.fetcher.FetchRectangle(ctx, req.Rect)
	if batch.Empty() {
		if batch.Err != nil {
			return nil, fmt.Errorf("fetch tiles: %w", batch.Err)
		}
		p.logger.Error("no tiles fetched", "provider", p.Provider().Key, "total", batch.Total)
		return nil, ErrNoTiles
	}
	if len(batch.Failures) > 0 {
		p.logger.Warn("some tiles missing, filling with background",
			"missing", len(batch.Failures), "total", batch.Total)
	}

	img := p.stitcher.Stitch(batch.Tiles, req.Rect, req.OutputSize)
	mpp := p.metersPerPixel(req)

	if g := req.Options.Grid; g != nil {
		img = stitch.AddGridOverlay(img, g.SpacingMeters, mpp, g.Color, g.Alpha)
	}
	if m := req.Options.CenterMarker; m != nil {
		stitch.AddCenterMarker(img, m.Color, m.Size)
	}

	info := p.Provider()
	meta := model.MapMetadata{
		CenterLat:      req.Center.Lat,
		CenterLon:      req.Center.Lon,
		CoverageMeters: req.CoverageMeters,
		ImageSize:      req.OutputSize.Width,
		Zoom:           req.Rect.Zoom,
		BBox:           calculator.CalculateBoundingBox(req.Center, req.CoverageMeters, req.CoverageMeters),
		Provider:       info.Key,
		Attribution:    info.Attribution,
		MetersPerPixel: mpp,
		TilesFetched:   len(batch.Tiles),
		TilesTotal:     batch.Total,
		GeneratedAt:    time.Now().UTC(),
	}

	p.logger.Info("map stitched",
		"provider", info.Key,
		"zoom", req.Rect.Zoom,
		"tiles", len(batch.Tiles),
		"total", batch.Total,
		"cache_hits", batch.CacheHits,
		"width", img.Bounds().Dx(),
		"height", img.Bounds().Dy())

	return &Result{Image: img, Metadata: meta, Batch: batch}, nil
}

// metersPerPixel 输出图像每像素对应的地面距离
func (p *Pipeline) metersPerPixel(req Request) float64 {
	canvas := p.stitcher.CanvasSize(req.Rect)
	if canvas.Width == 0 {
		return 0
	}
	tileRes := calculator.GroundResolution(req.Center.Lat, req.Rect.Zoom) * float64(calculator.TileSize) / float64(p.stitcher.TileSize)
	return tileRes * float64(canvas.Width) / float64(req.OutputSize.Width)
}

// Generate 计算、获取并拼接，输出 imageSize×imageSize 图像
func (p *Pipeline) Generate(ctx context.Context, center model.GeoPoint, coverageM float64, imageSize int, opts Options) (*Result, error) {
	if err := calculator.ValidatePoint(center); err != nil {
		return nil, err
	}
	if err := calculator.ValidateCoverage(coverageM, imageSize); err != nil {
		return nil, err
	}

	zoom, rect := p.ComputeZoomAndTiles(center, coverageM, imageSize)
	p.logger.Debug("tile range computed", "zoom", zoom, "min_x", rect.MinX, "max_x", rect.MaxX, "min_y", rect.MinY, "max_y", rect.MaxY)

	return p.FetchAndStitch(ctx, Request{
		Center:         center,
		CoverageMeters: coverageM,
		Rect:           rect,
		OutputSize:     model.Size{Width: imageSize, Height: imageSize},
		Options:        opts,
	})
}
