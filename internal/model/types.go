// Package model 定义数据模型
package model

import (
	"fmt"
	"time"

	"github.com/paulmach/orb"
)

// GeoPoint 地理坐标点（WGS84，度）
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Point 转换为 orb.Point（经度在前）
func (p GeoPoint) Point() orb.Point {
	return orb.Point{p.Lon, p.Lat}
}

// TileIndex 瓦片坐标
type TileIndex struct {
	Z, X, Y int
}

func (t TileIndex) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// Valid 检查瓦片坐标是否在金字塔范围内
func (t TileIndex) Valid() bool {
	if t.Z < 0 || t.Z > 30 {
		return false
	}
	n := 1 << t.Z
	return t.X >= 0 && t.X < n && t.Y >= 0 && t.Y < n
}

// TileRect 瓦片范围（闭区间），填充后可能包含越界坐标
type TileRect struct {
	Zoom int `json:"zoom"`
	MinX int `json:"min_x"`
	MaxX int `json:"max_x"`
	MinY int `json:"min_y"`
	MaxY int `json:"max_y"`
}

// Width 横向瓦片数
func (r TileRect) Width() int {
	return r.MaxX - r.MinX + 1
}

// Height 纵向瓦片数
func (r TileRect) Height() int {
	return r.MaxY - r.MinY + 1
}

// Count 瓦片总数
func (r TileRect) Count() int {
	if r.Width() <= 0 || r.Height() <= 0 {
		return 0
	}
	return r.Width() * r.Height()
}

// Contains 检查瓦片是否在范围内
func (r TileRect) Contains(t TileIndex) bool {
	return t.Z == r.Zoom && t.X >= r.MinX && t.X <= r.MaxX && t.Y >= r.MinY && t.Y <= r.MaxY
}

// Tiles 按先 x 后 y 的顺序列出范围内所有瓦片
func (r TileRect) Tiles() []TileIndex {
	tiles := make([]TileIndex, 0, r.Count())
	for x := r.MinX; x <= r.MaxX; x++ {
		for y := r.MinY; y <= r.MaxY; y++ {
			tiles = append(tiles, TileIndex{Z: r.Zoom, X: x, Y: y})
		}
	}
	return tiles
}

// BoundingBox 经纬度范围
type BoundingBox struct {
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLon float64 `json:"max_lon"`
}

// Size 图像尺寸（像素）
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ProviderConfig 瓦片服务配置
type ProviderConfig struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	URLTemplate string `json:"url_template"`
	MaxZoom     int    `json:"max_zoom"`
	TileSize    int    `json:"tile_size"`
	Attribution string `json:"attribution"`
}

// MapMetadata 最近一次拼接结果的描述
type MapMetadata struct {
	CenterLat      float64     `json:"center_lat"`
	CenterLon      float64     `json:"center_lon"`
	CoverageMeters float64     `json:"coverage_meters"`
	ImageSize      int         `json:"image_size"`
	Zoom           int         `json:"zoom"`
	BBox           BoundingBox `json:"bbox"`
	Provider       string      `json:"provider"`
	Attribution    string      `json:"attribution,omitempty"`
	MetersPerPixel float64     `json:"meters_per_pixel,omitempty"`
	TilesFetched   int         `json:"tiles_fetched"`
	TilesTotal     int         `json:"tiles_total"`
	GeneratedAt    time.Time   `json:"generated_at"`
}

// FetchTask 单个瓦片获取任务
type FetchTask struct {
	Tile     TileIndex
	URL      string
	CacheKey string
	Attempt  int
}

// FetchStats 批量获取统计
type FetchStats struct {
	Total         int64
	Success       int64
	Failed        int64
	CacheHits     int64
	Retries       int64
	BytesTotal    int64
	ActiveWorkers int32
	StartTime     time.Time
}

// Snapshot 会话快照
type Snapshot struct {
	Version   string      `json:"version"`
	Metadata  MapMetadata `json:"metadata"`
	ImageFile string      `json:"image_file"`
	SavedAt   time.Time   `json:"saved_at"`
}
