package calculator

import (
	"math"

	"github.com/paulmach/orb/geo"

	"github.com/geoyee/tilestitch/internal/model"
)

const (
	// EarthRadius Web Mercator 使用的 WGS84 赤道半径（米）
	EarthRadius = 6378137.0
	// MaxLatitude Web Mercator 的纬度上限
	MaxLatitude = 85.05112878
	MinZoom     = 0
	MaxZoom     = 19
	// DefaultPadding 瓦片范围四周额外填充的瓦片数
	DefaultPadding = 1
	TileSize       = 256
	// MaxImageSize 输出图像边长上限（像素）
	MaxImageSize = 8192
	// metersPerPixelZoom0 赤道处 0 级 256px 瓦片的地面分辨率
	metersPerPixelZoom0 = 156543.03392
)

// LatLonToTile 返回 zoom 级别下包含 p 的瓦片。坐标向下取整并限制在
// [0, 2^zoom)，经度 ±180 与纬度极限落在边缘瓦片上。
func LatLonToTile(p model.GeoPoint, zoom int) model.TileIndex {
	n := math.Exp2(float64(zoom))
	lat := clamp(p.Lat, -MaxLatitude, MaxLatitude)
	latRad := lat * math.Pi / 180.0
	fx := (p.Lon + 180.0) / 360.0 * n
	fy := (1.0 - math.Asinh(math.Tan(latRad))/math.Pi) / 2.0 * n
	maxIndex := int(n) - 1
	return model.TileIndex{
		Z: zoom,
		X: clampInt(int(fx), 0, maxIndex),
		Y: clampInt(int(fy), 0, maxIndex),
	}
}

// TileToLatLon 返回瓦片左上角坐标
func TileToLatLon(t model.TileIndex) model.GeoPoint {
	n := math.Exp2(float64(t.Z))
	lon := float64(t.X)/n*360.0 - 180.0
	latRad := math.Atan(math.Sinh(math.Pi * (1 - 2*float64(t.Y)/n)))
	return model.GeoPoint{Lat: latRad * 180.0 / math.Pi, Lon: lon}
}

// OffsetMeters 按局部平面近似将 p 向东移动 dxM 米、向北移动 dyM 米。
// 仅适用于远小于地球半径的偏移，靠近极点时经度偏移会发散。
func OffsetMeters(p model.GeoPoint, dxM, dyM float64) model.GeoPoint {
	dLat := dyM / EarthRadius
	dLon := dxM / (EarthRadius * math.Cos(p.Lat*math.Pi/180.0))
	return model.GeoPoint{
		Lat: p.Lat + dLat*180.0/math.Pi,
		Lon: p.Lon + dLon*180.0/math.Pi,
	}
}

// CalculateBoundingBox 以 center 为中心、widthM×heightM 米的范围。
// 跨越 ±180 经线或极点时不做修正。
func CalculateBoundingBox(center model.GeoPoint, widthM, heightM float64) model.BoundingBox {
	ne := OffsetMeters(center, widthM/2.0, heightM/2.0)
	dLat := ne.Lat - center.Lat
	dLon := ne.Lon - center.Lon
	return model.BoundingBox{
		MinLat: center.Lat - dLat,
		MaxLat: center.Lat + dLat,
		MinLon: center.Lon - dLon,
		MaxLon: center.Lon + dLon,
	}
}

// OptimalZoom 选择地面分辨率最接近 widthM/imageSizePx 的缩放级别，
// 结果限制在 [MinZoom, MaxZoom]，非正输入返回 MinZoom。
func OptimalZoom(widthM float64, imageSizePx int, lat float64) int {
	if widthM <= 0 || imageSizePx <= 0 {
		return MinZoom
	}
	base := metersPerPixelZoom0 * math.Cos(lat*math.Pi/180.0)
	target := widthM / float64(imageSizePx)
	zoom := math.Round(math.Log2(base / target))
	if math.IsNaN(zoom) || zoom < MinZoom {
		return MinZoom
	}
	if zoom > MaxZoom {
		return MaxZoom
	}
	return int(zoom)
}

// TileBounds 覆盖 center 周围 widthM×heightM 米的瓦片范围，四周各扩展
// padding 个瓦片。扩展后的坐标可能越界，由调用方处理。
func TileBounds(center model.GeoPoint, widthM, heightM float64, zoom, padding int) model.TileRect {
	if padding < 0 {
		padding = 0
	}
	bbox := CalculateBoundingBox(center, widthM, heightM)
	sw := LatLonToTile(model.GeoPoint{Lat: bbox.MinLat, Lon: bbox.MinLon}, zoom)
	ne := LatLonToTile(model.GeoPoint{Lat: bbox.MaxLat, Lon: bbox.MaxLon}, zoom)
	return model.TileRect{
		Zoom: zoom,
		MinX: min(sw.X, ne.X) - padding,
		MaxX: max(sw.X, ne.X) + padding,
		MinY: min(sw.Y, ne.Y) - padding,
		MaxY: max(sw.Y, ne.Y) + padding,
	}
}

// GroundResolution 256px 瓦片在 lat、zoom 下每像素对应的米数
func GroundResolution(lat float64, zoom int) float64 {
	return metersPerPixelZoom0 * math.Cos(lat*math.Pi/180.0) / math.Exp2(float64(zoom))
}

// Haversine 两点间大圆距离（米）
func Haversine(a, b model.GeoPoint) float64 {
	return geo.DistanceHaversine(a.Point(), b.Point())
}

// ValidatePoint 检查经纬度范围
func ValidatePoint(p model.GeoPoint) error {
	if math.IsNaN(p.Lat) || p.Lat < -MaxLatitude || p.Lat > MaxLatitude {
		return ErrInvalidLatitude
	}
	if math.IsNaN(p.Lon) || p.Lon < -180 || p.Lon > 180 {
		return ErrInvalidLongitude
	}
	return nil
}

func ValidateZoom(zoom int) error {
	if zoom < MinZoom || zoom > MaxZoom {
		return ErrInvalidZoom
	}
	return nil
}

// ValidateCoverage 检查覆盖范围与输出尺寸
func ValidateCoverage(coverageM float64, imageSize int) error {
	if math.IsNaN(coverageM) || math.IsInf(coverageM, 0) || coverageM <= 0 {
		return ErrInvalidCoverage
	}
	return ValidateImageSize(imageSize, imageSize)
}

// ValidateImageSize 输出宽高须在 [1, MaxImageSize] 内
func ValidateImageSize(width, height int) error {
	if width <= 0 || height <= 0 || width > MaxImageSize || height > MaxImageSize {
		return ErrInvalidImageSize
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
