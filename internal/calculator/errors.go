// Package calculator 提供瓦片坐标计算功能
package calculator

import "errors"

var (
	// ErrInvalidZoom 无效的缩放级别
	ErrInvalidZoom = errors.New("invalid zoom level (0 <= zoom <= 19)")
	// ErrInvalidLongitude 无效的经度
	ErrInvalidLongitude = errors.New("invalid longitude (-180 <= lon <= 180)")
	// ErrInvalidLatitude 无效的纬度
	ErrInvalidLatitude = errors.New("invalid latitude (-85.05112878 <= lat <= 85.05112878)")
	// ErrInvalidCoverage 无效的覆盖范围
	ErrInvalidCoverage = errors.New("coverage must be a positive number of meters")
	// ErrInvalidImageSize 无效的图像尺寸
	ErrInvalidImageSize = errors.New("image size must be between 1 and 8192 pixels")
)
