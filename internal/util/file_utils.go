// Package util 提供工具函数
package util

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

// imageSignatures 支持的瓦片格式文件头
var imageSignatures = []struct {
	format string
	match  func(data []byte) bool
}{
	{"png", func(d []byte) bool { return bytes.HasPrefix(d, []byte("\x89PNG\r\n\x1a\n")) }},
	{"jpeg", func(d []byte) bool { return bytes.HasPrefix(d, []byte{0xFF, 0xD8, 0xFF}) }},
	{"gif", func(d []byte) bool { return bytes.HasPrefix(d, []byte("GIF87a")) || bytes.HasPrefix(d, []byte("GIF89a")) }},
	{"webp", func(d []byte) bool { return len(d) >= 12 && bytes.HasPrefix(d, []byte("RIFF")) && string(d[8:12]) == "WEBP" }},
}

// DetectImageFormat 根据文件头识别图像格式，无法识别返回空串
func DetectImageFormat(data []byte) string {
	if len(data) < 8 {
		return ""
	}
	for _, sig := range imageSignatures {
		if sig.match(data) {
			return sig.format
		}
	}
	return ""
}

// ValidateFileFormat 服务端有时以 200 返回 HTML 错误页，解码前先检查文件头
func ValidateFileFormat(data []byte) bool {
	return DetectImageFormat(data) != ""
}

// GetTileURL 填充 URL 模板中的 {x} {y} {z}，{-y} 为 TMS 行号
func GetTileURL(urlTemplate string, x, y, z int) string {
	r := strings.NewReplacer(
		"{x}", strconv.Itoa(x),
		"{y}", strconv.Itoa(y),
		"{z}", strconv.Itoa(z),
		"{-y}", strconv.Itoa((1<<z)-y-1),
	)
	return r.Replace(urlTemplate)
}

// CacheKey 生成缓存键 <provider>/<z>/<x>/<y><ext>
func CacheKey(provider string, z, x, y int, ext string) string {
	if ext == "" {
		ext = ".png"
	}
	return fmt.Sprintf("%s/%d/%d/%d%s", provider, z, x, y, ext)
}

// GetSavePath 将缓存键映射为磁盘路径
func GetSavePath(saveDir, key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid cache key: %q", key)
	}
	return filepath.Join(saveDir, filepath.FromSlash(clean[1:])), nil
}

// EnsureDirExists 确保目录存在
func EnsureDirExists(dir string) error {
	return os.MkdirAll(dir, 0755)
}
