// Package provider 定义支持的瓦片服务
package provider

import (
	"errors"
	"fmt"
	"strings"

	"github.com/geoyee/tilestitch/internal/model"
)

// ErrUnknownProvider 未知的瓦片服务名
var ErrUnknownProvider = errors.New("unknown tile provider")

// Provider 瓦片服务枚举
type Provider int

const (
	Esri Provider = iota
	OSM
	USGS
)

var configs = map[Provider]model.ProviderConfig{
	Esri: {
		Key:         "esri",
		Name:        "Esri World Imagery",
		URLTemplate: "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/{z}/{y}/{x}",
		MaxZoom:     19,
		TileSize:    256,
		Attribution: "Tiles © Esri",
	},
	OSM: {
		Key:         "osm",
		Name:        "OpenStreetMap",
		URLTemplate: "https://tile.openstreetmap.org/{z}/{x}/{y}.png",
		MaxZoom:     19,
		TileSize:    256,
		Attribution: "© OpenStreetMap contributors",
	},
	USGS: {
		Key:         "usgs",
		Name:        "USGS Imagery Only",
		URLTemplate: "https://basemap.nationalmap.gov/arcgis/rest/services/USGSImageryOnly/MapServer/tile/{z}/{y}/{x}",
		MaxZoom:     16,
		TileSize:    256,
		Attribution: "USGS The National Map",
	},
}

// All 按声明顺序返回所有服务
func All() []Provider {
	return []Provider{Esri, OSM, USGS}
}

// Names 返回所有服务键名
func Names() []string {
	all := All()
	names := make([]string, 0, len(all))
	for _, p := range all {
		names = append(names, p.String())
	}
	return names
}

// Lookup 按名称查找服务，不区分大小写
func Lookup(name string) (Provider, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	for _, p := range All() {
		if configs[p].Key == key {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %q (valid: %s)", ErrUnknownProvider, name, strings.Join(Names(), ", "))
}

// Config 返回服务配置
func (p Provider) Config() model.ProviderConfig {
	return configs[p]
}

func (p Provider) String() string {
	if c, ok := configs[p]; ok {
		return c.Key
	}
	return fmt.Sprintf("provider(%d)", int(p))
}
