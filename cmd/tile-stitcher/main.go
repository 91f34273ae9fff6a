package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/anthonynsimon/bild/imgio"

	"github.com/geoyee/tilestitch/internal/cache"
	"github.com/geoyee/tilestitch/internal/client"
	"github.com/geoyee/tilestitch/internal/config"
	"github.com/geoyee/tilestitch/internal/download"
	"github.com/geoyee/tilestitch/internal/logging"
	"github.com/geoyee/tilestitch/internal/model"
	"github.com/geoyee/tilestitch/internal/pipeline"
	"github.com/geoyee/tilestitch/internal/stitch"
	"github.com/geoyee/tilestitch/internal/util"
)

// options 命令行参数，未显式给出的参数沿用配置文件
type options struct {
	lat, lon   float64
	configPath string
	out        string
	metadata   string
	clearCache bool
	set        map[string]bool

	provider    string
	urlTemplate string
	coverage    float64
	size        int
	cacheDir    string
	backend     string
	workers     int
	rate        float64
	retries     int
	timeout     int
	grid        bool
	gridSpacing float64
	gridColor   string
	marker      bool
	logLevel    string
	logFormat   string
}

func parseFlags(args []string, output io.Writer) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet("tile-stitcher", flag.ContinueOnError)
	fs.SetOutput(output)

	fs.Float64Var(&o.lat, "lat", math.NaN(), "[Required] Center latitude (e.g., 37.7749)")
	fs.Float64Var(&o.lon, "lon", math.NaN(), "[Required] Center longitude (e.g., -122.4194)")
	fs.StringVar(&o.configPath, "config", "", "[Optional] Config file (default: ./tilestitch.yaml if present)")
	fs.StringVar(&o.out, "out", "map.png", "[Optional] Output PNG path")
	fs.StringVar(&o.metadata, "metadata", "", "[Optional] Metadata JSON path (default: <out>.json)")
	fs.BoolVar(&o.clearCache, "clear-cache", false, "[Optional] Clear the provider's tile cache before fetching")

	fs.StringVar(&o.provider, "provider", "", "[Optional] Tile provider (esri, osm, usgs)")
	fs.StringVar(&o.urlTemplate, "url", "", "[Optional] Override tile URL template ({z} {x} {y} {-y})")
	fs.Float64Var(&o.coverage, "coverage", 0, "[Optional] Ground coverage in meters")
	fs.IntVar(&o.size, "size", 0, "[Optional] Output image size in pixels")
	fs.StringVar(&o.cacheDir, "cache-dir", "", "[Optional] Disk cache directory")
	fs.StringVar(&o.backend, "cache-backend", "", "[Optional] Cache backend (disk, redis, valkey, minio)")
	fs.IntVar(&o.workers, "workers", 0, "[Optional] Number of concurrent fetches")
	fs.Float64Var(&o.rate, "rate", 0, "[Optional] Rate limit in requests/second (0 = unlimited)")
	fs.IntVar(&o.retries, "retries", 0, "[Optional] Retries per tile")
	fs.IntVar(&o.timeout, "timeout", 0, "[Optional] Per-tile timeout in seconds")
	fs.BoolVar(&o.grid, "grid", false, "[Optional] Draw a metric grid")
	fs.Float64Var(&o.gridSpacing, "grid-spacing", 0, "[Optional] Grid spacing in meters")
	fs.StringVar(&o.gridColor, "grid-color", "", "[Optional] Grid color (#rrggbb)")
	fs.BoolVar(&o.marker, "marker", false, "[Optional] Draw a center marker")
	fs.StringVar(&o.logLevel, "log-level", "", "[Optional] Log level (debug, info, warn, error)")
	fs.StringVar(&o.logFormat, "log-format", "", "[Optional] Log format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if math.IsNaN(o.lat) {
		return nil, errors.New("-lat parameter is required")
	}
	if math.IsNaN(o.lon) {
		return nil, errors.New("-lon parameter is required")
	}
	if o.metadata == "" {
		o.metadata = o.out + ".json"
	}

	o.set = map[string]bool{}
	fs.Visit(func(f *flag.Flag) { o.set[f.Name] = true })
	return o, nil
}

// apply 用显式给出的参数覆盖配置
func (o *options) apply(cfg *config.Config) error {
	if o.set["provider"] {
		cfg.Map.Provider = o.provider
	}
	if o.set["url"] {
		cfg.Map.URLTemplate = o.urlTemplate
	}
	if o.set["coverage"] {
		cfg.Map.CoverageMeters = o.coverage
	}
	if o.set["size"] {
		cfg.Map.ImageSize = o.size
	}
	if o.set["cache-dir"] {
		cfg.Cache.Dir = o.cacheDir
	}
	if o.set["cache-backend"] {
		cfg.Cache.Backend = o.backend
	}
	if o.set["workers"] {
		cfg.Fetch.Workers = o.workers
	}
	if o.set["rate"] {
		cfg.Fetch.RateLimit = o.rate
	}
	if o.set["retries"] {
		cfg.Fetch.Retries = o.retries
	}
	if o.set["timeout"] {
		cfg.Fetch.TimeoutSeconds = o.timeout
	}
	if o.set["grid"] {
		cfg.Map.Grid.Enabled = o.grid
	}
	if o.set["grid-spacing"] {
		cfg.Map.Grid.SpacingMeters = o.gridSpacing
	}
	if o.set["grid-color"] {
		cfg.Map.Grid.Color = o.gridColor
	}
	if o.set["marker"] {
		cfg.Map.CenterMarker = o.marker
	}
	if o.set["log-level"] {
		cfg.Log.Level = o.logLevel
	}
	if o.set["log-format"] {
		cfg.Log.Format = o.logFormat
	}
	return cfg.Validate()
}

// overlayOptions 由配置生成叠加层参数
func overlayOptions(cfg config.MapConfig) (pipeline.Options, error) {
	var opts pipeline.Options
	if cfg.Grid.Enabled {
		c, err := stitch.ParseColor(cfg.Grid.Color)
		if err != nil {
			return opts, err
		}
		opts.Grid = &pipeline.GridOptions{SpacingMeters: cfg.Grid.SpacingMeters, Color: c, Alpha: cfg.Grid.Alpha}
	}
	if cfg.CenterMarker {
		opts.CenterMarker = &pipeline.MarkerOptions{Size: 10}
	}
	return opts, nil
}

// newDownloader 调用方负责关闭返回的缓存
func newDownloader(ctx context.Context, cfg *config.Config, logger logging.Logger) (*download.Downloader, cache.Store, error) {
	store, err := cache.New(ctx, cfg.Cache, logger)
	if err != nil {
		return nil, nil, err
	}
	d, err := download.New(download.Options{
		Provider:    cfg.Map.Provider,
		URLTemplate: cfg.Map.URLTemplate,
		Store:       store,
		HTTP: client.Config{
			Timeout:   cfg.Fetch.Timeout(),
			ProxyURL:  cfg.Fetch.ProxyURL,
			UseHTTP2:  cfg.Fetch.UseHTTP2,
			UserAgent: cfg.Fetch.UserAgent,
			Logger:    logger,
		},
		Workers:      cfg.Fetch.Workers,
		RateLimit:    cfg.Fetch.RateLimit,
		Retries:      cfg.Fetch.Retries,
		BatchTimeout: cfg.Fetch.BatchTimeout(),
		Logger:       logger,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return d, store, nil
}

// writeOutputs 写出 PNG 图像与元数据 JSON
func writeOutputs(res *pipeline.Result, imagePath, metaPath string) error {
	for _, p := range []string{imagePath, metaPath} {
		if dir := filepath.Dir(p); dir != "." {
			if err := util.EnsureDirExists(dir); err != nil {
				return err
			}
		}
	}
	if err := imgio.Save(imagePath, res.Image, imgio.PNGEncoder()); err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	data, err := json.MarshalIndent(res.Metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, data, 0644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

func run(ctx context.Context, o *options) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if err := o.apply(cfg); err != nil {
		return err
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format)

	opts, err := overlayOptions(cfg.Map)
	if err != nil {
		return err
	}

	d, store, err := newDownloader(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	defer d.Close()

	if o.clearCache {
		if err := d.ClearCache(ctx); err != nil {
			return fmt.Errorf("clear cache: %w", err)
		}
	}

	info := d.ProviderInfo()
	log.Println("========================================")
	log.Println("tilestitch - Map Tile Stitcher")
	log.Println("========================================")
	log.Printf("Provider: %s (%s)", info.Name, info.URLTemplate)
	log.Printf("Center: %.6f, %.6f", o.lat, o.lon)
	log.Printf("Coverage: %.0f m, output %d px", cfg.Map.CoverageMeters, cfg.Map.ImageSize)
	log.Printf("Cache: %s", cfg.Cache.Backend)
	log.Printf("Concurrent fetches: %d", cfg.Fetch.Workers)
	log.Println("========================================")

	p := pipeline.New(d, logger)
	res, err := p.Generate(ctx, model.GeoPoint{Lat: o.lat, Lon: o.lon}, cfg.Map.CoverageMeters, cfg.Map.ImageSize, opts)
	if err != nil {
		return err
	}

	if err := writeOutputs(res, o.out, o.metadata); err != nil {
		return err
	}

	log.Printf("Map written to %s (zoom %d, %d/%d tiles, %d cached)",
		o.out, res.Metadata.Zoom, res.Metadata.TilesFetched, res.Metadata.TilesTotal, res.Batch.CacheHits)
	if info.Attribution != "" {
		log.Printf("Attribution: %s", info.Attribution)
	}
	return nil
}

func main() {
	o, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("Error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o); err != nil {
		if errors.Is(err, pipeline.ErrNoTiles) {
			log.Fatal("Stitch failed: no tiles could be fetched, nothing written")
		}
		log.Fatalf("Stitch failed: %v", err)
	}
}
