package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/anthonynsimon/bild/clone"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/geoyee/tilestitch/internal/cache"
	"github.com/geoyee/tilestitch/internal/client"
	"github.com/geoyee/tilestitch/internal/logging"
	"github.com/geoyee/tilestitch/internal/metrics"
	"github.com/geoyee/tilestitch/internal/model"
	"github.com/geoyee/tilestitch/internal/provider"
	"github.com/geoyee/tilestitch/internal/stats"
	"github.com/geoyee/tilestitch/internal/util"
)

const (
	DefaultWorkers   = 8
	DefaultRateLimit = 10
	DefaultRetries   = 2

	defaultRetryBaseDelay = 500 * time.Millisecond
	maxRetryDelay         = 10 * time.Second
	cacheExt              = ".png"
)

// ErrTileOutOfRange 瓦片坐标超出 [0, 2^z) 范围
var ErrTileOutOfRange = errors.New("tile index out of range")

// Options 获取引擎配置
type Options struct {
	// Provider 服务名，见 provider.Names
	Provider string
	// URLTemplate 非空时替换服务默认地址（镜像或测试服务器）
	URLTemplate string
	Store       cache.Store
	HTTP        client.Config
	// Workers 为 0 时使用 DefaultWorkers
	Workers int
	// RateLimit 每秒请求数，0 表示不限
	RateLimit float64
	Retries   int
	// RetryBaseDelay 为 0 时为 500ms，第 n 次重试等待 base·2^(n-1)，上限 10s
	RetryBaseDelay time.Duration
	// BatchTimeout 为 0 时批量获取不设总超时
	BatchTimeout time.Duration
	// ProgressInterval 为 0 时不输出周期进度
	ProgressInterval time.Duration
	Logger           logging.Logger
}

// TileResult 单个瓦片的获取结果
type TileResult struct {
	Index     model.TileIndex
	Image     image.Image
	Err       error
	FromCache bool
}

// BatchResult 批量获取结果，单个瓦片失败不影响其余瓦片
type BatchResult struct {
	Tiles     map[model.TileIndex]image.Image
	Failures  map[model.TileIndex]error
	Total     int
	CacheHits int
	// Err 仅表示批次被取消或超时
	Err error
}

// Empty 没有获取到任何瓦片
func (r *BatchResult) Empty() bool {
	return len(r.Tiles) == 0
}

type Downloader struct {
	provider    provider.Provider
	info        model.ProviderConfig
	urlTemplate string
	store       cache.Store
	client      *client.HTTPClient
	limiter     *rate.Limiter
	workers     int
	retries     int
	retryBase   time.Duration
	batchTO     time.Duration
	progress    time.Duration
	logger      logging.Logger
	errorStats  *util.ErrorStats
	group       singleflight.Group
}

// New 创建获取引擎，服务名无效或缺少缓存时返回错误
func New(opts Options) (*Downloader, error) {
	p, err := provider.Lookup(opts.Provider)
	if err != nil {
		return nil, err
	}
	if opts.Store == nil {
		return nil, errors.New("tile store is required")
	}

	logger := logging.OrNop(opts.Logger)
	info := p.Config()

	d := &Downloader{
		provider:    p,
		info:        info,
		urlTemplate: info.URLTemplate,
		store:       opts.Store,
		workers:     opts.Workers,
		retries:     max(opts.Retries, 0),
		retryBase:   opts.RetryBaseDelay,
		batchTO:     opts.BatchTimeout,
		progress:    opts.ProgressInterval,
		logger:      logger,
		errorStats:  util.NewErrorStats(),
	}
	if opts.URLTemplate != "" {
		d.urlTemplate = opts.URLTemplate
		logger.Info("using custom tile url template", "provider", info.Key, "template", opts.URLTemplate)
	}
	if d.workers <= 0 {
		d.workers = DefaultWorkers
	}
	if d.retryBase <= 0 {
		d.retryBase = defaultRetryBaseDelay
	}
	if opts.RateLimit > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), max(int(opts.RateLimit), 1))
	}

	httpCfg := opts.HTTP
	if httpCfg.Logger == nil {
		httpCfg.Logger = logger
	}
	d.client = client.NewHTTPClient(httpCfg)

	logger.Debug("downloader ready",
		"provider", info.Key,
		"workers", d.workers,
		"rate_limit", opts.RateLimit,
		"retries", d.retries)
	return d, nil
}

// ProviderInfo 返回服务配置
func (d *Downloader) ProviderInfo() model.ProviderConfig {
	return d.info
}

// ErrorStats 累计的失败分类
func (d *Downloader) ErrorStats() *util.ErrorStats {
	return d.errorStats
}

// Close 释放空闲连接
func (d *Downloader) Close() {
	if transport, ok := d.client.GetClient().Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

// ClearCache 删除当前服务的全部缓存
func (d *Downloader) ClearCache(ctx context.Context) error {
	if err := d.store.Clear(ctx, d.info.Key); err != nil {
		metrics.CacheErrors.WithLabelValues("clear").Inc()
		return fmt.Errorf("clear cache for %s: %w", d.info.Key, err)
	}
	d.logger.Info("tile cache cleared", "provider", d.info.Key)
	return nil
}

func (d *Downloader) task(idx model.TileIndex) model.FetchTask {
	return model.FetchTask{
		Tile:     idx,
		URL:      util.GetTileURL(d.urlTemplate, idx.X, idx.Y, idx.Z),
		CacheKey: util.CacheKey(d.info.Key, idx.Z, idx.X, idx.Y, cacheExt),
	}
}

// FetchTile 获取单个瓦片。useCache 为 true 时先查缓存，缓存损坏视为未命中。
// 返回的图像归调用方所有。
func (d *Downloader) FetchTile(ctx context.Context, idx model.TileIndex, useCache bool) (image.Image, error) {
	img, _, err := d.fetchTile(ctx, d.task(idx), useCache, &model.FetchStats{})
	return img, err
}

type fetched struct {
	img       image.Image
	fromCache bool
}

func (d *Downloader) fetchTile(ctx context.Context, task model.FetchTask, useCache bool, st *model.FetchStats) (image.Image, bool, error) {
	if !task.Tile.Valid() {
		return nil, false, fmt.Errorf("%w: %s", ErrTileOutOfRange, task.Tile)
	}

	flightKey := task.CacheKey
	if !useCache {
		flightKey += "#nocache"
	}
	v, err, shared := d.group.Do(flightKey, func() (any, error) {
		img, fromCache, err := d.fetch(ctx, task, useCache, st)
		if err != nil {
			return nil, err
		}
		return fetched{img: img, fromCache: fromCache}, nil
	})
	if err != nil {
		return nil, false, err
	}

	f := v.(fetched)
	if shared {
		return clone.AsRGBA(f.img), f.fromCache, nil
	}
	return f.img, f.fromCache, nil
}

func (d *Downloader) fetch(ctx context.Context, task model.FetchTask, useCache bool, st *model.FetchStats) (image.Image, bool, error) {
	if useCache {
		if img, ok := d.fromCache(ctx, task); ok {
			metrics.FetchTiles.WithLabelValues(d.info.Key, "cache").Inc()
			return img, true, nil
		}
	}

	start := time.Now()
	data, err := d.download(ctx, task, st)
	metrics.ObserveSince(metrics.FetchDuration.WithLabelValues(d.info.Key), start)
	if err != nil {
		return nil, false, err
	}
	atomic.AddInt64(&st.BytesTotal, int64(len(data)))

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, false, fmt.Errorf("decode tile %s: %w", task.Tile, err)
	}
	metrics.FetchTiles.WithLabelValues(d.info.Key, "network").Inc()

	if useCache {
		d.toCache(ctx, task, img)
	}
	return img, false, nil
}

func (d *Downloader) fromCache(ctx context.Context, task model.FetchTask) (image.Image, bool) {
	data, err := d.store.Get(ctx, task.CacheKey)
	if errors.Is(err, cache.ErrMiss) {
		return nil, false
	}
	if err != nil {
		metrics.CacheErrors.WithLabelValues("get").Inc()
		d.logger.Warn("cache read failed, fetching from network", "tile", task.Tile.String(), "error", err)
		return nil, false
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		metrics.CacheErrors.WithLabelValues("decode").Inc()
		d.logger.Warn("corrupt cache entry, fetching from network", "tile", task.Tile.String(), "key", task.CacheKey, "error", err)
		return nil, false
	}
	return img, true
}

// toCache 统一以 PNG 写入缓存，写入失败只记录日志
func (d *Downloader) toCache(ctx context.Context, task model.FetchTask, img image.Image) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		metrics.CacheErrors.WithLabelValues("encode").Inc()
		d.logger.Warn("encode tile for cache failed", "tile", task.Tile.String(), "error", err)
		return
	}
	if err := d.store.Put(ctx, task.CacheKey, buf.Bytes()); err != nil {
		metrics.CacheErrors.WithLabelValues("put").Inc()
		d.logger.Warn("cache write failed", "tile", task.Tile.String(), "key", task.CacheKey, "error", err)
	}
}

// download 带退避重试地下载瓦片字节，4xx 与无效内容不重试
func (d *Downloader) download(ctx context.Context, task model.FetchTask, st *model.FetchStats) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= d.retries; attempt++ {
		task.Attempt = attempt
		if attempt > 0 {
			timer := time.NewTimer(d.retryDelay(attempt))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
			atomic.AddInt64(&st.Retries, 1)
			d.logger.Debug("retrying tile", "tile", task.Tile.String(), "attempt", attempt, "error", lastErr)
		}

		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		data, err := d.client.Get(ctx, task.URL)
		if err == nil {
			if !util.ValidateFileFormat(data) {
				return nil, fmt.Errorf("fetch tile %s: response is not an image (%d bytes)", task.Tile, len(data))
			}
			return data, nil
		}

		lastErr = fmt.Errorf("fetch tile %s: %w", task.Tile, err)
		if !retryable(ctx, err) {
			break
		}
	}
	return nil, lastErr
}

func (d *Downloader) retryDelay(attempt int) time.Duration {
	if attempt > 30 {
		return maxRetryDelay
	}
	delay := d.retryBase << uint(attempt-1)
	if delay <= 0 || delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var se *client.StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

// FetchRectangle 并发获取范围内全部瓦片。越界、失败的瓦片记入 Failures，
// 不影响其余瓦片；批次取消或超时时 Err 非空，已获取的瓦片仍然返回。
func (d *Downloader) FetchRectangle(ctx context.Context, rect model.TileRect) *BatchResult {
	if d.batchTO > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.batchTO)
		defer cancel()
	}

	indices := rect.Tiles()
	tasks := make([]model.FetchTask, len(indices))
	for i, idx := range indices {
		tasks[i] = d.task(idx)
	}

	metrics.BatchTiles.WithLabelValues(d.info.Key).Observe(float64(len(tasks)))

	monitor := stats.NewStatsMonitor(d.logger, d.progress)
	monitor.InitStats(len(tasks))
	st := monitor.GetStats()
	monitor.StartMonitoring()

	batchErrors := util.NewErrorStats()
	results := make([]TileResult, len(tasks))
	pool := NewWorkerPool(d.workers, st)

	d.logger.Info("fetching tiles",
		"provider", d.info.Key,
		"zoom", rect.Zoom,
		"tiles", len(tasks),
		"workers", pool.Workers())

	runErr := pool.Run(ctx, tasks, func(ctx context.Context, i int, task model.FetchTask) {
		img, fromCache, err := d.fetchTile(ctx, task, true, st)
		results[i] = TileResult{Index: task.Tile, Image: img, Err: err, FromCache: fromCache}

		if err != nil {
			atomic.AddInt64(&st.Failed, 1)
			batchErrors.RecordError(err)
			d.errorStats.RecordError(err)
			metrics.FetchFailures.WithLabelValues(d.info.Key, util.ClassifyError(err)).Inc()
			d.logger.Debug("tile fetch failed", "tile", task.Tile.String(), "error", err)
			return
		}
		atomic.AddInt64(&st.Success, 1)
		if fromCache {
			atomic.AddInt64(&st.CacheHits, 1)
		}
	})

	monitor.StopMonitoring()

	batch := &BatchResult{
		Tiles:    make(map[model.TileIndex]image.Image, len(tasks)),
		Failures: make(map[model.TileIndex]error),
		Total:    len(tasks),
		Err:      runErr,
	}
	for i, r := range results {
		switch {
		case r.Err != nil:
			batch.Failures[r.Index] = r.Err
		case r.Image != nil:
			batch.Tiles[r.Index] = r.Image
			if r.FromCache {
				batch.CacheHits++
			}
		default:
			// 批次取消后未派发的任务
			batch.Failures[tasks[i].Tile] = context.Cause(ctx)
		}
	}

	monitor.LogSummary(d.info.Key, batchErrors)
	if runErr != nil {
		d.logger.Warn("tile batch interrupted", "provider", d.info.Key, "fetched", len(batch.Tiles), "total", batch.Total, "error", runErr)
	}
	return batch
}
