package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/geoyee/tilestitch/internal/logging"
	"github.com/geoyee/tilestitch/internal/model"
	"github.com/geoyee/tilestitch/internal/util"
)

// StatsMonitor 单批次获取进度
type StatsMonitor struct {
	stats    *model.FetchStats
	logger   logging.Logger
	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	done     chan struct{}
}

// NewStatsMonitor interval 为 0 时不输出周期进度
func NewStatsMonitor(logger logging.Logger, interval time.Duration) *StatsMonitor {
	return &StatsMonitor{
		stats:    &model.FetchStats{},
		logger:   logging.OrNop(logger),
		interval: interval,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (sm *StatsMonitor) InitStats(totalTiles int) {
	sm.stats = &model.FetchStats{
		Total:     int64(totalTiles),
		StartTime: time.Now(),
	}
}

func (sm *StatsMonitor) GetStats() *model.FetchStats {
	return sm.stats
}

// Snapshot 原子读取当前计数
func (sm *StatsMonitor) Snapshot() model.FetchStats {
	return model.FetchStats{
		Total:         sm.stats.Total,
		Success:       atomic.LoadInt64(&sm.stats.Success),
		Failed:        atomic.LoadInt64(&sm.stats.Failed),
		CacheHits:     atomic.LoadInt64(&sm.stats.CacheHits),
		Retries:       atomic.LoadInt64(&sm.stats.Retries),
		BytesTotal:    atomic.LoadInt64(&sm.stats.BytesTotal),
		ActiveWorkers: atomic.LoadInt32(&sm.stats.ActiveWorkers),
		StartTime:     sm.stats.StartTime,
	}
}

func (sm *StatsMonitor) StartMonitoring() {
	if !sm.started.CompareAndSwap(false, true) {
		return
	}
	if sm.interval <= 0 {
		close(sm.done)
		return
	}
	go sm.monitorStats()
}

// StopMonitoring 可重复调用，返回时监控协程已退出
func (sm *StatsMonitor) StopMonitoring() {
	sm.stopOnce.Do(func() { close(sm.stopChan) })
	if sm.started.Load() {
		<-sm.done
	}
}

func (sm *StatsMonitor) monitorStats() {
	defer close(sm.done)

	ticker := time.NewTicker(sm.interval)
	defer ticker.Stop()

	var lastDone int64
	lastTime := time.Now()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s := sm.Snapshot()
			processed := s.Success + s.Failed

			var tilesPerSec float64
			if d := now.Sub(lastTime).Seconds(); d > 0 {
				tilesPerSec = float64(processed-lastDone) / d
			}
			var percent float64
			if s.Total > 0 {
				percent = float64(processed) / float64(s.Total) * 100
			}

			sm.logger.Info("fetch progress",
				"processed", processed,
				"total", s.Total,
				"percent", percent,
				"tiles_per_sec", tilesPerSec,
				"active_workers", s.ActiveWorkers,
				"cache_hits", s.CacheHits,
				"failed", s.Failed)

			lastDone = processed
			lastTime = now

			if processed >= s.Total {
				return
			}
		case <-sm.stopChan:
			return
		}
	}
}

// LogSummary 输出批次汇总与错误分类
func (sm *StatsMonitor) LogSummary(provider string, errStats *util.ErrorStats) {
	s := sm.Snapshot()
	duration := time.Since(s.StartTime)

	sm.logger.Info("fetch batch complete",
		"provider", provider,
		"total", s.Total,
		"success", s.Success,
		"cache_hits", s.CacheHits,
		"failed", s.Failed,
		"retries", s.Retries,
		"bytes", s.BytesTotal,
		"duration", duration.Round(time.Millisecond))

	if errStats == nil || !errStats.HasErrors() {
		return
	}
	counts := errStats.GetErrorStats()
	for _, category := range errStats.Categories() {
		sm.logger.Warn("fetch errors", "provider", provider, "category", category, "count", counts[category])
	}
}
