// Package download 提供瓦片获取相关功能
package download

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/geoyee/tilestitch/internal/model"
)

// WorkerPool 有界并发执行获取任务
type WorkerPool struct {
	workers int
	stats   *model.FetchStats
}

// NewWorkerPool 创建工作池，stats 可为 nil
func NewWorkerPool(workers int, stats *model.FetchStats) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	return &WorkerPool{
		workers: workers,
		stats:   stats,
	}
}

// Workers 最大并发数
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// Run 对每个任务调用 fn，同时运行的任务数不超过 workers。
// ctx 取消后不再派发剩余任务，已派发的任务自行响应取消。
// 返回时所有已派发任务均已结束，返回值为 ctx 的错误。
func (wp *WorkerPool) Run(ctx context.Context, tasks []model.FetchTask, fn func(ctx context.Context, i int, task model.FetchTask)) error {
	g := new(errgroup.Group)
	g.SetLimit(wp.workers)

	for i, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if wp.stats != nil {
				atomic.AddInt32(&wp.stats.ActiveWorkers, 1)
				defer atomic.AddInt32(&wp.stats.ActiveWorkers, -1)
			}
			fn(ctx, i, task)
			return nil
		})
	}

	g.Wait()
	return ctx.Err()
}
