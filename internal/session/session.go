// Package session 保存最近一次发布的地图并决定何时重新生成
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anthonynsimon/bild/imgio"
	"github.com/disintegration/imaging"

	"github.com/geoyee/tilestitch/internal/calculator"
	"github.com/geoyee/tilestitch/internal/logging"
	"github.com/geoyee/tilestitch/internal/model"
	"github.com/geoyee/tilestitch/internal/util"
)

const (
	snapshotVersion  = "1.0"
	snapshotMetaFile = "snapshot.json"
	snapshotImage    = "last.png"
)

// ErrNoSnapshot 快照目录中没有可用快照
var ErrNoSnapshot = errors.New("no snapshot found")

// Policy 更新策略
type Policy struct {
	// FetchOnceAtOrigin 只在第一次成功前生成地图，优先于其他选项
	FetchOnceAtOrigin bool
	UpdateOnMovement  bool
	// MovementThresholdMeters 移动距离超过该值才重新生成
	MovementThresholdMeters float64
}

// Entry 最近一次成功结果
type Entry struct {
	Image    *image.NRGBA
	Metadata model.MapMetadata
	Position model.GeoPoint
}

// Session 由宿主程序持有，方法可并发调用
type Session struct {
	policy Policy
	logger logging.Logger

	mu   sync.RWMutex
	last *Entry
	// 本进程内最近一次生成的位置，快照恢复不设置
	generated *model.GeoPoint
	center    *model.GeoPoint
}

func New(policy Policy, logger logging.Logger) *Session {
	return &Session{
		policy: policy,
		logger: logging.OrNop(logger),
	}
}

// ValidFix 过滤无效定位：状态为负或位置为 (0, 0)
func ValidFix(p model.GeoPoint, status int) bool {
	if status < 0 {
		return false
	}
	if p.Lat == 0 && p.Lon == 0 {
		return false
	}
	return calculator.ValidatePoint(p) == nil
}

// Observe 记录最新的有效位置
func (s *Session) Observe(p model.GeoPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.center = &p
}

// Center 最新观测到的位置
func (s *Session) Center() (model.GeoPoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.center == nil {
		return model.GeoPoint{}, false
	}
	return *s.center, true
}

// ShouldUpdate 判断位置 p 是否需要重新生成地图
func (s *Session) ShouldUpdate(p model.GeoPoint) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.generated == nil {
		return true
	}
	if s.policy.FetchOnceAtOrigin || !s.policy.UpdateOnMovement {
		return false
	}

	dist := calculator.Haversine(*s.generated, p)
	if dist > s.policy.MovementThresholdMeters {
		s.logger.Info("moved beyond threshold, updating map", "distance_m", dist, "threshold_m", s.policy.MovementThresholdMeters)
		return true
	}
	return false
}

// Record 保存一次成功的结果
func (s *Session) Record(img *image.NRGBA, meta model.MapMetadata) {
	entry := newEntry(img, meta)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = entry
	s.generated = &entry.Position
}

func newEntry(img *image.NRGBA, meta model.MapMetadata) *Entry {
	return &Entry{
		Image:    img,
		Metadata: meta,
		Position: model.GeoPoint{Lat: meta.CenterLat, Lon: meta.CenterLon},
	}
}

// Last 返回最近一次成功结果
func (s *Session) Last() (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return Entry{}, false
	}
	return *s.last, true
}

// SaveSnapshot 将最近结果写入 dir：元数据 JSON 与 PNG 图像
func (s *Session) SaveSnapshot(dir string) error {
	entry, ok := s.Last()
	if !ok {
		return nil
	}
	if err := util.EnsureDirExists(dir); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	imgPath := filepath.Join(dir, snapshotImage)
	if err := imgio.Save(imgPath, entry.Image, imgio.PNGEncoder()); err != nil {
		return fmt.Errorf("write snapshot image: %w", err)
	}

	snap := model.Snapshot{
		Version:   snapshotVersion,
		Metadata:  entry.Metadata,
		ImageFile: snapshotImage,
		SavedAt:   time.Now().UTC(),
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, snapshotMetaFile), data, 0644); err != nil {
		return fmt.Errorf("write snapshot metadata: %w", err)
	}

	s.logger.Info("snapshot saved", "dir", dir, "zoom", entry.Metadata.Zoom)
	return nil
}

// LoadSnapshot 从 dir 恢复最近结果，没有快照时返回 ErrNoSnapshot。
// 恢复的地图只用于响应查询，下一个有效定位仍会触发生成。
func (s *Session) LoadSnapshot(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, snapshotMetaFile))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNoSnapshot
	}
	if err != nil {
		return fmt.Errorf("read snapshot metadata: %w", err)
	}

	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse snapshot metadata: %w", err)
	}
	if snap.ImageFile == "" || filepath.Base(snap.ImageFile) != snap.ImageFile {
		return fmt.Errorf("invalid snapshot image file %q", snap.ImageFile)
	}

	img, err := imgio.Open(filepath.Join(dir, snap.ImageFile))
	if err != nil {
		return fmt.Errorf("read snapshot image: %w", err)
	}

	entry := newEntry(imaging.Clone(img), snap.Metadata)
	s.mu.Lock()
	s.last = entry
	s.mu.Unlock()
	s.logger.Info("snapshot loaded", "dir", dir, "saved_at", snap.SavedAt, "zoom", snap.Metadata.Zoom)
	return nil
}
