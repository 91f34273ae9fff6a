package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"image"
	"log"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/geoyee/tilestitch/internal/cache"
	"github.com/geoyee/tilestitch/internal/calculator"
	"github.com/geoyee/tilestitch/internal/client"
	"github.com/geoyee/tilestitch/internal/config"
	"github.com/geoyee/tilestitch/internal/download"
	"github.com/geoyee/tilestitch/internal/logging"
	"github.com/geoyee/tilestitch/internal/metrics"
	"github.com/geoyee/tilestitch/internal/model"
	"github.com/geoyee/tilestitch/internal/pipeline"
	"github.com/geoyee/tilestitch/internal/provider"
	"github.com/geoyee/tilestitch/internal/publish"
	"github.com/geoyee/tilestitch/internal/session"
	"github.com/geoyee/tilestitch/internal/stitch"
)

// StitchRequest 坐标必填，其余为空时使用配置
type StitchRequest struct {
	Lat            *float64 `json:"lat"`
	Lon            *float64 `json:"lon"`
	CoverageMeters float64  `json:"coverage_meters,omitempty"`
	ImageSize      int      `json:"image_size,omitempty"`
	Grid           *bool    `json:"grid,omitempty"`
	CenterMarker   *bool    `json:"center_marker,omitempty"`
}

// FixRequest 定位输入，status < 0 表示无定位
type FixRequest struct {
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Status int     `json:"status"`
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// mapPublisher 由 *publish.Publisher 实现
type mapPublisher interface {
	Publish(ctx context.Context, img image.Image, meta model.MapMetadata) error
	Close()
}

type Server struct {
	cfg         *config.Config
	downloader  *download.Downloader
	pipeline    *pipeline.Pipeline
	session     *session.Session
	publisher   mapPublisher
	logger      logging.Logger
	corsOrigins []string

	// genMu 同一时间只生成一张地图
	genMu sync.Mutex
}

func NewServer(cfg *config.Config, d *download.Downloader, sess *session.Session, logger logging.Logger) *Server {
	logger = logging.OrNop(logger)
	return &Server{
		cfg:         cfg,
		downloader:  d,
		pipeline:    pipeline.New(d, logger),
		session:     sess,
		logger:      logger,
		corsOrigins: cfg.Server.CORSOrigins,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/providers", s.handleProviders)
	mux.HandleFunc("/api/stitch", s.handleStitch)
	mux.HandleFunc("/api/fix", s.handleFix)
	mux.HandleFunc("/api/image", s.handleImage)
	mux.HandleFunc("/api/metadata", s.handleMetadata)
	mux.HandleFunc("/api/cache", s.handleCache)
	mux.Handle("/metrics", metrics.Handler())
	return s.corsMiddleware(mux)
}

func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("Tile Stitch Service starting on %s", addr)
	log.Println("API Endpoints:")
	log.Println("  POST   /api/stitch    - Generate a map for a center point")
	log.Println("  POST   /api/fix       - Submit a position fix")
	log.Println("  GET    /api/image     - Latest map (?encoding=png|bgr8)")
	log.Println("  GET    /api/metadata  - Latest map metadata")
	log.Println("  DELETE /api/cache     - Clear the provider's tile cache")
	log.Println("  GET    /api/providers - List tile providers")
	log.Println("  GET    /api/health    - Health check")
	log.Println("  GET    /metrics       - Prometheus metrics")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case slices.Contains(s.corsOrigins, "*"):
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.Contains(s.corsOrigins, origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter) {
	s.respondJSON(w, http.StatusMethodNotAllowed, APIResponse{
		Success: false,
		Message: "Method not allowed",
	})
}

// respondError 按错误类型选择状态码
func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, calculator.ErrInvalidLatitude),
		errors.Is(err, calculator.ErrInvalidLongitude),
		errors.Is(err, calculator.ErrInvalidCoverage),
		errors.Is(err, calculator.ErrInvalidImageSize),
		errors.Is(err, calculator.ErrInvalidZoom):
		status = http.StatusBadRequest
	case errors.Is(err, pipeline.ErrNoTiles):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, APIResponse{
		Success: false,
		Message: err.Error(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, ready := s.session.Last()
	data := map[string]interface{}{
		"status":    "healthy",
		"time":      time.Now().Format(time.RFC3339),
		"provider":  s.pipeline.Provider().Key,
		"map_ready": ready,
	}
	if pos, ok := s.session.Center(); ok {
		data["position"] = pos
	}
	s.respondJSON(w, http.StatusOK, APIResponse{Success: true, Data: data})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}
	all := provider.All()
	list := make([]model.ProviderConfig, 0, len(all))
	for _, p := range all {
		list = append(list, p.Config())
	}
	s.respondJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    list,
	})
}

// options 合并请求与配置中的叠加层设置
func (s *Server) options(grid, marker *bool) (pipeline.Options, error) {
	mc := s.cfg.Map
	if grid != nil {
		mc.Grid.Enabled = *grid
	}
	if marker != nil {
		mc.CenterMarker = *marker
	}

	var opts pipeline.Options
	if mc.Grid.Enabled {
		c, err := stitch.ParseColor(mc.Grid.Color)
		if err != nil {
			return opts, err
		}
		opts.Grid = &pipeline.GridOptions{SpacingMeters: mc.Grid.SpacingMeters, Color: c, Alpha: mc.Grid.Alpha}
	}
	if mc.CenterMarker {
		opts.CenterMarker = &pipeline.MarkerOptions{Size: 10}
	}
	return opts, nil
}

// generate 生成地图并记录到会话
func (s *Server) generate(ctx context.Context, center model.GeoPoint, coverage float64, size int, opts pipeline.Options) (*pipeline.Result, error) {
	res, err := s.pipeline.Generate(ctx, center, coverage, size, opts)
	if err != nil {
		return nil, err
	}
	s.session.Record(res.Image, res.Metadata)
	if dir := s.cfg.Session.SnapshotDir; dir != "" {
		if err := s.session.SaveSnapshot(dir); err != nil {
			s.logger.Warn("failed to save snapshot", "dir", dir, "error", err)
		}
	}
	s.publishLatest(ctx)
	return res, nil
}

func (s *Server) handleStitch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}

	var req StitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondJSON(w, http.StatusBadRequest, APIResponse{
			Success: false,
			Message: fmt.Sprintf("Invalid request body: %v", err),
		})
		return
	}
	if req.Lat == nil || req.Lon == nil {
		s.respondJSON(w, http.StatusBadRequest, APIResponse{
			Success: false,
			Message: "lat and lon are required",
		})
		return
	}

	coverage := req.CoverageMeters
	if coverage == 0 {
		coverage = s.cfg.Map.CoverageMeters
	}
	size := req.ImageSize
	if size == 0 {
		size = s.cfg.Map.ImageSize
	}
	opts, err := s.options(req.Grid, req.CenterMarker)
	if err != nil {
		s.respondError(w, err)
		return
	}

	center := model.GeoPoint{Lat: *req.Lat, Lon: *req.Lon}
	s.genMu.Lock()
	res, err := s.generate(r.Context(), center, coverage, size, opts)
	s.genMu.Unlock()
	if err != nil {
		s.respondError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Message: "Map generated",
		Data:    res.Metadata,
	})
}

func (s *Server) handleFix(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w)
		return
	}

	var req FixRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondJSON(w, http.StatusBadRequest, APIResponse{
			Success: false,
			Message: fmt.Sprintf("Invalid request body: %v", err),
		})
		return
	}

	p := model.GeoPoint{Lat: req.Lat, Lon: req.Lon}
	if !session.ValidFix(p, req.Status) {
		s.logger.Warn("ignoring invalid fix", "lat", req.Lat, "lon", req.Lon, "status", req.Status)
		s.respondJSON(w, http.StatusOK, APIResponse{
			Success: true,
			Message: "Fix ignored",
			Data:    map[string]bool{"updated": false},
		})
		return
	}
	s.session.Observe(p)

	s.genMu.Lock()
	defer s.genMu.Unlock()
	if !s.session.ShouldUpdate(p) {
		s.respondJSON(w, http.StatusOK, APIResponse{
			Success: true,
			Message: "Map unchanged",
			Data:    map[string]bool{"updated": false},
		})
		return
	}

	opts, err := s.options(nil, nil)
	if err != nil {
		s.respondError(w, err)
		return
	}
	res, err := s.generate(r.Context(), p, s.cfg.Map.CoverageMeters, s.cfg.Map.ImageSize, opts)
	if err != nil {
		s.respondError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Message: "Map updated",
		Data: map[string]interface{}{
			"updated":  true,
			"metadata": res.Metadata,
		},
	})
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}
	entry, ok := s.session.Last()
	if !ok {
		s.respondJSON(w, http.StatusNotFound, APIResponse{
			Success: false,
			Message: "No map generated yet",
		})
		return
	}

	enc, err := publish.ParseEncoding(r.URL.Query().Get("encoding"))
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, APIResponse{
			Success: false,
			Message: err.Error(),
		})
		return
	}
	data, err := publish.EncodeImage(entry.Image, enc)
	if err != nil {
		s.respondError(w, err)
		return
	}

	b := entry.Image.Bounds()
	if enc == publish.EncodingPNG {
		w.Header().Set("Content-Type", "image/png")
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("X-Image-Encoding", string(enc))
	w.Header().Set("X-Image-Width", strconv.Itoa(b.Dx()))
	w.Header().Set("X-Image-Height", strconv.Itoa(b.Dy()))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w)
		return
	}
	entry, ok := s.session.Last()
	if !ok {
		s.respondJSON(w, http.StatusNotFound, APIResponse{
			Success: false,
			Message: "No map generated yet",
		})
		return
	}
	s.respondJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    entry.Metadata,
	})
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.methodNotAllowed(w)
		return
	}
	if err := s.downloader.ClearCache(r.Context()); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Message: "Cache cleared",
	})
}

// publishLatest 发布最近一次结果，未配置 NATS 时不做任何事
func (s *Server) publishLatest(ctx context.Context) {
	if s.publisher == nil {
		return
	}
	entry, ok := s.session.Last()
	if !ok {
		return
	}
	if err := s.publisher.Publish(ctx, entry.Image, entry.Metadata); err != nil {
		s.logger.Warn("failed to publish map", "error", err)
	}
}

// runPublisher 按固定间隔重复发布最近结果，直到 ctx 结束
func (s *Server) runPublisher(ctx context.Context, interval time.Duration) {
	if s.publisher == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishLatest(ctx)
		}
	}
}

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
		Workers:          cfg.Fetch.Workers,
		RateLimit:        cfg.Fetch.RateLimit,
		Retries:          cfg.Fetch.Retries,
		BatchTimeout:     cfg.Fetch.BatchTimeout(),
		ProgressInterval: 5 * time.Second,
		Logger:           logger,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return d, store, nil
}

func newSession(cfg config.SessionConfig, logger logging.Logger) *session.Session {
	sess := session.New(session.Policy{
		FetchOnceAtOrigin:       cfg.FetchOnceAtOrigin,
		UpdateOnMovement:        cfg.UpdateOnMovement,
		MovementThresholdMeters: cfg.MovementThresholdMeters,
	}, logger)
	if cfg.SnapshotDir == "" {
		return sess
	}
	if err := sess.LoadSnapshot(cfg.SnapshotDir); err != nil && !errors.Is(err, session.ErrNoSnapshot) {
		logger.Warn("failed to load snapshot", "dir", cfg.SnapshotDir, "error", err)
	}
	return sess
}

func main() {
	configPath := flag.String("config", "", "[Optional] Config file (default: ./tilestitch.yaml if present)")
	flag.Parse()

	log.Printf("Starting Tile Stitch Service...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, store, err := newDownloader(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Downloader init failed: %v", err)
	}
	defer store.Close()
	defer d.Close()

	server := NewServer(cfg, d, newSession(cfg.Session, logger), logger)

	if cfg.Publish.NATSURL != "" {
		enc, err := publish.ParseEncoding(cfg.Publish.Encoding)
		if err != nil {
			log.Fatalf("Config error: %v", err)
		}
		pub, err := publish.NewPublisher(cfg.Publish.NATSURL, cfg.Publish.SubjectPrefix, enc, logger)
		if err != nil {
			log.Fatalf("NATS connect failed: %v", err)
		}
		defer pub.Close()
		server.publisher = pub
		go server.runPublisher(ctx, time.Duration(cfg.Publish.IntervalSeconds)*time.Second)
		log.Printf("Publishing to %s every %ds", pub.Subjects().Image, cfg.Publish.IntervalSeconds)
	}

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server failed: %v", err)
	}
	log.Println("Tile Stitch Service stopped")
}
