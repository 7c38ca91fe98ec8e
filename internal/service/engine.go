package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	_ "github.com/lib/pq"

	"pulsenet-engine/internal/broadcaster"
	"pulsenet-engine/internal/clock"
	"pulsenet-engine/internal/common/database"
	mqttcommon "pulsenet-engine/internal/common/mqtt"
	rediscommon "pulsenet-engine/internal/common/redis"
	"pulsenet-engine/internal/community"
	"pulsenet-engine/internal/config"
	"pulsenet-engine/internal/consumer"
	"pulsenet-engine/internal/episode"
	"pulsenet-engine/internal/httpapi"
	"pulsenet-engine/internal/intervention"
	"pulsenet-engine/internal/models"
	"pulsenet-engine/internal/repository"
	"pulsenet-engine/internal/scorer"
	"pulsenet-engine/internal/stream"
)

// EngineService 情节检测与社区关联引擎（整合各层）
type EngineService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger

	// 各层组件
	stream        *stream.Stream
	scorer        *scorer.SustainedElevationScorer
	machine       *episode.Machine
	broadcaster   *broadcaster.Broadcaster
	aggregator    *community.Aggregator
	realtimeCache *consumer.RealtimeCache
	episodeRepo   repository.EpisodeRepository
	alertRepo     repository.AlertRepository

	mqttClient   *mqttcommon.Client
	mqttConsumer *consumer.MQTTConsumer
	httpServer   *http.Server
}

// pipeline 样本处理流水线：窗口更新 → 打分 → 状态机 → 实时缓存
// stream.Handler 的实现，在设备所属通道上执行
type pipeline struct {
	scorer  *scorer.SustainedElevationScorer
	machine *episode.Machine
	cache   *consumer.RealtimeCache // 可为 nil（无 Redis）
	logger  *zap.Logger
}

func (p *pipeline) HandleSample(device models.Device, sample models.VitalsSample, window []models.VitalsSample) {
	// 1. 复测路径：等待复测中的情节优先消费脉搏样本
	p.machine.HandleCheckIn(device, sample)

	// 2. 打分与检出
	res := p.scorer.Score(window)
	if res.IsAnomalous {
		p.machine.HandleScore(device, res, sample)
	}

	// 3. 实时缓存（尽力而为，失败只记日志）
	if p.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := p.cache.UpdateRealtime(ctx, sample); err != nil {
			p.logger.Warn("Failed to update realtime cache",
				zap.String("device_id", sample.DeviceID),
				zap.Error(err),
			)
		}
	}
}

// fanout 生命周期事件扇出：广播 → 社区聚合 → Redis 事件流 → 报警缓存
// episode.EventPublisher 的实现
type fanout struct {
	cfg         *config.Config
	broadcaster *broadcaster.Broadcaster
	aggregator  *community.Aggregator
	redisClient *redis.Client // 可为 nil
	alertRepo   repository.AlertRepository
	cache       *consumer.RealtimeCache // 可为 nil
	logger      *zap.Logger
}

func (f *fanout) PublishLifecycle(event models.LifecycleEvent) {
	f.broadcaster.Publish(event)
	f.aggregator.Apply(event)

	if f.redisClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := rediscommon.PublishJSONToStream(ctx, f.redisClient, f.cfg.Cache.EventStream, event); err != nil {
			f.logger.Warn("Failed to publish lifecycle event to stream",
				zap.String("episode_id", event.EpisodeID),
				zap.Error(err),
			)
		}
		f.refreshAlertCache(ctx, event.DeviceID)
	}
}

// refreshAlertCache 终态之外的转换都可能新建报警，统一按设备重刷活跃报警缓存
func (f *fanout) refreshAlertCache(ctx context.Context, deviceID string) {
	if f.cache == nil {
		return
	}
	alerts, err := f.alertRepo.ListActiveAlerts()
	if err != nil {
		f.logger.Warn("Failed to load active alerts for cache", zap.Error(err))
		return
	}
	snapshot := make([]models.Alert, 0, len(alerts))
	for _, a := range alerts {
		snapshot = append(snapshot, *a)
	}
	if err := f.cache.UpdateAlerts(ctx, deviceID, snapshot); err != nil {
		f.logger.Warn("Failed to update alerts cache",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}
}

// NewEngineService 创建引擎服务
// 数据库与 Redis 均为可选：连接失败时降级为内存仓储/跳过缓存，检测流水线照常工作。
func NewEngineService(cfg *config.Config, logger *zap.Logger) (*EngineService, error) {
	s := &EngineService{
		config: cfg,
		logger: logger,
	}
	clk := clock.New()

	// 1. 连接数据库（可选）
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		logger.Warn("Database unavailable, using in-memory repositories", zap.Error(err))
		s.episodeRepo = repository.NewMemoryEpisodeRepository()
		s.alertRepo = repository.NewMemoryAlertRepository()
	} else {
		s.db = db
		s.episodeRepo = repository.NewPostgresEpisodeRepository(db, logger)
		s.alertRepo = repository.NewPostgresAlertRepository(db, logger)
	}

	// 2. 连接 Redis（可选）
	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rediscommon.Ping(pingCtx, redisClient); err != nil {
		logger.Warn("Redis unavailable, realtime cache disabled", zap.Error(err))
		_ = redisClient.Close()
		redisClient = nil
	}
	s.redisClient = redisClient
	if redisClient != nil {
		s.realtimeCache = consumer.NewRealtimeCache(redisClient, cfg.Cache, logger)
	}

	// 3. 打分器
	s.scorer = scorer.NewSustainedElevationScorer(
		cfg.Engine.Scorer.BaselineBPM,
		cfg.Engine.Scorer.ThresholdRatio,
		cfg.Engine.Window.MinDuration.Seconds(),
		cfg.Engine.Scorer.SustainedDuration.Seconds(),
	)

	// 4. 广播器与社区聚合器
	s.broadcaster = broadcaster.NewBroadcaster(cfg, clk, nil, logger)

	// 5. 流水线与状态机
	// stream ↔ machine 互相引用：先建 pipeline 占位，再回填
	pipe := &pipeline{
		scorer: s.scorer,
		cache:  s.realtimeCache,
		logger: logger,
	}
	s.stream = stream.NewStream(cfg, clk, pipe, logger)
	s.aggregator = community.NewAggregator(cfg, clk, s.stream, logger)

	fo := &fanout{
		cfg:         cfg,
		broadcaster: s.broadcaster,
		aggregator:  s.aggregator,
		redisClient: redisClient,
		alertRepo:   s.alertRepo,
		cache:       s.realtimeCache,
		logger:      logger,
	}

	var provider episode.InterventionProvider
	if cfg.Intervention.ProviderURL != "" {
		provider = intervention.NewProvider(cfg, logger)
	}

	s.machine = episode.NewMachine(
		cfg,
		clk,
		s.stream,
		s.episodeRepo,
		s.alertRepo,
		fo,
		s.broadcaster,
		provider,
		s.scorer.Recovered,
		logger,
	)
	pipe.machine = s.machine

	// 6. MQTT 接入（可选）
	mqttClient, err := mqttcommon.NewClient(&cfg.MQTT, logger)
	if err != nil {
		logger.Warn("MQTT unavailable, ingest limited to HTTP", zap.Error(err))
	} else {
		s.mqttClient = mqttClient
		s.mqttConsumer = consumer.NewMQTTConsumer(cfg, mqttClient, s.stream, logger)
	}

	// 7. HTTP 路由
	router := httpapi.NewRouter(logger)
	router.RegisterHealthRoutes()
	router.RegisterEpisodeRoutes(httpapi.NewEpisodeHandler(s.machine, s.episodeRepo, logger))
	router.RegisterIngestRoutes(httpapi.NewIngestHandler(s.stream, logger))
	router.RegisterCommunityRoutes(httpapi.NewCommunityHandler(s.aggregator, s.stream, logger))
	router.RegisterAlertRoutes(httpapi.NewAlertHandler(s.alertRepo, s.aggregator, logger))
	router.RegisterSocketRoutes(httpapi.NewSocketHandler(s.broadcaster, logger))
	s.httpServer = &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	return s, nil
}

// Start 启动服务（阻塞到上下文取消或 HTTP 服务出错）
func (s *EngineService) Start(ctx context.Context) error {
	s.broadcaster.Start()

	if s.mqttConsumer != nil {
		go func() {
			if err := s.mqttConsumer.Start(ctx); err != nil {
				s.logger.Error("MQTT consumer failed", zap.Error(err))
			}
		}()
	}

	s.logger.Info("Engine service started",
		zap.String("http_addr", s.config.HTTP.Addr),
		zap.Bool("mqtt_enabled", s.mqttConsumer != nil),
		zap.Bool("redis_enabled", s.redisClient != nil),
		zap.Bool("postgres_enabled", s.db != nil),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}
}

// Stop 优雅关闭
// 顺序：HTTP → MQTT → 设备通道排空 → 状态机定时器 → 广播器 → 外部连接
func (s *EngineService) Stop() error {
	s.logger.Info("Stopping engine service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Failed to shut down HTTP server", zap.Error(err))
	}

	if s.mqttConsumer != nil {
		_ = s.mqttConsumer.Stop(shutdownCtx)
	}
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}

	s.stream.Stop()
	s.machine.Stop()
	s.broadcaster.Stop()

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("Failed to close redis", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("Failed to close database", zap.Error(err))
		}
	}

	return nil
}
