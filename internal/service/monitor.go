// Package service 组装采集客户端、会话编排器与外围组件
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"strokeguard/common/database"
	mqttcommon "strokeguard/common/mqtt"
	rediscommon "strokeguard/common/redis"
	"strokeguard/internal/acquisition"
	"strokeguard/internal/config"
	"strokeguard/internal/httpapi"
	"strokeguard/internal/metrics"
	"strokeguard/internal/monitoring"
	"strokeguard/internal/relay"
	"strokeguard/internal/repository"
	"strokeguard/internal/store"
	"strokeguard/internal/transport/mqttble"
	"strokeguard/internal/triage"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// MonitorService 监测服务
type MonitorService struct {
	config   *config.Config
	logger   *zap.Logger
	location *time.Location

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	redis      *redis.Client
	db         *sql.DB
	kvCloser   io.Closer
	mqttClient *mqttcommon.Client

	transport    *mqttble.Transport
	acquisition  *acquisition.Client
	triage       *triage.Client
	orchestrator *monitoring.Orchestrator
	session      *QuickCheckSession
	relay        *relay.VitalsRelay
	history      *repository.SessionRepository
	hub          *httpapi.Hub
	server       *Server

	unsubscribe []func()
	started     bool
	serverDone  chan struct{}
}

// NewTriageClient 按配置创建分诊客户端
func NewTriageClient(cfg *config.Config, logger *zap.Logger) *triage.Client {
	return triage.NewClient(triage.Config{
		BaseURL:         cfg.Triage.BaseURL,
		PatientID:       cfg.Patient.ID,
		Timeout:         cfg.Triage.Timeout,
		RetryCount:      cfg.Triage.RetryCount,
		BreakerFailures: cfg.Triage.BreakerFailures,
		BreakerTimeout:  cfg.Triage.BreakerTimeout,
	}, logger)
}

// NewMonitorService 创建监测服务
func NewMonitorService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*MonitorService, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	profile, err := cfg.Profile()
	if err != nil {
		return nil, fmt.Errorf("invalid ble profile: %w", err)
	}

	s := &MonitorService{
		config:     cfg,
		logger:     logger,
		location:   loc,
		registry:   prometheus.NewRegistry(),
		serverDone: make(chan struct{}),
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = metrics.New(s.registry)

	// 初始化Redis（Redis 存储或体征转发需要）
	if cfg.Store.Backend == "redis" || cfg.Relay.Enabled {
		s.redis = rediscommon.NewRedisClient(&cfg.Redis)
		if err := rediscommon.Ping(ctx, s.redis); err != nil {
			s.closeAll()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
	}

	kv, err := s.openKV()
	if err != nil {
		s.closeAll()
		return nil, err
	}
	devices := store.NewDeviceStore(kv, cfg.Store.KeyPrefix+":"+cfg.Patient.ID)

	// 历史会话库（可选）
	if cfg.Database.Enabled() {
		s.db, err = database.NewPostgresDB(ctx, &cfg.Database)
		if err != nil {
			s.closeAll()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.history = repository.NewSessionRepository(s.db, logger.Named("repository"))
	}

	// 初始化MQTT（BLE 网关）
	mqttCfg := cfg.MQTT
	s.mqttClient, err = mqttcommon.NewClient(&mqttCfg, logger.Named("mqtt"))
	if err != nil {
		s.closeAll()
		return nil, fmt.Errorf("failed to connect to MQTT: %w", err)
	}
	s.transport = mqttble.New(s.mqttClient, mqttble.Options{
		Prefix:  cfg.BLE.Prefix,
		QoS:     s.mqttClient.QoS(),
		Timeout: cfg.BLE.RequestTimeout,
		Profile: profile,
	}, logger.Named("ble"))

	s.acquisition = acquisition.New(s.transport, devices, acquisition.Options{
		Profile:         profile,
		WindowCapacity:  cfg.Acquisition.WindowCapacity,
		SparklineLength: cfg.Acquisition.SparklineLength,
		StoreTimeout:    cfg.Acquisition.StoreTimeout,
	}, logger.Named("acquisition"), s.metrics)

	s.triage = NewTriageClient(cfg, logger.Named("triage"))
	s.triage.OnBreakerStateChange(func(st gobreaker.State) {
		s.metrics.TriageBreakerState.Set(float64(st))
	})

	mc := cfg.Monitoring
	s.orchestrator = monitoring.New(s.triage, monitoring.Options{
		QuickCheckUnits: mc.QuickCheckUnits,
		QuickCheckTick:  mc.QuickCheckTick,
		ActiveUnits:     mc.ActiveUnits,
		ActiveTick:      mc.ActiveTick,
		ScoreGrace:      mc.ScoreGrace,
		PollUnit:        mc.PollUnit,
		PollYellowUnits: mc.PollYellowUnits,
		PollOtherUnits:  mc.PollOtherUnits,
		CallTimeout:     mc.CallTimeout,
		Location:        loc,
	}, logger.Named("monitoring"), s.metrics)
	s.session = NewQuickCheckSession(s.orchestrator, s.triage, cfg.Patient.Baseline, cfg.Patient.ID, mc.CallTimeout, logger.Named("quick_check"))

	if cfg.Relay.Enabled {
		s.relay = relay.NewVitalsRelay(s.redis, relay.Options{
			Stream:    cfg.Relay.Stream,
			MaxLen:    cfg.Relay.MaxLen,
			PatientID: cfg.Patient.ID,
		}, logger.Named("relay"))
	}

	s.hub = httpapi.NewHub(logger.Named("ws"))
	router := httpapi.NewRouter(logger)
	router.RegisterMonitorRoutes(httpapi.NewMonitorHandler(s.session, s.acquisition, s.hub, logger.Named("http")))
	router.HandleHandler("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.server = NewServer(cfg.HTTP.Addr, router, logger)

	return s, nil
}

func (s *MonitorService) openKV() (store.KV, error) {
	switch s.config.Store.Backend {
	case "redis":
		return store.NewRedisKV(s.redis), nil
	case "memory":
		return store.NewMemoryKV(), nil
	default:
		kv, err := store.NewSQLiteKV(s.config.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		s.kvCloser = kv
		return kv, nil
	}
}

// Start 启动服务
func (s *MonitorService) Start(ctx context.Context) error {
	s.logger.Info("Starting monitor service components")

	if err := s.transport.Start(); err != nil {
		return fmt.Errorf("failed to start ble transport: %w", err)
	}

	if s.relay != nil {
		s.relay.Start(ctx)
		s.unsubscribe = append(s.unsubscribe, s.acquisition.Subscribe(s.relay.Handle))
	}
	s.unsubscribe = append(s.unsubscribe,
		s.acquisition.Subscribe(s.session.HandleVitals),
		s.acquisition.Subscribe(s.hub.BroadcastVitals),
		s.orchestrator.OnChange(s.hub.BroadcastMonitoring),
	)

	s.loadHistory(ctx)
	s.orchestrator.Start(ctx)

	// 静默重连
	go func() {
		if err := s.acquisition.Connect(ctx); err != nil {
			switch {
			case errors.Is(err, acquisition.ErrNoPairedDevice):
				s.logger.Info("No paired device, waiting for manual pairing")
			default:
				s.logger.Warn("Silent reconnect failed, manual pairing required", zap.Error(err))
			}
		}
	}()

	s.started = true
	go func() {
		defer close(s.serverDone)
		if err := s.server.Start(); err != nil {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	s.logger.Info("Monitor service started successfully")
	return nil
}

func (s *MonitorService) loadHistory(ctx context.Context) {
	if s.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.Monitoring.CallTimeout)
	defer cancel()

	sessions, err := s.history.ListRecent(ctx, s.config.Patient.ID, s.config.Monitoring.HistoryLimit)
	if err != nil {
		s.logger.Warn("Failed to load monitoring history", zap.Error(err))
		return
	}
	s.orchestrator.LoadHistory(repository.ToCheckResults(sessions, s.location))
}

// Pair 一次性手动配对（CLI pair 命令）
func (s *MonitorService) Pair(ctx context.Context) error {
	if err := s.transport.Start(); err != nil {
		return fmt.Errorf("failed to start ble transport: %w", err)
	}
	if err := s.acquisition.ManualReconnect(ctx); err != nil {
		return err
	}
	st := s.acquisition.State()
	s.logger.Info("Device paired",
		zap.String("device_name", st.DeviceName),
		zap.String("connection", st.Connection.String()))
	return nil
}

// Stop 停止服务
func (s *MonitorService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping monitor service")

	if err := s.server.Stop(ctx); err != nil {
		s.logger.Error("Error stopping HTTP server", zap.Error(err))
	}
	if s.started {
		select {
		case <-s.serverDone:
		case <-ctx.Done():
		}
	}
	s.hub.Close()

	for _, unsub := range s.unsubscribe {
		unsub()
	}
	s.orchestrator.Close()
	s.session.Wait()

	if err := s.acquisition.Close(); err != nil {
		s.logger.Error("Error closing acquisition client", zap.Error(err))
	}
	if s.relay != nil {
		s.relay.Stop()
	}
	if err := s.transport.Stop(); err != nil {
		s.logger.Warn("Error stopping ble transport", zap.Error(err))
	}

	s.closeAll()
	s.logger.Info("Monitor service stopped")
	return nil
}

// closeAll 关闭外部连接，可在构造失败时调用
func (s *MonitorService) closeAll() {
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.kvCloser != nil {
		if err := s.kvCloser.Close(); err != nil {
			s.logger.Warn("Error closing local store", zap.Error(err))
		}
	}
	if s.redis != nil {
		rediscommon.Close(s.redis)
	}
	if s.db != nil {
		database.Close(s.db)
	}
}
