package triage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"strokeguard/internal/models"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var (
	// ErrProfileNotFound 远端尚未建立患者档案（404），需要重新同步
	ErrProfileNotFound = errors.New("triage profile not found")
	// ErrInsufficientReadings /vitals/sync 至少需要 30 个脉率读数
	ErrInsufficientReadings = errors.New("pulse rate history must contain at least 30 readings")
	// ErrInvalidMode /vitals/sync 只接受 QUICK_SCAN / DEEP_SCAN
	ErrInvalidMode = errors.New("invalid vitals sync mode")
)

// MinSyncReadings /vitals/sync 最少读数
const MinSyncReadings = 30

// Config 远端分诊服务配置
type Config struct {
	BaseURL     string
	PatientID   string
	Timeout     time.Duration
	RetryCount  int
	StatusPath  string
	ProfilePath string
	SyncPath    string
	// 熔断：连续失败次数超过阈值后打开
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// statusResponse GET /vitals/status 响应
type statusResponse struct {
	TriageStatus *string `json:"triage_status"`
	AIAdvice     *string `json:"ai_advice"`
	AICoach      *string `json:"ai_coach"`
	AlertFailure bool    `json:"alert_failure"`
	UIAction     string  `json:"ui_action"`
	RiskScore    *int    `json:"risk_score"`
}

// Client 远端分诊服务客户端
type Client struct {
	httpClient *resty.Client
	cfg        Config
	cb         *gobreaker.CircuitBreaker
	logger     *zap.Logger
	onState    func(gobreaker.State)
}

// NewClient 创建分诊客户端
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.StatusPath == "" {
		cfg.StatusPath = "/vitals/status"
	}
	if cfg.ProfilePath == "" {
		cfg.ProfilePath = "/patient/profile"
	}
	if cfg.SyncPath == "" {
		cfg.SyncPath = "/vitals/sync"
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.PatientID != "" {
		httpClient.SetQueryParam("patient_id", cfg.PatientID)
	}

	c := &Client{
		httpClient: httpClient,
		cfg:        cfg,
		logger:     logger,
	}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "triage-status",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// 404 是预期状态，不计入失败
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrProfileNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Triage circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if c.onState != nil {
				c.onState(to)
			}
		},
	})
	return c
}

// OnBreakerStateChange 注册熔断状态回调（用于指标）
func (c *Client) OnBreakerStateChange(fn func(gobreaker.State)) {
	c.onState = fn
}

// Status GET /vitals/status
func (c *Client) Status(ctx context.Context) (models.TriageSnapshot, error) {
	out, err := c.cb.Execute(func() (interface{}, error) {
		return c.status(ctx)
	})
	if err != nil {
		return models.TriageSnapshot{}, err
	}
	return out.(models.TriageSnapshot), nil
}

func (c *Client) status(ctx context.Context) (models.TriageSnapshot, error) {
	var body statusResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&body).
		Get(c.cfg.StatusPath)
	if err != nil {
		return models.TriageSnapshot{}, fmt.Errorf("failed to call triage status: %w", err)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return models.TriageSnapshot{}, ErrProfileNotFound
	case resp.IsError():
		return models.TriageSnapshot{}, fmt.Errorf("triage status returned %d", resp.StatusCode())
	}

	snap := models.TriageSnapshot{
		AIAdvice:     body.AIAdvice,
		AlertFailure: body.AlertFailure,
		UIAction:     body.UIAction,
		RiskScore:    body.RiskScore,
	}
	if snap.AIAdvice == nil {
		snap.AIAdvice = body.AICoach
	}
	if snap.UIAction == "" {
		snap.UIAction = models.DefaultUIAction
	}
	if body.TriageStatus != nil {
		switch s := models.TriageStatus(*body.TriageStatus); s {
		case models.TriageGreen, models.TriageYellow, models.TriageRed:
			snap.Status = s
		default:
			c.logger.Warn("Unknown triage status, treating as null", zap.String("triage_status", *body.TriageStatus))
		}
	}
	return snap, nil
}

// SyncProfile POST /patient/profile
func (c *Client) SyncProfile(ctx context.Context) error {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(map[string]string{"patient_id": c.cfg.PatientID}).
		Post(c.cfg.ProfilePath)
	if err != nil {
		return fmt.Errorf("failed to call profile sync: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("profile sync returned %d", resp.StatusCode())
	}
	c.logger.Info("Patient profile synced", zap.Int("status_code", resp.StatusCode()))
	return nil
}

// SyncVitals POST /vitals/sync
func (c *Client) SyncVitals(ctx context.Context, req models.VitalsSyncRequest) (models.VitalsSyncResponse, error) {
	if len(req.PulseRateHistory) < MinSyncReadings {
		return models.VitalsSyncResponse{}, ErrInsufficientReadings
	}
	if req.Mode != models.SyncQuickScan && req.Mode != models.SyncDeepScan {
		return models.VitalsSyncResponse{}, fmt.Errorf("%w: %q", ErrInvalidMode, req.Mode)
	}
	if req.PatientID == "" {
		req.PatientID = c.cfg.PatientID
	}

	var out models.VitalsSyncResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post(c.cfg.SyncPath)
	if err != nil {
		return models.VitalsSyncResponse{}, fmt.Errorf("failed to call vitals sync: %w", err)
	}
	if resp.IsError() {
		return models.VitalsSyncResponse{}, fmt.Errorf("vitals sync returned %d", resp.StatusCode())
	}

	c.logger.Info("Vitals synced",
		zap.String("mode", string(req.Mode)),
		zap.Int("readings", len(req.PulseRateHistory)),
		zap.String("status", string(out.Status)))
	return out, nil
}

// BreakerState 当前熔断状态
func (c *Client) BreakerState() gobreaker.State {
	return c.cb.State()
}
