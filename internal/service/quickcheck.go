package service

import (
	"context"
	"math"
	"sync"
	"time"

	"strokeguard/internal/models"
	"strokeguard/internal/monitoring"
	"strokeguard/internal/risk"
	"strokeguard/internal/triage"

	"go.uber.org/zap"
)

// lifestyleSyncScore /vitals/sync 的 aha_lifestyle_score 固定值
const lifestyleSyncScore = 50

// VitalsSyncer 远端体征上报
type VitalsSyncer interface {
	SyncVitals(ctx context.Context, req models.VitalsSyncRequest) (models.VitalsSyncResponse, error)
}

// QuickCheckSession 在编排器之上采集快速检测样本，倒计时归零后计算本地评分并结束检测
// 本地评分取 risk.Calculate 的风险方向换算值
type QuickCheckSession struct {
	*monitoring.Orchestrator

	syncer    VitalsSyncer
	baseline  risk.Baseline
	patientID string
	timeout   time.Duration
	logger    *zap.Logger

	mu      sync.Mutex
	pulses  []float64
	prvs    []float64
	lastPRV float64

	sink func(pulseRate int, prv float64)
	wg   sync.WaitGroup
}

// NewQuickCheckSession 创建快速检测会话
func NewQuickCheckSession(o *monitoring.Orchestrator, syncer VitalsSyncer, baseline risk.Baseline, patientID string, timeout time.Duration, logger *zap.Logger) *QuickCheckSession {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s := &QuickCheckSession{
		Orchestrator: o,
		syncer:       syncer,
		baseline:     baseline,
		patientID:    patientID,
		timeout:      timeout,
		logger:       logger,
		lastPRV:      math.NaN(),
	}
	s.sink = s.ReceiveVitals
	o.OnQuickCheckElapsed(s.finish)
	return s
}

// StartQuickCheck 清空样本后开始（或重新开始）快速检测
func (s *QuickCheckSession) StartQuickCheck() {
	s.mu.Lock()
	s.pulses = nil
	s.prvs = nil
	s.mu.Unlock()
	s.Orchestrator.StartQuickCheck()
}

// ReceiveVitals 快速检测期间记录样本，然后交给编排器
func (s *QuickCheckSession) ReceiveVitals(pulseRate int, prv float64) {
	if s.Orchestrator.State().Mode == models.ModeQuickCheck {
		s.mu.Lock()
		s.pulses = append(s.pulses, float64(pulseRate))
		if !math.IsNaN(prv) {
			s.prvs = append(s.prvs, prv)
		}
		s.mu.Unlock()
	}
	s.Orchestrator.ReceiveVitals(pulseRate, prv)
}

// VitalsSink 长期有效的体征入口
func (s *QuickCheckSession) VitalsSink() func(pulseRate int, prv float64) {
	return s.sink
}

// HandleVitals 采集客户端订阅回调：有心率时按 (心率, SDNN) 进入体征入口
// 沿用上一次的 SDNN；从未得到过 SDNN 时以 NaN 传入，表示 PRV 缺失
func (s *QuickCheckSession) HandleVitals(u models.VitalsUpdate) {
	if u.HeartRate == nil {
		return
	}
	s.mu.Lock()
	if u.SDNN != nil {
		s.lastPRV = *u.SDNN
	}
	prv := s.lastPRV
	s.mu.Unlock()

	s.sink(int(*u.HeartRate), prv)
}

// finish 倒计时归零回调
func (s *QuickCheckSession) finish(state models.MonitoringState) {
	s.mu.Lock()
	pulses := append([]float64(nil), s.pulses...)
	prvs := append([]float64(nil), s.prvs...)
	s.pulses = nil
	s.prvs = nil
	s.mu.Unlock()

	metrics := risk.Metrics{
		PulseRate:        mean(pulses),
		SDNNMs:           mean(prvs),
		PulseRateHistory: pulses,
	}
	result := risk.Calculate(s.baseline, metrics)
	score := result.StrokeRisk()
	s.logger.Info("Quick check scored locally",
		zap.Int("score", score),
		zap.Int("health_total", result.Total),
		zap.String("risk_level", result.RiskLevel),
		zap.Int("samples", len(pulses)))

	s.Orchestrator.CompleteQuickCheck(score)

	if len(pulses) == 0 {
		s.logger.Warn("Quick check produced no pulse samples, skipping vitals sync")
		return
	}
	req := models.VitalsSyncRequest{
		PatientID:         s.patientID,
		Mode:              models.SyncQuickScan,
		PulseRateHistory:  padReadings(pulses, triage.MinSyncReadings),
		PRVScore:          zeroIfNaN(mean(prvs)),
		AHALifestyleScore: lifestyleSyncScore,
		IsExercising:      false,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		resp, err := s.syncer.SyncVitals(ctx, req)
		if err != nil {
			s.logger.Warn("Vitals sync failed", zap.Error(err))
			return
		}
		s.logger.Info("Vitals synced",
			zap.String("status", string(resp.Status)),
			zap.Bool("alert_failure", resp.AlertFailure))
	}()
}

// Wait 等待进行中的上报完成
func (s *QuickCheckSession) Wait() {
	s.wg.Wait()
}

// padReadings 取整；不足 minLen 个时重复最后一个读数补齐
func padReadings(values []float64, minLen int) []int {
	out := make([]int, 0, len(values))
	for _, v := range values {
		out = append(out, int(math.Round(v)))
	}
	for len(out) > 0 && len(out) < minLen {
		out = append(out, out[len(out)-1])
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func zeroIfNaN(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}
