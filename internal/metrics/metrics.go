package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 采集与会话编排指标
type Metrics struct {
	// 解码成功的通知帧，按来源
	FramesDecoded *prometheus.CounterVec
	// 丢弃的畸形帧，按来源
	FramesDropped *prometheus.CounterVec
	// 连接状态迁移
	ConnectionTransitions *prometheus.CounterVec
	// 轮询结果：ok / not_found / error / skipped_paused
	Polls *prometheus.CounterVec
	// 宽限窗口内被丢弃的远端分数
	PollScoresDiscarded prometheus.Counter
	// 当前展示的风险分
	RiskScore prometheus.Gauge
	// 主动监测剩余分钟
	ActiveMinutesLeft prometheus.Gauge
	// 分诊熔断器状态（0=closed, 1=half-open, 2=open）
	TriageBreakerState prometheus.Gauge
}

// New reg 为空时使用独立的 registry
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		FramesDecoded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "strokeguard_frames_decoded_total",
			Help: "Biosensor notification frames decoded.",
		}, []string{"source"}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "strokeguard_frames_dropped_total",
			Help: "Malformed or implausible notification frames dropped.",
		}, []string{"source"}),
		ConnectionTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "strokeguard_connection_transitions_total",
			Help: "Acquisition client connection state transitions.",
		}, []string{"state"}),
		Polls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "strokeguard_triage_polls_total",
			Help: "Remote triage poll ticks by outcome.",
		}, []string{"outcome"}),
		PollScoresDiscarded: f.NewCounter(prometheus.CounterOpts{
			Name: "strokeguard_poll_scores_discarded_total",
			Help: "Remote scores ignored because a local score was set within the grace window.",
		}),
		RiskScore: f.NewGauge(prometheus.GaugeOpts{
			Name: "strokeguard_risk_score",
			Help: "Currently displayed stroke risk score.",
		}),
		ActiveMinutesLeft: f.NewGauge(prometheus.GaugeOpts{
			Name: "strokeguard_active_minutes_left",
			Help: "Remaining minutes of the active monitoring session (0 when idle).",
		}),
		TriageBreakerState: f.NewGauge(prometheus.GaugeOpts{
			Name: "strokeguard_triage_breaker_state",
			Help: "Triage status circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
	}
}

// Nop 测试用，指标不对外暴露
func Nop() *Metrics { return New(nil) }
