// Package monitoring 监测会话编排
//
// 状态机：Idle / QuickCheck / Active。
//   - QuickCheck：倒计时归零不自动结束，由外部流程通过 CancelQuickCheck(score) 锁定本地分数
//   - Active：每单位递减，剩余 ≤1 时自动回到 Idle
//
// 分数来源优先级：本地快速检测 > 远端轮询（本地分数设置后宽限窗口内的远端分数丢弃）> 历史会话（仅首次）。
// 远端轮询循环只启动一次，调度间隔每次从当前状态读取，逐次串行执行。
package monitoring

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"strokeguard/internal/metrics"
	"strokeguard/internal/models"

	"go.uber.org/zap"
)

// Remote 远端分诊服务
type Remote interface {
	Status(ctx context.Context) (models.TriageSnapshot, error)
	SyncProfile(ctx context.Context) error
}

// Options 会话参数（产品常量，均可配置）
type Options struct {
	QuickCheckUnits int
	QuickCheckTick  time.Duration
	ActiveUnits     int
	ActiveTick      time.Duration
	ScoreGrace      time.Duration
	PollUnit        time.Duration
	PollYellowUnits int
	PollOtherUnits  int
	CallTimeout     time.Duration
	Location        *time.Location
	Now             func() time.Time
}

func (o *Options) setDefaults() {
	if o.QuickCheckUnits <= 0 {
		o.QuickCheckUnits = 30
	}
	if o.QuickCheckTick <= 0 {
		o.QuickCheckTick = time.Second
	}
	if o.ActiveUnits <= 0 {
		o.ActiveUnits = 30
	}
	if o.ActiveTick <= 0 {
		o.ActiveTick = time.Minute
	}
	if o.ScoreGrace <= 0 {
		o.ScoreGrace = 60 * time.Second
	}
	if o.PollUnit <= 0 {
		o.PollUnit = time.Second
	}
	if o.PollYellowUnits <= 0 {
		o.PollYellowUnits = 10
	}
	if o.PollOtherUnits <= 0 {
		o.PollOtherUnits = 30
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Orchestrator 会话编排器；字段只由自身命令与轮询处理函数修改
type Orchestrator struct {
	remote  Remote
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu sync.Mutex

	mode       models.Mode
	sessionSeq uint64
	stopTimer  func()
	countdown  *int
	activeLeft *int
	startedAt  time.Time

	lastPulse *int
	lastPRV   *float64

	score           *int
	scoreEverSet    bool
	hasLocalScore   bool
	localScoreSetAt time.Time

	checkResult  *models.CheckResult
	localResults []models.CheckResult
	history      []models.CheckResult
	streak       int

	triage      models.TriageSnapshot
	paused      bool
	skipPending bool

	listenerMu   sync.RWMutex
	listeners    map[uint64]func(models.MonitoringState)
	nextListener uint64
	onElapsed    func(models.MonitoringState)

	sink func(pulseRate int, prv float64)

	startOnce sync.Once
	closeOnce sync.Once
	cancelled atomic.Bool
	done      chan struct{}
}

// New 创建编排器；轮询循环由 Start 启动
func New(remote Remote, opts Options, logger *zap.Logger, m *metrics.Metrics) *Orchestrator {
	opts.setDefaults()
	if m == nil {
		m = metrics.Nop()
	}
	o := &Orchestrator{
		remote:    remote,
		opts:      opts,
		logger:    logger,
		metrics:   m,
		mode:      models.ModeIdle,
		triage:    models.TriageSnapshot{UIAction: models.DefaultUIAction},
		listeners: make(map[uint64]func(models.MonitoringState)),
		done:      make(chan struct{}),
	}
	o.sink = o.ReceiveVitals
	return o
}

// State 只读状态快照
func (o *Orchestrator) State() models.MonitoringState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() models.MonitoringState {
	return models.MonitoringState{
		Mode:              o.mode,
		StrokeScore:       copyInt(o.score),
		Countdown:         copyInt(o.countdown),
		SessionPulseRate:  copyInt(o.lastPulse),
		SessionPRV:        copyFloat(o.lastPRV),
		CheckResult:       o.checkResult,
		Streak:            o.streak,
		ActiveMinutesLeft: copyInt(o.activeLeft),
		TriageStatus:      o.triage.Status,
		AIAdvice:          o.triage.AIAdvice,
		AlertFailure:      o.triage.AlertFailure,
		UIAction:          o.triage.UIAction,
		Paused:            o.paused,
	}
}

// OnChange 注册状态变更订阅，返回的取消函数可重复调用
func (o *Orchestrator) OnChange(fn func(models.MonitoringState)) (unsubscribe func()) {
	o.listenerMu.Lock()
	id := o.nextListener
	o.nextListener++
	o.listeners[id] = fn
	o.listenerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.listenerMu.Lock()
			delete(o.listeners, id)
			o.listenerMu.Unlock()
		})
	}
}

// OnQuickCheckElapsed 快速检测倒计时归零时回调（每次会话一次）
func (o *Orchestrator) OnQuickCheckElapsed(fn func(models.MonitoringState)) {
	o.listenerMu.Lock()
	o.onElapsed = fn
	o.listenerMu.Unlock()
}

func (o *Orchestrator) notify(s models.MonitoringState) {
	o.listenerMu.RLock()
	fns := make([]func(models.MonitoringState), 0, len(o.listeners))
	for _, fn := range o.listeners {
		fns = append(fns, fn)
	}
	o.listenerMu.RUnlock()

	if s.StrokeScore != nil {
		o.metrics.RiskScore.Set(float64(*s.StrokeScore))
	}
	if s.ActiveMinutesLeft != nil {
		o.metrics.ActiveMinutesLeft.Set(float64(*s.ActiveMinutesLeft))
	} else {
		o.metrics.ActiveMinutesLeft.Set(0)
	}

	for _, fn := range fns {
		fn(s)
	}
}

// VitalsSink 长期有效的体征入口，多次调用返回同一个函数
func (o *Orchestrator) VitalsSink() func(pulseRate int, prv float64) {
	return o.sink
}

// Close 停止轮询与计时器，可重复调用
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.cancelled.Store(true)
		close(o.done)

		o.mu.Lock()
		stop := o.stopTimer
		o.stopTimer = nil
		o.mu.Unlock()
		if stop != nil {
			stop()
		}
	})
}

// startTimerLocked 每 every 调用一次 tick，tick 返回 false 时停止
func (o *Orchestrator) startTimerLocked(seq uint64, every time.Duration, tick func(seq uint64) bool) {
	if o.stopTimer != nil {
		o.stopTimer()
	}
	stopCh := make(chan struct{})
	var once sync.Once
	o.stopTimer = func() { once.Do(func() { close(stopCh) }) }

	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-o.done:
				return
			case <-t.C:
				if !tick(seq) {
					return
				}
			}
		}
	}()
}

func (o *Orchestrator) stopTimerLocked() {
	if o.stopTimer != nil {
		o.stopTimer()
		o.stopTimer = nil
	}
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
