package monitoring

import (
	"context"
	"math"

	"strokeguard/internal/models"

	"go.uber.org/zap"
)

// StartQuickCheck Idle → QuickCheck，重置倒计时；已在快速检测中时重新计时
func (o *Orchestrator) StartQuickCheck() {
	o.mu.Lock()
	if o.cancelled.Load() || o.mode == models.ModeActive {
		mode := o.mode
		o.mu.Unlock()
		o.logger.Debug("Ignoring start quick check", zap.String("mode", string(mode)))
		return
	}
	o.sessionSeq++
	seq := o.sessionSeq
	o.mode = models.ModeQuickCheck
	n := o.opts.QuickCheckUnits
	o.countdown = &n
	o.startedAt = o.opts.Now()
	o.startTimerLocked(seq, o.opts.QuickCheckTick, o.tickQuickCheck)
	s := o.snapshotLocked()
	o.mu.Unlock()

	o.logger.Info("Quick check started", zap.Int("countdown", n))
	o.notify(s)
}

// tickQuickCheck 倒计时递减；归零后停止计时但保持 QuickCheck
func (o *Orchestrator) tickQuickCheck(seq uint64) bool {
	o.mu.Lock()
	if o.mode != models.ModeQuickCheck || o.sessionSeq != seq || o.countdown == nil || *o.countdown == 0 {
		o.mu.Unlock()
		return false
	}
	n := *o.countdown - 1
	o.countdown = &n
	elapsed := n == 0
	if elapsed {
		o.stopTimer = nil
	}
	s := o.snapshotLocked()
	o.mu.Unlock()

	o.notify(s)
	if elapsed {
		o.listenerMu.RLock()
		fn := o.onElapsed
		o.listenerMu.RUnlock()
		if fn != nil {
			fn(s)
		}
		return false
	}
	return true
}

// CancelQuickCheck 结束快速检测
// finalScore 非空时锁定本地分数并生成 CheckResult；为空时丢弃
func (o *Orchestrator) CancelQuickCheck(finalScore *int) {
	o.mu.Lock()
	if o.mode != models.ModeQuickCheck {
		o.mu.Unlock()
		return
	}
	o.stopTimerLocked()
	o.sessionSeq++
	o.mode = models.ModeIdle
	o.countdown = nil

	if finalScore != nil {
		now := o.opts.Now()
		v := clampScore(*finalScore)
		o.score = &v
		o.scoreEverSet = true
		o.hasLocalScore = true
		o.localScoreSetAt = now

		cr := models.CheckResult{
			Score:     v,
			PulseRate: toUint(o.lastPulse),
			PRV:       copyFloat(o.lastPRV),
			Timestamp: now,
			Date:      now.In(o.opts.Location).Format(models.DateLayout),
		}
		o.checkResult = &cr
		o.localResults = append([]models.CheckResult{cr}, o.localResults...)
		o.streak = ComputeStreak(o.allResultsLocked(), now, o.opts.Location)
	}
	s := o.snapshotLocked()
	o.mu.Unlock()

	if finalScore != nil {
		o.logger.Info("Quick check completed", zap.Int("score", *s.StrokeScore), zap.Int("streak", s.Streak))
	} else {
		o.logger.Info("Quick check cancelled")
	}
	o.notify(s)
}

// CompleteQuickCheck 以给定分数结束快速检测
func (o *Orchestrator) CompleteQuickCheck(score int) {
	o.CancelQuickCheck(&score)
}

// ToggleActiveMonitoring Idle ↔ Active；QuickCheck 中忽略
func (o *Orchestrator) ToggleActiveMonitoring() {
	o.mu.Lock()
	switch {
	case o.cancelled.Load():
		o.mu.Unlock()
		return
	case o.mode == models.ModeActive:
		o.stopTimerLocked()
		o.sessionSeq++
		o.mode = models.ModeIdle
		o.activeLeft = nil
		s := o.snapshotLocked()
		o.mu.Unlock()
		o.logger.Info("Active monitoring stopped")
		o.notify(s)
	case o.mode == models.ModeIdle:
		o.sessionSeq++
		seq := o.sessionSeq
		o.mode = models.ModeActive
		n := o.opts.ActiveUnits
		o.activeLeft = &n
		o.startedAt = o.opts.Now()
		o.startTimerLocked(seq, o.opts.ActiveTick, o.tickActive)
		s := o.snapshotLocked()
		o.mu.Unlock()
		o.logger.Info("Active monitoring started", zap.Int("minutes", n))
		o.notify(s)
	default:
		o.mu.Unlock()
		o.logger.Debug("Ignoring active toggle during quick check")
	}
}

// tickActive 每单位递减；剩余 ≤1 时自动结束
func (o *Orchestrator) tickActive(seq uint64) bool {
	o.mu.Lock()
	if o.mode != models.ModeActive || o.sessionSeq != seq || o.activeLeft == nil {
		o.mu.Unlock()
		return false
	}
	expired := *o.activeLeft <= 1
	if expired {
		o.stopTimer = nil
		o.sessionSeq++
		o.mode = models.ModeIdle
		o.activeLeft = nil
	} else {
		n := *o.activeLeft - 1
		o.activeLeft = &n
	}
	s := o.snapshotLocked()
	o.mu.Unlock()

	if expired {
		o.logger.Info("Active monitoring session expired")
	}
	o.notify(s)
	return !expired
}

// ReceiveVitals 更新最近体征，与模式无关；prv 为 NaN 时保留原有 PRV
func (o *Orchestrator) ReceiveVitals(pulseRate int, prv float64) {
	o.mu.Lock()
	pr := pulseRate
	o.lastPulse = &pr
	if !math.IsNaN(prv) {
		v := prv
		o.lastPRV = &v
	}
	s := o.snapshotLocked()
	o.mu.Unlock()
	o.notify(s)
}

// ForceSyncProfile 触发远端档案同步，失败只记录日志
func (o *Orchestrator) ForceSyncProfile(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, o.opts.CallTimeout)
	defer cancel()
	if err := o.remote.SyncProfile(callCtx); err != nil {
		o.logger.Error("Profile sync error", zap.Error(err))
	}
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func toUint(p *int) *uint {
	if p == nil || *p < 0 {
		return nil
	}
	v := uint(*p)
	return &v
}
