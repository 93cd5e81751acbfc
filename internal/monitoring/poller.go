package monitoring

import (
	"context"
	"errors"
	"time"

	"strokeguard/internal/models"
	"strokeguard/internal/triage"

	"go.uber.org/zap"
)

// Start 启动远端轮询循环；进程生命周期内只会启动一次
func (o *Orchestrator) Start(ctx context.Context) {
	started := false
	o.startOnce.Do(func() {
		started = true
		go o.run(ctx)
	})
	if !started {
		o.logger.Warn("Triage poll loop already started, ignoring")
	}
}

// run 一次只执行一个 tick：上一个 tick 的调用和状态更新完成后才调度下一个
func (o *Orchestrator) run(ctx context.Context) {
	o.logger.Info("Triage poll loop started")
	defer o.logger.Info("Triage poll loop stopped")

	for {
		if o.cancelled.Load() || ctx.Err() != nil {
			return
		}
		delay := o.pollOnce(ctx)

		if o.cancelled.Load() {
			return
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-o.done:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// pollOnce 执行一次轮询并返回下一次的延迟
func (o *Orchestrator) pollOnce(ctx context.Context) time.Duration {
	o.mu.Lock()
	skip := o.skipPending
	o.skipPending = false
	o.mu.Unlock()

	if skip {
		o.metrics.Polls.WithLabelValues("skipped_paused").Inc()
		o.logger.Debug("Triage poll skipped while paused on RED")
		return o.nextDelay()
	}

	callCtx, cancel := context.WithTimeout(ctx, o.opts.CallTimeout)
	snap, err := o.remote.Status(callCtx)
	cancel()

	switch {
	case errors.Is(err, triage.ErrProfileNotFound):
		o.metrics.Polls.WithLabelValues("not_found").Inc()
		o.logger.Info("Triage profile not found, resyncing")
		o.ForceSyncProfile(ctx)
	case err != nil:
		o.metrics.Polls.WithLabelValues("error").Inc()
		o.logger.Warn("Status polling failed", zap.Error(err))
	default:
		o.metrics.Polls.WithLabelValues("ok").Inc()
		o.applySnapshot(snap)
	}
	return o.nextDelay()
}

// applySnapshot 分诊字段无条件覆盖，分数按宽限窗口规则应用
func (o *Orchestrator) applySnapshot(snap models.TriageSnapshot) {
	now := o.opts.Now()

	o.mu.Lock()
	o.triage = snap
	if o.triage.UIAction == "" {
		o.triage.UIAction = models.DefaultUIAction
	}

	discarded := false
	if snap.RiskScore != nil {
		if !o.hasLocalScore || now.Sub(o.localScoreSetAt) > o.opts.ScoreGrace {
			v := clampScore(*snap.RiskScore)
			o.score = &v
			o.scoreEverSet = true
		} else {
			discarded = true
		}
	}

	if snap.Status == models.TriageRed {
		o.paused = true
		o.skipPending = true
	} else {
		o.paused = false
	}
	s := o.snapshotLocked()
	localAge := now.Sub(o.localScoreSetAt)
	o.mu.Unlock()

	if discarded {
		o.metrics.PollScoresDiscarded.Inc()
		o.logger.Info("Discarding remote score inside local grace window",
			zap.Int("remote_score", *snap.RiskScore),
			zap.Duration("local_age", localAge))
	}
	if snap.Status == models.TriageRed && snap.AlertFailure {
		o.logger.Error("CRITICAL: remote alert delivery failed during RED triage, local fallback required",
			zap.Bool("critical", true))
	}
	o.notify(s)
}

// nextDelay 读取当前分诊状态决定间隔
func (o *Orchestrator) nextDelay() time.Duration {
	o.mu.Lock()
	status := o.triage.Status
	o.mu.Unlock()

	if status == models.TriageYellow {
		return time.Duration(o.opts.PollYellowUnits) * o.opts.PollUnit
	}
	return time.Duration(o.opts.PollOtherUnits) * o.opts.PollUnit
}
