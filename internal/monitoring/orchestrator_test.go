package monitoring

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"strokeguard/internal/metrics"
	"strokeguard/internal/models"
	"strokeguard/internal/triage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type statusReply struct {
	snap models.TriageSnapshot
	err  error
}

type fakeRemote struct {
	mu          sync.Mutex
	replies     []statusReply
	statusCalls int
	syncCalls   int
	syncErr     error
}

func (r *fakeRemote) push(snap models.TriageSnapshot, err error) {
	r.mu.Lock()
	r.replies = append(r.replies, statusReply{snap: snap, err: err})
	r.mu.Unlock()
}

func (r *fakeRemote) Status(ctx context.Context) (models.TriageSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statusCalls++
	if len(r.replies) == 0 {
		return models.TriageSnapshot{}, errors.New("no reply queued")
	}
	rep := r.replies[0]
	r.replies = r.replies[1:]
	return rep.snap, rep.err
}

func (r *fakeRemote) SyncProfile(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncCalls++
	return r.syncErr
}

func (r *fakeRemote) calls() (status, sync int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusCalls, r.syncCalls
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeRemote, *fakeClock, *metrics.Metrics) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	remote := &fakeRemote{}
	m := metrics.Nop()
	o := New(remote, Options{
		// 计时器由测试直接驱动
		QuickCheckTick: time.Hour,
		ActiveTick:     time.Hour,
		Location:       time.UTC,
		Now:            clock.Now,
	}, zap.NewNop(), m)
	t.Cleanup(o.Close)
	return o, remote, clock, m
}

func intPtr(v int) *int { return &v }

func TestQuickCheck_CountdownStopsAtZeroWithoutTransition(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)

	var elapsed int
	o.OnQuickCheckElapsed(func(models.MonitoringState) { elapsed++ })

	o.StartQuickCheck()
	s := o.State()
	require.Equal(t, models.ModeQuickCheck, s.Mode)
	require.NotNil(t, s.Countdown)
	assert.Equal(t, 30, *s.Countdown)

	seq := o.sessionSeq
	for i := 0; i < 29; i++ {
		assert.True(t, o.tickQuickCheck(seq))
	}
	assert.False(t, o.tickQuickCheck(seq))
	assert.False(t, o.tickQuickCheck(seq))

	s = o.State()
	assert.Equal(t, models.ModeQuickCheck, s.Mode)
	assert.Equal(t, 0, *s.Countdown)
	assert.Equal(t, 1, elapsed)
}

func TestCancelQuickCheck_WithoutScoreDiscards(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)

	o.StartQuickCheck()
	o.CancelQuickCheck(nil)

	s := o.State()
	assert.Equal(t, models.ModeIdle, s.Mode)
	assert.Nil(t, s.Countdown)
	assert.Nil(t, s.StrokeScore)
	assert.Nil(t, s.CheckResult)
	assert.Equal(t, 0, s.Streak)
}

func TestCompleteQuickCheck_LocksLocalScore(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)

	o.ReceiveVitals(72, 41.5)
	o.StartQuickCheck()
	o.CompleteQuickCheck(140)

	s := o.State()
	assert.Equal(t, models.ModeIdle, s.Mode)
	require.NotNil(t, s.StrokeScore)
	assert.Equal(t, 100, *s.StrokeScore)
	require.NotNil(t, s.CheckResult)
	assert.Equal(t, 100, s.CheckResult.Score)
	require.NotNil(t, s.CheckResult.PulseRate)
	assert.Equal(t, uint(72), *s.CheckResult.PulseRate)
	assert.Equal(t, "2026-03-10", s.CheckResult.Date)
	assert.Equal(t, 1, s.Streak)
}

func TestCancelQuickCheck_IgnoredOutsideQuickCheck(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)

	o.CancelQuickCheck(intPtr(50))
	s := o.State()
	assert.Equal(t, models.ModeIdle, s.Mode)
	assert.Nil(t, s.StrokeScore)
}

func TestActive_ExpiresAfterThirtyTicks(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)

	o.ToggleActiveMonitoring()
	s := o.State()
	require.Equal(t, models.ModeActive, s.Mode)
	assert.Equal(t, 30, *s.ActiveMinutesLeft)

	seq := o.sessionSeq
	for i := 0; i < 29; i++ {
		require.True(t, o.tickActive(seq), "tick %d", i)
	}
	assert.Equal(t, 1, *o.State().ActiveMinutesLeft)
	assert.False(t, o.tickActive(seq))

	s = o.State()
	assert.Equal(t, models.ModeIdle, s.Mode)
	assert.Nil(t, s.ActiveMinutesLeft)
}

func TestActive_ManualStop(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)

	o.ToggleActiveMonitoring()
	seq := o.sessionSeq
	o.ToggleActiveMonitoring()

	s := o.State()
	assert.Equal(t, models.ModeIdle, s.Mode)
	assert.Nil(t, s.ActiveMinutesLeft)
	// 旧会话的 tick 不再生效
	assert.False(t, o.tickActive(seq))
}

func TestToggle_IgnoredDuringQuickCheck(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)

	o.StartQuickCheck()
	o.ToggleActiveMonitoring()
	assert.Equal(t, models.ModeQuickCheck, o.State().Mode)
}

func TestStartQuickCheck_IgnoredWhileActive(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)

	o.ToggleActiveMonitoring()
	o.StartQuickCheck()
	assert.Equal(t, models.ModeActive, o.State().Mode)
}

func TestReceiveVitals_AnyMode(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)

	sink := o.VitalsSink()
	sink(80, 30)
	o.ToggleActiveMonitoring()
	sink(81, 31.5)

	s := o.State()
	assert.Equal(t, 81, *s.SessionPulseRate)
	assert.Equal(t, 31.5, *s.SessionPRV)
}

func TestReceiveVitals_NaNKeepsPRV(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)

	sink := o.VitalsSink()
	sink(70, math.NaN())
	s := o.State()
	assert.Equal(t, 70, *s.SessionPulseRate)
	assert.Nil(t, s.SessionPRV)

	sink(71, 42)
	sink(72, math.NaN())
	s = o.State()
	assert.Equal(t, 72, *s.SessionPulseRate)
	assert.Equal(t, 42.0, *s.SessionPRV)
}

func TestOnChange_Unsubscribe(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)

	var got []models.Mode
	unsub := o.OnChange(func(s models.MonitoringState) { got = append(got, s.Mode) })
	o.StartQuickCheck()
	unsub()
	unsub()
	o.CancelQuickCheck(nil)

	assert.Equal(t, []models.Mode{models.ModeQuickCheck}, got)
}

func TestReconciliation_GraceWindow(t *testing.T) {
	o, remote, clock, m := newTestOrchestrator(t)

	o.StartQuickCheck()
	o.CompleteQuickCheck(42)

	clock.Advance(30 * time.Second)
	remote.push(models.TriageSnapshot{Status: models.TriageGreen, UIAction: "NONE", RiskScore: intPtr(77)}, nil)
	o.pollOnce(context.Background())

	s := o.State()
	assert.Equal(t, 42, *s.StrokeScore)
	assert.Equal(t, models.TriageGreen, s.TriageStatus)
	assert.Equal(t, "NONE", s.UIAction)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PollScoresDiscarded))

	clock.Advance(60 * time.Second)
	remote.push(models.TriageSnapshot{Status: models.TriageGreen, RiskScore: intPtr(77)}, nil)
	o.pollOnce(context.Background())

	s = o.State()
	assert.Equal(t, 77, *s.StrokeScore)
	assert.Equal(t, models.DefaultUIAction, s.UIAction)
}

func TestReconciliation_RemoteAppliesWithoutLocalScore(t *testing.T) {
	o, remote, _, _ := newTestOrchestrator(t)

	remote.push(models.TriageSnapshot{Status: models.TriageYellow, RiskScore: intPtr(61)}, nil)
	o.pollOnce(context.Background())
	assert.Equal(t, 61, *o.State().StrokeScore)
}

func TestPoll_Cadence(t *testing.T) {
	o, remote, _, _ := newTestOrchestrator(t)

	remote.push(models.TriageSnapshot{Status: models.TriageYellow}, nil)
	assert.Equal(t, 10*time.Second, o.pollOnce(context.Background()))

	remote.push(models.TriageSnapshot{Status: models.TriageGreen}, nil)
	assert.Equal(t, 30*time.Second, o.pollOnce(context.Background()))

	remote.push(models.TriageSnapshot{}, nil)
	assert.Equal(t, 30*time.Second, o.pollOnce(context.Background()))
}

func TestPoll_RedPausesNextCallThenResumes(t *testing.T) {
	o, remote, _, m := newTestOrchestrator(t)

	remote.push(models.TriageSnapshot{Status: models.TriageRed, AlertFailure: true}, nil)
	o.pollOnce(context.Background())
	assert.True(t, o.State().Paused)

	// 下一次跳过网络调用，但仍然返回下一次的调度间隔
	assert.Equal(t, 30*time.Second, o.pollOnce(context.Background()))
	status, _ := remote.calls()
	assert.Equal(t, 1, status)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Polls.WithLabelValues("skipped_paused")))

	remote.push(models.TriageSnapshot{Status: models.TriageYellow}, nil)
	assert.Equal(t, 10*time.Second, o.pollOnce(context.Background()))
	status, _ = remote.calls()
	assert.Equal(t, 2, status)

	s := o.State()
	assert.False(t, s.Paused)
	assert.Equal(t, models.TriageYellow, s.TriageStatus)
	assert.False(t, s.AlertFailure)
}

func TestPoll_NotFoundTriggersProfileSync(t *testing.T) {
	o, remote, _, _ := newTestOrchestrator(t)

	remote.push(models.TriageSnapshot{Status: models.TriageYellow}, nil)
	o.pollOnce(context.Background())
	remote.push(models.TriageSnapshot{}, triage.ErrProfileNotFound)
	o.pollOnce(context.Background())

	_, syncs := remote.calls()
	assert.Equal(t, 1, syncs)
	// 本次不更新状态
	assert.Equal(t, models.TriageYellow, o.State().TriageStatus)
}

func TestPoll_FailureKeepsState(t *testing.T) {
	o, remote, _, m := newTestOrchestrator(t)

	remote.push(models.TriageSnapshot{}, errors.New("timeout"))
	assert.Equal(t, 30*time.Second, o.pollOnce(context.Background()))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Polls.WithLabelValues("error")))
	assert.Nil(t, o.State().StrokeScore)
}

func TestForceSyncProfile_ErrorSwallowed(t *testing.T) {
	o, remote, _, _ := newTestOrchestrator(t)
	remote.syncErr = errors.New("down")

	o.ForceSyncProfile(context.Background())
	_, syncs := remote.calls()
	assert.Equal(t, 1, syncs)
}

func TestStart_SingleLoop(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	remote := &fakeRemote{}
	for i := 0; i < 100; i++ {
		remote.push(models.TriageSnapshot{Status: models.TriageGreen}, nil)
	}
	o := New(remote, Options{PollUnit: time.Hour, Now: clock.Now}, zap.NewNop(), nil)
	defer o.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	o.Start(ctx)

	require.Eventually(t, func() bool {
		status, _ := remote.calls()
		return status == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	status, _ := remote.calls()
	assert.Equal(t, 1, status)
}

func TestClose_StopsLoopWithinOneTick(t *testing.T) {
	remote := &fakeRemote{}
	for i := 0; i < 10000; i++ {
		remote.push(models.TriageSnapshot{Status: models.TriageGreen}, nil)
	}
	o := New(remote, Options{PollUnit: time.Millisecond, PollOtherUnits: 1, PollYellowUnits: 1}, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)

	require.Eventually(t, func() bool {
		status, _ := remote.calls()
		return status >= 5
	}, time.Second, time.Millisecond)

	o.Close()
	// 允许已发出的一次调用返回
	time.Sleep(10 * time.Millisecond)
	before, _ := remote.calls()
	time.Sleep(50 * time.Millisecond)
	after, _ := remote.calls()
	assert.Equal(t, before, after)

	o.StartQuickCheck()
	assert.Equal(t, models.ModeIdle, o.State().Mode)
	o.ToggleActiveMonitoring()
	assert.Equal(t, models.ModeIdle, o.State().Mode)
	assert.Nil(t, o.State().ActiveMinutesLeft)
}

func TestLoadHistory_LowestPriority(t *testing.T) {
	o, _, clock, _ := newTestOrchestrator(t)
	now := clock.Now()

	history := []models.CheckResult{
		{Score: 30, Timestamp: now.Add(-48 * time.Hour)},
		{Score: 55, Timestamp: now.Add(-24 * time.Hour)},
	}
	o.LoadHistory(history)
	s := o.State()
	assert.Equal(t, 55, *s.StrokeScore)
	assert.Equal(t, 55, s.CheckResult.Score)
	assert.Equal(t, 0, s.Streak)

	o.StartQuickCheck()
	o.CompleteQuickCheck(20)
	o.LoadHistory(history)
	s = o.State()
	assert.Equal(t, 20, *s.StrokeScore)
	assert.Equal(t, 20, s.CheckResult.Score)
	assert.Equal(t, 3, s.Streak)
}

func TestLoadHistory_DoesNotOverrideRemoteScore(t *testing.T) {
	o, remote, clock, _ := newTestOrchestrator(t)

	remote.push(models.TriageSnapshot{RiskScore: intPtr(64)}, nil)
	o.pollOnce(context.Background())
	o.LoadHistory([]models.CheckResult{{Score: 10, Timestamp: clock.Now()}})

	s := o.State()
	assert.Equal(t, 64, *s.StrokeScore)
	assert.Equal(t, 10, s.CheckResult.Score)
}
