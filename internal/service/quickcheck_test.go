package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"strokeguard/internal/models"
	"strokeguard/internal/monitoring"
	"strokeguard/internal/risk"
)

type idleRemote struct{}

func (idleRemote) Status(ctx context.Context) (models.TriageSnapshot, error) {
	return models.TriageSnapshot{}, errors.New("offline")
}

func (idleRemote) SyncProfile(ctx context.Context) error { return nil }

type recordingSyncer struct {
	mu   sync.Mutex
	reqs []models.VitalsSyncRequest
}

func (r *recordingSyncer) SyncVitals(ctx context.Context, req models.VitalsSyncRequest) (models.VitalsSyncResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return models.VitalsSyncResponse{Status: models.TriageGreen}, nil
}

func (r *recordingSyncer) requests() []models.VitalsSyncRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.VitalsSyncRequest(nil), r.reqs...)
}

var testBaseline = risk.Baseline{
	BloodPressure:  "115/75",
	SmokingStatus:  "never",
	DiabetesStatus: "no",
	FamilyHistory:  "no",
	ActivityLevel:  "5+",
}

func newTestSession(t *testing.T) (*QuickCheckSession, *recordingSyncer) {
	t.Helper()
	o := monitoring.New(idleRemote{}, monitoring.Options{
		QuickCheckUnits: 3,
		QuickCheckTick:  5 * time.Millisecond,
		Location:        time.UTC,
	}, zap.NewNop(), nil)
	t.Cleanup(o.Close)

	syncer := &recordingSyncer{}
	return NewQuickCheckSession(o, syncer, testBaseline, "p-1", time.Second, zap.NewNop()), syncer
}

func TestQuickCheckSession_ScoresAndSyncs(t *testing.T) {
	s, syncer := newTestSession(t)

	s.StartQuickCheck()
	sink := s.VitalsSink()
	for i := 0; i < 6; i++ {
		sink(65, 90)
	}

	require.Eventually(t, func() bool {
		return s.State().Mode == models.ModeIdle
	}, 2*time.Second, 5*time.Millisecond)
	s.Wait()

	st := s.State()
	require.NotNil(t, st.StrokeScore)
	// 60 + 15 + 20 + 5 = 100 → 风险 0
	assert.Equal(t, 0, *st.StrokeScore)
	require.NotNil(t, st.CheckResult)
	assert.Equal(t, uint(65), *st.CheckResult.PulseRate)

	reqs := syncer.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "p-1", reqs[0].PatientID)
	assert.Equal(t, models.SyncQuickScan, reqs[0].Mode)
	assert.Len(t, reqs[0].PulseRateHistory, 30)
	assert.Equal(t, 90.0, reqs[0].PRVScore)
	assert.Equal(t, 50, reqs[0].AHALifestyleScore)
}

func TestQuickCheckSession_NoSamplesSkipsSync(t *testing.T) {
	s, syncer := newTestSession(t)

	s.StartQuickCheck()
	require.Eventually(t, func() bool {
		return s.State().Mode == models.ModeIdle
	}, 2*time.Second, 5*time.Millisecond)
	s.Wait()

	require.NotNil(t, s.State().StrokeScore)
	assert.Empty(t, syncer.requests())
}

func TestQuickCheckSession_SamplesOnlyDuringQuickCheck(t *testing.T) {
	s, _ := newTestSession(t)

	s.ReceiveVitals(70, 30)
	s.mu.Lock()
	n := len(s.pulses)
	s.mu.Unlock()
	assert.Equal(t, 0, n)
	assert.Equal(t, 70, *s.State().SessionPulseRate)
}

func TestHandleVitals_CarriesLastSDNN(t *testing.T) {
	s, _ := newTestSession(t)

	s.HandleVitals(models.VitalsUpdate{SpO2: models.UintPtr(97)})
	assert.Nil(t, s.State().SessionPulseRate)

	s.HandleVitals(models.VitalsUpdate{HeartRate: models.UintPtr(72), SDNN: models.Float64Ptr(44)})
	s.HandleVitals(models.VitalsUpdate{HeartRate: models.UintPtr(74)})

	st := s.State()
	assert.Equal(t, 74, *st.SessionPulseRate)
	assert.Equal(t, 44.0, *st.SessionPRV)
}

func TestHandleVitals_NoSDNNYetLeavesPRVAbsent(t *testing.T) {
	s, _ := newTestSession(t)

	s.HandleVitals(models.VitalsUpdate{HeartRate: models.UintPtr(72)})

	st := s.State()
	require.NotNil(t, st.SessionPulseRate)
	assert.Equal(t, 72, *st.SessionPulseRate)
	assert.Nil(t, st.SessionPRV)
}

func TestQuickCheckSession_IgnoresMissingPRVInScore(t *testing.T) {
	o := monitoring.New(idleRemote{}, monitoring.Options{
		QuickCheckUnits: 3,
		QuickCheckTick:  50 * time.Millisecond,
		Location:        time.UTC,
	}, zap.NewNop(), nil)
	t.Cleanup(o.Close)
	syncer := &recordingSyncer{}
	s := NewQuickCheckSession(o, syncer, testBaseline, "p-1", time.Second, zap.NewNop())

	s.StartQuickCheck()
	s.HandleVitals(models.VitalsUpdate{HeartRate: models.UintPtr(70)})
	s.HandleVitals(models.VitalsUpdate{HeartRate: models.UintPtr(70)})
	s.HandleVitals(models.VitalsUpdate{HeartRate: models.UintPtr(70), SDNN: models.Float64Ptr(40)})
	s.HandleVitals(models.VitalsUpdate{HeartRate: models.UintPtr(70), SDNN: models.Float64Ptr(50)})

	require.Eventually(t, func() bool {
		return s.State().Mode == models.ModeIdle
	}, 2*time.Second, 5*time.Millisecond)
	s.Wait()

	reqs := syncer.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, 45.0, reqs[0].PRVScore)
	assert.Len(t, reqs[0].PulseRateHistory, 30)
}

func TestPadReadings(t *testing.T) {
	assert.Equal(t, []int{70, 71, 71, 71}, padReadings([]float64{70.2, 70.6}, 4))
	assert.Empty(t, padReadings(nil, 30))
	assert.Len(t, padReadings(make([]float64, 40), 30), 40)
}
