package models

import "time"

// Mode 监测模式
type Mode string

const (
	ModeIdle       Mode = "IDLE"
	ModeQuickCheck Mode = "QUICK_CHECK"
	ModeActive     Mode = "ACTIVE"
)

// TriageStatus 远端分诊等级；空字符串表示 null
type TriageStatus string

const (
	TriageNone   TriageStatus = ""
	TriageGreen  TriageStatus = "GREEN"
	TriageYellow TriageStatus = "YELLOW"
	TriageRed    TriageStatus = "RED"
)

// DefaultUIAction 远端未给出 ui_action 时的取值
const DefaultUIAction = "PASSIVE_MONITORING"

// TriageSnapshot 单次轮询结果，下一次轮询整体替换
type TriageSnapshot struct {
	Status       TriageStatus `json:"triage_status"`
	AIAdvice     *string      `json:"ai_advice"`
	AlertFailure bool         `json:"alert_failure"`
	UIAction     string       `json:"ui_action"`
	RiskScore    *int         `json:"risk_score"`
}

// CheckResult 单次检测结果，创建后不可变
type CheckResult struct {
	Score     int       `json:"score"`
	PulseRate *uint     `json:"pulseRate,omitempty"`
	PRV       *float64  `json:"prv,omitempty"`
	Timestamp time.Time `json:"timestampIso"`
	Date      string    `json:"dateIso"` // YYYY-MM-DD
}

// DateLayout CheckResult.Date 的格式
const DateLayout = "2006-01-02"

// MonitoringState 会话编排器只读状态
type MonitoringState struct {
	Mode              Mode         `json:"mode"`
	StrokeScore       *int         `json:"stroke_score"`
	Countdown         *int         `json:"countdown"`
	SessionPulseRate  *int         `json:"session_pulse_rate"`
	SessionPRV        *float64     `json:"session_prv"`
	CheckResult       *CheckResult `json:"check_result"`
	Streak            int          `json:"streak"`
	ActiveMinutesLeft *int         `json:"active_minutes_left"`
	TriageStatus      TriageStatus `json:"triage_status"`
	AIAdvice          *string      `json:"ai_advice"`
	AlertFailure      bool         `json:"alert_failure"`
	UIAction          string       `json:"ui_action"`
	Paused            bool         `json:"paused"`
}

// SyncMode /vitals/sync 的扫描模式
type SyncMode string

const (
	SyncQuickScan SyncMode = "QUICK_SCAN"
	SyncDeepScan  SyncMode = "DEEP_SCAN"
)

// VitalsSyncRequest POST /vitals/sync 请求体
type VitalsSyncRequest struct {
	PatientID         string   `json:"patient_id"`
	Mode              SyncMode `json:"mode"`
	PulseRateHistory  []int    `json:"pulse_rate_history"`
	PRVScore          float64  `json:"prv_score"`
	AHALifestyleScore int      `json:"aha_lifestyle_score"`
	IsExercising      bool     `json:"is_exercising"`
}

// VitalsSyncResponse POST /vitals/sync 响应体
type VitalsSyncResponse struct {
	Status       TriageStatus `json:"status"`
	HRV          *float64     `json:"hrv"`
	AlertFailure bool         `json:"alert_failure"`
	AICoach      *string      `json:"ai_coach"`
}

// ScoreForStatus 分诊等级对应的展示分（GREEN 20 / YELLOW 60 / RED 90）
func ScoreForStatus(s TriageStatus) int {
	switch s {
	case TriageYellow:
		return 60
	case TriageRed:
		return 90
	default:
		return 20
	}
}
