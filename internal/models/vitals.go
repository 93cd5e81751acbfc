package models

import "time"

// NotificationSource 通知来源特征类型
type NotificationSource int

const (
	SourceStandardHeartRate NotificationSource = iota // 标准心率特征 0x2A37
	SourceStandardSpO2                                // 标准血氧特征（PLX）
	SourceProprietary                                 // 厂商私有特征
)

func (s NotificationSource) String() string {
	switch s {
	case SourceStandardHeartRate:
		return "heart_rate"
	case SourceStandardSpO2:
		return "spo2"
	case SourceProprietary:
		return "proprietary"
	default:
		return "unknown"
	}
}

// RawNotification 传输层推送的原始通知（即到即解，不缓存）
type RawNotification struct {
	Source         NotificationSource
	Characteristic string // 私有来源时为厂商特征 UUID
	Data           []byte
}

// VitalsReading 单帧解码结果，心率与血氧各自可选
type VitalsReading struct {
	HeartRateBpm  *uint
	SpO2Percent   *uint
	RRIntervalsMs []float64
}

// Empty 空读数（畸形帧解码结果）
func (r VitalsReading) Empty() bool {
	return r.HeartRateBpm == nil && r.SpO2Percent == nil && len(r.RRIntervalsMs) == 0
}

// VitalsUpdate 推送给订阅者的合成读数
type VitalsUpdate struct {
	HeartRate     *uint     `json:"heart_rate,omitempty"`
	SpO2          *uint     `json:"spo2,omitempty"`
	RRIntervalsMs []float64 `json:"rr_intervals_ms,omitempty"`
	SDNN          *float64  `json:"sdnn,omitempty"`
	HRVIndex      *float64  `json:"hrv_index,omitempty"`
	DeviceID      string    `json:"device_id,omitempty"`
	At            time.Time `json:"at"`
}

// LiveVitals 最近一次体征快照（离线/启动展示用），扁平 JSON
type LiveVitals struct {
	HeartRate *uint     `json:"heartRate"`
	SDNN      *float64  `json:"sdnn"`
	HRVIndex  *float64  `json:"hrvi"`
	SpO2      *uint     `json:"spO2"`
	Timestamp time.Time `json:"timestampISO"`
}

// DeviceHandle 已配对设备记录（唯一的持久化记录）
type DeviceHandle struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	HasStandardHeartRate bool      `json:"hasStandardHeartRate"`
	PairedAt             time.Time `json:"pairedAt"`
}

// Valid 记录是否可用于静默重连
func (h DeviceHandle) Valid() bool {
	return h.ID != "" && !h.PairedAt.IsZero()
}

// UintPtr 返回 v 的指针
func UintPtr(v uint) *uint { return &v }

// IntPtr 返回 v 的指针
func IntPtr(v int) *int { return &v }

// Float64Ptr 返回 v 的指针
func Float64Ptr(v float64) *float64 { return &v }
