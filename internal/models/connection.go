package models

import "time"

// ConnectionPhase 连接状态
type ConnectionPhase string

const (
	PhaseDisconnected          ConnectionPhase = "DISCONNECTED"
	PhaseScanning              ConnectionPhase = "SCANNING"
	PhaseConnecting            ConnectionPhase = "CONNECTING"
	PhaseSubscribedStandard    ConnectionPhase = "SUBSCRIBED_STANDARD"
	PhaseSubscribedProprietary ConnectionPhase = "SUBSCRIBED_PROPRIETARY"
	PhaseReconnectNeeded       ConnectionPhase = "RECONNECT_NEEDED"
)

// ConnectionState 连接状态；私有订阅时 Characteristic 为厂商特征 UUID
type ConnectionState struct {
	Phase          ConnectionPhase `json:"phase"`
	Characteristic string          `json:"characteristic,omitempty"`
}

func (s ConnectionState) String() string {
	if s.Phase == PhaseSubscribedProprietary {
		return string(s.Phase) + "(" + s.Characteristic + ")"
	}
	return string(s.Phase)
}

// Subscribed 是否已订阅心率来源
func (s ConnectionState) Subscribed() bool {
	return s.Phase == PhaseSubscribedStandard || s.Phase == PhaseSubscribedProprietary
}

// AcquisitionState 采集客户端只读状态
type AcquisitionState struct {
	HeartRate       *uint           `json:"heart_rate"`
	SpO2            *uint           `json:"spo2"`
	SDNN            *float64        `json:"sdnn"`
	HRVIndex        *float64        `json:"hrv_index"`
	Sparkline       []float64       `json:"sparkline"`
	DeviceConnected bool            `json:"device_connected"`
	LastSync        *time.Time      `json:"last_sync"`
	ReconnectNeeded bool            `json:"reconnect_needed"`
	Connection      ConnectionState `json:"connection"`
	DeviceName      string          `json:"device_name,omitempty"`
}
