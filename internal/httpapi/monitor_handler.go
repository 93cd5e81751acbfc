package httpapi

import (
	"context"
	"net/http"
	"time"

	"strokeguard/internal/models"

	"go.uber.org/zap"
)

// Monitoring 会话编排器命令与状态
type Monitoring interface {
	State() models.MonitoringState
	StartQuickCheck()
	CancelQuickCheck(finalScore *int)
	ToggleActiveMonitoring()
	ReceiveVitals(pulseRate int, prv float64)
	ForceSyncProfile(ctx context.Context)
	OnChange(fn func(models.MonitoringState)) (unsubscribe func())
}

// Acquisition 采集客户端状态与手动配对
type Acquisition interface {
	State() models.AcquisitionState
	ManualReconnect(ctx context.Context) error
}

// StateView GET /api/v1/state 响应
type StateView struct {
	Acquisition models.AcquisitionState `json:"acquisition"`
	Monitoring  models.MonitoringState  `json:"monitoring"`
}

// MonitorHandler 监测 API
type MonitorHandler struct {
	monitoring  Monitoring
	acquisition Acquisition
	hub         *Hub
	logger      *zap.Logger

	// 配对需要用户在网关侧选择设备，超时单独放宽
	PairTimeout time.Duration
}

func NewMonitorHandler(m Monitoring, a Acquisition, hub *Hub, logger *zap.Logger) *MonitorHandler {
	return &MonitorHandler{
		monitoring:  m,
		acquisition: a,
		hub:         hub,
		logger:      logger,
		PairTimeout: 2 * time.Minute,
	}
}

func (h *MonitorHandler) state() StateView {
	return StateView{
		Acquisition: h.acquisition.State(),
		Monitoring:  h.monitoring.State(),
	}
}

func (h *MonitorHandler) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Ok(h.state()))
}

func (h *MonitorHandler) StartQuickCheck(w http.ResponseWriter, r *http.Request) {
	h.monitoring.StartQuickCheck()
	writeJSON(w, http.StatusOK, Ok(h.monitoring.State()))
}

type cancelQuickCheckRequest struct {
	FinalScore *int `json:"final_score"`
}

func (h *MonitorHandler) CancelQuickCheck(w http.ResponseWriter, r *http.Request) {
	var req cancelQuickCheckRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	h.monitoring.CancelQuickCheck(req.FinalScore)
	writeJSON(w, http.StatusOK, Ok(h.monitoring.State()))
}

func (h *MonitorHandler) ToggleActive(w http.ResponseWriter, r *http.Request) {
	h.monitoring.ToggleActiveMonitoring()
	writeJSON(w, http.StatusOK, Ok(h.monitoring.State()))
}

type vitalsRequest struct {
	PulseRate *int     `json:"pulse_rate"`
	PRV       *float64 `json:"prv"`
}

// PostVitals 外部脉率估计器（摄像头等）上报体征
func (h *MonitorHandler) PostVitals(w http.ResponseWriter, r *http.Request) {
	var req vitalsRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	if req.PulseRate == nil || req.PRV == nil {
		writeJSON(w, http.StatusBadRequest, Fail("pulse_rate and prv are required"))
		return
	}
	if *req.PulseRate <= 0 || *req.PRV < 0 {
		writeJSON(w, http.StatusBadRequest, Fail("pulse_rate must be positive and prv non-negative"))
		return
	}
	h.monitoring.ReceiveVitals(*req.PulseRate, *req.PRV)
	writeJSON(w, http.StatusOK, Ok(h.monitoring.State()))
}

func (h *MonitorHandler) SyncProfile(w http.ResponseWriter, r *http.Request) {
	h.monitoring.ForceSyncProfile(r.Context())
	writeJSON(w, http.StatusOK, Ok[any](nil))
}

// PairDevice 用户发起的手动配对；失败时连接状态为 RECONNECT_NEEDED，仍返回当前状态
func (h *MonitorHandler) PairDevice(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.PairTimeout)
	defer cancel()

	if err := h.acquisition.ManualReconnect(ctx); err != nil {
		h.logger.Warn("Manual pairing failed", zap.Error(err))
		writeJSON(w, http.StatusOK, Result[models.AcquisitionState]{
			Code:    ResultError,
			Type:    "error",
			Message: err.Error(),
			Result:  h.acquisition.State(),
		})
		return
	}
	writeJSON(w, http.StatusOK, Ok(h.acquisition.State()))
}

// ServeWS 升级为 WebSocket，推送监测状态
func (h *MonitorHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	h.hub.Serve(w, r, h.state())
}
