package httpapi

import (
	"net/http"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// HandleHandler 支持 http.Handler 接口（/metrics 等）
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterMonitorRoutes 注册监测相关路由
func (r *Router) RegisterMonitorRoutes(h *MonitorHandler) {
	r.Handle("/api/v1/state", method(http.MethodGet, h.GetState))

	r.Handle("/api/v1/monitoring/quick-check/start", method(http.MethodPost, h.StartQuickCheck))
	r.Handle("/api/v1/monitoring/quick-check/cancel", method(http.MethodPost, h.CancelQuickCheck))
	r.Handle("/api/v1/monitoring/active/toggle", method(http.MethodPost, h.ToggleActive))
	r.Handle("/api/v1/monitoring/vitals", method(http.MethodPost, h.PostVitals))

	r.Handle("/api/v1/profile/sync", method(http.MethodPost, h.SyncProfile))
	r.Handle("/api/v1/device/pair", method(http.MethodPost, h.PairDevice))

	r.Handle("/api/v1/ws", h.ServeWS)
}
