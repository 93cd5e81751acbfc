// Package mqttble 通过 MQTT 桥接 BLE 网关的传输实现
//
// 主题约定（<p> 为配置的前缀）：
//   - <p>/devices                              已授权设备列表（retained），静默枚举
//   - <p>/pair/request                         配对请求 {"request_id","accept_all","allowed_services"}
//   - <p>/pair/response/<request_id>           配对结果 {"device_id","name","cancelled","error"}
//   - <p>/<device>/connect | disconnect        连接控制
//   - <p>/<device>/gatt                        GATT 服务表（retained）
//   - <p>/<device>/status                      connected | disconnected
//   - <p>/<device>/subscribe                   {"service","characteristic","enable"}
//   - <p>/<device>/notify/<service>/<char>     原始通知字节
//
// 允许列表在本地强制：配对时未声明的服务一律 ble.ErrServiceNotAllowed。
package mqttble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"strokeguard/common/mqtt"
	"strokeguard/internal/ble"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrTimeout = errors.New("ble gateway did not respond in time")
)

// Broker MQTT 客户端能力（*mqtt.Client 实现）
type Broker interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Unsubscribe(topics ...string) error
}

// Options 传输参数
type Options struct {
	Prefix  string
	QoS     byte
	Timeout time.Duration
	// Profile 静默枚举得到的设备沿用的允许列表（与首次配对时一致）
	Profile ble.Profile
}

// Transport 实现 ble.Transport 与 ble.Enumerator
type Transport struct {
	broker Broker
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	known   []deviceInfo
	ready   chan struct{}
	once    sync.Once
	started bool
}

type deviceInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type pairRequest struct {
	RequestID       string   `json:"request_id"`
	AcceptAll       bool     `json:"accept_all"`
	AllowedServices []string `json:"allowed_services"`
}

type pairResponse struct {
	DeviceID  string `json:"device_id"`
	Name      string `json:"name"`
	Cancelled bool   `json:"cancelled"`
	Error     string `json:"error"`
}

// New 创建传输
func New(broker Broker, opts Options, logger *zap.Logger) *Transport {
	if opts.Prefix == "" {
		opts.Prefix = "strokeguard/ble"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if len(opts.Profile.AllowedServices) == 0 {
		opts.Profile = ble.DefaultProfile()
	}
	return &Transport{
		broker: broker,
		opts:   opts,
		logger: logger,
		ready:  make(chan struct{}),
	}
}

func (t *Transport) topic(parts ...string) string {
	s := t.opts.Prefix
	for _, p := range parts {
		s += "/" + p
	}
	return s
}

// Start 订阅设备列表
func (t *Transport) Start() error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	t.mu.Unlock()

	return t.broker.Subscribe(t.topic("devices"), t.opts.QoS, t.handleDevices)
}

// Stop 取消设备列表订阅
func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return nil
	}
	t.started = false
	return t.broker.Unsubscribe(t.topic("devices"))
}

func (t *Transport) handleDevices(_ string, payload []byte) error {
	var list []deviceInfo
	if err := json.Unmarshal(payload, &list); err != nil {
		return fmt.Errorf("decode device list: %w", err)
	}
	t.mu.Lock()
	t.known = list
	t.mu.Unlock()
	t.once.Do(func() { close(t.ready) })
	t.logger.Debug("BLE gateway device list updated", zap.Int("count", len(list)))
	return nil
}

// KnownDevices 返回网关已授权的设备，无需用户交互
func (t *Transport) KnownDevices(ctx context.Context) ([]ble.Device, error) {
	if err := t.Start(); err != nil {
		return nil, err
	}

	timer := time.NewTimer(t.opts.Timeout)
	defer timer.Stop()
	select {
	case <-t.ready:
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ble.Device, 0, len(t.known))
	for _, d := range t.known {
		out = append(out, t.newDevice(d.ID, d.Name, t.opts.Profile.AllowedServices))
	}
	return out, nil
}

// RequestDevice 发起配对请求，等待网关（或用户）选择设备
func (t *Transport) RequestDevice(ctx context.Context, opts ble.RequestOptions) (ble.Device, error) {
	allowed := make([]string, 0, len(opts.AllowedServices))
	for _, s := range opts.AllowedServices {
		c, err := ble.Canonical(s)
		if err != nil {
			return nil, err
		}
		allowed = append(allowed, c)
	}

	reqID := uuid.NewString()
	respTopic := t.topic("pair", "response", reqID)
	respCh := make(chan pairResponse, 1)

	if err := t.broker.Subscribe(respTopic, t.opts.QoS, func(_ string, payload []byte) error {
		var resp pairResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			return fmt.Errorf("decode pair response: %w", err)
		}
		select {
		case respCh <- resp:
		default:
		}
		return nil
	}); err != nil {
		return nil, err
	}
	defer func() {
		if err := t.broker.Unsubscribe(respTopic); err != nil {
			t.logger.Debug("Failed to unsubscribe pair response", zap.Error(err))
		}
	}()

	body, err := json.Marshal(pairRequest{RequestID: reqID, AcceptAll: opts.AcceptAllDevices, AllowedServices: allowed})
	if err != nil {
		return nil, err
	}
	if err := t.broker.Publish(t.topic("pair", "request"), t.opts.QoS, false, body); err != nil {
		return nil, err
	}
	t.logger.Info("BLE pairing requested", zap.String("request_id", reqID), zap.Int("allowed_services", len(allowed)))

	timer := time.NewTimer(t.opts.Timeout)
	defer timer.Stop()
	select {
	case resp := <-respCh:
		switch {
		case resp.Cancelled:
			return nil, ble.ErrRequestCancelled
		case resp.Error != "":
			return nil, fmt.Errorf("ble gateway: %s", resp.Error)
		case resp.DeviceID == "":
			return nil, fmt.Errorf("ble gateway returned empty device id")
		}
		return t.newDevice(resp.DeviceID, resp.Name, allowed), nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
