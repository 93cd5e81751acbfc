// Package ble 定义无线生物传感器传输端口
//
// 采集客户端只依赖这里的接口；具体实现见 internal/transport/mqttble。
// 访问控制：配对时声明的 AllowedServices 之外的服务一律拒绝（ErrServiceNotAllowed）。
package ble

import (
	"context"
	"errors"
)

var (
	// ErrServiceNotAllowed 服务不在配对时声明的允许列表中
	ErrServiceNotAllowed = errors.New("ble: service not in allow-list")
	// ErrNotFound 设备上不存在该服务或特征
	ErrNotFound = errors.New("ble: service or characteristic not found")
	// ErrNotConnected GATT 链路未建立
	ErrNotConnected = errors.New("ble: gatt server not connected")
	// ErrRequestCancelled 用户取消了配对选择
	ErrRequestCancelled = errors.New("ble: device request cancelled")
)

// Properties 特征能力
type Properties struct {
	Notify   bool `json:"notify"`
	Indicate bool `json:"indicate"`
}

// CanSubscribe 是否支持 notify 或 indicate
func (p Properties) CanSubscribe() bool {
	return p.Notify || p.Indicate
}

// NotificationHandler 通知回调，同一特征内按到达顺序调用
type NotificationHandler func(data []byte)

// Subscription 特征订阅；Unsubscribe 可重复调用
type Subscription interface {
	Unsubscribe() error
}

// Characteristic GATT 特征
type Characteristic interface {
	UUID() string
	Properties() Properties
	Subscribe(ctx context.Context, handler NotificationHandler) (Subscription, error)
}

// GATTServer 已建立的 GATT 链路
type GATTServer interface {
	// Characteristic 获取 service 下的特征；不存在返回 ErrNotFound
	Characteristic(ctx context.Context, service, characteristic string) (Characteristic, error)
	Connected() bool
	Disconnect() error
}

// Device 已授权的设备
type Device interface {
	ID() string
	Name() string
	Connect(ctx context.Context) (GATTServer, error)
	// OnDisconnect 注册非主动断开回调，返回取消函数
	OnDisconnect(fn func()) (cancel func())
}

// RequestOptions 设备选择参数
type RequestOptions struct {
	AcceptAllDevices bool
	AllowedServices  []string
}

// Transport 设备发现（需要用户交互的配对流程）
type Transport interface {
	RequestDevice(ctx context.Context, opts RequestOptions) (Device, error)
}

// Enumerator 可选能力：无需用户提示枚举已授权设备，用于静默重连
type Enumerator interface {
	KnownDevices(ctx context.Context) ([]Device, error)
}
