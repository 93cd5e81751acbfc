package acquisition

import (
	"sync"

	"strokeguard/internal/ble"

	"go.uber.org/zap"
)

// link 一次 GATT 连接及其订阅
type link struct {
	device           ble.Device
	server           ble.GATTServer
	subs             []ble.Subscription
	cancelDisconnect func()
	once             sync.Once
}

// teardown 取消订阅并断开链路；只执行一次
func (l *link) teardown(logger *zap.Logger) {
	l.once.Do(func() {
		if l.cancelDisconnect != nil {
			l.cancelDisconnect()
		}
		for _, s := range l.subs {
			if err := s.Unsubscribe(); err != nil {
				logger.Debug("Unsubscribe failed", zap.Error(err))
			}
		}
		l.subs = nil
		if l.server != nil && l.server.Connected() {
			if err := l.server.Disconnect(); err != nil {
				logger.Debug("GATT disconnect failed", zap.Error(err))
			}
		}
	})
}
