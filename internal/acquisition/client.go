// Package acquisition 无线体征采集客户端
//
// 负责单个生物传感器连接的完整生命周期：
//   - 启动时通过已持久化的 DeviceHandle 静默重连（需要传输层实现 ble.Enumerator）
//   - 用户发起的手动配对：先拆除旧链路，再完整发现 + 协商，成功后持久化新的 DeviceHandle
//   - 协商顺序：标准心率服务 → 厂商私有探测表（需 notify/indicate）→ 未找到
//   - 通知帧解码后写入 RR 窗口，重算 SDNN / 变异指数，推送订阅者并写快照
//
// 所有失败都体现为状态（ReconnectNeeded 等），公开方法返回的 error 仅供日志参考。
package acquisition

import (
	"context"
	"errors"
	"sync"
	"time"

	"strokeguard/internal/ble"
	"strokeguard/internal/hrv"
	"strokeguard/internal/metrics"
	"strokeguard/internal/models"
	"strokeguard/internal/store"

	"go.uber.org/zap"
)

var (
	ErrClosed             = errors.New("acquisition client closed")
	ErrNoPairedDevice     = errors.New("no paired device")
	ErrSilentUnsupported  = errors.New("transport cannot enumerate devices without a prompt")
	ErrDeviceNotFound     = errors.New("paired device not among known devices")
	ErrNoHeartRateSource  = errors.New("no heart-rate source found")
	ErrConnectionReplaced = errors.New("connection superseded")
)

// Options 采集客户端参数
type Options struct {
	Profile         ble.Profile
	WindowCapacity  int
	SparklineLength int
	// StoreTimeout 快照写入超时
	StoreTimeout time.Duration
	Now          func() time.Time
}

func (o *Options) setDefaults() {
	if len(o.Profile.AllowedServices) == 0 {
		o.Profile = ble.DefaultProfile()
	}
	if o.WindowCapacity <= 0 {
		o.WindowCapacity = hrv.DefaultWindowCapacity
	}
	if o.SparklineLength <= 0 {
		o.SparklineLength = 7
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 2 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Listener 体征更新订阅者
type Listener func(models.VitalsUpdate)

// Client 采集客户端
type Client struct {
	transport ble.Transport
	devices   *store.DeviceStore
	opts      Options
	logger    *zap.Logger
	metrics   *metrics.Metrics

	// connMu 串行化 Connect / ManualReconnect
	connMu sync.Mutex

	mu         sync.Mutex
	state      models.AcquisitionState
	window     *hrv.RRWindow
	link       *link
	generation uint64
	deviceID   string
	closed     bool

	listenerMu   sync.RWMutex
	listeners    map[uint64]Listener
	nextListener uint64
}

// New 创建采集客户端并加载最近一次体征快照
func New(transport ble.Transport, devices *store.DeviceStore, opts Options, logger *zap.Logger, m *metrics.Metrics) *Client {
	opts.setDefaults()
	if m == nil {
		m = metrics.Nop()
	}
	c := &Client{
		transport: transport,
		devices:   devices,
		opts:      opts,
		logger:    logger,
		metrics:   m,
		window:    hrv.NewRRWindow(opts.WindowCapacity),
		listeners: make(map[uint64]Listener),
		state: models.AcquisitionState{
			Connection: models.ConnectionState{Phase: models.PhaseDisconnected},
			Sparkline:  []float64{},
		},
	}
	c.loadSnapshot()
	return c
}

func (c *Client) loadSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.StoreTimeout)
	defer cancel()

	snap, err := c.devices.LoadLiveVitals(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrMiss) {
			c.logger.Debug("Failed to load live vitals snapshot", zap.Error(err))
		}
		return
	}
	c.state.HeartRate = snap.HeartRate
	c.state.SpO2 = snap.SpO2
	c.state.SDNN = snap.SDNN
	c.state.HRVIndex = snap.HRVIndex
	if !snap.Timestamp.IsZero() {
		ts := snap.Timestamp
		c.state.LastSync = &ts
	}
}

// State 只读状态快照
func (c *Client) State() models.AcquisitionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	s.Sparkline = append([]float64(nil), c.state.Sparkline...)
	return s
}

// Subscribe 注册体征更新订阅者，返回的取消函数可重复调用
func (c *Client) Subscribe(fn Listener) (unsubscribe func()) {
	c.listenerMu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.listenerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.listenerMu.Lock()
			delete(c.listeners, id)
			c.listenerMu.Unlock()
		})
	}
}

func (c *Client) publish(u models.VitalsUpdate) {
	c.listenerMu.RLock()
	fns := make([]Listener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenerMu.RUnlock()

	for _, fn := range fns {
		fn(u)
	}
}

// Connect 静默重连已持久化的设备，不弹出用户提示
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.link != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	handle, err := c.devices.LoadPairedDevice(ctx)
	if err != nil {
		if errors.Is(err, store.ErrMiss) {
			c.logger.Info("No paired device, waiting for manual pairing")
			return ErrNoPairedDevice
		}
		c.logger.Warn("Paired device record unusable", zap.Error(err))
		c.markReconnectNeeded(c.currentGeneration())
		return err
	}

	enum, ok := c.transport.(ble.Enumerator)
	if !ok {
		c.logger.Info("Silent reconnect unavailable on this transport", zap.String("device_id", handle.ID))
		c.markReconnectNeeded(c.currentGeneration())
		return ErrSilentUnsupported
	}

	gen := c.transition(models.ConnectionState{Phase: models.PhaseScanning})
	devs, err := enum.KnownDevices(ctx)
	if err != nil {
		c.logger.Warn("Failed to enumerate known devices", zap.Error(err))
		c.markReconnectNeeded(gen)
		return err
	}

	for _, d := range devs {
		if d.ID() == handle.ID {
			c.logger.Info("Silent reconnect to paired device", zap.String("device_id", handle.ID), zap.String("name", handle.Name))
			_, err := c.establish(ctx, d)
			return err
		}
	}

	c.logger.Info("Paired device not found among known devices", zap.String("device_id", handle.ID))
	c.markReconnectNeeded(gen)
	return ErrDeviceNotFound
}

// ManualReconnect 用户发起的配对：旧链路先拆除，再发现、协商并持久化新的 DeviceHandle
func (c *Client) ManualReconnect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	prev := c.state.Connection
	c.mu.Unlock()

	dev, err := c.transport.RequestDevice(ctx, ble.RequestOptions{
		AcceptAllDevices: true,
		AllowedServices:  c.opts.Profile.AllowedServices,
	})
	if err != nil {
		c.logger.Warn("Manual pairing request failed", zap.Error(err))
		c.mu.Lock()
		stillLinked := c.link != nil
		c.mu.Unlock()
		if !stillLinked {
			c.markReconnectNeeded(c.currentGeneration())
		} else {
			c.logger.Debug("Keeping existing link", zap.String("state", prev.String()))
		}
		return err
	}

	c.mu.Lock()
	old := c.link
	c.link = nil
	c.generation++
	c.state.DeviceConnected = false
	c.mu.Unlock()
	if old != nil {
		c.logger.Info("Tearing down previous link before pairing", zap.String("device_id", old.device.ID()))
		old.teardown(c.logger)
	}

	src, err := c.establish(ctx, dev)
	if err != nil {
		return err
	}

	handle := models.DeviceHandle{
		ID:                   dev.ID(),
		Name:                 dev.Name(),
		HasStandardHeartRate: src.Kind == ble.SourceStandard,
		PairedAt:             c.opts.Now().UTC(),
	}
	if handle.Name == "" {
		handle.Name = "Unknown"
	}
	if err := c.devices.SavePairedDevice(ctx, handle); err != nil {
		c.logger.Warn("Failed to persist paired device", zap.String("device_id", handle.ID), zap.Error(err))
	}
	return nil
}

// Close 拆除链路并停止通知投递，可重复调用
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	l := c.link
	c.link = nil
	c.generation++
	c.setPhaseLocked(models.ConnectionState{Phase: models.PhaseDisconnected})
	c.state.DeviceConnected = false
	c.mu.Unlock()

	if l != nil {
		l.teardown(c.logger)
	}

	c.listenerMu.Lock()
	c.listeners = make(map[uint64]Listener)
	c.listenerMu.Unlock()
	return nil
}

// establish 连接 + 协商；成功时安装为当前链路
func (c *Client) establish(ctx context.Context, dev ble.Device) (ble.HeartRateSource, error) {
	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.deviceID = dev.ID()
	c.setPhaseLocked(models.ConnectionState{Phase: models.PhaseConnecting})
	c.mu.Unlock()

	server, err := dev.Connect(ctx)
	if err != nil {
		c.logger.Warn("GATT connect failed", zap.String("device_id", dev.ID()), zap.Error(err))
		c.markReconnectNeeded(gen)
		return ble.HeartRateSource{}, err
	}

	l := &link{device: dev, server: server}
	l.cancelDisconnect = dev.OnDisconnect(func() { c.handleDisconnect(gen) })

	src, hrSub := c.negotiateHeartRate(ctx, server, gen)
	if src.Kind == ble.SourceNotFound {
		c.logger.Warn("No heart rate characteristic found on this device", zap.String("device_id", dev.ID()))
		l.teardown(c.logger)
		c.markReconnectNeeded(gen)
		return src, ErrNoHeartRateSource
	}
	l.subs = append(l.subs, hrSub)

	if sub := c.subscribeSpO2(ctx, server, gen); sub != nil {
		l.subs = append(l.subs, sub)
	}

	next := models.ConnectionState{Phase: models.PhaseSubscribedStandard}
	if src.Kind == ble.SourceProprietary {
		next = models.ConnectionState{Phase: models.PhaseSubscribedProprietary, Characteristic: src.Target.Characteristic}
	}

	c.mu.Lock()
	if c.closed || c.generation != gen {
		c.mu.Unlock()
		l.teardown(c.logger)
		return src, ErrConnectionReplaced
	}
	c.link = l
	c.setPhaseLocked(next)
	c.state.DeviceConnected = true
	c.state.ReconnectNeeded = false
	c.state.DeviceName = dev.Name()
	c.mu.Unlock()

	c.logger.Info("Biosensor connected",
		zap.String("device_id", dev.ID()),
		zap.String("source", src.Kind.String()),
		zap.String("state", next.String()))
	return src, nil
}

// handleDisconnect 非主动断开；过期链路的事件忽略
func (c *Client) handleDisconnect(gen uint64) {
	c.mu.Lock()
	if c.closed || c.generation != gen {
		c.mu.Unlock()
		return
	}
	l := c.link
	c.link = nil
	c.generation++
	c.setPhaseLocked(models.ConnectionState{Phase: models.PhaseReconnectNeeded})
	c.state.DeviceConnected = false
	c.state.ReconnectNeeded = true
	c.mu.Unlock()

	c.logger.Warn("Biosensor disconnected", zap.String("device_id", c.currentDeviceID()))
	if l != nil {
		l.teardown(c.logger)
	}
}

func (c *Client) markReconnectNeeded(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.generation != gen {
		return
	}
	c.setPhaseLocked(models.ConnectionState{Phase: models.PhaseReconnectNeeded})
	c.state.DeviceConnected = false
	c.state.ReconnectNeeded = true
}

// transition 设置状态并返回当前代号
func (c *Client) transition(s models.ConnectionState) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setPhaseLocked(s)
	return c.generation
}

func (c *Client) setPhaseLocked(s models.ConnectionState) {
	if c.state.Connection == s {
		return
	}
	c.state.Connection = s
	c.metrics.ConnectionTransitions.WithLabelValues(string(s.Phase)).Inc()
}

func (c *Client) currentGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

func (c *Client) currentDeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}
