package mqttble

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"strokeguard/internal/ble"

	"go.uber.org/zap"
)

const (
	statusConnected    = "connected"
	statusDisconnected = "disconnected"
)

type gattProfile struct {
	Services []struct {
		UUID            string `json:"uuid"`
		Characteristics []struct {
			UUID     string `json:"uuid"`
			Notify   bool   `json:"notify"`
			Indicate bool   `json:"indicate"`
		} `json:"characteristics"`
	} `json:"services"`
}

type device struct {
	t       *Transport
	id      string
	name    string
	allowed map[string]bool

	mu        sync.Mutex
	callbacks map[int]func()
	nextCB    int
	server    *gattServer
}

func (t *Transport) newDevice(id, name string, allowed []string) *device {
	set := make(map[string]bool, len(allowed))
	for _, s := range allowed {
		set[s] = true
	}
	return &device{t: t, id: id, name: name, allowed: set, callbacks: make(map[int]func())}
}

func (d *device) ID() string   { return d.id }
func (d *device) Name() string { return d.name }

func (d *device) OnDisconnect(fn func()) func() {
	d.mu.Lock()
	id := d.nextCB
	d.nextCB++
	d.callbacks[id] = fn
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.callbacks, id)
			d.mu.Unlock()
		})
	}
}

func (d *device) fireDisconnect() {
	d.mu.Lock()
	fns := make([]func(), 0, len(d.callbacks))
	for _, fn := range d.callbacks {
		fns = append(fns, fn)
	}
	d.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Connect 下发连接命令，等待 status=connected 与 GATT 服务表
func (d *device) Connect(ctx context.Context) (ble.GATTServer, error) {
	t := d.t
	s := &gattServer{dev: d, chars: make(map[string]map[string]ble.Properties)}
	connectedCh := make(chan struct{}, 1)
	profileCh := make(chan struct{}, 1)

	statusTopic := t.topic(d.id, "status")
	gattTopic := t.topic(d.id, "gatt")

	if err := t.broker.Subscribe(statusTopic, t.opts.QoS, func(_ string, payload []byte) error {
		switch string(payload) {
		case statusConnected:
			s.setConnected(true)
			select {
			case connectedCh <- struct{}{}:
			default:
			}
		case statusDisconnected:
			if s.setConnected(false) {
				t.logger.Info("BLE gateway reported disconnect", zap.String("device_id", d.id))
				d.fireDisconnect()
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := t.broker.Subscribe(gattTopic, t.opts.QoS, func(_ string, payload []byte) error {
		var p gattProfile
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode gatt profile: %w", err)
		}
		s.loadProfile(p)
		select {
		case profileCh <- struct{}{}:
		default:
		}
		return nil
	}); err != nil {
		_ = t.broker.Unsubscribe(statusTopic)
		return nil, err
	}

	fail := func(err error) (ble.GATTServer, error) {
		_ = t.broker.Unsubscribe(statusTopic, gattTopic)
		return nil, err
	}

	if err := t.broker.Publish(t.topic(d.id, "connect"), t.opts.QoS, false, nil); err != nil {
		return fail(err)
	}

	timer := time.NewTimer(t.opts.Timeout)
	defer timer.Stop()
	for gotConn, gotProfile := false, false; !gotConn || !gotProfile; {
		select {
		case <-connectedCh:
			gotConn = true
		case <-profileCh:
			gotProfile = true
		case <-timer.C:
			return fail(ErrTimeout)
		case <-ctx.Done():
			return fail(ctx.Err())
		}
	}

	d.mu.Lock()
	d.server = s
	d.mu.Unlock()
	return s, nil
}

type gattServer struct {
	dev *device

	mu        sync.Mutex
	connected bool
	chars     map[string]map[string]ble.Properties
}

// setConnected 返回状态是否从 connected 变为 disconnected
func (s *gattServer) setConnected(v bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := s.connected && !v
	s.connected = v
	return dropped
}

func (s *gattServer) loadProfile(p gattProfile) {
	chars := make(map[string]map[string]ble.Properties)
	for _, svc := range p.Services {
		sid, err := ble.Canonical(svc.UUID)
		if err != nil {
			continue
		}
		m := make(map[string]ble.Properties)
		for _, c := range svc.Characteristics {
			cid, err := ble.Canonical(c.UUID)
			if err != nil {
				continue
			}
			m[cid] = ble.Properties{Notify: c.Notify, Indicate: c.Indicate}
		}
		chars[sid] = m
	}
	s.mu.Lock()
	s.chars = chars
	s.mu.Unlock()
}

func (s *gattServer) Characteristic(_ context.Context, service, charID string) (ble.Characteristic, error) {
	sid, err := ble.Canonical(service)
	if err != nil {
		return nil, err
	}
	cid, err := ble.Canonical(charID)
	if err != nil {
		return nil, err
	}
	if !s.dev.allowed[sid] {
		return nil, fmt.Errorf("%w: %s", ble.ErrServiceNotAllowed, sid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ble.ErrNotConnected
	}
	props, ok := s.chars[sid][cid]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ble.ErrNotFound, sid, cid)
	}
	return &characteristic{server: s, service: sid, uuid: cid, props: props}, nil
}

func (s *gattServer) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Disconnect 主动断开，不触发 OnDisconnect
func (s *gattServer) Disconnect() error {
	s.setConnected(false)
	t := s.dev.t
	err := t.broker.Publish(t.topic(s.dev.id, "disconnect"), t.opts.QoS, false, nil)
	if uerr := t.broker.Unsubscribe(t.topic(s.dev.id, "status"), t.topic(s.dev.id, "gatt")); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

type characteristic struct {
	server  *gattServer
	service string
	uuid    string
	props   ble.Properties
}

type subscribeCommand struct {
	Service        string `json:"service"`
	Characteristic string `json:"characteristic"`
	Enable         bool   `json:"enable"`
}

func (c *characteristic) UUID() string               { return c.uuid }
func (c *characteristic) Properties() ble.Properties { return c.props }

func (c *characteristic) Subscribe(_ context.Context, handler ble.NotificationHandler) (ble.Subscription, error) {
	d := c.server.dev
	t := d.t
	notifyTopic := t.topic(d.id, "notify", c.service, c.uuid)

	if err := t.broker.Subscribe(notifyTopic, t.opts.QoS, func(_ string, payload []byte) error {
		handler(payload)
		return nil
	}); err != nil {
		return nil, err
	}
	if err := c.command(true); err != nil {
		_ = t.broker.Unsubscribe(notifyTopic)
		return nil, err
	}
	return &subscription{c: c, topic: notifyTopic}, nil
}

func (c *characteristic) command(enable bool) error {
	d := c.server.dev
	body, err := json.Marshal(subscribeCommand{Service: c.service, Characteristic: c.uuid, Enable: enable})
	if err != nil {
		return err
	}
	return d.t.broker.Publish(d.t.topic(d.id, "subscribe"), d.t.opts.QoS, false, body)
}

type subscription struct {
	c     *characteristic
	topic string
	once  sync.Once
	err   error
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		if err := s.c.command(false); err != nil {
			s.err = err
		}
		if err := s.c.server.dev.t.broker.Unsubscribe(s.topic); err != nil && s.err == nil {
			s.err = err
		}
	})
	return s.err
}
