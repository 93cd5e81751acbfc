package acquisition

import (
	"context"
	"errors"
	"sync"

	"strokeguard/internal/ble"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, s)
}

func (e *eventLog) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

type fakeChar struct {
	uuid   string
	props  ble.Properties
	subErr error

	mu      sync.Mutex
	handler ble.NotificationHandler
	unsubs  int
}

func (f *fakeChar) UUID() string               { return f.uuid }
func (f *fakeChar) Properties() ble.Properties { return f.props }

func (f *fakeChar) Subscribe(_ context.Context, h ble.NotificationHandler) (ble.Subscription, error) {
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
	return &fakeSub{c: f}, nil
}

func (f *fakeChar) emit(b []byte) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(b)
	}
}

func (f *fakeChar) unsubscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubs
}

type fakeSub struct {
	c    *fakeChar
	once sync.Once
}

func (s *fakeSub) Unsubscribe() error {
	s.once.Do(func() {
		s.c.mu.Lock()
		s.c.handler = nil
		s.c.unsubs++
		s.c.mu.Unlock()
	})
	return nil
}

type fakeServer struct {
	id     string
	log    *eventLog
	mu     sync.Mutex
	chars  map[string]*fakeChar
	conn   bool
	discon int
}

func newFakeServer(id string, log *eventLog) *fakeServer {
	return &fakeServer{id: id, log: log, chars: make(map[string]*fakeChar)}
}

func (s *fakeServer) add(service string, c *fakeChar) *fakeChar {
	s.chars[service+"|"+c.uuid] = c
	return c
}

func (s *fakeServer) Characteristic(_ context.Context, service, characteristic string) (ble.Characteristic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.chars[service+"|"+characteristic]; ok {
		return c, nil
	}
	return nil, ble.ErrNotFound
}

func (s *fakeServer) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *fakeServer) Disconnect() error {
	s.mu.Lock()
	s.conn = false
	s.discon++
	s.mu.Unlock()
	s.log.add("disconnect:" + s.id)
	return nil
}

func (s *fakeServer) disconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discon
}

type fakeDevice struct {
	id, name   string
	server     *fakeServer
	connectErr error
	log        *eventLog

	mu     sync.Mutex
	nextID int
	onDisc map[int]func()
}

func newFakeDevice(id string, log *eventLog) *fakeDevice {
	return &fakeDevice{id: id, name: "Band " + id, server: newFakeServer(id, log), log: log, onDisc: make(map[int]func())}
}

func (d *fakeDevice) ID() string   { return d.id }
func (d *fakeDevice) Name() string { return d.name }

func (d *fakeDevice) Connect(_ context.Context) (ble.GATTServer, error) {
	d.log.add("connect:" + d.id)
	if d.connectErr != nil {
		return nil, d.connectErr
	}
	d.server.mu.Lock()
	d.server.conn = true
	d.server.mu.Unlock()
	return d.server, nil
}

func (d *fakeDevice) OnDisconnect(fn func()) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.onDisc[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.onDisc, id)
		d.mu.Unlock()
	}
}

func (d *fakeDevice) fireDisconnect() {
	d.mu.Lock()
	fns := make([]func(), 0, len(d.onDisc))
	for _, fn := range d.onDisc {
		fns = append(fns, fn)
	}
	d.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// fakeTransport 仅支持用户配对
type fakeTransport struct {
	mu         sync.Mutex
	next       ble.Device
	requestErr error
	lastOpts   ble.RequestOptions
	requests   int
}

func (t *fakeTransport) RequestDevice(_ context.Context, opts ble.RequestOptions) (ble.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests++
	t.lastOpts = opts
	if t.requestErr != nil {
		return nil, t.requestErr
	}
	if t.next == nil {
		return nil, ble.ErrRequestCancelled
	}
	return t.next, nil
}

// fakeEnumTransport 额外支持静默枚举
type fakeEnumTransport struct {
	fakeTransport
	known   []ble.Device
	enumErr error
}

func (t *fakeEnumTransport) KnownDevices(context.Context) ([]ble.Device, error) {
	if t.enumErr != nil {
		return nil, t.enumErr
	}
	return t.known, nil
}

// failingKV 写入总是失败
type failingKV struct{}

var errWrite = errors.New("disk full")

func (failingKV) Get(context.Context, string) (string, error) { return "", errWrite }
func (failingKV) Set(context.Context, string, string) error   { return errWrite }
func (failingKV) Delete(context.Context, string) error        { return errWrite }

func standardDevice(id string, log *eventLog) (*fakeDevice, *fakeChar) {
	d := newFakeDevice(id, log)
	hr := d.server.add(ble.ServiceHeartRate, &fakeChar{uuid: ble.CharHeartRateMeasurement, props: ble.Properties{Notify: true}})
	return d, hr
}
