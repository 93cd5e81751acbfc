package mqttble

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"strokeguard/common/mqtt"
	"strokeguard/internal/ble"
)

type published struct {
	topic    string
	payload  []byte
	retained bool
}

// fakeBroker 内存 broker，仅支持精确主题匹配
type fakeBroker struct {
	mu        sync.Mutex
	handlers  map[string]mqtt.MessageHandler
	retained  map[string][]byte
	published []published
	onPublish func(b *fakeBroker, topic string, payload []byte)
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]mqtt.MessageHandler), retained: make(map[string][]byte)}
}

func (b *fakeBroker) Subscribe(topic string, _ byte, h mqtt.MessageHandler) error {
	b.mu.Lock()
	b.handlers[topic] = h
	r, ok := b.retained[topic]
	b.mu.Unlock()
	if ok {
		_ = h(topic, r)
	}
	return nil
}

func (b *fakeBroker) Publish(topic string, _ byte, retained bool, payload []byte) error {
	b.mu.Lock()
	b.published = append(b.published, published{topic: topic, payload: payload, retained: retained})
	if retained {
		b.retained[topic] = payload
	}
	h := b.handlers[topic]
	hook := b.onPublish
	b.mu.Unlock()
	if h != nil {
		_ = h(topic, payload)
	}
	if hook != nil {
		hook(b, topic, payload)
	}
	return nil
}

func (b *fakeBroker) Unsubscribe(topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		delete(b.handlers, t)
	}
	return nil
}

func (b *fakeBroker) subscribed(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handlers[topic]
	return ok
}

func (b *fakeBroker) publishedTo(topic string) []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []published
	for _, p := range b.published {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

const testProfile = `{"services":[
	{"uuid":"heart_rate","characteristics":[{"uuid":"heart_rate_measurement","notify":true}]},
	{"uuid":"0000fff0-0000-1000-8000-00805f9b34fb","characteristics":[{"uuid":"0000fff4-0000-1000-8000-00805f9b34fb","notify":true}]}
]}`

// gateway 模拟 BLE 网关：应答配对与连接
func gateway(t *testing.T, b *fakeBroker, deviceID string) *pairRequest {
	last := &pairRequest{}
	b.onPublish = func(b *fakeBroker, topic string, payload []byte) {
		switch {
		case topic == "sg/pair/request":
			require.NoError(t, json.Unmarshal(payload, last))
			resp, _ := json.Marshal(pairResponse{DeviceID: deviceID, Name: "Band"})
			_ = b.Publish("sg/pair/response/"+last.RequestID, 1, false, resp)
		case topic == "sg/"+deviceID+"/connect":
			_ = b.Publish("sg/"+deviceID+"/gatt", 1, true, []byte(testProfile))
			_ = b.Publish("sg/"+deviceID+"/status", 1, false, []byte(statusConnected))
		}
	}
	return last
}

func newTestTransport(b *fakeBroker) *Transport {
	return New(b, Options{Prefix: "sg", QoS: 1, Timeout: 200 * time.Millisecond}, zap.NewNop())
}

func pairAndConnect(t *testing.T, tr *Transport, allowed []string) (ble.Device, ble.GATTServer) {
	t.Helper()
	dev, err := tr.RequestDevice(context.Background(), ble.RequestOptions{AcceptAllDevices: true, AllowedServices: allowed})
	require.NoError(t, err)
	srv, err := dev.Connect(context.Background())
	require.NoError(t, err)
	return dev, srv
}

func TestRequestDevice_AndNotify(t *testing.T) {
	b := newFakeBroker()
	req := gateway(t, b, "dev1")
	tr := newTestTransport(b)

	dev, srv := pairAndConnect(t, tr, ble.DefaultProfile().AllowedServices)
	assert.Equal(t, "dev1", dev.ID())
	assert.Equal(t, "Band", dev.Name())
	assert.True(t, req.AcceptAll)
	assert.Equal(t, ble.DefaultProfile().AllowedServices, req.AllowedServices)
	assert.False(t, b.subscribed("sg/pair/response/"+req.RequestID))
	assert.True(t, srv.Connected())

	chr, err := srv.Characteristic(context.Background(), "heart_rate", "heart_rate_measurement")
	require.NoError(t, err)
	assert.True(t, chr.Properties().Notify)

	var got [][]byte
	sub, err := chr.Subscribe(context.Background(), func(b []byte) { got = append(got, b) })
	require.NoError(t, err)

	notifyTopic := "sg/dev1/notify/" + ble.ServiceHeartRate + "/" + ble.CharHeartRateMeasurement
	require.NoError(t, b.Publish(notifyTopic, 1, false, []byte{0x00, 72}))
	require.Len(t, got, 1)
	assert.Equal(t, []byte{0x00, 72}, got[0])

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, b.subscribed(notifyTopic))

	cmds := b.publishedTo("sg/dev1/subscribe")
	require.Len(t, cmds, 2)
	assert.Contains(t, string(cmds[0].payload), `"enable":true`)
	assert.Contains(t, string(cmds[1].payload), `"enable":false`)
}

func TestCharacteristic_AllowListEnforced(t *testing.T) {
	b := newFakeBroker()
	gateway(t, b, "dev1")
	tr := newTestTransport(b)

	_, srv := pairAndConnect(t, tr, []string{"heart_rate", "pulse_oximeter"})

	_, err := srv.Characteristic(context.Background(), "0000fff0-0000-1000-8000-00805f9b34fb", "0000fff4-0000-1000-8000-00805f9b34fb")
	assert.ErrorIs(t, err, ble.ErrServiceNotAllowed)

	_, err = srv.Characteristic(context.Background(), "pulse_oximeter", "plx_continuous_measurement")
	assert.ErrorIs(t, err, ble.ErrNotFound)
}

func TestCharacteristic_CanonicalisesIDs(t *testing.T) {
	b := newFakeBroker()
	gateway(t, b, "dev1")
	tr := newTestTransport(b)

	_, srv := pairAndConnect(t, tr, ble.DefaultProfile().AllowedServices)

	chr, err := srv.Characteristic(context.Background(), "0x180D", "0x2A37")
	require.NoError(t, err)
	assert.Equal(t, ble.CharHeartRateMeasurement, chr.UUID())

	_, err = srv.Characteristic(context.Background(), "heart_rate", "not-a-uuid")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ble.ErrNotFound)
}

func TestDisconnectStatus_FiresOnce(t *testing.T) {
	b := newFakeBroker()
	gateway(t, b, "dev1")
	tr := newTestTransport(b)

	dev, srv := pairAndConnect(t, tr, ble.DefaultProfile().AllowedServices)

	var fired int
	cancel := dev.OnDisconnect(func() { fired++ })
	var other int
	cancelOther := dev.OnDisconnect(func() { other++ })
	cancelOther()

	require.NoError(t, b.Publish("sg/dev1/status", 1, false, []byte(statusDisconnected)))
	require.NoError(t, b.Publish("sg/dev1/status", 1, false, []byte(statusDisconnected)))
	assert.Equal(t, 1, fired)
	assert.Equal(t, 0, other)
	assert.False(t, srv.Connected())

	_, err := srv.Characteristic(context.Background(), "heart_rate", "heart_rate_measurement")
	assert.ErrorIs(t, err, ble.ErrNotConnected)
	cancel()
	cancel()
}

func TestServerDisconnect_Solicited(t *testing.T) {
	b := newFakeBroker()
	gateway(t, b, "dev1")
	tr := newTestTransport(b)

	dev, srv := pairAndConnect(t, tr, ble.DefaultProfile().AllowedServices)
	var fired int
	dev.OnDisconnect(func() { fired++ })

	require.NoError(t, srv.Disconnect())
	assert.False(t, srv.Connected())
	assert.Len(t, b.publishedTo("sg/dev1/disconnect"), 1)
	assert.False(t, b.subscribed("sg/dev1/status"))
	assert.Equal(t, 0, fired)
}

func TestRequestDevice_CancelledAndTimeout(t *testing.T) {
	b := newFakeBroker()
	b.onPublish = func(b *fakeBroker, topic string, payload []byte) {
		if topic != "sg/pair/request" {
			return
		}
		var req pairRequest
		_ = json.Unmarshal(payload, &req)
		resp, _ := json.Marshal(pairResponse{Cancelled: true})
		_ = b.Publish("sg/pair/response/"+req.RequestID, 1, false, resp)
	}
	tr := newTestTransport(b)
	_, err := tr.RequestDevice(context.Background(), ble.RequestOptions{AllowedServices: []string{"heart_rate"}})
	assert.ErrorIs(t, err, ble.ErrRequestCancelled)

	silent := newTestTransport(newFakeBroker())
	_, err = silent.RequestDevice(context.Background(), ble.RequestOptions{})
	assert.ErrorIs(t, err, ErrTimeout)

	_, err = silent.RequestDevice(context.Background(), ble.RequestOptions{AllowedServices: []string{"not-a-uuid"}})
	assert.Error(t, err)
}

func TestConnect_Timeout(t *testing.T) {
	b := newFakeBroker()
	tr := newTestTransport(b)
	dev := tr.newDevice("ghost", "", nil)

	_, err := dev.Connect(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.False(t, b.subscribed("sg/ghost/status"))
}

func TestKnownDevices(t *testing.T) {
	b := newFakeBroker()
	require.NoError(t, b.Publish("sg/devices", 1, true, []byte(`[{"id":"dev1","name":"Band"},{"id":"dev2","name":"Watch"}]`)))
	tr := newTestTransport(b)
	require.NoError(t, tr.Start())
	defer tr.Stop()

	devs, err := tr.KnownDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devs, 2)
	assert.Equal(t, "dev2", devs[1].ID())

	// 静默枚举的设备沿用默认允许列表
	d := devs[0].(*device)
	assert.True(t, d.allowed[ble.ServiceHeartRate])
	assert.True(t, d.allowed["0000fee0-0000-1000-8000-00805f9b34fb"])

	empty := newTestTransport(newFakeBroker())
	_, err = empty.KnownDevices(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestTopicLayout(t *testing.T) {
	tr := New(newFakeBroker(), Options{}, zap.NewNop())
	assert.True(t, strings.HasPrefix(tr.topic("devices"), "strokeguard/ble/"))
	assert.Equal(t, "strokeguard/ble/d1/notify/s/c", tr.topic("d1", "notify", "s", "c"))
}
