package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"strokeguard/internal/models"
)

const (
	keyPairedDevice = "pairedDevice"
	keyLiveVitals   = "liveVitals"
)

// ErrCorrupt 记录存在但无法解析
var ErrCorrupt = errors.New("corrupt record")

// DeviceStore 已配对设备与体征快照
type DeviceStore struct {
	kv     KV
	prefix string
}

// NewDeviceStore prefix 非空时键为 prefix + ":" + key
func NewDeviceStore(kv KV, prefix string) *DeviceStore {
	return &DeviceStore{kv: kv, prefix: prefix}
}

func (s *DeviceStore) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

// LoadPairedDevice 读取已配对设备；不存在返回 ErrMiss，无法解析返回 ErrCorrupt
func (s *DeviceStore) LoadPairedDevice(ctx context.Context) (models.DeviceHandle, error) {
	var h models.DeviceHandle
	if err := s.load(ctx, keyPairedDevice, &h); err != nil {
		return models.DeviceHandle{}, err
	}
	if !h.Valid() {
		return models.DeviceHandle{}, fmt.Errorf("%w: paired device missing id or pairedAt", ErrCorrupt)
	}
	return h, nil
}

func (s *DeviceStore) SavePairedDevice(ctx context.Context, h models.DeviceHandle) error {
	return s.save(ctx, keyPairedDevice, h)
}

func (s *DeviceStore) ForgetPairedDevice(ctx context.Context) error {
	return s.kv.Delete(ctx, s.key(keyPairedDevice))
}

func (s *DeviceStore) LoadLiveVitals(ctx context.Context) (models.LiveVitals, error) {
	var v models.LiveVitals
	if err := s.load(ctx, keyLiveVitals, &v); err != nil {
		return models.LiveVitals{}, err
	}
	return v, nil
}

func (s *DeviceStore) SaveLiveVitals(ctx context.Context, v models.LiveVitals) error {
	return s.save(ctx, keyLiveVitals, v)
}

func (s *DeviceStore) load(ctx context.Context, key string, out interface{}) error {
	raw, err := s.kv.Get(ctx, s.key(key))
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	return nil
}

func (s *DeviceStore) save(ctx context.Context, key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.kv.Set(ctx, s.key(key), string(b))
}
