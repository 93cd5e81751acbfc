// Package relay 把采集客户端的体征更新转发到 Redis Streams
package relay

import (
	"context"
	"sync"
	"time"

	rediscommon "strokeguard/common/redis"
	"strokeguard/internal/models"

	"go.uber.org/zap"
)

// Options 转发参数
type Options struct {
	Stream    string
	MaxLen    int64
	Buffer    int
	PatientID string
	Timeout   time.Duration
}

// VitalsRelay 订阅体征更新并 XADD 到 stream；写入失败只记录日志
type VitalsRelay struct {
	client *rediscommon.Client
	opts   Options
	logger *zap.Logger

	queue    chan models.VitalsUpdate
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewVitalsRelay 创建转发器
func NewVitalsRelay(client *rediscommon.Client, opts Options, logger *zap.Logger) *VitalsRelay {
	if opts.Stream == "" {
		opts.Stream = "strokeguard:vitals:stream"
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	return &VitalsRelay{
		client: client,
		opts:   opts,
		logger: logger,
		queue:  make(chan models.VitalsUpdate, opts.Buffer),
		stopCh: make(chan struct{}),
	}
}

// Handle 采集客户端订阅回调；队列满时丢弃，不阻塞通知路径
func (r *VitalsRelay) Handle(u models.VitalsUpdate) {
	select {
	case <-r.stopCh:
		return
	default:
	}
	select {
	case r.queue <- u:
	default:
		r.logger.Warn("Vitals relay queue full, dropping update", zap.String("stream", r.opts.Stream))
	}
}

// Start 启动写入协程
func (r *VitalsRelay) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				r.drain(ctx)
				return
			case u := <-r.queue:
				r.publish(ctx, u)
			}
		}
	}()
	r.logger.Info("Vitals relay started", zap.String("stream", r.opts.Stream))
}

// Stop 停止写入协程，已排队的更新尽量写完
func (r *VitalsRelay) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
}

func (r *VitalsRelay) drain(ctx context.Context) {
	for {
		select {
		case u := <-r.queue:
			r.publish(ctx, u)
		default:
			return
		}
	}
}

func (r *VitalsRelay) publish(ctx context.Context, u models.VitalsUpdate) {
	envelope := map[string]interface{}{
		"device_id":   u.DeviceID,
		"patient_id":  r.opts.PatientID,
		"device_type": "BLE_Wearable",
		"vitals":      u,
		"timestamp":   u.At.Unix(),
	}

	pubCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()
	streamID, err := rediscommon.PublishJSONToStream(pubCtx, r.client, r.opts.Stream, r.opts.MaxLen, envelope)
	if err != nil {
		r.logger.Error("Failed to publish vitals to Redis Streams",
			zap.String("stream", r.opts.Stream),
			zap.Error(err))
		return
	}
	r.logger.Debug("Published vitals to Redis Streams",
		zap.String("device_id", u.DeviceID),
		zap.String("stream_id", streamID))
}
