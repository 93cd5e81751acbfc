package acquisition

import (
	"context"

	"strokeguard/internal/ble"
	"strokeguard/internal/decoder"
	"strokeguard/internal/hrv"
	"strokeguard/internal/models"

	"go.uber.org/zap"
)

func (c *Client) notificationHandler(gen uint64, source models.NotificationSource, characteristic string) ble.NotificationHandler {
	return func(data []byte) {
		c.handleNotification(gen, models.RawNotification{Source: source, Characteristic: characteristic, Data: data})
	}
}

// handleNotification 解码 → RR 窗口 → SDNN/变异指数 → 订阅者 + 快照
func (c *Client) handleNotification(gen uint64, n models.RawNotification) {
	reading := decoder.Decode(n)
	if reading.Empty() {
		c.metrics.FramesDropped.WithLabelValues(n.Source.String()).Inc()
		c.logger.Debug("Dropped malformed frame", zap.String("source", n.Source.String()), zap.Int("bytes", len(n.Data)))
		return
	}

	now := c.opts.Now()

	c.mu.Lock()
	if c.closed || c.generation != gen {
		c.mu.Unlock()
		return
	}

	if reading.HeartRateBpm != nil {
		c.state.HeartRate = reading.HeartRateBpm
		c.state.DeviceConnected = true
		c.state.ReconnectNeeded = false
		c.state.LastSync = &now
	}
	if reading.SpO2Percent != nil {
		c.state.SpO2 = reading.SpO2Percent
	}

	// 标准心率帧才重算 HRV，私有帧没有 RR 间期
	if n.Source == models.SourceStandardHeartRate {
		c.window.Push(reading.RRIntervalsMs...)
		sdnn, ok := hrv.ComputeSDNN(c.window.Values())
		hrvi, hok := hrv.ComputeVariabilityIndex(sdnn, ok)
		if ok {
			c.state.SDNN = models.Float64Ptr(sdnn)
			c.state.Sparkline = appendBounded(c.state.Sparkline, sdnn, c.opts.SparklineLength)
		} else {
			c.state.SDNN = nil
		}
		if hok {
			c.state.HRVIndex = models.Float64Ptr(hrvi)
		} else {
			c.state.HRVIndex = nil
		}
	}

	update := models.VitalsUpdate{
		HeartRate:     reading.HeartRateBpm,
		SpO2:          reading.SpO2Percent,
		RRIntervalsMs: reading.RRIntervalsMs,
		SDNN:          c.state.SDNN,
		HRVIndex:      c.state.HRVIndex,
		DeviceID:      c.deviceID,
		At:            now,
	}
	snap := models.LiveVitals{
		HeartRate: c.state.HeartRate,
		SDNN:      c.state.SDNN,
		HRVIndex:  c.state.HRVIndex,
		SpO2:      c.state.SpO2,
		Timestamp: now.UTC(),
	}
	c.mu.Unlock()

	c.metrics.FramesDecoded.WithLabelValues(n.Source.String()).Inc()
	c.publish(update)
	c.saveSnapshot(snap)
}

// saveSnapshot 仅用于展示，写失败忽略
func (c *Client) saveSnapshot(snap models.LiveVitals) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.StoreTimeout)
	defer cancel()
	if err := c.devices.SaveLiveVitals(ctx, snap); err != nil {
		c.logger.Debug("Failed to write live vitals snapshot", zap.Error(err))
	}
}

func appendBounded(s []float64, v float64, limit int) []float64 {
	out := append(append([]float64(nil), s...), v)
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
