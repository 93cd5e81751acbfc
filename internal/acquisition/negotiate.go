package acquisition

import (
	"context"

	"strokeguard/internal/ble"
	"strokeguard/internal/models"

	"go.uber.org/zap"
)

// negotiateHeartRate 标准心率优先，其次按厂商探测表顺序
func (c *Client) negotiateHeartRate(ctx context.Context, server ble.GATTServer, gen uint64) (ble.HeartRateSource, ble.Subscription) {
	chr, err := server.Characteristic(ctx, ble.ServiceHeartRate, ble.CharHeartRateMeasurement)
	if err == nil {
		sub, err := chr.Subscribe(ctx, c.notificationHandler(gen, models.SourceStandardHeartRate, chr.UUID()))
		if err == nil {
			c.logger.Info("Standard heart_rate service connected")
			return ble.HeartRateSource{Kind: ble.SourceStandard}, sub
		}
		c.logger.Info("Standard heart_rate subscribe failed, probing proprietary", zap.Error(err))
	} else {
		c.logger.Info("Standard heart_rate not found, probing proprietary", zap.Error(err))
	}

	for _, target := range c.opts.Profile.VendorProbes {
		if ctx.Err() != nil {
			break
		}
		chr, err := server.Characteristic(ctx, target.Service, target.Characteristic)
		if err != nil {
			c.logger.Debug("Vendor characteristic unavailable",
				zap.String("service", target.Service),
				zap.String("characteristic", target.Characteristic),
				zap.Error(err))
			continue
		}
		if !chr.Properties().CanSubscribe() {
			c.logger.Debug("Vendor characteristic lacks notify/indicate", zap.String("characteristic", target.Characteristic))
			continue
		}
		sub, err := chr.Subscribe(ctx, c.notificationHandler(gen, models.SourceProprietary, target.Characteristic))
		if err != nil {
			c.logger.Debug("Vendor characteristic subscribe failed", zap.String("characteristic", target.Characteristic), zap.Error(err))
			continue
		}
		c.logger.Info("Proprietary heart rate connected", zap.String("characteristic", target.Characteristic))
		return ble.HeartRateSource{Kind: ble.SourceProprietary, Target: target}, sub
	}

	return ble.HeartRateSource{Kind: ble.SourceNotFound}, nil
}

// subscribeSpO2 血氧订阅可选，失败不影响心率
func (c *Client) subscribeSpO2(ctx context.Context, server ble.GATTServer, gen uint64) ble.Subscription {
	for _, char := range []string{ble.CharPLXContinuous, ble.CharPLXSpotCheck} {
		chr, err := server.Characteristic(ctx, ble.ServicePulseOximeter, char)
		if err != nil {
			continue
		}
		sub, err := chr.Subscribe(ctx, c.notificationHandler(gen, models.SourceStandardSpO2, char))
		if err != nil {
			c.logger.Debug("SpO2 subscribe failed", zap.String("characteristic", char), zap.Error(err))
			continue
		}
		c.logger.Info("SpO2 service connected", zap.String("characteristic", char))
		return sub
	}
	c.logger.Info("SpO2 service not available")
	return nil
}
