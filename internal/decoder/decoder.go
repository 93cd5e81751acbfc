// Package decoder 提供生物传感器通知帧解码
//
// 所有函数无状态；畸形帧解码为空读数（或 ok=false），不返回错误：
//   - 标准心率帧（0x2A37）：flags + 8/16 位心率 + 可选 RR 间期（1/1024 秒）
//   - 标准血氧帧（PLX）：bytes[1:3] 为 4 位指数 + 12 位尾数
//   - 厂商私有心率：byte[1] 为 bpm，仅接受 [31, 249]
package decoder

import (
	"encoding/binary"
	"math"

	"strokeguard/internal/models"
)

const (
	flagHeartRate16 = 0x01 // bit0: 16 位心率
	flagRRPresent   = 0x10 // bit4: 含 RR 间期

	proprietaryMinBpm = 31
	proprietaryMaxBpm = 249
)

// DecodeHeartRateFrame 解码标准心率测量帧
func DecodeHeartRateFrame(b []byte) models.VitalsReading {
	var reading models.VitalsReading
	if len(b) < 2 {
		return reading
	}

	flags := b[0]
	offset := 2
	var hr uint
	if flags&flagHeartRate16 != 0 {
		if len(b) < 3 {
			return reading
		}
		hr = uint(binary.LittleEndian.Uint16(b[1:3]))
		offset = 3
	} else {
		hr = uint(b[1])
	}
	reading.HeartRateBpm = &hr

	if flags&flagRRPresent != 0 {
		// 末尾不足 2 字节的残余忽略
		for ; offset+1 < len(b); offset += 2 {
			raw := binary.LittleEndian.Uint16(b[offset : offset+2])
			reading.RRIntervalsMs = append(reading.RRIntervalsMs, float64(raw)/1024*1000)
		}
	}

	return reading
}

// DecodeSpo2Frame 解码血氧帧，结果四舍五入为整数百分比
// 值不在 (0, 100] 内视为噪声
func DecodeSpo2Frame(b []byte) (uint, bool) {
	if len(b) < 3 {
		return 0, false
	}
	raw := binary.LittleEndian.Uint16(b[1:3])
	exponent := int(raw >> 12)
	mantissa := float64(raw & 0x0fff)

	value := mantissa * math.Pow10(exponent)
	if value <= 0 || value > 100 {
		return 0, false
	}
	return uint(math.Round(value)), true
}

// DecodeProprietaryHeartRate 厂商私有帧启发式解码：byte[1] 为 bpm
func DecodeProprietaryHeartRate(b []byte) (uint, bool) {
	if len(b) < 2 {
		return 0, false
	}
	bpm := uint(b[1])
	if bpm < proprietaryMinBpm || bpm > proprietaryMaxBpm {
		return 0, false
	}
	return bpm, true
}

// Decode 按通知来源分发解码
func Decode(n models.RawNotification) models.VitalsReading {
	switch n.Source {
	case models.SourceStandardHeartRate:
		return DecodeHeartRateFrame(n.Data)
	case models.SourceStandardSpO2:
		if v, ok := DecodeSpo2Frame(n.Data); ok {
			return models.VitalsReading{SpO2Percent: &v}
		}
	case models.SourceProprietary:
		if v, ok := DecodeProprietaryHeartRate(n.Data); ok {
			return models.VitalsReading{HeartRateBpm: &v}
		}
	}
	return models.VitalsReading{}
}
