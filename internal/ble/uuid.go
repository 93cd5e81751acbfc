package ble

import (
	"fmt"
	"strconv"
	"strings"
)

// 蓝牙 SIG 基础 UUID 后缀
const baseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

// 标准服务与特征
var (
	ServiceHeartRate         = FromShort(0x180d)
	ServicePulseOximeter     = FromShort(0x1822)
	ServiceBattery           = FromShort(0x180f)
	ServiceDeviceInformation = FromShort(0x180a)

	CharHeartRateMeasurement = FromShort(0x2a37)
	CharPLXSpotCheck         = FromShort(0x2a5e)
	CharPLXContinuous        = FromShort(0x2a5f)
)

// GATT 名称别名
var gattNames = map[string]uint16{
	"heart_rate":                 0x180d,
	"pulse_oximeter":             0x1822,
	"battery_service":            0x180f,
	"device_information":         0x180a,
	"heart_rate_measurement":     0x2a37,
	"plx_spot_check_measurement": 0x2a5e,
	"plx_continuous_measurement": 0x2a5f,
}

// FromShort 16 位短 UUID 转 128 位
func FromShort(v uint16) string {
	return fmt.Sprintf("0000%04x%s", v, baseUUIDSuffix)
}

// Canonical 统一为小写 128 位 UUID
// 支持 GATT 名称（heart_rate）、16 位（180d / 0x180d）和 128 位写法
func Canonical(id string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(id))
	if v, ok := gattNames[s]; ok {
		return FromShort(v), nil
	}
	s = strings.TrimPrefix(s, "0x")
	switch len(s) {
	case 4:
		v, err := strconv.ParseUint(s, 16, 16)
		if err != nil {
			return "", fmt.Errorf("invalid short uuid %q", id)
		}
		return FromShort(uint16(v)), nil
	case 36:
		if s[8] != '-' || s[13] != '-' || s[18] != '-' || s[23] != '-' {
			return "", fmt.Errorf("invalid uuid %q", id)
		}
		for i, r := range s {
			if i == 8 || i == 13 || i == 18 || i == 23 {
				continue
			}
			if !strings.ContainsRune("0123456789abcdef", r) {
				return "", fmt.Errorf("invalid uuid %q", id)
			}
		}
		return s, nil
	default:
		return "", fmt.Errorf("invalid uuid %q", id)
	}
}

// MustCanonical 同 Canonical，非法输入 panic（仅用于静态表）
func MustCanonical(id string) string {
	s, err := Canonical(id)
	if err != nil {
		panic(err)
	}
	return s
}
