package ble

import "fmt"

// ProbeTarget 厂商私有心率 (service, characteristic) 组合
type ProbeTarget struct {
	Service        string `mapstructure:"service" json:"service"`
	Characteristic string `mapstructure:"characteristic" json:"characteristic"`
}

// DefaultAllowedServices 配对时一次性声明的服务允许列表
// 必须覆盖标准心率、血氧以及厂商探测表中的全部服务
func DefaultAllowedServices() []string {
	return []string{
		ServiceHeartRate,
		ServicePulseOximeter,
		ServiceBattery,
		ServiceDeviceInformation,
		"0000fee0" + baseUUIDSuffix, // Mi Band
		"0000fee1" + baseUUIDSuffix,
		"0000ffd0" + baseUUIDSuffix, // Oraimo / 通用手环
		"0000ffd5" + baseUUIDSuffix,
		"0000fff0" + baseUUIDSuffix, // itel / 通用 BLE HR
		"0000fff5" + baseUUIDSuffix,
	}
}

// DefaultVendorProbes 厂商私有心率探测表，按优先级排序
func DefaultVendorProbes() []ProbeTarget {
	return []ProbeTarget{
		{Service: "0000ffd0" + baseUUIDSuffix, Characteristic: "0000ffd4" + baseUUIDSuffix},
		{Service: "0000ffd5" + baseUUIDSuffix, Characteristic: "0000ffd4" + baseUUIDSuffix},
		{Service: "0000fff0" + baseUUIDSuffix, Characteristic: "0000fff4" + baseUUIDSuffix},
		{Service: "0000fee0" + baseUUIDSuffix, Characteristic: "0000fee1" + baseUUIDSuffix},
	}
}

// Profile 访问控制配置：允许列表 + 厂商探测表
type Profile struct {
	AllowedServices []string
	VendorProbes    []ProbeTarget
}

// NewProfile 规范化 UUID 并校验探测表被允许列表覆盖
func NewProfile(allowed []string, probes []ProbeTarget) (Profile, error) {
	p := Profile{}
	seen := make(map[string]bool, len(allowed))
	for _, id := range allowed {
		c, err := Canonical(id)
		if err != nil {
			return Profile{}, fmt.Errorf("allowed service: %w", err)
		}
		if !seen[c] {
			seen[c] = true
			p.AllowedServices = append(p.AllowedServices, c)
		}
	}

	for _, required := range []string{ServiceHeartRate, ServicePulseOximeter} {
		if !seen[required] {
			return Profile{}, fmt.Errorf("allow-list must include standard service %s", required)
		}
	}

	for _, t := range probes {
		svc, err := Canonical(t.Service)
		if err != nil {
			return Profile{}, fmt.Errorf("vendor probe service: %w", err)
		}
		chr, err := Canonical(t.Characteristic)
		if err != nil {
			return Profile{}, fmt.Errorf("vendor probe characteristic: %w", err)
		}
		if !seen[svc] {
			return Profile{}, fmt.Errorf("vendor probe service %s is not in the allow-list", svc)
		}
		p.VendorProbes = append(p.VendorProbes, ProbeTarget{Service: svc, Characteristic: chr})
	}
	return p, nil
}

// DefaultProfile 内置允许列表与探测表
func DefaultProfile() Profile {
	p, err := NewProfile(DefaultAllowedServices(), DefaultVendorProbes())
	if err != nil {
		panic(err)
	}
	return p
}

// Allows 服务是否在允许列表中
func (p Profile) Allows(service string) bool {
	c, err := Canonical(service)
	if err != nil {
		return false
	}
	for _, s := range p.AllowedServices {
		if s == c {
			return true
		}
	}
	return false
}

// SourceKind 心率来源协商结果
type SourceKind int

const (
	SourceNotFound SourceKind = iota
	SourceStandard
	SourceProprietary
)

func (k SourceKind) String() string {
	switch k {
	case SourceStandard:
		return "standard"
	case SourceProprietary:
		return "proprietary"
	default:
		return "not_found"
	}
}

// HeartRateSource 协商结果（Standard | Proprietary(id) | NotFound）
type HeartRateSource struct {
	Kind   SourceKind
	Target ProbeTarget // NotFound 时为零值
}
