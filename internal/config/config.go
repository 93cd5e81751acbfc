package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	commoncfg "strokeguard/common/config"
	"strokeguard/internal/ble"
	"strokeguard/internal/risk"

	"github.com/spf13/viper"
)

// Config strokeguard 配置
type Config struct {
	HTTP        HTTPConfig               `mapstructure:"http"`
	Log         LogConfig                `mapstructure:"log"`
	Patient     PatientConfig            `mapstructure:"patient"`
	Store       StoreConfig              `mapstructure:"store"`
	Redis       commoncfg.RedisConfig    `mapstructure:"redis"`
	Database    commoncfg.DatabaseConfig `mapstructure:"database"`
	MQTT        commoncfg.MQTTConfig     `mapstructure:"mqtt"`
	BLE         BLEConfig                `mapstructure:"ble"`
	Acquisition AcquisitionConfig        `mapstructure:"acquisition"`
	Triage      TriageConfig             `mapstructure:"triage"`
	Monitoring  MonitoringConfig         `mapstructure:"monitoring"`
	Relay       RelayConfig              `mapstructure:"relay"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json / console
}

// PatientConfig 患者与本地风险基线
type PatientConfig struct {
	ID       string        `mapstructure:"id"`
	Timezone string        `mapstructure:"timezone"` // IANA 名称，空表示本地时区
	Baseline risk.Baseline `mapstructure:"baseline"`
}

// StoreConfig 本地 KV（配对设备与体征快照）
type StoreConfig struct {
	Backend   string `mapstructure:"backend"` // redis / sqlite / memory
	Path      string `mapstructure:"path"`    // sqlite 文件路径
	KeyPrefix string `mapstructure:"key_prefix"`
}

// BLEConfig MQTT BLE 网关与 GATT 允许列表
type BLEConfig struct {
	Prefix          string        `mapstructure:"prefix"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	AllowedServices []string      `mapstructure:"allowed_services"`
	VendorProbes    []ProbeConfig `mapstructure:"vendor_probes"`
}

type ProbeConfig struct {
	Service        string `mapstructure:"service"`
	Characteristic string `mapstructure:"characteristic"`
}

type AcquisitionConfig struct {
	WindowCapacity  int           `mapstructure:"window_capacity"`
	SparklineLength int           `mapstructure:"sparkline_length"`
	StoreTimeout    time.Duration `mapstructure:"store_timeout"`
}

type TriageConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RetryCount      int           `mapstructure:"retry_count"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// MonitoringConfig 会话常量
type MonitoringConfig struct {
	QuickCheckUnits int           `mapstructure:"quick_check_units"`
	QuickCheckTick  time.Duration `mapstructure:"quick_check_tick"`
	ActiveUnits     int           `mapstructure:"active_units"`
	ActiveTick      time.Duration `mapstructure:"active_tick"`
	ScoreGrace      time.Duration `mapstructure:"score_grace"`
	PollUnit        time.Duration `mapstructure:"poll_unit"`
	PollYellowUnits int           `mapstructure:"poll_yellow_units"`
	PollOtherUnits  int           `mapstructure:"poll_other_units"`
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
	HistoryLimit    int           `mapstructure:"history_limit"`
}

type RelayConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Stream  string `mapstructure:"stream"`
	MaxLen  int64  `mapstructure:"max_len"`
}

// envBindings 兼容旧部署的扁平环境变量名
var envBindings = map[string]string{
	"log.level":         "LOG_LEVEL",
	"log.format":        "LOG_FORMAT",
	"http.addr":         "HTTP_ADDR",
	"patient.id":        "PATIENT_ID",
	"store.backend":     "STORE_BACKEND",
	"redis.addr":        "REDIS_ADDR",
	"redis.password":    "REDIS_PASSWORD",
	"database.host":     "DB_HOST",
	"database.port":     "DB_PORT",
	"database.user":     "DB_USER",
	"database.password": "DB_PASSWORD",
	"database.database": "DB_NAME",
	"database.sslmode":  "DB_SSLMODE",
	"mqtt.broker":       "MQTT_BROKER",
	"mqtt.username":     "MQTT_USERNAME",
	"mqtt.password":     "MQTT_PASSWORD",
	"triage.base_url":   "TRIAGE_BASE_URL",
}

// Load 依次合并默认值、配置文件（可选）与环境变量
// path 为空时在 . 与 ./configs 下查找 config.yaml
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix("STROKEGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, "STROKEGUARD_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("patient.id", "demo-patient")
	v.SetDefault("patient.baseline.blood_pressure", "120/80")
	v.SetDefault("patient.baseline.diabetes_status", "no")
	v.SetDefault("patient.baseline.smoking_status", "never")
	v.SetDefault("patient.baseline.family_history", "no")
	v.SetDefault("patient.baseline.activity_level", "3-4")

	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.path", "strokeguard.db")
	v.SetDefault("store.key_prefix", "strokeguard")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 5)
	v.SetDefault("database.max_idle", 2)

	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("ble.prefix", "strokeguard/ble")
	v.SetDefault("ble.request_timeout", 15*time.Second)
	v.SetDefault("ble.allowed_services", ble.DefaultAllowedServices())
	probes := make([]map[string]string, 0, len(ble.DefaultVendorProbes()))
	for _, p := range ble.DefaultVendorProbes() {
		probes = append(probes, map[string]string{"service": p.Service, "characteristic": p.Characteristic})
	}
	v.SetDefault("ble.vendor_probes", probes)

	v.SetDefault("acquisition.window_capacity", 60)
	v.SetDefault("acquisition.sparkline_length", 7)
	v.SetDefault("acquisition.store_timeout", 2*time.Second)

	v.SetDefault("triage.base_url", "http://localhost:8000")
	v.SetDefault("triage.timeout", 10*time.Second)
	v.SetDefault("triage.retry_count", 1)
	v.SetDefault("triage.breaker_failures", 5)
	v.SetDefault("triage.breaker_timeout", 30*time.Second)

	v.SetDefault("monitoring.quick_check_units", 30)
	v.SetDefault("monitoring.quick_check_tick", time.Second)
	v.SetDefault("monitoring.active_units", 30)
	v.SetDefault("monitoring.active_tick", time.Minute)
	v.SetDefault("monitoring.score_grace", 60*time.Second)
	v.SetDefault("monitoring.poll_unit", time.Second)
	v.SetDefault("monitoring.poll_yellow_units", 10)
	v.SetDefault("monitoring.poll_other_units", 30)
	v.SetDefault("monitoring.call_timeout", 10*time.Second)
	v.SetDefault("monitoring.history_limit", 30)

	v.SetDefault("relay.enabled", false)
	v.SetDefault("relay.stream", "strokeguard:vitals:stream")
	v.SetDefault("relay.max_len", 10000)
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Patient.ID == "" {
		return fmt.Errorf("patient.id is required")
	}
	if _, err := c.Location(); err != nil {
		return err
	}

	switch c.Store.Backend {
	case "redis", "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for sqlite backend")
		}
	default:
		return fmt.Errorf("unsupported store backend %q", c.Store.Backend)
	}

	if err := c.MQTT.Validate(); err != nil {
		return err
	}
	if _, err := c.Profile(); err != nil {
		return fmt.Errorf("ble profile: %w", err)
	}

	durations := map[string]time.Duration{
		"ble.request_timeout":         c.BLE.RequestTimeout,
		"acquisition.store_timeout":   c.Acquisition.StoreTimeout,
		"triage.timeout":              c.Triage.Timeout,
		"triage.breaker_timeout":      c.Triage.BreakerTimeout,
		"monitoring.quick_check_tick": c.Monitoring.QuickCheckTick,
		"monitoring.active_tick":      c.Monitoring.ActiveTick,
		"monitoring.score_grace":      c.Monitoring.ScoreGrace,
		"monitoring.poll_unit":        c.Monitoring.PollUnit,
		"monitoring.call_timeout":     c.Monitoring.CallTimeout,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}

	counts := map[string]int{
		"acquisition.window_capacity":  c.Acquisition.WindowCapacity,
		"acquisition.sparkline_length": c.Acquisition.SparklineLength,
		"monitoring.quick_check_units": c.Monitoring.QuickCheckUnits,
		"monitoring.active_units":      c.Monitoring.ActiveUnits,
		"monitoring.poll_yellow_units": c.Monitoring.PollYellowUnits,
		"monitoring.poll_other_units":  c.Monitoring.PollOtherUnits,
	}
	for key, n := range counts {
		if n <= 0 {
			return fmt.Errorf("%s must be positive, got %d", key, n)
		}
	}

	if c.Triage.BaseURL == "" {
		return fmt.Errorf("triage.base_url is required")
	}
	return nil
}

// Profile GATT 允许列表与厂商探测表
func (c *Config) Profile() (ble.Profile, error) {
	probes := make([]ble.ProbeTarget, 0, len(c.BLE.VendorProbes))
	for _, p := range c.BLE.VendorProbes {
		probes = append(probes, ble.ProbeTarget{Service: p.Service, Characteristic: p.Characteristic})
	}
	return ble.NewProfile(c.BLE.AllowedServices, probes)
}

// Location 日历日计算使用的时区
func (c *Config) Location() (*time.Location, error) {
	if c.Patient.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Patient.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid patient.timezone %q: %w", c.Patient.Timezone, err)
	}
	return loc, nil
}
