package config

import (
	"fmt"
	"net/url"
)

// DatabaseConfig 数据库配置（历史会话库）
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int    `mapstructure:"max_conns"`
	MaxIdle  int    `mapstructure:"max_idle"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MQTTConfig MQTT配置（BLE 网关桥接）
type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	QoS      byte   `mapstructure:"qos"`
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// Enabled 未配置 Host 视为不启用历史库
func (c *DatabaseConfig) Enabled() bool {
	return c.Host != ""
}

// Validate 校验 MQTT broker 地址
func (c *MQTTConfig) Validate() error {
	if c.Broker == "" {
		return fmt.Errorf("mqtt broker is empty")
	}
	u, err := url.Parse(c.Broker)
	if err != nil {
		return fmt.Errorf("invalid mqtt broker %q: %w", c.Broker, err)
	}
	switch u.Scheme {
	case "tcp", "ssl", "tls", "ws", "wss", "mqtt", "mqtts":
	default:
		return fmt.Errorf("unsupported mqtt broker scheme %q", u.Scheme)
	}
	if c.QoS > 2 {
		return fmt.Errorf("invalid mqtt qos %d", c.QoS)
	}
	return nil
}
