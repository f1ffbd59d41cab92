package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config lists the tunable parameters for the relay server.
type Config struct {
	HTTPPort     int
	DatabasePath string
	LogLevel     string

	MQTTURL      string
	MQTTUser     string
	MQTTPass     string
	MQTTTopic    string
	DeviceFilter string

	TokenSecret string
	Debug       bool
	MDNSEnable  bool
}

const (
	defaultHTTPPort     = 8080
	defaultDatabasePath = "data/projet3.db"
	defaultLogLevel     = "info"
	defaultMQTTTopic    = "#"
	defaultTokenSecret  = "dev-secret-change-me"
)

// Load derives configuration values from environment variables, falling back
// to defaults. An empty MQTT_URL is permitted: the bridge then reports a
// permanently disconnected status instead of refusing to start.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:     defaultHTTPPort,
		DatabasePath: defaultDatabasePath,
		LogLevel:     defaultLogLevel,
		MQTTTopic:    defaultMQTTTopic,
		TokenSecret:  defaultTokenSecret,
	}

	if v := os.Getenv("HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid HTTP_PORT: %w", err)
		}
		if port < 1 || port > 65535 {
			return Config{}, fmt.Errorf("HTTP_PORT out of range: %d", port)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	cfg.MQTTURL = os.Getenv("MQTT_URL")
	cfg.MQTTUser = os.Getenv("MQTT_USER")
	cfg.MQTTPass = os.Getenv("MQTT_PASS")

	if v := os.Getenv("MQTT_TOPIC"); v != "" {
		cfg.MQTTTopic = v
	}

	cfg.DeviceFilter = strings.ToLower(strings.TrimSpace(os.Getenv("DEVICE_FILTER")))

	if v := os.Getenv("TOKEN_SECRET"); v != "" {
		cfg.TokenSecret = v
	}

	cfg.Debug = os.Getenv("DEBUG") == "1"
	cfg.MDNSEnable = os.Getenv("MDNS_ENABLE") == "1"

	return cfg, nil
}

// Addr returns the HTTP bind address.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}
