package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.HTTPPort != defaultHTTPPort {
		t.Fatalf("expected default port %d, got %d", defaultHTTPPort, cfg.HTTPPort)
	}
	if cfg.MQTTTopic != "#" {
		t.Fatalf("expected default topic #, got %q", cfg.MQTTTopic)
	}
	if cfg.MQTTURL != "" {
		t.Fatalf("expected empty broker url by default, got %q", cfg.MQTTURL)
	}
	if cfg.Debug {
		t.Fatalf("debug should default to off")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("MQTT_URL", "tcp://broker:1883")
	t.Setenv("MQTT_TOPIC", "application/+/device/+/event/up")
	t.Setenv("DEVICE_FILTER", "  EL_Communicator ")
	t.Setenv("TOKEN_SECRET", "super-secret")
	t.Setenv("DEBUG", "1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.HTTPPort != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.HTTPPort)
	}
	if cfg.MQTTURL != "tcp://broker:1883" {
		t.Fatalf("unexpected broker url %q", cfg.MQTTURL)
	}
	if cfg.MQTTTopic != "application/+/device/+/event/up" {
		t.Fatalf("unexpected topic %q", cfg.MQTTTopic)
	}
	if cfg.DeviceFilter != "el_communicator" {
		t.Fatalf("device filter should be trimmed and lowercased, got %q", cfg.DeviceFilter)
	}
	if cfg.TokenSecret != "super-secret" {
		t.Fatalf("unexpected token secret %q", cfg.TokenSecret)
	}
	if !cfg.Debug {
		t.Fatalf("expected debug enabled")
	}
	if cfg.Addr() != ":9090" {
		t.Fatalf("unexpected addr %q", cfg.Addr())
	}
}

func TestLoadRejectsBadPort(t *testing.T) {
	t.Setenv("HTTP_PORT", "not-a-port")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for invalid HTTP_PORT")
	}

	t.Setenv("HTTP_PORT", "70000")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for out-of-range HTTP_PORT")
	}
}
