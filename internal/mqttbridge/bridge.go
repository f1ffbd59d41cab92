package mqttbridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Nemesis1804/Projet3-ROUGE/internal/model"
)

// State enumerates the connection lifecycle of the bridge.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

const reconnectInterval = 2 * time.Second

// Sink receives the human-readable log line derived from a qualifying uplink.
type Sink interface {
	Ingest(ctx context.Context, raw []byte) (model.LogEntry, error)
}

// Options configure the bridge connection.
type Options struct {
	URL          string
	Username     string
	Password     string
	Topic        string
	DeviceFilter string // lowercase; empty means accept all devices
	Debug        bool
}

// Bridge maintains one outbound MQTT connection, filters device uplinks, and
// forwards decoded payloads to the log sink. Without a broker URL it degrades
// to permanently reporting a disconnected status.
type Bridge struct {
	opts   Options
	logger *slog.Logger
	sink   Sink

	client mqtt.Client

	mu     sync.Mutex
	state  State
	status model.LinkStatus
}

// New constructs a bridge. Connect must be called to start it.
func New(opts Options, sink Sink, logger *slog.Logger) *Bridge {
	return &Bridge{opts: opts, sink: sink, logger: logger, state: StateDisconnected}
}

// Connect starts the connection attempt. Broker unavailability is not an
// error: paho retries on a fixed interval indefinitely, and the bridge keeps
// reporting unhealthy status in the meantime.
func (b *Bridge) Connect() error {
	if b.opts.URL == "" {
		b.logger.Info("mqtt url not configured, bridge disabled")
		return nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(b.opts.URL).
		SetClientID(fmt.Sprintf("projet3-relay-%d", time.Now().UnixNano())).
		SetKeepAlive(30 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(reconnectInterval).
		SetMaxReconnectInterval(reconnectInterval).
		SetOrderMatters(false)

	if b.opts.Username != "" {
		opts.SetUsername(b.opts.Username)
	}
	if b.opts.Password != "" {
		opts.SetPassword(b.opts.Password)
	}

	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(b.onConnectionLost)
	opts.SetReconnectingHandler(b.onReconnecting)

	b.transition(StateConnecting, nil)

	b.client = mqtt.NewClient(opts)
	// Fire and forget: the token resolves whenever the first connection
	// succeeds, and the retry loop owns failures after that.
	b.client.Connect()
	return nil
}

// Close tears down the connection. Further callbacks stop deterministically
// once paho's disconnect grace period has elapsed.
func (b *Bridge) Close() {
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
	}
	b.transition(StateDisconnected, nil)
}

// State returns the current connection state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns a snapshot of connection health for status reporting.
func (b *Bridge) Status() model.LinkStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.status
	if b.status.LastMessageAt != nil {
		t := *b.status.LastMessageAt
		st.LastMessageAt = &t
	}
	return st
}

func (b *Bridge) transition(next State, err error) {
	b.mu.Lock()
	b.state = next
	b.status.Connected = next == StateConnected
	if err != nil {
		b.status.LastError = err.Error()
	} else if next == StateConnected {
		b.status.LastError = ""
	}
	b.mu.Unlock()
}

func (b *Bridge) onConnect(client mqtt.Client) {
	b.transition(StateConnected, nil)
	b.logger.Info("mqtt connected", "url", b.opts.URL)

	token := client.Subscribe(b.opts.Topic, 0, b.onMessage)
	go func() {
		if token.Wait() && token.Error() != nil {
			b.transition(StateConnected, token.Error())
			b.logger.Error("mqtt subscribe failed", "topic", b.opts.Topic, "error", token.Error())
			return
		}
		b.logger.Info("mqtt subscribed", "topic", b.opts.Topic)
	}()
}

func (b *Bridge) onConnectionLost(_ mqtt.Client, err error) {
	b.transition(StateReconnecting, err)
	b.logger.Warn("mqtt connection lost", "error", err)
}

func (b *Bridge) onReconnecting(_ mqtt.Client, _ *mqtt.ClientOptions) {
	b.transition(StateReconnecting, nil)
	b.logger.Info("mqtt reconnecting", "url", b.opts.URL)
}

func (b *Bridge) onMessage(_ mqtt.Client, msg mqtt.Message) {
	b.recordMessage(msg.Topic())

	raw := string(msg.Payload())

	var obj map[string]any
	if err := json.Unmarshal(msg.Payload(), &obj); err != nil {
		// Not an uplink envelope; the shared bus carries plenty of
		// traffic that is not for us.
		return
	}

	deviceID := ExtractDeviceID(msg.Topic(), obj)
	if deviceID == "" {
		return
	}

	if !b.deviceAllowed(deviceID, obj) {
		if b.opts.Debug {
			b.logger.Debug("mqtt uplink ignored by device filter", "device", deviceID, "topic", msg.Topic())
		}
		return
	}

	decoded := DecodeUplinkBody(obj)
	if decoded == "" {
		return
	}

	name := deviceName(obj)
	if name == "" {
		name = deviceID
	}
	line := fmt.Sprintf("[%s] device=%s payload=%s", time.Now().UTC().Format(time.RFC3339), name, strings.TrimSpace(decoded))

	if b.opts.Debug {
		b.logger.Debug("mqtt uplink accepted", "topic", msg.Topic(), "device", name, "payload", strings.TrimSpace(decoded), "raw_len", len(raw))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := b.sink.Ingest(ctx, []byte(line)); err != nil {
		b.logger.Error("failed to persist uplink log", "device", name, "error", err)
		return
	}
	b.logger.Info("ingested device uplink", "device", name, "topic", msg.Topic())
}

func (b *Bridge) recordMessage(topic string) {
	now := time.Now().UTC()
	b.mu.Lock()
	b.status.Messages++
	b.status.LastMessageAt = &now
	b.status.LastTopic = topic
	b.mu.Unlock()
}

func (b *Bridge) deviceAllowed(deviceID string, obj map[string]any) bool {
	filter := b.opts.DeviceFilter
	if filter == "" {
		return true
	}

	if strings.ToLower(deviceID) == filter {
		return true
	}
	if info, ok := obj["deviceInfo"].(map[string]any); ok {
		if name, _ := info["deviceName"].(string); strings.ToLower(name) == filter {
			return true
		}
		if eui, _ := info["devEui"].(string); strings.ToLower(eui) == filter {
			return true
		}
	}
	return false
}

// chirpstackTopic matches the ChirpStack uplink topic shape, capturing the
// 16-hex-digit devEUI segment.
var chirpstackTopic = regexp.MustCompile(`/device/([0-9a-fA-F]{16})/event/up$`)

// ExtractDeviceID pulls a device identifier from the topic first, then from
// well-known payload fields. An empty result means the message is not a
// device uplink and should be dropped silently.
func ExtractDeviceID(topic string, obj map[string]any) string {
	if m := chirpstackTopic.FindStringSubmatch(topic); m != nil {
		return strings.ToLower(m[1])
	}

	parts := strings.Split(topic, "/")
	for i, p := range parts {
		if (p == "device" || p == "devices") && i+1 < len(parts) && parts[i+1] != "" {
			return parts[i+1]
		}
	}

	if obj == nil {
		return ""
	}
	if info, ok := obj["deviceInfo"].(map[string]any); ok {
		if name, _ := info["deviceName"].(string); name != "" {
			return name
		}
		if eui, _ := info["devEui"].(string); eui != "" {
			return eui
		}
	}
	if eui, _ := obj["devEUI"].(string); eui != "" {
		return eui
	}
	if eui, _ := obj["devEui"].(string); eui != "" {
		return eui
	}
	return ""
}

// DecodeUplinkBody extracts and base64-decodes the uplink application
// payload. ChirpStack v4 puts it in "data"; TTN-style envelopes nest it under
// uplink_message.
func DecodeUplinkBody(obj map[string]any) string {
	b64 := ""
	if s, ok := obj["data"].(string); ok {
		b64 = s
	} else if up, ok := obj["uplink_message"].(map[string]any); ok {
		if s, ok := up["frm_payload"].(string); ok {
			b64 = s
		} else if s, ok := up["data"].(string); ok {
			b64 = s
		}
	}
	if b64 == "" {
		return ""
	}

	decoded, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return ""
	}
	return string(decoded)
}

func deviceName(obj map[string]any) string {
	if info, ok := obj["deviceInfo"].(map[string]any); ok {
		if name, _ := info["deviceName"].(string); name != "" {
			return name
		}
	}
	return ""
}
