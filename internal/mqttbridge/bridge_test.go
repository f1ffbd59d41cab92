package mqttbridge

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/Nemesis1804/Projet3-ROUGE/internal/model"
)

type nopSink struct{}

func (nopSink) Ingest(context.Context, []byte) (model.LogEntry, error) {
	return model.LogEntry{}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExtractDeviceIDFromChirpstackTopic(t *testing.T) {
	got := ExtractDeviceID("application/1/device/70B3D57ED0063F21/event/up", nil)
	if got != "70b3d57ed0063f21" {
		t.Fatalf("expected lowercased devEUI from topic, got %q", got)
	}
}

func TestExtractDeviceIDFromTopicSegment(t *testing.T) {
	got := ExtractDeviceID("things/devices/sensor-7/state", nil)
	if got != "sensor-7" {
		t.Fatalf("expected segment after devices, got %q", got)
	}
}

func TestExtractDeviceIDFallsBackToPayload(t *testing.T) {
	obj := map[string]any{
		"deviceInfo": map[string]any{"deviceName": "el_communicator", "devEui": "70b3d57ed0063f21"},
	}
	if got := ExtractDeviceID("random/topic", obj); got != "el_communicator" {
		t.Fatalf("expected deviceName fallback, got %q", got)
	}

	obj = map[string]any{"devEUI": "aabbccddeeff0011"}
	if got := ExtractDeviceID("random/topic", obj); got != "aabbccddeeff0011" {
		t.Fatalf("expected devEUI fallback, got %q", got)
	}
}

func TestExtractDeviceIDNoMatch(t *testing.T) {
	if got := ExtractDeviceID("some/other/topic", map[string]any{"foo": "bar"}); got != "" {
		t.Fatalf("expected empty id, got %q", got)
	}
}

func TestDeviceAllowedCaseInsensitive(t *testing.T) {
	b := New(Options{DeviceFilter: "el_communicator"}, nopSink{}, testLogger())

	if !b.deviceAllowed("EL_Communicator", nil) {
		t.Fatalf("filter should match case-insensitively")
	}
	if b.deviceAllowed("other_device", map[string]any{}) {
		t.Fatalf("non-matching device should be rejected")
	}

	obj := map[string]any{
		"deviceInfo": map[string]any{"devEui": "EL_COMMUNICATOR"},
	}
	if !b.deviceAllowed("whatever", obj) {
		t.Fatalf("filter should match payload devEui")
	}
}

func TestDeviceAllowedEmptyFilter(t *testing.T) {
	b := New(Options{}, nopSink{}, testLogger())
	if !b.deviceAllowed("anything", nil) {
		t.Fatalf("empty filter must accept all devices")
	}
}

func TestDecodeUplinkBody(t *testing.T) {
	body := base64.StdEncoding.EncodeToString([]byte("door_opened"))

	if got := DecodeUplinkBody(map[string]any{"data": body}); got != "door_opened" {
		t.Fatalf("chirpstack data field: got %q", got)
	}

	nested := map[string]any{"uplink_message": map[string]any{"frm_payload": body}}
	if got := DecodeUplinkBody(nested); got != "door_opened" {
		t.Fatalf("ttn frm_payload field: got %q", got)
	}

	if got := DecodeUplinkBody(map[string]any{"data": "!!! not base64 !!!"}); got != "" {
		t.Fatalf("invalid base64 should decode to empty, got %q", got)
	}
	if got := DecodeUplinkBody(map[string]any{}); got != "" {
		t.Fatalf("missing body should decode to empty, got %q", got)
	}
}

func TestStateTransitionsUpdateStatus(t *testing.T) {
	b := New(Options{URL: "tcp://broker:1883"}, nopSink{}, testLogger())

	if b.State() != StateDisconnected {
		t.Fatalf("initial state should be disconnected, got %s", b.State())
	}

	b.transition(StateConnecting, nil)
	if st := b.Status(); st.Connected {
		t.Fatalf("connecting must report not connected")
	}

	b.transition(StateConnected, nil)
	if st := b.Status(); !st.Connected || st.LastError != "" {
		t.Fatalf("connected must report healthy, got %+v", st)
	}

	b.transition(StateReconnecting, errors.New("broken pipe"))
	st := b.Status()
	if st.Connected {
		t.Fatalf("reconnecting must report not connected")
	}
	if st.LastError != "broken pipe" {
		t.Fatalf("expected last error recorded, got %q", st.LastError)
	}
	if b.State() != StateReconnecting {
		t.Fatalf("expected reconnecting state, got %s", b.State())
	}
}

func TestRecordMessageBookkeeping(t *testing.T) {
	b := New(Options{}, nopSink{}, testLogger())

	b.recordMessage("application/1/device/aa/event/up")
	b.recordMessage("application/1/device/bb/event/up")

	st := b.Status()
	if st.Messages != 2 {
		t.Fatalf("expected 2 messages, got %d", st.Messages)
	}
	if st.LastTopic != "application/1/device/bb/event/up" {
		t.Fatalf("unexpected last topic %q", st.LastTopic)
	}
	if st.LastMessageAt == nil {
		t.Fatalf("expected last message time recorded")
	}
}

func TestConnectWithoutURLIsNoop(t *testing.T) {
	b := New(Options{}, nopSink{}, testLogger())

	if err := b.Connect(); err != nil {
		t.Fatalf("Connect() without URL should not fail: %v", err)
	}
	if b.State() != StateDisconnected {
		t.Fatalf("bridge without URL must stay disconnected, got %s", b.State())
	}
	if st := b.Status(); st.Connected {
		t.Fatalf("bridge without URL must report unhealthy status")
	}
}
