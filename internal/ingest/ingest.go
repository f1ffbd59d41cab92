package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Nemesis1804/Projet3-ROUGE/internal/model"
)

// epochThreshold separates absolute epoch-millisecond timestamps from small
// device-relative uptime counters.
const epochThreshold = 1e12

// LogWriter is the slice of the persistent store the ingester needs.
type LogWriter interface {
	InsertLog(ctx context.Context, entry model.LogEntry) (int64, error)
}

// Message is the closed set of shapes an inbound payload can classify to.
type Message interface{ isMessage() }

// Event is a structured device event such as a door transition.
type Event struct {
	Status    string
	Epoch     float64
	Timestamp float64
	HasEpoch  bool
	HasTS     bool
}

// Command is a client-issued action.
type Command struct {
	Action string
	TS     float64
	HasTS  bool
}

// Generic is any other object that carries a string status field.
type Generic struct {
	Status    string
	Epoch     float64
	Timestamp float64
	HasEpoch  bool
	HasTS     bool
}

// RawText is anything that does not parse as a recognized object.
type RawText struct {
	Text string
}

func (Event) isMessage()   {}
func (Command) isMessage() {}
func (Generic) isMessage() {}
func (RawText) isMessage() {}

// Classify interprets a payload, first match wins: event, command, generic
// object with a status field, then raw text.
func Classify(raw []byte) Message {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return RawText{Text: string(raw)}
	}

	typ, _ := stringField(obj, "type")
	status, hasStatus := stringField(obj, "status")

	if typ == "event" && hasStatus {
		ev := Event{Status: status}
		ev.Epoch, ev.HasEpoch = numberField(obj, "epoch")
		ev.Timestamp, ev.HasTS = numberField(obj, "timestamp")
		return ev
	}

	if typ == "command" {
		action, _ := stringField(obj, "action")
		cmd := Command{Action: action}
		cmd.TS, cmd.HasTS = numberField(obj, "ts")
		return cmd
	}

	if hasStatus {
		g := Generic{Status: status}
		g.Epoch, g.HasEpoch = numberField(obj, "epoch")
		g.Timestamp, g.HasTS = numberField(obj, "timestamp")
		return g
	}

	return RawText{Text: string(raw)}
}

func stringField(obj map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := obj[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func numberField(obj map[string]json.RawMessage, key string) (float64, bool) {
	raw, ok := obj[key]
	if !ok {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	return f, true
}

// statusText maps known device status codes to their display form. Unknown
// codes pass through unchanged.
var statusText = map[string]string{
	"door_opened": "Door opened (event)",
	"door_closed": "Door closed (event)",
}

// StatusText returns the canonical display text for a device status code.
func StatusText(code string) string {
	if text, ok := statusText[code]; ok {
		return text
	}
	return code
}

// Ingester normalizes inbound payloads into log entries and persists them.
//
// The door sensor reports uptime-relative counters instead of wall-clock
// time. The first such counter seen establishes an anchor pairing it with the
// current wall clock; later counters are shifted by their distance from the
// anchor. The anchor is a derived cache: it is never persisted and can be
// rebuilt from any fresh stream.
type Ingester struct {
	store   LogWriter
	nowFunc func() time.Time

	mu     sync.Mutex
	anchor *anchor
}

type anchor struct {
	wall   time.Time
	uptime float64
}

// New constructs an ingester writing to the given store.
func New(store LogWriter) *Ingester {
	return &Ingester{store: store, nowFunc: time.Now}
}

// ResetAnchor discards the uptime anchor, forcing re-derivation on the next
// relative timestamp.
func (i *Ingester) ResetAnchor() {
	i.mu.Lock()
	i.anchor = nil
	i.mu.Unlock()
}

// Ingest classifies a payload, resolves its timestamp, and appends the
// resulting entry to the store. The returned entry carries the assigned id.
func (i *Ingester) Ingest(ctx context.Context, raw []byte) (model.LogEntry, error) {
	return i.IngestMessage(ctx, Classify(raw))
}

// IngestMessage persists an already-classified message.
func (i *Ingester) IngestMessage(ctx context.Context, msg Message) (model.LogEntry, error) {
	var entry model.LogEntry

	switch m := msg.(type) {
	case Event:
		entry.Status = StatusText(m.Status)
		entry.Timestamp = i.resolveTimestamp(m.Epoch, m.HasEpoch, m.Timestamp, m.HasTS)
	case Command:
		entry.Status = m.Action
		entry.Timestamp = i.resolveTimestamp(0, false, m.TS, m.HasTS)
	case Generic:
		entry.Status = m.Status
		entry.Timestamp = i.resolveTimestamp(m.Epoch, m.HasEpoch, m.Timestamp, m.HasTS)
	case RawText:
		entry.Status = m.Text
		entry.Timestamp = i.nowFunc().UTC()
	default:
		return model.LogEntry{}, fmt.Errorf("unhandled message shape %T", msg)
	}

	id, err := i.store.InsertLog(ctx, entry)
	if err != nil {
		return model.LogEntry{}, fmt.Errorf("persist log entry: %w", err)
	}
	entry.ID = id
	return entry, nil
}

// resolveTimestamp prefers a plausible absolute epoch, then an absolute
// timestamp field, then anchors a relative uptime counter, then falls back to
// the ingestion clock.
func (i *Ingester) resolveTimestamp(epoch float64, hasEpoch bool, ts float64, hasTS bool) time.Time {
	if hasEpoch && epoch > epochThreshold {
		return time.UnixMilli(int64(epoch)).UTC()
	}

	if hasTS {
		if ts >= epochThreshold {
			return time.UnixMilli(int64(ts)).UTC()
		}
		return i.anchored(ts)
	}

	return i.nowFunc().UTC()
}

func (i *Ingester) anchored(uptime float64) time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.nowFunc().UTC()
	if i.anchor == nil {
		i.anchor = &anchor{wall: now, uptime: uptime}
		return now
	}
	delta := time.Duration((uptime - i.anchor.uptime) * float64(time.Millisecond))
	return i.anchor.wall.Add(delta)
}
