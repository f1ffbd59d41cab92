package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/Nemesis1804/Projet3-ROUGE/internal/model"
)

type fakeLogWriter struct {
	entries []model.LogEntry
	nextID  int64
}

func (f *fakeLogWriter) InsertLog(_ context.Context, entry model.LogEntry) (int64, error) {
	f.nextID++
	entry.ID = f.nextID
	f.entries = append(f.entries, entry)
	return f.nextID, nil
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"event", `{"type":"event","status":"door_opened","epoch":1700000000000}`, "Event"},
		{"command", `{"type":"command","action":"openDoor"}`, "Command"},
		{"generic status", `{"status":"custom thing","id":4}`, "Generic"},
		{"object without status", `{"foo":"bar"}`, "RawText"},
		{"plain string", `hello peers`, "RawText"},
		{"json array", `[1,2,3]`, "RawText"},
		{"event without status string", `{"type":"event","status":42}`, "RawText"},
	}

	for _, tc := range cases {
		msg := Classify([]byte(tc.raw))
		got := ""
		switch msg.(type) {
		case Event:
			got = "Event"
		case Command:
			got = "Command"
		case Generic:
			got = "Generic"
		case RawText:
			got = "RawText"
		}
		if got != tc.want {
			t.Fatalf("%s: classified as %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestIngestEventAbsoluteEpochWins(t *testing.T) {
	fake := &fakeLogWriter{}
	ing := New(fake)

	entry, err := ing.Ingest(context.Background(), []byte(`{"type":"event","status":"door_opened","epoch":1700000000000,"timestamp":55}`))
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}

	if entry.Status != "Door opened (event)" {
		t.Fatalf("expected mapped status, got %q", entry.Status)
	}
	if got := entry.Timestamp.UnixMilli(); got != 1700000000000 {
		t.Fatalf("expected epoch 1700000000000, got %d", got)
	}
}

func TestIngestUnknownStatusPassesThrough(t *testing.T) {
	fake := &fakeLogWriter{}
	ing := New(fake)

	entry, err := ing.Ingest(context.Background(), []byte(`{"type":"event","status":"window_opened"}`))
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}
	if entry.Status != "window_opened" {
		t.Fatalf("expected pass-through status, got %q", entry.Status)
	}
}

func TestIngestUptimeAnchor(t *testing.T) {
	fake := &fakeLogWriter{}
	ing := New(fake)

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ing.nowFunc = func() time.Time { return t0 }

	uptimes := []float64{50, 120, 300}
	wantOffsets := []time.Duration{0, 70 * time.Millisecond, 250 * time.Millisecond}

	for i, up := range uptimes {
		entry, err := ing.IngestMessage(context.Background(), Event{Status: "door_opened", Timestamp: up, HasTS: true})
		if err != nil {
			t.Fatalf("IngestMessage() %d error: %v", i, err)
		}
		want := t0.Add(wantOffsets[i])
		if !entry.Timestamp.Equal(want) {
			t.Fatalf("sample %d: got %v, want %v", i, entry.Timestamp, want)
		}
	}
}

func TestIngestAnchorReset(t *testing.T) {
	fake := &fakeLogWriter{}
	ing := New(fake)

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ing.nowFunc = func() time.Time { return t0 }

	if _, err := ing.IngestMessage(context.Background(), Event{Status: "door_opened", Timestamp: 1000, HasTS: true}); err != nil {
		t.Fatalf("IngestMessage() error: %v", err)
	}

	ing.ResetAnchor()

	t1 := t0.Add(time.Hour)
	ing.nowFunc = func() time.Time { return t1 }

	entry, err := ing.IngestMessage(context.Background(), Event{Status: "door_closed", Timestamp: 5000, HasTS: true})
	if err != nil {
		t.Fatalf("IngestMessage() error: %v", err)
	}
	if !entry.Timestamp.Equal(t1) {
		t.Fatalf("after reset first sample should anchor to now, got %v want %v", entry.Timestamp, t1)
	}
}

func TestIngestCommandUsesAction(t *testing.T) {
	fake := &fakeLogWriter{}
	ing := New(fake)

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ing.nowFunc = func() time.Time { return t0 }

	entry, err := ing.Ingest(context.Background(), []byte(`{"type":"command","action":"openDoor"}`))
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}
	if entry.Status != "openDoor" {
		t.Fatalf("expected action as status, got %q", entry.Status)
	}
	if !entry.Timestamp.Equal(t0) {
		t.Fatalf("expected ingestion time, got %v", entry.Timestamp)
	}
}

func TestIngestRawStringTimestampedNow(t *testing.T) {
	fake := &fakeLogWriter{}
	ing := New(fake)

	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ing.nowFunc = func() time.Time { return t0 }

	entry, err := ing.Ingest(context.Background(), []byte("door jammed"))
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}
	if entry.Status != "door jammed" {
		t.Fatalf("expected raw text status, got %q", entry.Status)
	}
	if !entry.Timestamp.Equal(t0) {
		t.Fatalf("expected ingestion time, got %v", entry.Timestamp)
	}
	if entry.ID != 1 {
		t.Fatalf("expected store-assigned id 1, got %d", entry.ID)
	}
}

func TestIngestAbsoluteTimestampField(t *testing.T) {
	fake := &fakeLogWriter{}
	ing := New(fake)

	entry, err := ing.Ingest(context.Background(), []byte(`{"status":"sensor ok","timestamp":1700000000500}`))
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}
	if got := entry.Timestamp.UnixMilli(); got != 1700000000500 {
		t.Fatalf("expected absolute timestamp, got %d", got)
	}
}
