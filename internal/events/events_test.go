package events

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGeneratorTick(t *testing.T) {
	g := NewGenerator(3, 42)
	fixed := time.Unix(1700000000, 0)
	g.now = func() time.Time { return fixed }

	evs := g.Tick()
	if len(evs) != 3 {
		t.Fatalf("len = %d, want 3", len(evs))
	}
	for d, e := range evs {
		if e.ID != []string{"0", "1", "2"}[d] {
			t.Errorf("event %d id = %q", d, e.ID)
		}
		if e.Lat < -30 || e.Lat >= 45 || e.Lng < -120 || e.Lng >= -50 {
			t.Errorf("event %d out of range: %+v", d, e)
		}
		if e.Code < "310" || e.Code > "329" {
			t.Errorf("event %d code = %q", d, e.Code)
		}
		if e.Time != fixed.UnixNano() {
			t.Errorf("event %d time = %d", d, e.Time)
		}
	}

	again := NewGenerator(3, 42)
	again.now = g.now
	if again.Tick()[1] != evs[1] {
		t.Error("same seed produced different events")
	}
}

func TestEncode(t *testing.T) {
	b, err := Encode(Event{ID: "7", Lat: 1, Lng: -2, Time: 3, Code: "311"})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"id":"7","lat":1,"lng":-2,"time":3,"code":"311"}`
	if string(b) != want {
		t.Errorf("Encode = %s, want %s", b, want)
	}
}

func TestRunToFileSink(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir, 2)
	if err != nil {
		t.Fatal(err)
	}

	sent, err := Run(context.Background(), NewGenerator(4, 1), sink, 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if sent != 12 {
		t.Errorf("sent = %d, want 12", sent)
	}
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	total := 0
	for p := 0; p < 2; p++ {
		f, err := os.Open(filepath.Join(dir, "partition-"+string(rune('0'+p))+".log"))
		if err != nil {
			t.Fatal(err)
		}
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			var e Event
			if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
				t.Errorf("bad line %q: %v", sc.Text(), err)
			}
			if got := sink.PartitionFor(e.ID); got != p {
				t.Errorf("device %s written to partition %d, want %d", e.ID, p, got)
			}
			total++
		}
		f.Close()
	}
	if total != 12 {
		t.Errorf("lines = %d, want 12", total)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	sink, err := NewFileSink(t.TempDir(), 1)
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sent, err := Run(ctx, NewGenerator(2, 1), sink, time.Hour, 0)
	if err != nil || sent != 0 {
		t.Errorf("Run = %d, %v", sent, err)
	}
}

func TestNewKafkaSinkRequiresTopic(t *testing.T) {
	if _, err := NewKafkaSink([]string{"localhost:9092"}, ""); err == nil {
		t.Error("expected error without topic")
	}
}
