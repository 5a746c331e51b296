// Package events generates synthetic device events for exercising a
// pipeline end to end.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/withObsrvr/obsrvr-block-writer/internal/logging"
)

// Event is one device reading.
type Event struct {
	ID   string  `json:"id"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Time int64   `json:"time"` // unix nanoseconds
	Code string  `json:"code"`
}

// Sink receives batches of encoded events.
type Sink interface {
	Send(ctx context.Context, events []Event) error
	Close() error
}

// Generator produces one event per device per tick.
type Generator struct {
	devices int
	rng     *rand.Rand
	now     func() time.Time
}

// NewGenerator creates a generator for devices devices. The same seed yields
// the same coordinates and codes.
func NewGenerator(devices int, seed int64) *Generator {
	if devices < 1 {
		devices = 1
	}
	return &Generator{
		devices: devices,
		rng:     rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15)),
		now:     time.Now,
	}
}

// Tick returns one event for every device.
func (g *Generator) Tick() []Event {
	ts := g.now().UnixNano()
	out := make([]Event, g.devices)
	for d := range out {
		out[d] = Event{
			ID:   strconv.Itoa(d),
			Lat:  float64(-30 + g.rng.IntN(75)),
			Lng:  float64(-120 + g.rng.IntN(70)),
			Time: ts,
			Code: strconv.Itoa(310 + g.rng.IntN(20)),
		}
	}
	return out
}

// Encode returns the JSON form of e.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Run sends count ticks (0 = until ctx is done) to sink, interval apart, and
// returns how many events were sent.
func Run(ctx context.Context, g *Generator, sink Sink, interval time.Duration, count int) (int, error) {
	log := logging.Component("events")
	sent := 0
	for tick := 0; count == 0 || tick < count; tick++ {
		if tick > 0 && interval > 0 {
			select {
			case <-ctx.Done():
				return sent, nil
			case <-time.After(interval):
			}
		}
		if ctx.Err() != nil {
			return sent, nil
		}

		batch := g.Tick()
		if err := sink.Send(ctx, batch); err != nil {
			return sent, fmt.Errorf("send tick %d: %w", tick, err)
		}
		sent += len(batch)
		log.Log(ctx, slog.LevelDebug, "sent events", "tick", tick, "events", len(batch), "total", sent)
	}
	return sent, nil
}
