// Package events implements the Event Bus (C7): a FIFO, single-producer,
// multi-consumer queue of typed events, fanned out to subscribers (the
// teacher's websocket Map/Receive pattern adapted to a per-session engine
// instead of a per-connection subscription map).
package events

import (
	"math"
	"sync"
	"time"

	"github.com/orly-timing/regburst/internal/clockmodel"
)

// Type enumerates the stable event shapes in §4.7.
type Type string

const (
	TypeLog         Type = "log"
	TypeState       Type = "state"
	TypeCalibration Type = "calibration"
	TypeCountdown   Type = "countdown"
	TypeCRNUpdate   Type = "crn_update"
	TypeDone        Type = "done"
)

// Level is a log event's severity.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Event is an append-only record: (type, data, timestamp).
type Event struct {
	Type      Type      `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// LogData is the payload of a "log" event.
type LogData struct {
	Message string `json:"message"`
	Level   Level  `json:"level"`
}

// StateData is the payload of a "state" event.
type StateData struct {
	Phase   string `json:"phase"`
	Running bool   `json:"running"`
}

// CalibrationData is the payload of a "calibration" event.
type CalibrationData struct {
	ServerOffsetMS   float64 `json:"server_offset_ms"`
	RTTOneWayMS      float64 `json:"rtt_one_way_ms"`
	RTTFullMS        float64 `json:"rtt_full_ms"`
	NTPOffsetMS      float64 `json:"ntp_offset_ms"`
	ServerNTPDiffMS  float64 `json:"server_ntp_diff_ms"`
	AccuracyMS       float64 `json:"accuracy_ms"`
	Source           string  `json:"source"`
}

// NewCalibrationData builds a "calibration" event payload from a Calibration
// record, deriving server_ntp_diff_ms (|server_offset - ntp_offset|) and
// accuracy_ms (the standing clock-uncertainty estimate) from its fields
// (§4.7); source is passed separately since it names the probe that
// triggered this publish, not necessarily c.Source (a lower-RTT sample from
// a different source class may have since displaced it in the pool, per §5).
func NewCalibrationData(c clockmodel.Calibration, source clockmodel.Source) CalibrationData {
	return CalibrationData{
		ServerOffsetMS:  c.ServerOffsetS * 1000,
		RTTOneWayMS:     c.RTTOneWayS * 1000,
		RTTFullMS:       c.RTTOneWayS * 2 * 1000,
		NTPOffsetMS:     c.NTPOffsetS * 1000,
		ServerNTPDiffMS: math.Abs((c.ServerOffsetS - c.NTPOffsetS) * 1000),
		AccuracyMS:      c.ObsClockUncertaintyS * 1000,
		Source:          string(source),
	}
}

// CountdownData is the payload of a "countdown" event.
type CountdownData struct {
	TriggerTime time.Time     `json:"trigger_time"`
	Remaining   time.Duration `json:"remaining"`
}

// CRNUpdateData is the payload of a "crn_update" event.
type CRNUpdateData struct {
	Results map[string]CRNResult `json:"results"`
}

// CRNResult is the JSON-facing shape of a per-CRN result (§4.7).
type CRNResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// DoneData is the payload of a "done" event.
type DoneData struct {
	Results map[string]CRNResult `json:"results"`
}

// Subscriber receives events fanned out by a Bus. Delivery is best-effort;
// a subscriber whose channel is full or that has been closed (Close or
// Unsubscribe) is removed from the fanout rather than blocking the producer (§4.7 drop
// policy: "remove subscriber, keep publishing").
type Subscriber struct {
	ch     chan Event
	closed chan struct{}
	once   sync.Once
}

// NewSubscriber constructs a Subscriber with the given channel buffer size.
func NewSubscriber(buffer int) *Subscriber {
	return &Subscriber{
		ch:     make(chan Event, buffer),
		closed: make(chan struct{}),
	}
}

// C returns the channel events are delivered on.
func (s *Subscriber) C() <-chan Event { return s.ch }

// Close marks the subscriber closed; safe to call multiple times.
func (s *Subscriber) Close() {
	s.once.Do(func() { close(s.closed) })
}

func (s *Subscriber) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Bus is the append-only, single-producer Event Bus fanned out to
// subscribers.
type Bus struct {
	mu   sync.Mutex
	subs []*Subscriber
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a new Subscriber and returns it; events emitted after
// this call are delivered to it, in order.
func (b *Bus) Subscribe(buffer int) *Subscriber {
	sub := NewSubscriber(buffer)
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a Subscriber from the fanout.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	sub.Close()
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish appends an event and delivers it, in order, to every live
// subscriber. A subscriber whose buffer is full or that has been closed is
// dropped from the fanout; publishing continues for the rest (§4.7).
func (b *Bus) Publish(typ Type, data any) {
	ev := Event{Type: typ, Data: data, Timestamp: time.Now()}

	b.mu.Lock()
	defer b.mu.Unlock()
	live := b.subs[:0]
	for _, s := range b.subs {
		if s.isClosed() {
			continue
		}
		select {
		case s.ch <- ev:
			live = append(live, s)
		default:
			// Full buffer: drop this subscriber rather than block the
			// single producer.
			s.Close()
		}
	}
	b.subs = live
}
