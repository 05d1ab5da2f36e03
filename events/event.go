// Package events relays session lifecycle to MQTT through durable outbox
// and accepts commands for devices from MQTT.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

type Kind string

const (
	KindOnline    Kind = "online"
	KindOffline   Kind = "offline"
	KindTelemetry Kind = "telemetry"
	KindCommand   Kind = "command"
)

type Event struct {
	Kind    Kind                   `json:"kind"`
	IMEI    string                 `json:"imei"`
	Session string                 `json:"session,omitempty"`
	Time    time.Time              `json:"time"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
	Command string                 `json:"command,omitempty"`
	Seq     uint64                 `json:"seq,omitempty"`
	Reason  string                 `json:"reason,omitempty"`
	// offline: time since last message from device
	IdleMsec int64 `json:"idle_msec,omitempty"`
}

func (e *Event) String() string {
	return fmt.Sprintf("(kind=%s imei=%s session=%s)", e.Kind, e.IMEI, e.Session)
}

func (e *Event) MarshalBinary() ([]byte, error) { return json.Marshal(e) }
func (e *Event) UnmarshalBinary(b []byte) error { return json.Unmarshal(b, e) }

// Sink accepts events from sessions. Emit must not block for long.
type Sink interface {
	Emit(Event)
}

type Noop struct{}

func (Noop) Emit(Event) {}

// SinkFunc adapts function to Sink, used in tests.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }
