// Package ari implements ARI event ingress, the REST client, the per-call
// session state machine, and the dispatcher that wires C1-C4 together.
// Grounded on original_source's realtime_ari_handler.py for the event
// routing and REST shapes, and on the teacher's orchestrator.go/
// managed_stream.go for the task-per-session concurrency and interruption
// patterns.
package ari

import "encoding/json"

// EventType enumerates the recognized inbound ARI event types.
type EventType string

const (
	EventStasisStart         EventType = "StasisStart"
	EventStasisEnd           EventType = "StasisEnd"
	EventChannelStateChange  EventType = "ChannelStateChange"
	EventChannelHangupReq    EventType = "ChannelHangupRequest"
)

// Caller mirrors the channel.caller object in StasisStart events.
type Caller struct {
	Number string `json:"number"`
	Name   string `json:"name"`
}

// Dialplan mirrors the channel.dialplan object in StasisStart events.
type Dialplan struct {
	Exten   string `json:"exten"`
	Context string `json:"context"`
}

// Channel is the event-specific channel object carried by most ARI events.
type Channel struct {
	ID       string   `json:"id"`
	Caller   Caller   `json:"caller"`
	Dialplan Dialplan `json:"dialplan"`
	State    string   `json:"state"`
}

// RawEvent is the minimal ARI event envelope: a type tag, a timestamp, and
// an event-specific channel object. Unrecognized fields are not decoded;
// the full payload is kept in Raw. The dispatcher only needs
// type/timestamp/channel.
type RawEvent struct {
	Type        string          `json:"type"`
	Application string          `json:"application"`
	Timestamp   string          `json:"timestamp"`
	Channel     Channel         `json:"channel"`
	Raw         json.RawMessage `json:"-"`
}

// ParseEvent decodes a raw ARI event payload.
func ParseEvent(payload []byte) (RawEvent, error) {
	var ev RawEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return RawEvent{}, err
	}
	ev.Raw = payload
	return ev, nil
}

// HandleStatus is the structured result every event handler returns.
type HandleStatus string

const (
	StatusHandled HandleStatus = "handled"
	StatusIgnored HandleStatus = "ignored"
	StatusError   HandleStatus = "error"
)

// HandleResult is returned by the dispatcher for every ingested event.
type HandleResult struct {
	Status  HandleStatus
	Action  string
	Message string
}
