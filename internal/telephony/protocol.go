// Package telephony binds one media-stream WebSocket connection to one call
// session. It decodes the Twilio-style JSON event protocol, feeds inbound
// audio to the transcription consumer, and writes reply audio back to the
// socket in fixed-size frames.
package telephony

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownEvent is returned by decodeEvent for an event kind the handler
// does not recognize. The handler logs it and drops the single event; the
// connection stays open.
var ErrUnknownEvent = errors.New("telephony: unknown event")

// Event is one inbound media-stream protocol event. The concrete types are
// StartEvent, MediaEvent, StopEvent, ConnectedEvent and MarkEvent; decoding
// produces exactly one of them or an error, so handling is an exhaustive
// type switch rather than repeated field probing.
type Event interface {
	isEvent()
}

// StartEvent opens a call: it carries the call and stream identifiers and the
// caller's number from the stream's custom parameters.
type StartEvent struct {
	CallID   string
	StreamID string
	Caller   string
}

// MediaEvent carries one chunk of base64 μ-law caller audio.
type MediaEvent struct {
	Payload string
}

// StopEvent ends the call normally.
type StopEvent struct{}

// ConnectedEvent is the provider's handshake notice sent before start.
// Carries no data; the handler ignores it.
type ConnectedEvent struct{}

// MarkEvent acknowledges a mark the handler previously wrote.
type MarkEvent struct {
	Name string
}

func (StartEvent) isEvent()     {}
func (MediaEvent) isEvent()     {}
func (StopEvent) isEvent()      {}
func (ConnectedEvent) isEvent() {}
func (MarkEvent) isEvent()      {}

// unknownCaller is used when the stream carries no From parameter.
const unknownCaller = "Unknown"

type inboundMessage struct {
	Event string `json:"event"`
	Start *struct {
		CallSid          string            `json:"callSid"`
		StreamSid        string            `json:"streamSid"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start"`
	Media *struct {
		Payload string `json:"payload"`
	} `json:"media"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark"`
}

// decodeEvent parses one inbound JSON message into its typed event. Malformed
// JSON, a missing event tag, an unknown event kind, or a start/media event
// missing its payload object all return an error.
func decodeEvent(data []byte) (Event, error) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("telephony: malformed frame: %w", err)
	}
	switch msg.Event {
	case "connected":
		return ConnectedEvent{}, nil
	case "start":
		if msg.Start == nil || msg.Start.CallSid == "" {
			return nil, errors.New("telephony: start event missing call identity")
		}
		caller := msg.Start.CustomParameters["From"]
		if caller == "" {
			caller = unknownCaller
		}
		return StartEvent{
			CallID:   msg.Start.CallSid,
			StreamID: msg.Start.StreamSid,
			Caller:   caller,
		}, nil
	case "media":
		if msg.Media == nil {
			return nil, errors.New("telephony: media event missing payload")
		}
		return MediaEvent{Payload: msg.Media.Payload}, nil
	case "stop":
		return StopEvent{}, nil
	case "mark":
		var name string
		if msg.Mark != nil {
			name = msg.Mark.Name
		}
		return MarkEvent{Name: name}, nil
	case "":
		return nil, errors.New("telephony: frame missing event tag")
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, msg.Event)
	}
}

type outboundMedia struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

type outboundMark struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Mark      struct {
		Name string `json:"name"`
	} `json:"mark"`
}

// encodeMedia builds one outbound media message for a single base64 chunk.
func encodeMedia(streamID, payload string) ([]byte, error) {
	msg := outboundMedia{Event: "media", StreamSid: streamID}
	msg.Media.Payload = payload
	return json.Marshal(msg)
}

// encodeMark builds an outbound mark message, written after the last media
// frame of a reply so the provider reports playback completion.
func encodeMark(streamID, name string) ([]byte, error) {
	msg := outboundMark{Event: "mark", StreamSid: streamID}
	msg.Mark.Name = name
	return json.Marshal(msg)
}
