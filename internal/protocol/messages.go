package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message types.
const (
	TypeConnected    = "connected"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeStreamerLive = "streamer-live"
)

var (
	// ErrInvalidMessage is returned for payloads that are not valid JSON
	// or are missing required fields.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrUnknownType is returned for well-formed messages of an unsupported type.
	ErrUnknownType = errors.New("unknown message type")
)

// Envelope is the common shape of every message.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// IDData carries a single identifier.
type IDData struct {
	ID string `json:"id"`
}

// StreamerLiveData is the client-facing snapshot of a transition.
type StreamerLiveData struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Platform    *string  `json:"platform"`
	Platforms   []string `json:"platforms"`
	ViewerCount *int     `json:"viewerCount"`
	Category    *string  `json:"category"`
	Title       *string  `json:"title"`
	Avatar      *string  `json:"avatar"`
}

// ServerMessage is sent from the server to websocket clients.
type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Connected builds the greeting sent on accept.
func Connected(id string) ServerMessage {
	return ServerMessage{Type: TypeConnected, Data: IDData{ID: id}}
}

// Ping builds a heartbeat probe.
func Ping(id string) ServerMessage {
	return ServerMessage{Type: TypePing, Data: IDData{ID: id}}
}

// StreamerLive builds a transition broadcast.
func StreamerLive(d StreamerLiveData) ServerMessage {
	if d.Platforms == nil {
		d.Platforms = []string{}
	}
	return ServerMessage{Type: TypeStreamerLive, Data: d}
}

// Encode serializes a server message.
func Encode(m ServerMessage) ([]byte, error) {
	return json.Marshal(m)
}

// PongData is the body of a client pong.
type PongData struct {
	ID        string  `json:"id"`
	Timestamp float64 `json:"timestamp"`
}

// ClientMessage is a validated message from a websocket client.
type ClientMessage struct {
	ID   string
	Type string
	Pong *PongData
}

// ParseClientMessage validates an inbound websocket frame.
func ParseClientMessage(raw []byte) (*ClientMessage, error) {
	var msg struct {
		ID   *string         `json:"id"`
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}

	switch msg.Type {
	case TypePong:
		if msg.ID == nil {
			return nil, fmt.Errorf("%w: pong missing id", ErrInvalidMessage)
		}
		var data struct {
			ID        *string  `json:"id"`
			Timestamp *float64 `json:"timestamp"`
		}
		if err := decodeObject(msg.Data, &data); err != nil {
			return nil, err
		}
		if data.ID == nil || data.Timestamp == nil {
			return nil, fmt.Errorf("%w: pong data requires id and timestamp", ErrInvalidMessage)
		}
		return &ClientMessage{
			ID:   *msg.ID,
			Type: TypePong,
			Pong: &PongData{ID: *data.ID, Timestamp: *data.Timestamp},
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
}

// BusMessage is a validated server-to-server event.
type BusMessage struct {
	Type       string
	StreamerID string
}

// ParseBusMessage validates an event received from the event bus.
func ParseBusMessage(eventType string, data json.RawMessage) (*BusMessage, error) {
	switch eventType {
	case TypeStreamerLive:
		var d struct {
			ID *string `json:"id"`
		}
		if err := decodeObject(data, &d); err != nil {
			return nil, err
		}
		if d.ID == nil || *d.ID == "" {
			return nil, fmt.Errorf("%w: streamer-live requires data.id", ErrInvalidMessage)
		}
		return &BusMessage{Type: TypeStreamerLive, StreamerID: *d.ID}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, eventType)
	}
}

// StreamerLiveEvent builds the server-to-server payload for a transition.
func StreamerLiveEvent(streamerID string) (string, IDData) {
	return TypeStreamerLive, IDData{ID: streamerID}
}

func decodeObject(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("%w: missing data", ErrInvalidMessage)
	}
	if raw[0] != '{' {
		return fmt.Errorf("%w: data must be an object", ErrInvalidMessage)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}
