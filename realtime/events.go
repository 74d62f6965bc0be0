// Package realtime binds a logical user to the push channel. It carries
// best-effort live notifications only; the request/response API stays the
// authoritative path for every message.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"cipherchat/models"
)

// Kind names one push event type.
type Kind string

const (
	// KindMessage delivers a message echo to open sessions of a conversation.
	KindMessage Kind = "ReceiveMessage"
	// KindStatus delivers an online/offline presence change.
	KindStatus Kind = "userStatus"
	// KindRefresh asks clients to re-fetch their conversation list.
	KindRefresh Kind = "refreshConversations"
)

// Emitted event names.
const (
	EventJoinUserRoom        = "joinUserRoom"
	EventJoinChat            = "joinChat"
	EventSendMessage         = "SendMessage"
	EventConversationCreated = "conversationCreated"
)

var (
	// ErrUnknownEvent indicates a push frame with an unrecognized event name.
	ErrUnknownEvent = errors.New("realtime: unknown event")
	// ErrNotConnected indicates the push channel is down; callers treat
	// delivery as best-effort and never fail the primary send path on it.
	ErrNotConnected = errors.New("realtime: not connected")
)

// Event is one decoded push-channel event. Consumers dispatch on EventKind
// rather than on loosely typed payload fields.
type Event interface {
	EventKind() Kind
}

// MessageEvent carries a server message echo.
type MessageEvent struct {
	Message models.Message
}

// EventKind implements Event.
func (MessageEvent) EventKind() Kind { return KindMessage }

// StatusEvent carries a presence change for one user.
type StatusEvent struct {
	UserID    string
	Status    string
	Timestamp time.Time
}

// EventKind implements Event.
func (StatusEvent) EventKind() Kind { return KindStatus }

// RefreshEvent asks the client to re-fetch its conversation list.
type RefreshEvent struct {
	Type           string
	ConversationID string
	By             string
}

// EventKind implements Event.
func (RefreshEvent) EventKind() Kind { return KindRefresh }

// Envelope is the wire frame of the push channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// flexibleID accepts either a JSON string or number; the same logical user
// ID arrives as both depending on the source.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(raw []byte) error {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		*f = flexibleID(asString)
		return nil
	}

	var asNumber json.Number
	if err := json.Unmarshal(raw, &asNumber); err != nil {
		return fmt.Errorf("decode ID %s: %w", raw, err)
	}
	*f = flexibleID(asNumber.String())
	return nil
}

type statusPayload struct {
	UserID    flexibleID `json:"userId"`
	Status    string     `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
}

type refreshPayload struct {
	Type           string     `json:"type"`
	ConversationID flexibleID `json:"conversationId"`
	By             flexibleID `json:"by"`
}

// DecodeEvent parses one wire frame into its typed event.
func DecodeEvent(raw []byte) (Event, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode push envelope: %w", err)
	}

	switch Kind(envelope.Event) {
	case KindMessage:
		var message models.Message
		if err := json.Unmarshal(envelope.Data, &message); err != nil {
			return nil, fmt.Errorf("decode message event: %w", err)
		}
		return MessageEvent{Message: message}, nil
	case KindStatus:
		var payload statusPayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			return nil, fmt.Errorf("decode status event: %w", err)
		}
		return StatusEvent{
			UserID:    string(payload.UserID),
			Status:    payload.Status,
			Timestamp: payload.Timestamp,
		}, nil
	case KindRefresh:
		var payload refreshPayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			return nil, fmt.Errorf("decode refresh event: %w", err)
		}
		return RefreshEvent{
			Type:           payload.Type,
			ConversationID: string(payload.ConversationID),
			By:             string(payload.By),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, envelope.Event)
	}
}

// EncodeEvent marshals an outbound event into its wire frame.
func EncodeEvent(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %q payload: %w", event, err)
	}

	raw, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal %q envelope: %w", event, err)
	}
	return raw, nil
}

// NormalizeID turns any string or integer identifier into its string form.
func NormalizeID(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
