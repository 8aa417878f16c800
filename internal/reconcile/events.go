package reconcile

import (
	"github.com/srobinb803/whatsapp-clone/internal/messages"
)

// Event names on the real-time channel.
const (
	EventNewMessage     = "newMessage"
	EventStatusUpdate   = "statusUpdate"
	EventContactDetails = "contact:details"
)

// Event is a normalized event produced by reconciliation. The concrete types
// below are the only implementations.
type Event interface {
	EventName() string
	ContactID() string
}

// NewMessage announces a newly stored message.
type NewMessage struct {
	WaID    string                 `json:"wa_id"`
	Message messages.ClientMessage `json:"message"`
}

func (NewMessage) EventName() string   { return EventNewMessage }
func (e NewMessage) ContactID() string { return e.WaID }

// StatusUpdate announces a status change on a stored message.
type StatusUpdate struct {
	WaID      string          `json:"wa_id"`
	MessageID string          `json:"message_id"`
	Status    messages.Status `json:"status"`
}

func (StatusUpdate) EventName() string   { return EventStatusUpdate }
func (e StatusUpdate) ContactID() string { return e.WaID }

// ContactDetails answers a subscriber's name lookup.
type ContactDetails struct {
	WaID string `json:"wa_id"`
	Name string `json:"name"`
}

func (ContactDetails) EventName() string   { return EventContactDetails }
func (e ContactDetails) ContactID() string { return e.WaID }
