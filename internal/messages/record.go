package messages

import (
	"fmt"
	"strings"
	"time"

	"github.com/srobinb803/whatsapp-clone/internal/webhook"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusReceived  Status = "received"
	StatusFailed    Status = "failed"
)

// AllStatuses lists every valid status.
var AllStatuses = []Status{StatusSent, StatusDelivered, StatusRead, StatusReceived, StatusFailed}

// ParseStatus converts a wire value into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllStatuses {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown message status %q", s)
}

// Origin distinguishes webhook-sourced records from UI-composed ones.
type Origin string

const (
	OriginInbound  Origin = "inbound"
	OriginOutbound Origin = "outbound"
)

// Record is the single persisted entity. Only Status changes after creation.
type Record struct {
	IdempotencyKey string    `json:"idempotency_key"`
	ContactID      string    `json:"contact_id"`
	MessageID      string    `json:"message_id,omitempty"`
	Status         Status    `json:"status,omitempty"`
	Origin         Origin    `json:"origin"`
	Content        Content   `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Content holds exactly one of Inbound or Outbound, selected by Origin.
type Content struct {
	Inbound  *InboundContent  `json:"inbound,omitempty"`
	Outbound *OutboundContent `json:"outbound,omitempty"`
}

// InboundContent is the classified slice of a webhook envelope.
type InboundContent struct {
	PayloadType string            `json:"payload_type,omitempty"`
	Message     *webhook.Message  `json:"message,omitempty"`
	Contact     *webhook.Contact  `json:"contact,omitempty"`
	Metadata    *webhook.Metadata `json:"metadata,omitempty"`
}

// OutboundContent is a message composed in the UI.
type OutboundContent struct {
	Text        string `json:"text"`
	DisplayName string `json:"name,omitempty"`
}

// Text returns the extractable message body, or "" when there is none.
func (r *Record) Text() string {
	switch r.Origin {
	case OriginOutbound:
		if r.Content.Outbound != nil {
			return r.Content.Outbound.Text
		}
	case OriginInbound:
		if in := r.Content.Inbound; in != nil && in.Message != nil {
			return in.Message.Body()
		}
	}
	return ""
}

// DisplayName returns the contact name carried by this record, if any.
func (r *Record) DisplayName() string {
	switch r.Origin {
	case OriginOutbound:
		if r.Content.Outbound != nil {
			return r.Content.Outbound.DisplayName
		}
	case OriginInbound:
		if in := r.Content.Inbound; in != nil && in.Contact != nil {
			return in.Contact.Profile.Name
		}
	}
	return ""
}

func cloneRecord(r *Record) *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if in := r.Content.Inbound; in != nil {
		inCopy := *in
		if in.Message != nil {
			msg := *in.Message
			if in.Message.Text != nil {
				text := *in.Message.Text
				msg.Text = &text
			}
			inCopy.Message = &msg
		}
		if in.Contact != nil {
			contact := *in.Contact
			inCopy.Contact = &contact
		}
		if in.Metadata != nil {
			md := *in.Metadata
			inCopy.Metadata = &md
		}
		cp.Content.Inbound = &inCopy
	}
	if out := r.Content.Outbound; out != nil {
		outCopy := *out
		cp.Content.Outbound = &outCopy
	}
	return &cp
}
