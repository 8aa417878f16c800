package webhook

import (
	"errors"
	"strings"
)

// ErrNoActionableContent marks an envelope that carries neither a message nor
// a status transition. It is informational and never escalated.
var ErrNoActionableContent = errors.New("no actionable content in envelope")

// Wire status values accepted on a StatusFragment.
var knownStatuses = map[string]struct{}{
	"sent":      {},
	"delivered": {},
	"read":      {},
	"received":  {},
	"failed":    {},
}

// MessageFragment is the new-message slice of an envelope.
type MessageFragment struct {
	MessagingProduct string
	Message          Message
	Contact          Contact
	Metadata         Metadata
}

// StatusFragment is the status-transition slice of an envelope.
type StatusFragment struct {
	MessageID   string `json:"message_id"`
	Status      string `json:"status"`
	RecipientID string `json:"recipient_id,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// Classification is the result of Classify. Either field, both, or neither
// may be set.
type Classification struct {
	Message *MessageFragment
	Status  *StatusFragment
}

// Empty reports whether the envelope had nothing to apply.
func (c Classification) Empty() bool {
	return c.Message == nil && c.Status == nil
}

// Err returns ErrNoActionableContent for an empty classification.
func (c Classification) Err() error {
	if c.Empty() {
		return ErrNoActionableContent
	}
	return nil
}

// Classify splits an envelope into its message and status fragments. Only
// the first entry, change, message, contact and status are read. Missing or
// ill-typed fields mean absence; Classify never fails.
func Classify(env *Envelope) Classification {
	var out Classification

	value := env.value()
	if value == nil {
		return out
	}

	if frag, ok := messageFragment(value); ok {
		out.Message = frag
	}
	if frag, ok := statusFragment(value); ok {
		out.Status = frag
	}
	return out
}

func isProviderValue(v *Value) bool {
	return v.MessagingProduct != "" && v.Metadata != nil
}

func messageFragment(v *Value) (*MessageFragment, bool) {
	if !isProviderValue(v) || len(v.Messages) == 0 || len(v.Contacts) == 0 {
		return nil, false
	}

	return &MessageFragment{
		MessagingProduct: v.MessagingProduct,
		Message:          v.Messages[0],
		Contact:          v.Contacts[0],
		Metadata:         *v.Metadata,
	}, true
}

func statusFragment(v *Value) (*StatusFragment, bool) {
	if !isProviderValue(v) || len(v.Statuses) == 0 {
		return nil, false
	}

	st := v.Statuses[0]
	id := st.ID
	if id == "" {
		id = st.MetaMsgID
	}
	status := strings.ToLower(strings.TrimSpace(st.Status))
	if id == "" {
		return nil, false
	}
	if _, ok := knownStatuses[status]; !ok {
		return nil, false
	}

	return &StatusFragment{
		MessageID:   id,
		Status:      status,
		RecipientID: st.RecipientID,
		Timestamp:   string(st.Timestamp),
	}, true
}

// ContactID returns the counterpart id of a message fragment, preferring the
// contact's wa_id over the sender field.
func (f *MessageFragment) ContactID() string {
	if f.Contact.WaID != "" {
		return f.Contact.WaID
	}
	return f.Message.From
}
