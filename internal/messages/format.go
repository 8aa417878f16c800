package messages

import "time"

// ClientMessage is the externally visible message shape.
type ClientMessage struct {
	ID            string    `json:"id"`
	Text          string    `json:"text"`
	Timestamp     time.Time `json:"timestamp"`
	Status        Status    `json:"status"`
	IsUserMessage bool      `json:"isUserMessage"`
}

// Format maps a stored record to a ClientMessage. It reports false when the
// record has no text body to show.
func Format(rec *Record) (ClientMessage, bool) {
	if rec == nil {
		return ClientMessage{}, false
	}

	text := rec.Text()
	if text == "" {
		return ClientMessage{}, false
	}

	msg := ClientMessage{
		ID:            rec.MessageID,
		Text:          text,
		Timestamp:     rec.CreatedAt,
		Status:        rec.Status,
		IsUserMessage: rec.Origin == OriginOutbound,
	}

	if rec.Origin == OriginInbound {
		wire := rec.Content.Inbound.Message
		if wire.ID != "" {
			msg.ID = wire.ID
		}
		if sentAt, ok := wire.SentAt(); ok {
			msg.Timestamp = sentAt
		}
	}

	return msg, true
}

// FormatAll formats records in order and drops the ones without text.
func FormatAll(recs []*Record) []ClientMessage {
	out := make([]ClientMessage, 0, len(recs))
	for _, rec := range recs {
		if msg, ok := Format(rec); ok {
			out = append(out, msg)
		}
	}
	return out
}
