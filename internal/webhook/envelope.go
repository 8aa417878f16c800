package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PayloadTypeWhatsApp is the payload_type stamped on exported webhook documents.
const PayloadTypeWhatsApp = "whatsapp_webhook"

// ErrUndecodable is returned when a webhook body is not a JSON object.
var ErrUndecodable = errors.New("webhook body is not a JSON object")

// Envelope is the raw callback body delivered by the messaging provider.
// Exported documents wrap the provider payload in metaData and carry their
// own _id and createdAt; bare provider callbacks put object/entry at the top
// level and are normalized into MetaData by DecodeEnvelope.
type Envelope struct {
	ID          FlexString `json:"_id"`
	PayloadType string     `json:"payload_type"`
	MetaData    *MetaData  `json:"metaData"`
	CreatedAt   FlexTime   `json:"createdAt"`
}

type MetaData struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string `json:"field"`
	Value *Value `json:"value"`
}

type Value struct {
	MessagingProduct string    `json:"messaging_product"`
	Metadata         *Metadata `json:"metadata"`
	Contacts         []Contact `json:"contacts"`
	Messages         []Message `json:"messages"`
	Statuses         []Status  `json:"statuses"`
}

type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type Contact struct {
	Profile Profile `json:"profile"`
	WaID    string  `json:"wa_id"`
}

type Profile struct {
	Name string `json:"name"`
}

type Message struct {
	From      string     `json:"from"`
	ID        string     `json:"id"`
	Timestamp FlexString `json:"timestamp"`
	Text      *Text      `json:"text,omitempty"`
	Type      string     `json:"type"`
}

type Text struct {
	Body string `json:"body"`
}

// Body returns the text body, or "" when the message has none.
func (m Message) Body() string {
	if m.Text == nil {
		return ""
	}
	return m.Text.Body
}

// SentAt parses the unix-seconds timestamp carried on the wire.
func (m Message) SentAt() (time.Time, bool) {
	secs, err := strconv.ParseInt(string(m.Timestamp), 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}, false
	}
	return time.Unix(secs, 0).UTC(), true
}

type Status struct {
	ID           string          `json:"id"`
	MetaMsgID    string          `json:"meta_msg_id,omitempty"`
	RecipientID  string          `json:"recipient_id"`
	Status       string          `json:"status"`
	Timestamp    FlexString      `json:"timestamp"`
	Conversation json.RawMessage `json:"conversation,omitempty"`
}

// value returns entry[0].changes[0].value, the only slice of the envelope
// that carries actionable content.
func (e *Envelope) value() *Value {
	if e == nil || e.MetaData == nil || len(e.MetaData.Entry) == 0 {
		return nil
	}
	changes := e.MetaData.Entry[0].Changes
	if len(changes) == 0 {
		return nil
	}
	return changes[0].Value
}

// DecodeEnvelope parses a webhook body. Any JSON object decodes; shape
// problems are left to Classify.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, ErrUndecodable
	}

	// Fields of the wrong JSON type are left zero so the classifier sees them
	// as absent.
	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil && !isTypeMismatch(err) {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}

	if env.MetaData == nil {
		var bare MetaData
		if err := json.Unmarshal(trimmed, &bare); (err == nil || isTypeMismatch(err)) && len(bare.Entry) > 0 {
			env.MetaData = &bare
		}
	}

	return &env, nil
}

func isTypeMismatch(err error) bool {
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &typeErr)
}

// DecodeEnvelopes parses a file holding either a single envelope or a JSON
// array of envelopes.
func DecodeEnvelopes(data []byte) ([]*Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var raw []json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
		}
		out := make([]*Envelope, 0, len(raw))
		for i, item := range raw {
			env, err := DecodeEnvelope(item)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out = append(out, env)
		}
		return out, nil
	}

	env, err := DecodeEnvelope(trimmed)
	if err != nil {
		return nil, err
	}
	return []*Envelope{env}, nil
}

// FlexString accepts a JSON string, a number, or a Mongo extended-JSON
// {"$oid": "..."} object.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
	case '{':
		var oid struct {
			OID string `json:"$oid"`
		}
		if err := json.Unmarshal(data, &oid); err != nil {
			return err
		}
		*f = FlexString(oid.OID)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*f = FlexString(n.String())
	}
	return nil
}

// FlexTime accepts RFC 3339 strings, zone-less date-time strings (read as
// UTC), unix milliseconds, or a Mongo extended-JSON {"$date": ...} object.
// Unparseable input yields the zero time.
type FlexTime struct {
	time.Time
}

func (f *FlexTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	f.Time = time.Time{}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		f.Time = parseTimeString(s)
	case '{':
		var wrapped struct {
			Date json.RawMessage `json:"$date"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil || len(wrapped.Date) == 0 {
			return nil
		}
		return f.UnmarshalJSON(wrapped.Date)
	default:
		var ms int64
		if err := json.Unmarshal(data, &ms); err == nil && ms > 0 {
			f.Time = time.UnixMilli(ms).UTC()
		}
	}
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	time.DateTime,
	time.DateOnly,
}

func parseTimeString(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func (f FlexTime) MarshalJSON() ([]byte, error) {
	if f.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(f.Time.Format(time.RFC3339Nano))
}
