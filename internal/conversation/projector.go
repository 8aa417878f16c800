package conversation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/srobinb803/whatsapp-clone/internal/messages"
)

const (
	// UnknownContact is shown for contacts with no resolvable name.
	UnknownContact = "Unknown Contact"
	// NoPreview is shown when the latest message carries no text.
	NoPreview = "..."
)

// Summary is one row of the conversation list. It is derived on every read
// and never stored.
type Summary struct {
	ContactID            string    `json:"wa_id"`
	DisplayName          string    `json:"name"`
	LastMessageText      string    `json:"lastMessage"`
	LastMessageTimestamp time.Time `json:"lastMessageTimestamp"`

	lastKey string
}

// RecordLister is the slice of messages.Store the projector reads.
type RecordLister interface {
	ListAll(ctx context.Context) ([]*messages.Record, error)
}

type Projector struct {
	store RecordLister
}

func NewProjector(store RecordLister) *Projector {
	return &Projector{store: store}
}

// ListSummaries returns one summary per contact, newest conversation first.
func (p *Projector) ListSummaries(ctx context.Context) ([]Summary, error) {
	recs, err := p.store.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return Summarize(recs), nil
}

// Summarize groups records by contact. The latest record of each group (by
// CreatedAt, ties to the lowest idempotency key) supplies the preview text;
// its name falls back to the newest inbound profile name in the group.
func Summarize(recs []*messages.Record) []Summary {
	type group struct {
		latest      *messages.Record
		profileName string
		profileAt   time.Time
	}

	groups := make(map[string]*group)
	for _, rec := range recs {
		if rec == nil || rec.ContactID == "" {
			continue
		}
		g, ok := groups[rec.ContactID]
		if !ok {
			g = &group{}
			groups[rec.ContactID] = g
		}
		if g.latest == nil || newer(rec, g.latest) {
			g.latest = rec
		}
		if rec.Origin == messages.OriginInbound {
			if name := rec.DisplayName(); name != "" && (g.profileName == "" || !rec.CreatedAt.Before(g.profileAt)) {
				g.profileName = name
				g.profileAt = rec.CreatedAt
			}
		}
	}

	out := make([]Summary, 0, len(groups))
	for contactID, g := range groups {
		name := g.latest.DisplayName()
		if name == "" {
			name = g.profileName
		}
		if name == "" {
			name = UnknownContact
		}
		text := g.latest.Text()
		if text == "" {
			text = NoPreview
		}
		out = append(out, Summary{
			ContactID:            contactID,
			DisplayName:          name,
			LastMessageText:      text,
			LastMessageTimestamp: g.latest.CreatedAt,
			lastKey:              g.latest.IdempotencyKey,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageTimestamp.Equal(out[j].LastMessageTimestamp) {
			return out[i].LastMessageTimestamp.After(out[j].LastMessageTimestamp)
		}
		return out[i].lastKey < out[j].lastKey
	})
	return out
}

func newer(a, b *messages.Record) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.IdempotencyKey < b.IdempotencyKey
}
