package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/srobinb803/whatsapp-clone/internal/messages"
	"github.com/srobinb803/whatsapp-clone/internal/webhook"
)

// Deferrer parks a status fragment whose message has not arrived yet.
type Deferrer interface {
	DeferStatus(ctx context.Context, frag webhook.StatusFragment) error
}

// Engine applies webhook fragments and outbound sends to the message store
// and returns the events they produce. It never publishes; callers do.
type Engine struct {
	store    messages.Store
	policy   StatusPolicy
	deferrer Deferrer
	now      func() time.Time
	newID    func() string
}

type Option func(*Engine)

func WithStatusPolicy(p StatusPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

func WithDeferrer(d Deferrer) Option {
	return func(e *Engine) { e.deferrer = d }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(store messages.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		policy: PolicyLastWriteWins,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetDeferrer installs the deferrer after construction, for wiring where the
// deferrer itself depends on the engine. Call before serving traffic.
func (e *Engine) SetDeferrer(d Deferrer) {
	e.deferrer = d
}

// ApplyInbound classifies env and applies its fragments in order: message
// first, then status. On a PersistenceError the events produced before the
// failure are still returned.
func (e *Engine) ApplyInbound(ctx context.Context, env *webhook.Envelope) ([]Event, error) {
	events := make([]Event, 0, 2)

	c := webhook.Classify(env)
	if c.Empty() {
		log.Debug().Err(c.Err()).Str("envelope_id", envelopeID(env)).Msg("Skipping envelope")
		return events, nil
	}

	if c.Message != nil {
		ev, err := e.applyMessage(ctx, env, c.Message)
		if err != nil {
			return events, err
		}
		if ev != nil {
			events = append(events, *ev)
		}
	}

	if c.Status != nil {
		ev, err := e.ApplyStatus(ctx, *c.Status)
		switch {
		case errors.Is(err, ErrUnknownMessageReference):
			e.deferStatus(ctx, *c.Status)
		case err != nil:
			return events, err
		case ev != nil:
			events = append(events, *ev)
		}
	}

	return events, nil
}

func (e *Engine) applyMessage(ctx context.Context, env *webhook.Envelope, frag *webhook.MessageFragment) (*NewMessage, error) {
	wire := frag.Message
	contact := frag.Contact
	metadata := frag.Metadata

	payloadType := env.PayloadType
	if payloadType == "" {
		payloadType = webhook.PayloadTypeWhatsApp
	}

	createdAt := env.CreatedAt.Time
	if createdAt.IsZero() {
		createdAt = e.now().UTC()
	}

	rec := &messages.Record{
		IdempotencyKey: e.inboundKey(env, frag),
		ContactID:      frag.ContactID(),
		MessageID:      wire.ID,
		Status:         messages.StatusReceived,
		Origin:         messages.OriginInbound,
		Content: messages.Content{Inbound: &messages.InboundContent{
			PayloadType: payloadType,
			Message:     &wire,
			Contact:     &contact,
			Metadata:    &metadata,
		}},
		CreatedAt: createdAt,
	}

	stored, created, err := e.store.Upsert(ctx, rec)
	if err != nil {
		log.Error().Err(err).Str("idempotency_key", rec.IdempotencyKey).Msg("Failed to store inbound message")
		return nil, persistenceError("inbound message upsert", err)
	}
	if !created {
		log.Debug().
			Str("idempotency_key", rec.IdempotencyKey).
			Str("message_id", stored.MessageID).
			Msg("Duplicate delivery, message already stored")
		return nil, nil
	}

	msg, ok := messages.Format(stored)
	if !ok {
		log.Debug().Str("message_id", stored.MessageID).Str("type", wire.Type).Msg("Stored message has no text body, no event")
		return nil, nil
	}

	log.Debug().
		Str("wa_id", stored.ContactID).
		Str("message_id", stored.MessageID).
		Msg("Inbound message stored")
	return &NewMessage{WaID: stored.ContactID, Message: msg}, nil
}

// inboundKey prefers the envelope's own id, then the wire message id.
func (e *Engine) inboundKey(env *webhook.Envelope, frag *webhook.MessageFragment) string {
	if env.ID != "" {
		return string(env.ID)
	}
	if frag.Message.ID != "" {
		return "wamid:" + frag.Message.ID
	}
	return "anon:" + e.newID()
}

// ApplyStatus applies a single status fragment. It returns
// ErrUnknownMessageReference when no record carries the message id, and a
// nil event when the policy left the stored status unchanged.
func (e *Engine) ApplyStatus(ctx context.Context, frag webhook.StatusFragment) (*StatusUpdate, error) {
	status, err := messages.ParseStatus(frag.Status)
	if err != nil {
		log.Warn().Err(err).Str("message_id", frag.MessageID).Msg("Ignoring status fragment")
		return nil, nil
	}

	rec, err := e.store.GetByMessageID(ctx, frag.MessageID)
	if errors.Is(err, messages.ErrNotFound) {
		log.Warn().
			Str("message_id", frag.MessageID).
			Str("status", frag.Status).
			Msg("Status update for a message that does not exist, skipping")
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageReference, frag.MessageID)
	}
	if err != nil {
		log.Error().Err(err).Str("message_id", frag.MessageID).Msg("Failed to look up message for status")
		return nil, persistenceError("status lookup", err)
	}

	updated, applied, err := e.store.UpdateStatus(ctx, rec.IdempotencyKey, status, e.policy.allowedFrom(status))
	if err != nil {
		log.Error().Err(err).Str("message_id", frag.MessageID).Msg("Failed to update message status")
		return nil, persistenceError("status update", err)
	}
	if !applied {
		log.Debug().
			Str("message_id", updated.MessageID).
			Str("current", string(updated.Status)).
			Str("requested", string(status)).
			Msg("Status transition does not advance, ignoring")
		return nil, nil
	}

	log.Debug().
		Str("wa_id", updated.ContactID).
		Str("message_id", updated.MessageID).
		Str("status", string(updated.Status)).
		Msg("Message status updated")
	return &StatusUpdate{WaID: updated.ContactID, MessageID: updated.MessageID, Status: updated.Status}, nil
}

func (e *Engine) deferStatus(ctx context.Context, frag webhook.StatusFragment) {
	if e.deferrer == nil {
		return
	}
	if err := e.deferrer.DeferStatus(ctx, frag); err != nil {
		log.Error().Err(err).Str("message_id", frag.MessageID).Msg("Failed to defer status update")
		return
	}
	log.Info().Str("message_id", frag.MessageID).Str("status", frag.Status).Msg("Status update deferred for retry")
}

// ApplyOutbound stores a UI-composed message and returns its newMessage
// event. The record is inserted unconditionally under a fresh key.
func (e *Engine) ApplyOutbound(ctx context.Context, contactID, text, displayName string) (NewMessage, error) {
	contactID = strings.TrimSpace(contactID)
	if contactID == "" || strings.TrimSpace(text) == "" {
		return NewMessage{}, ErrInvalidOutbound
	}

	now := e.now().UTC()
	id := fmt.Sprintf("user_%d_%s", now.UnixMilli(), strings.ReplaceAll(e.newID(), "-", "")[:8])

	rec := &messages.Record{
		IdempotencyKey: id,
		ContactID:      contactID,
		MessageID:      id,
		Status:         messages.StatusSent,
		Origin:         messages.OriginOutbound,
		Content: messages.Content{Outbound: &messages.OutboundContent{
			Text:        text,
			DisplayName: strings.TrimSpace(displayName),
		}},
		CreatedAt: now,
	}

	if err := e.store.Insert(ctx, rec); err != nil {
		log.Error().Err(err).Str("wa_id", contactID).Msg("Failed to store outbound message")
		return NewMessage{}, persistenceError("outbound insert", err)
	}

	msg, ok := messages.Format(rec)
	if !ok {
		return NewMessage{}, fmt.Errorf("outbound message %s has no text", id)
	}

	log.Info().Str("wa_id", contactID).Str("message_id", id).Msg("Outbound message stored")
	return NewMessage{WaID: contactID, Message: msg}, nil
}

// ResolveContactName returns the newest display name recorded for a contact.
func (e *Engine) ResolveContactName(ctx context.Context, contactID string) (string, bool) {
	recs, err := e.store.ListByContact(ctx, contactID)
	if err != nil {
		log.Error().Err(err).Str("wa_id", contactID).Msg("Failed to resolve contact name")
		return "", false
	}
	for i := len(recs) - 1; i >= 0; i-- {
		if name := recs[i].DisplayName(); name != "" {
			return name, true
		}
	}
	return "", false
}

func envelopeID(env *webhook.Envelope) string {
	if env == nil {
		return ""
	}
	return string(env.ID)
}
