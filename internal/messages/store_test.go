package messages

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srobinb803/whatsapp-clone/internal/webhook"
)

func inboundRecord(key, contact, msgID, text string, at time.Time) *Record {
	return &Record{
		IdempotencyKey: key,
		ContactID:      contact,
		MessageID:      msgID,
		Status:         StatusReceived,
		Origin:         OriginInbound,
		Content: Content{Inbound: &InboundContent{
			PayloadType: webhook.PayloadTypeWhatsApp,
			Message:     &webhook.Message{ID: msgID, From: contact, Text: &webhook.Text{Body: text}, Type: "text"},
			Contact:     &webhook.Contact{WaID: contact, Profile: webhook.Profile{Name: "Contact " + contact}},
		}},
		CreatedAt: at,
	}
}

func outboundRecord(key, contact, text, name string, at time.Time) *Record {
	return &Record{
		IdempotencyKey: key,
		ContactID:      contact,
		MessageID:      key,
		Status:         StatusSent,
		Origin:         OriginOutbound,
		Content:        Content{Outbound: &OutboundContent{Text: text, DisplayName: name}},
		CreatedAt:      at,
	}
}

// storeContract runs the behaviour every Store implementation must share.
func storeContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	t0 := time.Date(2025, 8, 6, 12, 0, 0, 0, time.UTC)

	t.Run("UpsertIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		rec := inboundRecord("env-1", "w1", "msg1", "hello", t0)

		stored, created, err := s.Upsert(ctx, rec)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "msg1", stored.MessageID)

		for i := 0; i < 3; i++ {
			again, created, err := s.Upsert(ctx, inboundRecord("env-1", "w1", "msg1", "changed", t0.Add(time.Hour)))
			require.NoError(t, err)
			assert.False(t, created)
			assert.Equal(t, "hello", again.Text())
			assert.True(t, t0.Equal(again.CreatedAt))
		}

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("UpsertCollapsesSameMessageID", func(t *testing.T) {
		s := newStore(t)
		_, created, err := s.Upsert(ctx, inboundRecord("env-a", "w1", "msg1", "hello", t0))
		require.NoError(t, err)
		require.True(t, created)

		stored, created, err := s.Upsert(ctx, inboundRecord("env-b", "w1", "msg1", "hello", t0))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "env-a", stored.IdempotencyKey)
	})

	t.Run("InsertRejectsDuplicates", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, outboundRecord("user_1", "w1", "hi", "Bob", t0)))
		assert.ErrorIs(t, s.Insert(ctx, outboundRecord("user_1", "w1", "hi", "Bob", t0)), ErrDuplicateKey)
	})

	t.Run("GetByMessageID", func(t *testing.T) {
		s := newStore(t)
		_, _, err := s.Upsert(ctx, inboundRecord("env-1", "w1", "msg1", "hello", t0))
		require.NoError(t, err)

		rec, err := s.GetByMessageID(ctx, "msg1")
		require.NoError(t, err)
		assert.Equal(t, "env-1", rec.IdempotencyKey)

		_, err = s.GetByMessageID(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetByMessageID(ctx, "")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("UpdateStatus", func(t *testing.T) {
		s := newStore(t)
		_, _, err := s.Upsert(ctx, inboundRecord("env-1", "w1", "msg1", "hello", t0))
		require.NoError(t, err)

		rec, applied, err := s.UpdateStatus(ctx, "env-1", StatusRead, nil)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, StatusRead, rec.Status)

		rec, applied, err = s.UpdateStatus(ctx, "env-1", StatusSent, []Status{StatusReceived})
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, StatusRead, rec.Status)

		_, _, err = s.UpdateStatus(ctx, "nope", StatusRead, nil)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ListByContactOrdersAscending", func(t *testing.T) {
		s := newStore(t)
		_, _, err := s.Upsert(ctx, inboundRecord("env-3", "w1", "m3", "third", t0.Add(3*time.Second)))
		require.NoError(t, err)
		_, _, err = s.Upsert(ctx, inboundRecord("env-1", "w1", "m1", "first", t0.Add(1*time.Second)))
		require.NoError(t, err)
		require.NoError(t, s.Insert(ctx, outboundRecord("user_2", "w1", "second", "", t0.Add(2*time.Second))))
		_, _, err = s.Upsert(ctx, inboundRecord("env-x", "w2", "mx", "other", t0))
		require.NoError(t, err)

		recs, err := s.ListByContact(ctx, "w1")
		require.NoError(t, err)
		require.Len(t, recs, 3)
		assert.Equal(t, "first", recs[0].Text())
		assert.Equal(t, "second", recs[1].Text())
		assert.Equal(t, "third", recs[2].Text())

		all, err := s.ListAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 4)

		empty, err := s.ListByContact(ctx, "nobody")
		require.NoError(t, err)
		assert.NotNil(t, empty)
		assert.Empty(t, empty)
	})
}

func TestInMemoryStore(t *testing.T) {
	storeContract(t, func(t *testing.T) Store { return NewInMemoryStore() })
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	_, _, err := s.Upsert(ctx, inboundRecord("env-1", "w1", "msg1", "hello", time.Now()))
	require.NoError(t, err)

	rec, err := s.GetByMessageID(ctx, "msg1")
	require.NoError(t, err)
	rec.Content.Inbound.Message.Text.Body = "mutated"
	rec.Status = StatusFailed

	again, err := s.GetByMessageID(ctx, "msg1")
	require.NoError(t, err)
	assert.Equal(t, "hello", again.Text())
	assert.Equal(t, StatusReceived, again.Status)
}

func TestInMemoryStore_StampsCreatedAt(t *testing.T) {
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewInMemoryStore()
	s.now = func() time.Time { return fixed }

	rec := outboundRecord("user_1", "w1", "hi", "", time.Time{})
	require.NoError(t, s.Insert(context.Background(), rec))
	assert.Equal(t, fixed, rec.CreatedAt)
}

func TestInMemoryStore_ConcurrentUpsert(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()

	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := s.Upsert(ctx, inboundRecord("env-1", "w1", "msg1", "hello", time.Now()))
			assert.NoError(t, err)
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, createdCount)
	n, _ := s.Count(ctx)
	assert.Equal(t, 1, n)
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus(" Delivered ")
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, st)

	_, err = ParseStatus("lost")
	assert.Error(t, err)
}
