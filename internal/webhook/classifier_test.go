package webhook

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadFixture(t *testing.T, name string) *Envelope {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	env, err := DecodeEnvelope(data)
	require.NoError(t, err)
	return env
}

func TestClassify_MessageEnvelope(t *testing.T) {
	env := loadFixture(t, "message.json")

	assert.Equal(t, FlexString("conv1-msg1-user"), env.ID)
	assert.Equal(t, PayloadTypeWhatsApp, env.PayloadType)
	assert.Equal(t, time.Date(2025, 8, 6, 12, 0, 0, 0, time.UTC), env.CreatedAt.Time)

	c := Classify(env)
	require.NotNil(t, c.Message)
	assert.Nil(t, c.Status)
	assert.NoError(t, c.Err())

	want := &MessageFragment{
		MessagingProduct: "whatsapp",
		Message: Message{
			From:      "919937320320",
			ID:        "wamid.HBgMOTE5OTY3NTc4NzIwFQIAEhggMTIzQURFRjEyMzQ1Njc4OTA=",
			Timestamp: "1754400000",
			Text:      &Text{Body: "Hi, I'd like to know more about your services."},
			Type:      "text",
		},
		Contact:  Contact{Profile: Profile{Name: "Ravi Kumar"}, WaID: "919937320320"},
		Metadata: Metadata{DisplayPhoneNumber: "918329446654", PhoneNumberID: "629305560276479"},
	}
	if diff := cmp.Diff(want, c.Message); diff != "" {
		t.Errorf("message fragment mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "919937320320", c.Message.ContactID())

	sentAt, ok := c.Message.Message.SentAt()
	require.True(t, ok)
	assert.Equal(t, int64(1754400000), sentAt.Unix())
}

func TestClassify_StatusEnvelope(t *testing.T) {
	env := loadFixture(t, "status.json")

	c := Classify(env)
	assert.Nil(t, c.Message)
	require.NotNil(t, c.Status)

	want := &StatusFragment{
		MessageID:   "wamid.HBgMOTE5OTY3NTc4NzIwFQIAEhggMTIzQURFRjEyMzQ1Njc4OTA=",
		Status:      "read",
		RecipientID: "919937320320",
		Timestamp:   "1754400010",
	}
	if diff := cmp.Diff(want, c.Status); diff != "" {
		t.Errorf("status fragment mismatch (-want +got):\n%s", diff)
	}
}

func TestClassify_BothFragments(t *testing.T) {
	body := `{
		"_id": "both-1",
		"metaData": {"entry": [{"changes": [{"value": {
			"messaging_product": "whatsapp",
			"metadata": {"phone_number_id": "p1"},
			"contacts": [{"profile": {"name": "Ana"}, "wa_id": "w1"}],
			"messages": [{"from": "w1", "id": "msg1", "timestamp": "10", "text": {"body": "hello"}, "type": "text"}],
			"statuses": [{"id": "msg0", "status": "delivered", "recipient_id": "w1"}]
		}}]}]}
	}`
	env, err := DecodeEnvelope([]byte(body))
	require.NoError(t, err)

	c := Classify(env)
	require.NotNil(t, c.Message)
	require.NotNil(t, c.Status)
	assert.Equal(t, "msg1", c.Message.Message.ID)
	assert.Equal(t, "msg0", c.Status.MessageID)
	assert.Equal(t, "delivered", c.Status.Status)
}

func TestClassify_NoActionableContent(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty object", `{}`},
		{"no entries", `{"_id": "x", "metaData": {"entry": []}}`},
		{"no changes", `{"_id": "x", "metaData": {"entry": [{"changes": []}]}}`},
		{"value missing", `{"_id": "x", "metaData": {"entry": [{"changes": [{"field": "messages"}]}]}}`},
		{"messages without contacts", `{"metaData": {"entry": [{"changes": [{"value": {
			"messaging_product": "whatsapp", "metadata": {},
			"messages": [{"id": "m", "text": {"body": "hi"}}]}}]}]}}`},
		{"missing messaging_product", `{"metaData": {"entry": [{"changes": [{"value": {
			"metadata": {}, "contacts": [{"wa_id": "w"}],
			"messages": [{"id": "m", "text": {"body": "hi"}}]}}]}]}}`},
		{"status without id", `{"metaData": {"entry": [{"changes": [{"value": {
			"messaging_product": "whatsapp", "metadata": {},
			"statuses": [{"status": "read"}]}}]}]}}`},
		{"unknown status value", `{"metaData": {"entry": [{"changes": [{"value": {
			"messaging_product": "whatsapp", "metadata": {},
			"statuses": [{"id": "m", "status": "exploded"}]}}]}]}}`},
		{"ill-typed messages", `{"metaData": {"entry": [{"changes": [{"value": {
			"messaging_product": "whatsapp", "metadata": {},
			"contacts": [{"wa_id": "w"}], "messages": "nope"}}]}]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(tt.body))
			require.NoError(t, err)

			c := Classify(env)
			assert.True(t, c.Empty())
			assert.ErrorIs(t, c.Err(), ErrNoActionableContent)
		})
	}
}

func TestClassify_NilEnvelope(t *testing.T) {
	assert.True(t, Classify(nil).Empty())
}

func TestDecodeEnvelope_Undecodable(t *testing.T) {
	for _, body := range []string{"", "not json", "[1,2]", `{"_id": `, "42"} {
		_, err := DecodeEnvelope([]byte(body))
		assert.ErrorIs(t, err, ErrUndecodable, "body %q", body)
	}
}

func TestDecodeEnvelope_BareProviderCallback(t *testing.T) {
	body := `{
		"object": "whatsapp_business_account",
		"entry": [{"id": "acct", "changes": [{"field": "messages", "value": {
			"messaging_product": "whatsapp",
			"metadata": {"phone_number_id": "p1"},
			"contacts": [{"profile": {"name": "Neha"}, "wa_id": "w2"}],
			"messages": [{"from": "w2", "id": "msg2", "timestamp": "20", "text": {"body": "yo"}, "type": "text"}]
		}}]}]
	}`
	env, err := DecodeEnvelope([]byte(body))
	require.NoError(t, err)
	require.NotNil(t, env.MetaData)
	assert.Empty(t, env.ID)

	c := Classify(env)
	require.NotNil(t, c.Message)
	assert.Equal(t, "w2", c.Message.ContactID())
}

func TestDecodeEnvelope_ExtendedJSON(t *testing.T) {
	body := `{"_id": {"$oid": "6893a1"}, "createdAt": {"$date": 1754400000000}}`
	env, err := DecodeEnvelope([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, FlexString("6893a1"), env.ID)
	assert.Equal(t, int64(1754400000), env.CreatedAt.Unix())
}

func TestDecodeEnvelope_CreatedAtLayouts(t *testing.T) {
	tests := []struct {
		createdAt string
		want      time.Time
	}{
		{`"2025-08-06T12:00:00.250Z"`, time.Date(2025, 8, 6, 12, 0, 0, 250e6, time.UTC)},
		{`"2025-08-06T17:30:00+05:30"`, time.Date(2025, 8, 6, 12, 0, 0, 0, time.UTC)},
		{`"2025-08-06 12:00:00"`, time.Date(2025, 8, 6, 12, 0, 0, 0, time.UTC)},
		{`"2025-08-06T12:00:00"`, time.Date(2025, 8, 6, 12, 0, 0, 0, time.UTC)},
		{`"2025-08-06 12:00:00.5"`, time.Date(2025, 8, 6, 12, 0, 0, 500e6, time.UTC)},
		{`"2025-08-06"`, time.Date(2025, 8, 6, 0, 0, 0, 0, time.UTC)},
		{`{"$date": "2025-08-06 12:00:00"}`, time.Date(2025, 8, 6, 12, 0, 0, 0, time.UTC)},
		{`"last tuesday"`, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.createdAt, func(t *testing.T) {
			env, err := DecodeEnvelope([]byte(`{"_id": "a", "createdAt": ` + tt.createdAt + `}`))
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(env.CreatedAt.Time), "got %s", env.CreatedAt.Time)
		})
	}
}

func TestDecodeEnvelopes(t *testing.T) {
	envs, err := DecodeEnvelopes([]byte(`[{"_id": "a"}, {"_id": "b"}]`))
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, FlexString("b"), envs[1].ID)

	envs, err = DecodeEnvelopes([]byte(`{"_id": "solo"}`))
	require.NoError(t, err)
	require.Len(t, envs, 1)

	_, err = DecodeEnvelopes([]byte(`[{"_id": "a"}, 7]`))
	assert.ErrorIs(t, err, ErrUndecodable)
}

func TestMessage_SentAtInvalid(t *testing.T) {
	_, ok := Message{Timestamp: "soon"}.SentAt()
	assert.False(t, ok)
}
