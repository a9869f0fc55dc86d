package webhook_test

import (
	"testing"

	"github.com/lalith-99/insightops/internal/models"
	"github.com/lalith-99/insightops/internal/pipeline"
	"github.com/lalith-99/insightops/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, body string) map[string]any {
	t.Helper()
	payload, err := webhook.DecodePayload([]byte(body))
	require.NoError(t, err)
	return payload
}

func TestZendeskComment(t *testing.T) {
	a := webhook.ZendeskAdapter{}
	payload := decode(t, `{
		"type": "zen:event-type:ticket.comment_added",
		"ticket": {"id": 88, "requester": {"email": "req@example.com", "name": "Req"}},
		"comment": {"id": 9001, "body": "Still broken after the update", "public": true, "author": {}}
	}`)
	assert.Equal(t, "ticket.comment_added", a.EventType(payload))

	sub, err := a.Parse(a.EventType(payload), payload)
	require.NoError(t, err)
	assert.Equal(t, "comment:9001", *sub.ExternalID)
	assert.Equal(t, "Still broken after the update", sub.RawContent)
	assert.Equal(t, "req@example.com", *sub.CustomerEmail, "falls back to the requester")
	assert.Equal(t, "88", sub.Metadata["ticket_id"])

	private := decode(t, `{"type":"ticket.comment_added","ticket":{"id":88},"comment":{"id":1,"body":"internal note","public":false}}`)
	_, err = a.Parse("ticket.comment_added", private)
	assert.ErrorIs(t, err, webhook.ErrEventIgnored)
}

func TestZendeskMissingTicketID(t *testing.T) {
	_, err := webhook.ZendeskAdapter{}.Parse("ticket.created", decode(t, `{"ticket":{}}`))
	assert.ErrorIs(t, err, webhook.ErrInvalidPayload)
	assert.ErrorIs(t, err, pipeline.ErrValidation)
}

func TestIntercomEvents(t *testing.T) {
	a := webhook.IntercomAdapter{}

	created := decode(t, `{
		"type": "notification_event",
		"id": "notif_1",
		"topic": "conversation.user.created",
		"data": {"item": {"id": "c-55", "source": {
			"body": "<p>Dark mode please &amp; thanks</p><p>It hurts my eyes</p>",
			"author": {"type": "user", "email": "grace@example.com", "name": "Grace"}
		}}}
	}`)
	assert.Equal(t, "notif_1", a.DeliveryID(created))
	sub, err := a.Parse(a.EventType(created), created)
	require.NoError(t, err)
	assert.Equal(t, "conversation:c-55", *sub.ExternalID)
	assert.Equal(t, "Dark mode please & thanks\nIt hurts my eyes", sub.RawContent)
	assert.Equal(t, "Grace", *sub.CustomerName)

	replied := decode(t, `{
		"topic": "conversation.user.replied",
		"data": {"item": {"id": "c-55", "conversation_parts": {"conversation_parts": [
			{"id": "p1", "body": "first", "author": {"type": "user"}},
			{"id": "p2", "body": "agent answer", "author": {"type": "admin"}},
			{"id": "p3", "body": "<b>still</b> waiting", "author": {"type": "user", "email": "grace@example.com"}}
		]}}}
	}`)
	sub, err = a.Parse(a.EventType(replied), replied)
	require.NoError(t, err)
	assert.Equal(t, "part:p3", *sub.ExternalID)
	assert.Equal(t, "still waiting", sub.RawContent)

	_, err = a.Parse("conversation.admin.closed", replied)
	assert.ErrorIs(t, err, webhook.ErrEventIgnored)
}

func TestGenericAdapter(t *testing.T) {
	a := webhook.GenericAdapter{}
	payload := decode(t, `{"event_type":"feedback","external_id":12,"text":"nice","metadata":{"nps":9}}`)

	sub, err := a.Parse(a.EventType(payload), payload)
	require.NoError(t, err)
	assert.Equal(t, "12", *sub.ExternalID)
	assert.Equal(t, "nice", sub.RawContent)
	assert.Nil(t, sub.CustomerEmail)
	assert.EqualValues(t, 9, sub.Metadata["nps"])

	_, err = a.Parse("ping", payload)
	assert.ErrorIs(t, err, webhook.ErrEventIgnored)
}

func TestRegistryFallsBackToGeneric(t *testing.T) {
	r := webhook.DefaultRegistry()
	assert.Equal(t, models.SourceZendesk, r.For(models.SourceZendesk).Provider())
	assert.Equal(t, models.SourceWebhook, r.For(models.SourceCSV).Provider())
}

func TestSignatureRoundTrip(t *testing.T) {
	body := []byte(`{"a":1}`)
	sig := webhook.Sign("k", body)

	assert.NoError(t, webhook.VerifySignature("k", body, sig))
	assert.NoError(t, webhook.VerifySignature("k", body, sig[len("sha256="):]))
	assert.ErrorIs(t, webhook.VerifySignature("k", []byte(`{"a":2}`), sig), webhook.ErrInvalidSignature)
	assert.ErrorIs(t, webhook.VerifySignature("k", body, "zz"), webhook.ErrInvalidSignature)
	assert.NoError(t, webhook.VerifySignature("", body, ""))
}
