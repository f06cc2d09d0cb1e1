package dispatch

import (
	"testing"
	"time"

	"github.com/dkeye/Consult/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestNormalizeShapes(t *testing.T) {
	received := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		name string
		raw  string
		want domain.InboundMessage
	}{
		{
			name: "nested message",
			raw:  `{"chatId":"B1","message":{"id":"m1","text":"hello","senderRole":"consultant","createdAt":"2026-01-01T10:00:00Z","isRead":true}}`,
			want: domain.InboundMessage{ServerID: "m1", RoomRef: "B1", Text: "hello", SenderRole: domain.RoleConsultant, Read: true,
				SentAt: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)},
		},
		{
			name: "flat content with unix millis",
			raw:  `{"_id":"m2","roomRef":"S1","content":"hi","role":"CLIENT","timestamp":1767261600000}`,
			want: domain.InboundMessage{ServerID: "m2", RoomRef: "S1", Text: "hi", SenderRole: domain.RoleClient,
				SentAt: time.UnixMilli(1767261600000)},
		},
		{
			name: "message as plain string",
			raw:  `{"bookingId":42,"message":"  plain  ","sender":{"role":"consultant"}}`,
			want: domain.InboundMessage{RoomRef: "42", Text: "plain", SenderRole: domain.RoleConsultant, SentAt: received},
		},
		{
			name: "empty nested text falls through to body",
			raw:  `{"message":{"text":"","body":"from body"},"read":false}`,
			want: domain.InboundMessage{Text: "from body", SentAt: received},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize([]byte(tt.raw), received)
			require.NoError(t, err)
			assert.Equal(t, tt.want.ServerID, got.ServerID)
			assert.Equal(t, tt.want.RoomRef, got.RoomRef)
			assert.Equal(t, tt.want.Text, got.Text)
			assert.Equal(t, tt.want.SenderRole, got.SenderRole)
			assert.Equal(t, tt.want.Read, got.Read)
			assert.True(t, tt.want.SentAt.Equal(got.SentAt), "sentAt %v != %v", got.SentAt, tt.want.SentAt)
		})
	}
}

func TestNormalizeMalformed(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`[1,2]`,
		`{}`,
		`{"message":{"id":"m1"}}`,
		`{"text":"   "}`,
		`{"text":42}`,
	} {
		t.Run(raw, func(t *testing.T) {
			_, err := Normalize([]byte(raw), time.Now())
			require.ErrorIs(t, err, domain.ErrMalformedPayload)
		})
	}
}

func TestExtractReportsRule(t *testing.T) {
	doc := gjson.Parse(`{"content":"x","message":{"body":"y"}}`)
	got := extract(doc, textRules)
	assert.True(t, got.OK)
	assert.Equal(t, "message.body", got.Rule)
	assert.Equal(t, "y", got.Value)

	none := extract(gjson.Parse(`{}`), textRules)
	assert.False(t, none.OK)
	assert.Empty(t, none.Value)
}
