package dispatch

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dkeye/Consult/internal/domain"
	"github.com/tidwall/gjson"
)

// Extracted is the result of the first rule that produced a value.
type Extracted[T any] struct {
	Value T
	Rule  string
	OK    bool
}

type Rule[T any] struct {
	Path  string
	Parse func(gjson.Result) (T, bool)
}

func extract[T any](doc gjson.Result, rules []Rule[T]) Extracted[T] {
	for _, r := range rules {
		v := doc.Get(r.Path)
		if !v.Exists() {
			continue
		}
		if out, ok := r.Parse(v); ok {
			return Extracted[T]{Value: out, Rule: r.Path, OK: true}
		}
	}
	return Extracted[T]{}
}

func paths[T any](parse func(gjson.Result) (T, bool), ps ...string) []Rule[T] {
	rules := make([]Rule[T], len(ps))
	for i, p := range ps {
		rules[i] = Rule[T]{Path: p, Parse: parse}
	}
	return rules
}

func nonEmptyString(v gjson.Result) (string, bool) {
	if v.Type != gjson.String {
		return "", false
	}
	s := strings.TrimSpace(v.String())
	return s, s != ""
}

// anyID accepts strings and numbers.
func anyID(v gjson.Result) (string, bool) {
	switch v.Type {
	case gjson.String:
		return nonEmptyString(v)
	case gjson.Number:
		return v.Raw, true
	}
	return "", false
}

func timestamp(v gjson.Result) (time.Time, bool) {
	switch v.Type {
	case gjson.Number:
		return time.UnixMilli(v.Int()), true
	case gjson.String:
		s := strings.TrimSpace(v.String())
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms), true
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func role(v gjson.Result) (domain.Role, bool) {
	r, err := domain.ParseRole(v.String())
	return r, err == nil
}

func boolean(v gjson.Result) (bool, bool) {
	switch v.Type {
	case gjson.True, gjson.False:
		return v.Bool(), true
	}
	return false, false
}

var (
	textRules = paths(nonEmptyString,
		"message.text", "message.content", "message.body",
		"text", "content", "body", "message")
	timeRules = paths(timestamp,
		"message.createdAt", "createdAt", "message.created_at", "created_at",
		"message.timestamp", "timestamp", "sentAt")
	roleRules = paths(role,
		"message.senderRole", "senderRole", "message.sender.role", "sender.role", "role")
	readRules = paths(boolean,
		"message.isRead", "isRead", "message.read", "read")
	roomRules = paths(anyID,
		"roomRef", "chatId", "message.chatId", "roomId", "message.roomId", "sessionId", "bookingId")
	idRules = paths(anyID,
		"message.id", "message._id", "id", "_id", "serverId")
)

// Normalize maps any of the payload shapes the server emits to one
// InboundMessage. A payload without text is malformed. A missing timestamp
// defaults to receivedAt.
func Normalize(raw []byte, receivedAt time.Time) (domain.InboundMessage, error) {
	if !gjson.ValidBytes(raw) {
		return domain.InboundMessage{}, fmt.Errorf("%w: invalid json", domain.ErrMalformedPayload)
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return domain.InboundMessage{}, fmt.Errorf("%w: not an object", domain.ErrMalformedPayload)
	}
	text := extract(doc, textRules)
	if !text.OK {
		return domain.InboundMessage{}, fmt.Errorf("%w: no text", domain.ErrMalformedPayload)
	}
	msg := domain.InboundMessage{
		Text:       text.Value,
		SentAt:     receivedAt,
		ServerID:   extract(doc, idRules).Value,
		RoomRef:    extract(doc, roomRules).Value,
		SenderRole: extract(doc, roleRules).Value,
		Read:       extract(doc, readRules).Value,
	}
	if ts := extract(doc, timeRules); ts.OK {
		msg.SentAt = ts.Value
	}
	return msg, nil
}
