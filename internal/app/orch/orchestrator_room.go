package orch

import (
	"context"

	"github.com/dkeye/Consult/internal/app/rooms"
	"github.com/dkeye/Consult/internal/domain"
)

func (c *Client) JoinRoom(ctx context.Context, key domain.RoomKey, opts rooms.JoinOptions) (domain.JoinOutcome, error) {
	return c.rooms.Join(ctx, key, opts)
}

func (c *Client) SendMessage(ctx context.Context, key domain.RoomKey, body string) (domain.SendOutcome, error) {
	return c.dispatch.Send(ctx, key, body)
}

func (c *Client) SetTyping(ctx context.Context, key domain.RoomKey, typing bool) error {
	return c.dispatch.SetTyping(ctx, key, typing)
}

func (c *Client) History(ctx context.Context, key domain.RoomKey) ([]domain.InboundMessage, error) {
	return c.dispatch.History(ctx, key)
}

func (c *Client) OnInboundMessage(h func(domain.InboundMessage)) func() {
	return c.dispatch.OnInboundMessage(h)
}

func (c *Client) OnOutbox(h func(domain.OutboxEvent)) func() {
	return c.dispatch.OnOutbox(h)
}

func (c *Client) OnTyping(h func(domain.TypingEvent)) func() {
	return c.dispatch.OnTyping(h)
}

func (c *Client) OnRead(h func(domain.ReadEvent)) func() {
	return c.dispatch.OnRead(h)
}

func (c *Client) OnNotification(h func(domain.SessionRequest)) func() {
	return c.notify.Subscribe(h)
}
