// Package rest is the durable request/response channel to the backend.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dkeye/Consult/internal/config"
	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const maxErrorBody = 4 << 10

var ErrRequestRejected = errors.New("request rejected")

// StatusError is a non-2xx answer.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Message)
}

func retryable(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

type Client struct {
	base    string
	http    *http.Client
	token   core.CredentialProvider
	retries uint64
	initial time.Duration
	log     zerolog.Logger
}

func New(cfg config.RestConfig, token core.CredentialProvider, log zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		token:   token,
		retries: cfg.MaxRetries,
		initial: 200 * time.Millisecond,
		log:     log.With().Str("module", "rest").Logger(),
	}
}

type postBody struct {
	Body          string    `json:"body"`
	CorrelationID string    `json:"correlationId"`
	SentAt        time.Time `json:"sentAt"`
}

// PostMessage stores msg in the room. The correlation id doubles as the
// idempotency key so retries cannot duplicate the message.
func (c *Client) PostMessage(ctx context.Context, roomRef string, msg domain.OutboundMessage) (string, error) {
	payload, err := json.Marshal(postBody{Body: msg.Body, CorrelationID: msg.CorrelationID, SentAt: msg.SentAt})
	if err != nil {
		return "", err
	}
	data, err := c.do(ctx, http.MethodPost, c.messagesPath(roomRef), payload, msg.CorrelationID, domain.ErrSendRejected)
	if err != nil {
		return "", err
	}
	res := gjson.ParseBytes(data)
	for _, path := range []string{"serverId", "id", "message.id", "message._id", "_id"} {
		if v := res.Get(path); v.Exists() && v.String() != "" {
			return v.String(), nil
		}
	}
	// The message is stored; the idempotency key is the only handle left.
	c.log.Warn().Str("correlation_id", msg.CorrelationID).Str("room", roomRef).Msg("no message id in response, using correlation id")
	return msg.CorrelationID, nil
}

// History returns the raw stored messages of the room, oldest first as the
// server orders them. Accepts a bare array or {"messages": [...]}.
func (c *Client) History(ctx context.Context, roomRef string) ([]json.RawMessage, error) {
	data, err := c.do(ctx, http.MethodGet, c.messagesPath(roomRef), nil, "", ErrRequestRejected)
	if err != nil {
		return nil, err
	}
	res := gjson.ParseBytes(data)
	if !res.IsArray() {
		res = res.Get("messages")
	}
	if !res.IsArray() {
		return nil, fmt.Errorf("%w: history is not a list", domain.ErrMalformedPayload)
	}
	items := res.Array()
	out := make([]json.RawMessage, 0, len(items))
	for _, it := range items {
		out = append(out, json.RawMessage(it.Raw))
	}
	return out, nil
}

func (c *Client) messagesPath(roomRef string) string {
	return c.base + "/chats/" + url.PathEscape(roomRef) + "/messages"
}

// do runs one request with bounded retries on transport errors and
// retryable statuses. Any other non-2xx answer is returned as rejected.
func (c *Client) do(ctx context.Context, method, target string, body []byte, idempotencyKey string, rejected error) ([]byte, error) {
	token, err := c.token.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCredentialMissing, err)
	}
	if token == "" {
		return nil, domain.ErrCredentialMissing
	}

	var out []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if idempotencyKey != "" {
			req.Header.Set("Idempotency-Key", idempotencyKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(fmt.Errorf("%w: %w", domain.ErrConnectionUnavailable, ctx.Err()))
			}
			return fmt.Errorf("%w: %v", domain.ErrConnectionUnavailable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			out, err = io.ReadAll(resp.Body)
			return err
		}
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		serr := &StatusError{Code: resp.StatusCode, Message: serverMessage(msg)}
		if retryable(resp.StatusCode) {
			return serr
		}
		return backoff.Permanent(serr)
	}

	b := backoff.NewExponentialBackOff(backoff.WithInitialInterval(c.initial), backoff.WithMaxInterval(2*time.Second))
	err = backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, c.retries), ctx), func(err error, d time.Duration) {
		c.log.Warn().Err(err).Str("method", method).Dur("retry_in", d).Msg("durable request failed")
	})
	if err == nil {
		return out, nil
	}

	var serr *StatusError
	if errors.As(err, &serr) && !retryable(serr.Code) {
		return nil, domain.Rejected(rejected, serr.Message)
	}
	if errors.As(err, &serr) {
		return nil, fmt.Errorf("%w: %v", domain.ErrConnectionUnavailable, serr)
	}
	return nil, err
}

func serverMessage(body []byte) string {
	res := gjson.ParseBytes(body)
	for _, path := range []string{"message", "error", "error.message"} {
		if v := res.Get(path); v.Type == gjson.String {
			return v.String()
		}
	}
	return strings.TrimSpace(string(body))
}
