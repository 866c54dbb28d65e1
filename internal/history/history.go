// Package history fetches a conversation's stored messages over HTTP.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/omochice/listing-chat/internal/log"
	"github.com/omochice/listing-chat/pkg/protocol"
)

// Errors
var (
	ErrAuthenticationRequired = errors.New("history: authentication required")
	ErrNotFound               = errors.New("history: conversation not found")
	ErrOther                  = errors.New("history: request failed")
)

// Fetcher returns the stored messages of a conversation.
type Fetcher interface {
	FetchHistory(ctx context.Context, conversationID int64) ([]protocol.Message, error)
}

// TokenSource supplies the bearer token for history requests.
type TokenSource interface {
	AuthToken() (string, bool)
}

// HTTPFetcher reads history from GET {base}/api/chat-rooms/{id}/messages.
// Concurrent fetches of one conversation share a single request.
type HTTPFetcher struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	codec      *protocol.Codec
	logger     zerolog.Logger
	sf         singleflight.Group
}

// Option configures an HTTPFetcher.
type Option func(*HTTPFetcher)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *HTTPFetcher) { f.httpClient = c }
}

// WithCodec sets the codec used to decode history entries.
func WithCodec(c *protocol.Codec) Option {
	return func(f *HTTPFetcher) { f.codec = c }
}

// WithLogger sets the logger. A nil logger keeps the global one.
func WithLogger(l *zerolog.Logger) Option {
	return func(f *HTTPFetcher) {
		if l != nil {
			f.logger = *l
		}
	}
}

// NewHTTPFetcher creates a fetcher. timeout bounds each request.
func NewHTTPFetcher(baseURL string, tokens TokenSource, timeout time.Duration, opts ...Option) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	f := &HTTPFetcher{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		tokens:     tokens,
		codec:      protocol.NewCodec(),
		logger:     log.L(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With().Str(log.FieldComponent, "history").Logger()
	return f
}

// FetchHistory implements Fetcher. The shared request is not cancelled
// when one caller gives up; each caller stops waiting on its own ctx.
func (f *HTTPFetcher) FetchHistory(ctx context.Context, conversationID int64) ([]protocol.Message, error) {
	key := strconv.FormatInt(conversationID, 10)
	ch := f.sf.DoChan(key, func() (interface{}, error) {
		return f.fetch(context.WithoutCancel(ctx), conversationID)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrOther, ctx.Err())
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}

	messages, ok := res.Val.([]protocol.Message)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected result type from singleflight", ErrOther)
	}
	// Callers sharing a flight must not share the slice.
	return append([]protocol.Message(nil), messages...), nil
}

func (f *HTTPFetcher) fetch(ctx context.Context, conversationID int64) ([]protocol.Message, error) {
	token, ok := f.tokens.AuthToken()
	if !ok || token == "" {
		return nil, ErrAuthenticationRequired
	}

	url := fmt.Sprintf("%s/api/chat-rooms/%d/messages", f.baseURL, conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", ErrOther, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch history: %v", ErrOther, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, ErrAuthenticationRequired
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: history service returned status: %d", ErrOther, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrOther, err)
	}

	items, err := unwrapList(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOther, err)
	}

	messages := make([]protocol.Message, 0, len(items))
	for _, raw := range items {
		m, err := f.codec.Decode(raw)
		if err != nil {
			f.logger.Debug().Err(err).Int64(log.FieldConversationID, conversationID).Msg("undecodable history entry, using raw text")
			m = f.codec.Fallback(raw)
		}
		if m.ConversationID == 0 {
			m.ConversationID = conversationID
		}
		messages = append(messages, m)
	}

	f.logger.Debug().
		Int64(log.FieldConversationID, conversationID).
		Int("count", len(messages)).
		Msg("history fetched")
	return messages, nil
}

// unwrapList accepts a bare array or an object wrapping the array in
// "data" or "messages".
func unwrapList(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}

	var items []json.RawMessage
	if body[0] == '[' {
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		return items, nil
	}

	var envelope struct {
		Data     []json.RawMessage `json:"data"`
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if envelope.Data != nil {
		return envelope.Data, nil
	}
	return envelope.Messages, nil
}
