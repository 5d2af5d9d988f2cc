package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/gorilla/websocket"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/roach88/scoresync/internal/model"
	"github.com/roach88/scoresync/internal/version"
)

// Defaults for HTTPClient.
const (
	DefaultTimeout         = 15 * time.Second
	DefaultBreakerFailures = 5
	DefaultBreakerTimeout  = 30 * time.Second
)

// HTTPClient reaches the store of record over HTTP, with a websocket
// change stream. Calls go through a circuit breaker; an open breaker fails
// fast with ErrUnavailable.
type HTTPClient struct {
	base    *url.URL
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  *slog.Logger

	breakerFailures uint32
	breakerTimeout  time.Duration
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		h.http = c
	}
}

// WithBreaker sets the consecutive failures that open the breaker and how
// long it stays open.
func WithBreaker(failures uint32, timeout time.Duration) HTTPOption {
	return func(h *HTTPClient) {
		h.breakerFailures = failures
		h.breakerTimeout = timeout
	}
}

// WithHTTPLogger sets the logger.
func WithHTTPLogger(l *slog.Logger) HTTPOption {
	return func(h *HTTPClient) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHTTPClient creates a client for the store of record at baseURL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse remote url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("parse remote url: unsupported scheme %q", base.Scheme)
	}

	h := &HTTPClient{
		base:            base,
		http:            &http.Client{Timeout: DefaultTimeout},
		logger:          slog.Default(),
		breakerFailures: DefaultBreakerFailures,
		breakerTimeout:  DefaultBreakerTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}

	h.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "remote",
		MaxRequests: 1,
		Timeout:     h.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= h.breakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			h.logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return h, nil
}

// BreakerState returns the circuit breaker state name.
func (h *HTTPClient) BreakerState() string {
	return h.breaker.State().String()
}

// Fetch implements Remote.
func (h *HTTPClient) Fetch(ctx context.Context, entityID string) (*model.Entity, error) {
	body, err := h.do(ctx, http.MethodGet, "/entities/"+url.PathEscape(entityID), nil, nil, false)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", entityID, err)
	}
	var e model.Entity
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("fetch %s: decode: %w", entityID, err)
	}
	return &e, nil
}

// History implements Remote.
func (h *HTTPClient) History(ctx context.Context, entityID string, since version.Vector) ([]model.HistoryEntry, error) {
	q := url.Values{}
	if since != nil {
		raw, err := json.Marshal(since)
		if err != nil {
			return nil, fmt.Errorf("history %s: %w", entityID, err)
		}
		q.Set("since", string(raw))
	}
	body, err := h.do(ctx, http.MethodGet, "/entities/"+url.PathEscape(entityID)+"/history", q, nil, false)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", entityID, err)
	}
	entries := []model.HistoryEntry{}
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("history %s: decode: %w", entityID, err)
	}
	return entries, nil
}

// Submit implements Remote. Minimal batches travel snappy-compressed.
func (h *HTTPClient) Submit(ctx context.Context, b Batch) (BatchResult, error) {
	payload, err := json.Marshal(b)
	if err != nil {
		return BatchResult{}, fmt.Errorf("submit %s: %w", b.ID, err)
	}
	body, err := h.do(ctx, http.MethodPost, "/batches", nil, payload, b.Minimal)
	if err != nil {
		return BatchResult{}, fmt.Errorf("submit %s: %w", b.ID, err)
	}
	var res BatchResult
	if err := json.Unmarshal(body, &res); err != nil {
		return BatchResult{}, fmt.Errorf("submit %s: decode: %w", b.ID, err)
	}
	return res, nil
}

// do performs one request through the breaker and returns the decoded body.
func (h *HTTPClient) do(ctx context.Context, method, path string, query url.Values, payload []byte, compress bool) ([]byte, error) {
	u := *h.base
	u.Path += path
	u.RawQuery = query.Encode()

	if payload != nil && compress {
		payload = snappy.Encode(nil, payload)
	}

	body, err := h.breaker.Execute(func() ([]byte, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
			if compress {
				req.Header.Set("Content-Encoding", encodingSnappy)
			}
		}

		resp, err := h.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
		}
		if resp.StatusCode >= 300 {
			return nil, &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		}
		if resp.Header.Get("Content-Encoding") == encodingSnappy {
			if data, err = snappy.Decode(nil, data); err != nil {
				return nil, fmt.Errorf("decode snappy body: %w", err)
			}
		}
		return data, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var se *StatusError
	if errors.As(err, &se) && se.Code >= 500 {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return body, err
}

// Subscribe implements Remote over a websocket. The stream ends, closing
// the channel, when ctx is done or the connection drops.
func (h *HTTPClient) Subscribe(ctx context.Context) (<-chan Change, error) {
	u := *h.base
	u.Path += "/changes"
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w: %v", ErrUnavailable, err)
	}

	ch := make(chan Change, changeBuffer)
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			_ = conn.Close()
		case <-stop:
		}
	}()
	go func() {
		defer close(ch)
		defer close(stop)
		defer conn.Close()
		for {
			var c Change
			if err := conn.ReadJSON(&c); err != nil {
				if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.logger.Warn("change stream ended", "error", err)
				}
				return
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
