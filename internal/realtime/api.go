package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/alexjbarnes/chirpsync/internal/chat"
	"github.com/alexjbarnes/chirpsync/internal/observability"
	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// StatusError carries the HTTP status of a failed API call.
type StatusError struct {
	Endpoint string
	Code     int
	Detail   string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("API %s (%d): %s", e.Endpoint, e.Code, e.Detail)
	}

	return fmt.Sprintf("API %s returned status %d", e.Endpoint, e.Code)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// by the API client when no custom client is provided. The event
	// stream does not use it.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 4 * 1024 * 1024
)

// APIClient talks to the chat server's REST endpoints: catch-up sync
// and the request/response writes used while degraded.
type APIClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
	breaker    *gobreaker.CircuitBreaker
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the bearer credential never
// leaks to a third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewAPIClient creates a client for baseURL. If httpClient is nil, a
// client with a 30-second timeout and same-host redirect policy is used.
func NewAPIClient(httpClient *http.Client, baseURL, token string) *APIClient {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &APIClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		token:      token,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "fallback-writes",
			MaxRequests: 1,
			Timeout:     20 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 5 },
			IsSuccessful: func(err error) bool {
				// Rejections of a single request say nothing about the server.
				return err == nil || !IsTransient(err)
			},
		}),
	}
}

// sanitizeResponseBody truncates and cleans a response body for safe
// inclusion in error messages.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 200
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// do sends a request with bearer auth and returns the response body.
// Network failures and 429/5xx responses come back as TransientError.
func (c *APIClient) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("sending request to %s: %w", endpoint, err)
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, &TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("reading response from %s: %w", endpoint, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// FastAPI reports errors as {"detail": "..."}.
		detail := gjson.GetBytes(respBody, "detail").String()
		if detail == "" {
			detail = sanitizeResponseBody(respBody)
		}

		statusErr := &StatusError{Endpoint: endpoint, Code: resp.StatusCode, Detail: detail}
		if isTransientStatus(resp.StatusCode) {
			return nil, &TransientError{Err: statusErr}
		}

		return nil, statusErr
	}

	return respBody, nil
}

// CatchUp fetches every event broadcast after sequence since. Each
// element is one inbound frame, in server order.
func (c *APIClient) CatchUp(ctx context.Context, since int64) ([][]byte, error) {
	endpoint := "/events/sync?since=" + strconv.FormatInt(since, 10)

	body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("catching up: %w", err)
	}

	parsed := gjson.ParseBytes(body)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("catching up: expected array, got %s", sanitizeResponseBody(body))
	}

	var frames [][]byte

	parsed.ForEach(func(_, v gjson.Result) bool {
		if v.IsObject() {
			frames = append(frames, []byte(v.Raw))
		}

		return true
	})

	return frames, nil
}

// write sends a fallback write through the circuit breaker.
func (c *APIClient) write(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	res, err := c.breaker.Execute(func() (any, error) {
		return c.do(ctx, http.MethodPost, endpoint, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.FallbackRequests.WithLabelValues("breaker_open").Inc()
			return nil, &TransientError{Err: fmt.Errorf("fallback writes suspended: %w", err)}
		}

		observability.FallbackRequests.WithLabelValues("error").Inc()

		return nil, err
	}

	observability.FallbackRequests.WithLabelValues("ok").Inc()

	return res.([]byte), nil
}

// PostMessage stores a message over REST and returns the equivalent
// new_message frame, so reconciliation does not depend on the transport.
func (c *APIClient) PostMessage(ctx context.Context, chatID string, frame []byte) ([]byte, error) {
	body, err := c.write(ctx, "/chats/"+url.PathEscape(chatID)+"/messages", frame)
	if err != nil {
		return nil, fmt.Errorf("posting message: %w", err)
	}

	return json.Marshal(struct {
		EventType string          `json:"event_type"`
		ChatID    string          `json:"chat_id"`
		Message   json.RawMessage `json:"message"`
	}{chat.EventNewMessage, chatID, body})
}

// ToggleReaction toggles a reaction over REST and returns the equivalent
// message_reaction_update frame.
func (c *APIClient) ToggleReaction(ctx context.Context, messageID string, frame []byte) ([]byte, error) {
	body, err := c.write(ctx, "/chats/messages/"+url.PathEscape(messageID)+"/reactions", frame)
	if err != nil {
		return nil, fmt.Errorf("toggling reaction: %w", err)
	}

	reactions := json.RawMessage(gjson.GetBytes(body, "reactions").Raw)
	if len(reactions) == 0 {
		reactions = json.RawMessage(`{}`)
	}

	return json.Marshal(struct {
		EventType string          `json:"event_type"`
		MessageID string          `json:"message_id"`
		ChatID    string          `json:"chat_id"`
		Reactions json.RawMessage `json:"reactions"`
	}{chat.EventReactionUpdate, messageID, gjson.GetBytes(body, "chat_id").String(), reactions})
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}
