package realtime

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alexjbarnes/chirpsync/internal/chat"
	syncerr "github.com/alexjbarnes/chirpsync/internal/errors"
	"github.com/tidwall/gjson"
)

// FallbackTransport is the lower-capability channel used while the
// duplex connection is unavailable: a server-push stream for inbound
// events and one request per outbound event.
type FallbackTransport interface {
	// Stream delivers inbound frames to publish until ctx is cancelled or
	// the stream fails.
	Stream(ctx context.Context, publish func([]byte)) error
	// Supports reports whether eventType can be sent as a request.
	Supports(eventType string) bool
	// Send performs the request for one outbound frame and returns the
	// inbound frame equivalent to the server's response.
	Send(ctx context.Context, eventType string, frame []byte) ([]byte, error)
}

// Fallback streams server-sent events from /events/subscribe and maps
// writes onto the REST API.
type Fallback struct {
	api          *APIClient
	streamClient *http.Client
	baseURL      string
	token        string
	logger       *slog.Logger
}

// NewFallback creates a fallback transport. streamClient must not have a
// request timeout since the stream is long-lived; nil uses a fresh client
// with the same-host redirect policy.
func NewFallback(api *APIClient, streamClient *http.Client, logger *slog.Logger) *Fallback {
	if streamClient == nil {
		streamClient = &http.Client{CheckRedirect: sameHostRedirectPolicy}
	}

	return &Fallback{
		api:          api,
		streamClient: streamClient,
		baseURL:      api.baseURL,
		token:        api.token,
		logger:       logger,
	}
}

// Supports reports whether eventType has a REST equivalent.
func (f *Fallback) Supports(eventType string) bool {
	return eventType == chat.EventSendMessage || eventType == chat.EventToggleReaction
}

// Send maps an outbound frame onto its REST endpoint.
func (f *Fallback) Send(ctx context.Context, eventType string, frame []byte) ([]byte, error) {
	switch eventType {
	case chat.EventSendMessage:
		return f.api.PostMessage(ctx, gjson.GetBytes(frame, "chat_id").String(), frame)
	case chat.EventToggleReaction:
		return f.api.ToggleReaction(ctx, gjson.GetBytes(frame, "message_id").String(), frame)
	default:
		return nil, fmt.Errorf("%w: %s", syncerr.ErrUnsupportedOnLink, eventType)
	}
}

// Stream reads the event stream until it ends. Keep-alive events are
// skipped; every other event's data is published as one frame.
func (f *Fallback) Stream(ctx context.Context, publish func([]byte)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/events/subscribe", nil)
	if err != nil {
		return fmt.Errorf("creating stream request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+f.token)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := f.streamClient.Do(req)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("opening event stream: %w", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: event stream status %d", syncerr.ErrConnectionRejected, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return &TransientError{Err: fmt.Errorf("event stream returned status %d", resp.StatusCode)}
	}

	f.logger.Info("fallback event stream open")

	err = readEventStream(bufio.NewReader(resp.Body), func(event, data string) {
		switch event {
		case "ping", "sse_connected":
			return
		}

		if data == "" {
			return
		}

		publish([]byte(data))
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err != nil {
		return &TransientError{Err: fmt.Errorf("reading event stream: %w", err)}
	}

	return &TransientError{Err: fmt.Errorf("event stream closed: %w", syncerr.ErrConnectionLost)}
}

// readEventStream parses the text/event-stream format: field lines
// separated by blank lines, data lines joined with newlines. It returns
// nil at end of stream.
func readEventStream(r *bufio.Reader, emit func(event, data string)) error {
	var (
		event string
		data  []string
	)

	flush := func() {
		if event != "" || len(data) > 0 {
			emit(event, strings.Join(data, "\n"))
		}

		event, data = "", nil
	}

	for {
		line, err := r.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")

			switch {
			case line == "":
				flush()
			case strings.HasPrefix(line, ":"):
				// comment
			default:
				field, value, _ := strings.Cut(line, ":")
				value = strings.TrimPrefix(value, " ")

				switch field {
				case "event":
					event = value
				case "data":
					data = append(data, value)
				}
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				return nil
			}

			return err
		}
	}
}
