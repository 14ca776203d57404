package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	syncerr "github.com/alexjbarnes/chirpsync/internal/errors"
	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
)

//go:generate mockgen -source=conn.go -destination=mock_conn_test.go -package=realtime

// wsReadLimit caps a single inbound frame. Messages carry media by URL,
// so frames stay small.
const wsReadLimit = 1 << 20

// Conn abstracts the duplex connection so the manager can be tested
// without a real server. *websocket.Conn satisfies this interface.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// Dialer opens an authenticated duplex connection.
type Dialer interface {
	Dial(ctx context.Context, url, token string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url, token string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, url, token string) (Conn, error) {
	return f(ctx, url, token)
}

// WSDialer dials the chat server's websocket endpoint. The credential
// travels as the token query parameter, which is how the server
// authenticates the upgrade.
type WSDialer struct {
	HTTPClient *http.Client
}

func (d WSDialer) Dial(ctx context.Context, rawURL, token string) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing websocket url: %w", err)
	}

	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", syncerr.ErrConnectionRejected, resp.StatusCode)
		}

		return nil, fmt.Errorf("dialing websocket: %w", err)
	}

	return conn, nil
}

// isRejection reports whether err means the server refused us on
// policy or authentication grounds. Such failures are never retried.
func isRejection(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, syncerr.ErrConnectionRejected) {
		return true
	}

	return websocket.CloseStatus(err) == websocket.StatusPolicyViolation
}

// credentialExpired reports whether token is a JWT whose exp claim has
// passed. Opaque tokens are never considered expired.
func credentialExpired(token string, now time.Time) bool {
	claims := &jwt.RegisteredClaims{}

	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}

	return claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time)
}
