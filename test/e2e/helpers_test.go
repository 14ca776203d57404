package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/chirpsync/internal/dispatch"
	"github.com/alexjbarnes/chirpsync/internal/mcpserver"
	"github.com/alexjbarnes/chirpsync/internal/messages"
	"github.com/alexjbarnes/chirpsync/internal/realtime"
	"github.com/alexjbarnes/chirpsync/internal/server"
	"github.com/alexjbarnes/chirpsync/internal/state"
	"github.com/alexjbarnes/chirpsync/internal/uploads"
	"github.com/coder/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const (
	chatToken = "chat-bearer-token"
	mcpKey    = "e2e-mcp-key"
	userID    = "me"
)

// chatServer is a minimal chat backend: a websocket endpoint that acks
// and echoes send_message frames, an empty catch-up feed and the image
// upload endpoint.
type chatServer struct {
	srv *httptest.Server

	mu      sync.Mutex
	conns   []*websocket.Conn
	frames  []string
	uploads []string
	nextID  int
	seq     int64
}

func newChatServer(t *testing.T) *chatServer {
	t.Helper()

	cs := &chatServer{}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/connect", cs.handleWS)
	mux.HandleFunc("GET /events/sync", func(w http.ResponseWriter, r *http.Request) {
		if !cs.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, "[]")
	})
	mux.HandleFunc("POST /uploads/chat_image", func(w http.ResponseWriter, r *http.Request) {
		if !cs.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		_, header, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		cs.mu.Lock()
		cs.uploads = append(cs.uploads, header.Filename)
		cs.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"image_url":"https://cdn.example/%[1]s","image_thumbnail_url":"https://cdn.example/thumb/%[1]s"}`, header.Filename)
	})

	cs.srv = httptest.NewServer(mux)
	t.Cleanup(cs.srv.Close)

	return cs
}

func (cs *chatServer) authorized(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Bearer "+chatToken
}

func (cs *chatServer) wsURL() string {
	return "ws" + strings.TrimPrefix(cs.srv.URL, "http") + "/ws/connect"
}

func (cs *chatServer) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") != chatToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	cs.mu.Lock()
	cs.conns = append(cs.conns, conn)
	cs.mu.Unlock()

	defer conn.CloseNow()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}

		eventType := gjson.GetBytes(data, "event_type").String()
		if eventType == "ping" {
			continue
		}

		cs.mu.Lock()
		cs.frames = append(cs.frames, string(data))
		cs.mu.Unlock()

		if eventType == "send_message" {
			cs.store(r.Context(), conn, data)
		}
	}
}

// store acknowledges a send_message and broadcasts the stored message.
func (cs *chatServer) store(ctx context.Context, conn *websocket.Conn, frame []byte) {
	var msg map[string]any
	if err := json.Unmarshal(frame, &msg); err != nil {
		return
	}

	cs.mu.Lock()
	cs.nextID++
	id := fmt.Sprintf("m-%d", cs.nextID)
	cs.mu.Unlock()

	delete(msg, "event_type")
	msg["id"] = id
	msg["user_id"] = userID
	msg["status"] = "sent"
	msg["created_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	_ = cs.write(ctx, conn, map[string]any{
		"event_type":         "message_ack",
		"client_temp_id":     msg["client_temp_id"],
		"server_assigned_id": id,
	})

	cs.broadcast(ctx, map[string]any{
		"event_type": "new_message",
		"chat_id":    msg["chat_id"],
		"message":    msg,
	})
}

// broadcast sends ev, stamped with the next sequence, to every client.
func (cs *chatServer) broadcast(ctx context.Context, ev map[string]any) {
	cs.mu.Lock()
	cs.seq++
	ev["sequence"] = cs.seq
	conns := append([]*websocket.Conn(nil), cs.conns...)
	cs.mu.Unlock()

	for _, c := range conns {
		_ = cs.write(ctx, c, ev)
	}
}

func (cs *chatServer) write(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return conn.Write(ctx, websocket.MessageText, data)
}

func (cs *chatServer) received() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	return append([]string(nil), cs.frames...)
}

func (cs *chatServer) uploaded() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	return append([]string(nil), cs.uploads...)
}

// harness holds the full e2e stack: the chat backend, the sync engine
// wired the way main wires it, and the MCP endpoint behind server.NewMux.
type harness struct {
	Chat    *chatServer
	Store   *state.MemoryStore
	Conn    *realtime.Manager
	Engine  *messages.Engine
	Uploads *uploads.Manager
	URL     string
	Client  *http.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cs := newChatServer(t)
	logger := slog.New(slog.DiscardHandler)
	store := state.NewMemory()

	api := realtime.NewAPIClient(nil, cs.srv.URL, chatToken)
	conn := realtime.NewManager(realtime.ManagerConfig{
		URL:      cs.wsURL(),
		Token:    chatToken,
		Dialer:   realtime.WSDialer{},
		Fallback: realtime.NewFallback(api, nil, logger),
		CatchUp:  api,
		Cursor:   store,
	}, logger)

	queue := uploads.NewManager(store, uploads.NewHTTPUploader(cs.srv.URL, chatToken, nil), uploads.Config{}, logger)
	engine := messages.New(conn, queue, messages.Config{UserID: userID}, logger)

	dispatcher, err := dispatch.New(engine, store, logger)
	require.NoError(t, err)

	frames, unsubscribe := conn.Frames()

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup

	wg.Go(func() { _ = conn.Run(ctx) })
	wg.Go(func() { _ = queue.Run(ctx) })
	wg.Go(func() { _ = engine.Run(ctx) })
	wg.Go(func() { _ = dispatcher.Run(ctx, frames) })

	t.Cleanup(func() {
		cancel()
		wg.Wait()
		unsubscribe()
	})

	require.NoError(t, conn.Connect(ctx, ""))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chirpsync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, mcpserver.Deps{
		Messages:   engine,
		Uploads:    queue,
		Connection: conn,
	})

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		MCPHandler: mcpHandler,
		APIKey:     mcpKey,
		Logger:     logger,
	}))
	t.Cleanup(ts.Close)

	return &harness{
		Chat:    cs,
		Store:   store,
		Conn:    conn,
		Engine:  engine,
		Uploads: queue,
		URL:     ts.URL,
		Client:  ts.Client(),
	}
}

// waitConnected blocks until the duplex connection is up.
func (h *harness) waitConnected(t *testing.T) {
	t.Helper()

	require.Eventually(t, func() bool {
		return h.Conn.State() == realtime.StateConnected
	}, 5*time.Second, 10*time.Millisecond)
}

// mcpSession creates an MCP client session authenticated with the given
// Bearer key. Uses the MCP SDK's StreamableClientTransport with a
// custom HTTP RoundTripper that injects the Authorization header.
func (h *harness) mcpSession(t *testing.T, key string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: key,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// callTool calls a tool and requires a non-error result.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)
	require.False(t, result.IsError, "%s: %s", name, extractTextContent(t, result))

	return result
}

// extractTextContent returns the text of the first content item.
func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")

	return tc.Text
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}
