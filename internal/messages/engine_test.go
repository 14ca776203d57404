package messages

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/alexjbarnes/chirpsync/internal/chat"
	"github.com/alexjbarnes/chirpsync/internal/dispatch"
	syncerr "github.com/alexjbarnes/chirpsync/internal/errors"
	"github.com/alexjbarnes/chirpsync/internal/events"
	"github.com/alexjbarnes/chirpsync/internal/models"
	"github.com/alexjbarnes/chirpsync/internal/uploads"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var _ dispatch.MessageHandler = (*Engine)(nil)

type fakeTransport struct {
	mu   sync.Mutex
	sent []any
	err  error
}

func (f *fakeTransport) Send(_ context.Context, ev any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, ev)

	return f.err
}

func (f *fakeTransport) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.err = err
}

func (f *fakeTransport) all() []any {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]any(nil), f.sent...)
}

func (f *fakeTransport) messages() []chat.SendMessageEvent {
	var out []chat.SendMessageEvent

	for _, ev := range f.all() {
		if sm, ok := ev.(chat.SendMessageEvent); ok {
			out = append(out, sm)
		}
	}

	return out
}

type fakeQueue struct {
	hub *events.Hub[uploads.Event]

	mu         sync.Mutex
	reqs       []uploads.Request
	retried    []string
	enqueueErr error
	retryErr   error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{hub: events.NewHub[uploads.Event]()}
}

func (q *fakeQueue) Enqueue(_ context.Context, req uploads.Request) (models.Upload, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.enqueueErr != nil {
		return models.Upload{}, q.enqueueErr
	}

	q.reqs = append(q.reqs, req)

	return models.Upload{
		ID:        fmt.Sprintf("up-%d", len(q.reqs)),
		MessageID: req.MessageID,
		Subtype:   req.Subtype,
		Status:    models.UploadPending,
	}, nil
}

func (q *fakeQueue) Retry(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.retried = append(q.retried, id)

	return q.retryErr
}

func (q *fakeQueue) Events() (<-chan uploads.Event, func()) {
	return q.hub.Subscribe()
}

func (q *fakeQueue) requests() []uploads.Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]uploads.Request(nil), q.reqs...)
}

func (q *fakeQueue) emit(kind uploads.EventKind, id, messageID string, res uploads.Result, err error) {
	q.hub.Publish(uploads.Event{
		Kind:   kind,
		Upload: models.Upload{ID: id, MessageID: messageID},
		Result: res,
		Err:    err,
	})
}

type harness struct {
	e      *Engine
	tr     *fakeTransport
	q      *fakeQueue
	events <-chan Event
	stop   func()
}

func startEngine(t *testing.T, cfg Config) *harness {
	t.Helper()

	tr := &fakeTransport{}
	q := newFakeQueue()
	e := New(tr, q, cfg, quietLogger)
	evs, _ := e.Events()

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)

	go func() { errCh <- e.Run(ctx) }()

	// Let Run subscribe to upload events.
	synctest.Wait()

	return &harness{
		e:      e,
		tr:     tr,
		q:      q,
		events: evs,
		stop: func() {
			cancel()
			<-errCh
		},
	}
}

func (h *harness) list(t *testing.T, chatID string) []chat.Message {
	t.Helper()
	synctest.Wait()

	msgs, err := h.e.Messages(t.Context(), chatID)
	require.NoError(t, err)

	return msgs
}

func (h *harness) get(t *testing.T, key string) chat.Message {
	t.Helper()
	synctest.Wait()

	msg, err := h.e.Message(t.Context(), key)
	require.NoError(t, err)

	return msg
}

func drainEvents(ch <-chan Event) []Event {
	var out []Event

	for {
		synctest.Wait()
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}

			out = append(out, ev)
		default:
			return out
		}
	}
}

func keys(msgs []chat.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Key())
	}

	return out
}

func inbound(id, chatID, userID, text string, at time.Time) chat.NewMessageEvent {
	return chat.NewMessageEvent{
		EventType: chat.EventNewMessage,
		ChatID:    chatID,
		Message: chat.ServerMessage{
			ID:             id,
			ChatID:         chatID,
			UserID:         userID,
			MessageSubtype: chat.SubtypeText,
			Text:           text,
			CreatedAt:      at,
		},
	}
}

func ack(tempID, serverID string) chat.MessageAckEvent {
	return chat.MessageAckEvent{EventType: chat.EventMessageAck, ClientTempID: tempID, ServerAssignedID: serverID}
}

// --- Send and acknowledge ---

func TestSend_PendingUntilAcked(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{UserID: "me"})
		defer h.stop()

		msg, err := h.e.SendText(t.Context(), "c1", "hello")
		require.NoError(t, err)

		assert.NotEmpty(t, msg.ClientTempID)
		assert.Equal(t, chat.StatusPending, msg.Status)
		assert.True(t, msg.Outgoing)
		assert.Equal(t, "me", msg.SenderID)
		assert.Equal(t, chat.ModeNormal, msg.Mode)

		sent := h.tr.messages()
		require.Len(t, sent, 1)
		assert.Equal(t, chat.EventSendMessage, sent[0].EventType)
		assert.Equal(t, msg.ClientTempID, sent[0].ClientTempID)
		assert.Equal(t, "hello", sent[0].Text)
		assert.Equal(t, chat.SubtypeText, sent[0].MessageSubtype)

		h.e.HandleAck(ack(msg.ClientTempID, "m1"))

		got := h.get(t, msg.ClientTempID)
		assert.Equal(t, chat.StatusSent, got.Status)
		assert.Equal(t, "m1", got.ServerID)
		assert.Equal(t, got, h.get(t, "m1"), "found by server id too")

		evs := drainEvents(h.events)
		require.Len(t, evs, 2)
		assert.Equal(t, EventAdded, evs[0].Kind)
		assert.Equal(t, EventUpdated, evs[1].Kind)
		assert.Equal(t, chat.StatusSent, evs[1].Message.Status)
	})
}

func TestSend_TimeoutFailsMessage(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{SendTimeout: 15 * time.Second})
		defer h.stop()

		msg, err := h.e.SendText(t.Context(), "c1", "hello")
		require.NoError(t, err)

		time.Sleep(15*time.Second - time.Millisecond)
		assert.Equal(t, chat.StatusPending, h.get(t, msg.ClientTempID).Status)

		time.Sleep(2 * time.Millisecond)

		got := h.get(t, msg.ClientTempID)
		assert.Equal(t, chat.StatusFailed, got.Status)
		assert.Equal(t, syncerr.ErrSendTimeout.Error(), got.LastError)
	})
}

func TestSend_AckCancelsTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{SendTimeout: 15 * time.Second})
		defer h.stop()

		msg, err := h.e.SendText(t.Context(), "c1", "hello")
		require.NoError(t, err)

		time.Sleep(5 * time.Second)
		h.e.HandleAck(ack(msg.ClientTempID, "m1"))

		time.Sleep(time.Minute)
		assert.Equal(t, chat.StatusSent, h.get(t, "m1").Status)
	})
}

func TestSend_RetryAfterTimeoutIgnoresLateAck(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{SendTimeout: 15 * time.Second})
		defer h.stop()

		first, err := h.e.SendText(t.Context(), "c1", "hello")
		require.NoError(t, err)
		t1 := first.ClientTempID

		time.Sleep(15*time.Second + time.Millisecond)
		require.Equal(t, chat.StatusFailed, h.get(t, t1).Status)

		h.e.HandleAck(ack(t1, "m-late"))
		assert.Equal(t, chat.StatusFailed, h.get(t, t1).Status, "failed does not revert to sent")

		retried, err := h.e.Retry(t.Context(), t1)
		require.NoError(t, err)
		t2 := retried.ClientTempID

		assert.NotEqual(t, t1, t2)
		assert.Equal(t, chat.StatusPending, retried.Status)
		assert.Equal(t, "hello", retried.Payload.Text)

		sent := h.tr.messages()
		require.Len(t, sent, 2)
		assert.Equal(t, t2, sent[1].ClientTempID)

		assert.Equal(t, []string{t2}, keys(h.list(t, "c1")), "old record retired")

		h.e.HandleAck(ack(t1, "m-late"))
		h.e.HandleNewMessage(chat.NewMessageEvent{
			ChatID:  "c1",
			Message: chat.ServerMessage{ID: "m-late", ClientTempID: t1, ChatID: "c1", MessageSubtype: chat.SubtypeText, Text: "hello"},
		})

		msgs := h.list(t, "c1")
		require.Len(t, msgs, 1)
		assert.Equal(t, t2, msgs[0].ClientTempID)
		assert.Equal(t, chat.StatusPending, msgs[0].Status)

		h.e.HandleAck(ack(t2, "m2"))
		assert.Equal(t, chat.StatusSent, h.get(t, t2).Status)

		_, err = h.e.Message(t.Context(), t1)
		assert.ErrorIs(t, err, syncerr.ErrMessageNotFound)
	})
}

func TestSend_TransportErrorFailsImmediately(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{})
		defer h.stop()

		h.tr.fail(fmt.Errorf("%w: state disconnected", syncerr.ErrNotConnected))

		msg, err := h.e.SendText(t.Context(), "c1", "hello")
		require.NoError(t, err, "send errors are record scoped")

		assert.Equal(t, chat.StatusFailed, msg.Status)
		assert.Contains(t, msg.LastError, "not connected")
		assert.Equal(t, chat.StatusFailed, h.get(t, msg.ClientTempID).Status)
	})
}

func TestRetry_Errors(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{})
		defer h.stop()

		_, err := h.e.Retry(t.Context(), "nope")
		assert.ErrorIs(t, err, syncerr.ErrMessageNotFound)

		msg, err := h.e.SendText(t.Context(), "c1", "hello")
		require.NoError(t, err)

		_, err = h.e.Retry(t.Context(), msg.ClientTempID)
		assert.ErrorIs(t, err, syncerr.ErrMessageNotFailed)
	})
}

func TestSend_InvalidDrafts(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{})
		defer h.stop()

		for _, d := range []Draft{
			{Payload: chat.TextPayload("hi")},
			{ChatID: "c1", Payload: chat.TextPayload("   ")},
			{ChatID: "c1", Payload: chat.StickerPayload("")},
			{ChatID: "c1"},
			{ChatID: "c1", Payload: chat.TextPayload("hi"), Mode: "loud"},
		} {
			_, err := h.e.Send(t.Context(), d)
			assert.ErrorIs(t, err, ErrInvalidMessage, "%+v", d)
		}

		assert.Empty(t, h.tr.all())
		assert.Empty(t, h.list(t, ""))
	})
}

func TestSend_NormalisesText(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{})
		defer h.stop()

		msg, err := h.e.SendText(t.Context(), "c1", "cafe\u0301")
		require.NoError(t, err)

		assert.Equal(t, "caf\u00e9", msg.Payload.Text)
		assert.Equal(t, "caf\u00e9", h.tr.messages()[0].Text)
	})
}

// --- Reconciliation ---

func TestNewMessage_ActsAsAckForPending(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{UserID: "me", SendTimeout: 15 * time.Second})
		defer h.stop()

		msg, err := h.e.SendText(t.Context(), "c1", "hello")
		require.NoError(t, err)

		serverTime := time.Now().Add(-time.Second)
		ev := inbound("m1", "c1", "me", "hello", serverTime)
		ev.Message.ClientTempID = msg.ClientTempID
		ev.Message.Reactions = map[string][]string{"👍": {"u2"}}
		h.e.HandleNewMessage(ev)

		time.Sleep(time.Minute)

		msgs := h.list(t, "c1")
		require.Len(t, msgs, 1)
		assert.Equal(t, "m1", msgs[0].ServerID)
		assert.Equal(t, chat.StatusSent, msgs[0].Status)
		assert.True(t, serverTime.Equal(msgs[0].CreatedAt), "server timestamp wins")
		assert.Equal(t, []string{"u2"}, msgs[0].Reactions["👍"])

		h.e.HandleAck(ack(msg.ClientTempID, "m1"))
		assert.Len(t, h.list(t, "c1"), 1)
	})
}

func TestNewMessage_Deduplicates(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{UserID: "me"})
		defer h.stop()

		now := time.Now()
		h.e.HandleNewMessage(inbound("m1", "c1", "u2", "hi", now))
		h.e.HandleNewMessage(inbound("m1", "c1", "u2", "hi", now))

		msg, err := h.e.SendText(t.Context(), "c1", "yo")
		require.NoError(t, err)
		h.e.HandleAck(ack(msg.ClientTempID, "m2"))

		echo := inbound("m2", "c1", "me", "yo", now.Add(time.Second))
		h.e.HandleNewMessage(echo)

		msgs := h.list(t, "c1")
		assert.Equal(t, []string{"m1", "m2"}, keys(msgs))
		assert.False(t, msgs[0].Outgoing)
		assert.True(t, msgs[1].Outgoing)
	})
}

func TestNewMessage_InsertsFromOtherParty(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{UserID: "me"})
		defer h.stop()

		h.e.HandleNewMessage(inbound("m9", "c1", "me", "from my other device", time.Now()))
		h.e.HandleNewMessage(inbound("m10", "c1", "u2", "hi", time.Now()))

		msgs := h.list(t, "c1")
		require.Len(t, msgs, 2)
		assert.True(t, msgs[0].Outgoing)
		assert.False(t, msgs[1].Outgoing)
		assert.Equal(t, "u2", msgs[1].SenderID)
		assert.Equal(t, chat.StatusSent, msgs[1].Status)
	})
}

func TestMessages_OrderedByTimestamp(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{})
		defer h.stop()

		now := time.Now()
		h.e.HandleNewMessage(inbound("m3", "c1", "u2", "third", now.Add(-1*time.Minute)))
		h.e.HandleNewMessage(inbound("m1", "c1", "u2", "first", now.Add(-3*time.Minute)))
		h.e.HandleNewMessage(inbound("other", "c2", "u2", "elsewhere", now.Add(-2*time.Minute)))

		local, err := h.e.SendText(t.Context(), "c1", "fourth")
		require.NoError(t, err)

		h.e.HandleNewMessage(inbound("m2", "c1", "u2", "second", now.Add(-2*time.Minute)))

		assert.Equal(t, []string{"m1", "m2", "m3", local.ClientTempID}, keys(h.list(t, "c1")))
		assert.Len(t, h.list(t, ""), 5)
	})
}

func TestMessages_SameTimestampKeepsArrivalOrder(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{})
		defer h.stop()

		var want []string

		for i := range 5 {
			msg, err := h.e.SendText(t.Context(), "c1", fmt.Sprintf("n%d", i))
			require.NoError(t, err)

			want = append(want, msg.ClientTempID)
		}

		assert.Equal(t, want, keys(h.list(t, "c1")))
	})
}

func TestStatusUpdate_Monotonic(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{})
		defer h.stop()

		msg, err := h.e.SendText(t.Context(), "c1", "hello")
		require.NoError(t, err)
		h.e.HandleAck(ack(msg.ClientTempID, "m1"))

		update := func(s chat.Status) {
			h.e.HandleStatusUpdate(chat.MessageStatusUpdateEvent{MessageID: "m1", ChatID: "c1", Status: s})
		}

		update(chat.StatusDelivered)
		assert.Equal(t, chat.StatusDelivered, h.get(t, "m1").Status)

		update(chat.StatusRead)
		update(chat.StatusDelivered)
		update(chat.StatusFailed)
		assert.Equal(t, chat.StatusRead, h.get(t, "m1").Status)
	})
}

func TestStatusUpdate_UnknownIgnored(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{UserID: "me"})
		defer h.stop()

		h.e.HandleNewMessage(inbound("m1", "c1", "u2", "hi", time.Now()))
		h.e.HandleStatusUpdate(chat.MessageStatusUpdateEvent{MessageID: "unknown", Status: chat.StatusRead})
		h.e.HandleStatusUpdate(chat.MessageStatusUpdateEvent{MessageID: "m1", Status: chat.StatusRead})

		assert.Equal(t, chat.StatusRead, h.get(t, "m1").Status)
	})
}

func TestReactionUpdate_ReplacesReactions(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{})
		defer h.stop()

		h.e.HandleNewMessage(inbound("m1", "c1", "u2", "hi", time.Now()))
		h.e.HandleReactionUpdate(chat.ReactionUpdateEvent{MessageID: "m1", Reactions: map[string][]string{"❤️": {"me"}}})
		h.e.HandleReactionUpdate(chat.ReactionUpdateEvent{MessageID: "m1", Reactions: map[string][]string{"😂": {"u2"}}})

		got := h.get(t, "m1")
		assert.Equal(t, map[string][]string{"😂": {"u2"}}, got.Reactions)
	})
}

func TestDeleted_RemovesAndSuppressesReplay(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{})
		defer h.stop()

		now := time.Now()
		h.e.HandleNewMessage(inbound("m1", "c1", "u2", "hi", now))
		h.e.HandleNewMessage(inbound("m2", "c1", "u2", "there", now))
		h.e.HandleDeleted(chat.MessageDeletedEvent{MessageID: "m1", ChatID: "c1"})
		h.e.HandleDeleted(chat.MessageDeletedEvent{MessageID: "m7", ChatID: "c1"})

		h.e.HandleNewMessage(inbound("m1", "c1", "u2", "hi", now))
		h.e.HandleNewMessage(inbound("m7", "c1", "u2", "late", now))

		assert.Equal(t, []string{"m2"}, keys(h.list(t, "c1")))
	})
}

func TestHistoryCleared_RemovesOnlyThatChat(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{SendTimeout: time.Second})
		defer h.stop()

		now := time.Now()
		h.e.HandleNewMessage(inbound("m1", "c1", "u2", "hi", now))
		h.e.HandleNewMessage(inbound("m2", "c2", "u2", "hi", now))

		_, err := h.e.SendText(t.Context(), "c1", "pending")
		require.NoError(t, err)

		h.e.HandleHistoryCleared(chat.ChatHistoryClearedEvent{ChatID: "c1"})

		assert.Empty(t, h.list(t, "c1"))
		assert.Equal(t, []string{"m2"}, keys(h.list(t, "")))

		// The pending send's timer was stopped with its record.
		time.Sleep(time.Minute)

		for _, ev := range drainEvents(h.events) {
			assert.NotEqual(t, chat.StatusFailed, ev.Message.Status)
		}
	})
}

// --- Modes and ephemeral expiry ---

func TestChatMode_DefaultsSubsequentSends(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{})
		defer h.stop()

		h.e.HandleChatModeChanged(chat.ChatModeChangedEvent{ChatID: "c1", Mode: chat.ModeSensitive})
		h.e.HandleChatModeChanged(chat.ChatModeChangedEvent{ChatID: "c1", Mode: "bogus"})

		mode, err := h.e.Mode(t.Context(), "c1")
		require.NoError(t, err)
		assert.Equal(t, chat.ModeSensitive, mode)

		msg, err := h.e.SendText(t.Context(), "c1", "psst")
		require.NoError(t, err)
		assert.Equal(t, chat.ModeSensitive, msg.Mode)
		assert.Equal(t, chat.ModeSensitive, h.tr.messages()[0].Mode)

		other, err := h.e.SendText(t.Context(), "c2", "hi")
		require.NoError(t, err)
		assert.Equal(t, chat.ModeNormal, other.Mode)

		explicit, err := h.e.Send(t.Context(), Draft{ChatID: "c1", Payload: chat.TextPayload("x"), Mode: chat.ModeNormal})
		require.NoError(t, err)
		assert.Equal(t, chat.ModeNormal, explicit.Mode)
	})
}

func TestChangeChatMode_SendsRequest(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{})
		defer h.stop()

		assert.ErrorIs(t, h.e.ChangeChatMode(t.Context(), "c1", "loud"), ErrInvalidMessage)
		require.NoError(t, h.e.ChangeChatMode(t.Context(), "c1", chat.ModeEphemeral))

		sent := h.tr.all()
		require.Len(t, sent, 1)
		assert.Equal(t, chat.ChangeChatModeEvent{EventType: chat.EventChangeChatMode, ChatID: "c1", Mode: chat.ModeEphemeral}, sent[0])

		mode, err := h.e.Mode(t.Context(), "c1")
		require.NoError(t, err)
		assert.Equal(t, chat.ModeNormal, mode, "local mode waits for the server")
	})
}

func TestEphemeral_ExpiresRegardlessOfAck(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{EphemeralTTL: 30 * time.Second, SendTimeout: 15 * time.Second})
		defer h.stop()

		h.e.HandleChatModeChanged(chat.ChatModeChangedEvent{ChatID: "c1", Mode: chat.ModeEphemeral})

		acked, err := h.e.SendText(t.Context(), "c1", "gone soon")
		require.NoError(t, err)
		h.e.HandleAck(ack(acked.ClientTempID, "m1"))

		unacked, err := h.e.SendText(t.Context(), "c1", "also gone")
		require.NoError(t, err)

		normal, err := h.e.Send(t.Context(), Draft{ChatID: "c1", Payload: chat.TextPayload("stays"), Mode: chat.ModeNormal})
		require.NoError(t, err)

		time.Sleep(30*time.Second - time.Millisecond)
		assert.Len(t, h.list(t, "c1"), 3)

		time.Sleep(2 * time.Millisecond)
		assert.Equal(t, []string{normal.ClientTempID}, keys(h.list(t, "c1")))

		h.e.HandleAck(ack(unacked.ClientTempID, "m2"))
		h.e.HandleNewMessage(inbound("m1", "c1", "me", "gone soon", time.Now()))
		assert.Len(t, h.list(t, "c1"), 1, "expired messages are not resurrected")
	})
}

func TestEphemeral_InboundExpiresFromServerTime(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{EphemeralTTL: 30 * time.Second})
		defer h.stop()

		ev := inbound("m1", "c1", "u2", "whisper", time.Now().Add(-20*time.Second))
		ev.Message.Mode = chat.ModeEphemeral
		h.e.HandleNewMessage(ev)

		old := inbound("m0", "c1", "u2", "long gone", time.Now().Add(-time.Hour))
		old.Message.Mode = chat.ModeEphemeral
		h.e.HandleNewMessage(old)

		assert.Equal(t, []string{"m1"}, keys(h.list(t, "c1")))

		time.Sleep(10*time.Second + time.Millisecond)
		assert.Empty(t, h.list(t, "c1"))
	})
}

// --- Signals ---

func TestToggleReaction(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{})
		defer h.stop()

		assert.ErrorIs(t, h.e.ToggleReaction(t.Context(), "m1", "🦄"), syncerr.ErrUnsupportedEmoji)
		assert.ErrorIs(t, h.e.ToggleReaction(t.Context(), "m1", "👍"), syncerr.ErrMessageNotFound)

		h.e.HandleNewMessage(inbound("m1", "c1", "u2", "hi", time.Now()))
		synctest.Wait()

		require.NoError(t, h.e.ToggleReaction(t.Context(), "m1", "👍"))

		sent := h.tr.all()
		require.Len(t, sent, 1)
		assert.Equal(t, chat.ToggleReactionEvent{
			EventType: chat.EventToggleReaction,
			MessageID: "m1",
			ChatID:    "c1",
			Emoji:     "👍",
		}, sent[0])
	})
}

func TestTyping_Throttled(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{TypingThrottle: 3 * time.Second})
		defer h.stop()

		ctx := t.Context()

		require.NoError(t, h.e.StartTyping(ctx, "c1"))
		require.NoError(t, h.e.StartTyping(ctx, "c1"))
		time.Sleep(time.Second)
		require.NoError(t, h.e.StartTyping(ctx, "c1"))
		require.NoError(t, h.e.StartTyping(ctx, "c2"))
		require.NoError(t, h.e.StopTyping(ctx, "c1"))
		require.NoError(t, h.e.StopTyping(ctx, "c1"))

		time.Sleep(2100 * time.Millisecond)
		require.NoError(t, h.e.StartTyping(ctx, "c1"))

		var got []string
		for _, ev := range h.tr.all() {
			te := ev.(chat.TypingEvent)
			got = append(got, te.EventType+":"+te.ChatID)
		}

		assert.Equal(t, []string{
			"start_typing:c1",
			"start_typing:c2",
			"stop_typing:c1",
			"stop_typing:c1",
			"start_typing:c1",
		}, got)
	})
}

func TestThinkingOfYou(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{})
		defer h.stop()

		require.NoError(t, h.e.ThinkingOfYou(t.Context(), "u2"))
		assert.Equal(t, []any{chat.ThinkingOfYouEvent{EventType: chat.EventPingThinkingOfYou, RecipientUserID: "u2"}}, h.tr.all())
	})
}

// --- Media ---

func TestSendMedia_TransmitsAfterUpload(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{SendTimeout: 15 * time.Second})
		defer h.stop()

		msg, err := h.e.SendMedia(t.Context(), Media{
			ChatID:   "c1",
			Data:     []byte("png"),
			FileName: "cat.png",
			MIMEType: "image/png",
			Subtype:  models.SubtypeImage,
			Priority: 2,
		})
		require.NoError(t, err)

		assert.Equal(t, chat.StatusPending, msg.Status)
		assert.Equal(t, chat.SubtypeImage, msg.Payload.Subtype)

		reqs := h.q.requests()
		require.Len(t, reqs, 1)
		assert.Equal(t, msg.ClientTempID, reqs[0].MessageID)
		assert.Equal(t, 2, reqs[0].Priority)

		// The send timeout does not run while the upload is in progress.
		time.Sleep(time.Minute)
		assert.Empty(t, h.tr.messages())
		assert.Equal(t, chat.StatusPending, h.get(t, msg.ClientTempID).Status)

		h.q.emit(uploads.EventCompleted, "up-1", msg.ClientTempID, uploads.Result{URL: "https://cdn/cat.png", ThumbnailURL: "https://cdn/t.png"}, nil)
		synctest.Wait()

		sent := h.tr.messages()
		require.Len(t, sent, 1)
		assert.Equal(t, msg.ClientTempID, sent[0].ClientTempID)
		assert.Equal(t, "https://cdn/cat.png", sent[0].ImageURL)
		assert.Equal(t, "https://cdn/t.png", sent[0].ImageThumbnailURL)

		time.Sleep(15*time.Second + time.Millisecond)
		got := h.get(t, msg.ClientTempID)
		assert.Equal(t, chat.StatusFailed, got.Status, "send timeout starts once transmitted")
		assert.Equal(t, "https://cdn/cat.png", got.Payload.ImageURL)
	})
}

func TestSendMedia_FailedUploadFailsMessageAndRetryRequeues(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{})
		defer h.stop()

		msg, err := h.e.SendMedia(t.Context(), Media{
			ChatID:   "c1",
			Data:     []byte("ogg"),
			FileName: "memo.ogg",
			MIMEType: "audio/ogg",
			Subtype:  models.SubtypeVoice,
		})
		require.NoError(t, err)
		synctest.Wait()

		h.q.emit(uploads.EventFailed, "up-1", msg.ClientTempID, uploads.Result{}, fmt.Errorf("%w: 415", syncerr.ErrUploadPermanent))

		got := h.get(t, msg.ClientTempID)
		assert.Equal(t, chat.StatusFailed, got.Status)
		assert.Contains(t, got.LastError, "permanent upload failure")

		retried, err := h.e.Retry(t.Context(), msg.ClientTempID)
		require.NoError(t, err)
		assert.Equal(t, chat.StatusPending, retried.Status)
		assert.Equal(t, []string{"up-1"}, h.q.retried)
		assert.Empty(t, h.tr.messages())

		h.q.emit(uploads.EventCompleted, "up-1", msg.ClientTempID, uploads.Result{URL: "https://cdn/memo.ogg", DurationSeconds: 4}, nil)
		synctest.Wait()

		sent := h.tr.messages()
		require.Len(t, sent, 1)
		assert.Equal(t, retried.ClientTempID, sent[0].ClientTempID)
		assert.Equal(t, chat.SubtypeVoice, sent[0].MessageSubtype)
		assert.Equal(t, "https://cdn/memo.ogg", sent[0].ClipURL)
		assert.Equal(t, "audio", sent[0].ClipType)
		assert.Equal(t, 4, sent[0].DurationSeconds)
	})
}

func TestSendMedia_CancelledUploadFailsMessage(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{})
		defer h.stop()

		msg, err := h.e.SendMedia(t.Context(), Media{ChatID: "c1", Data: []byte("x"), FileName: "a.pdf", MIMEType: "application/pdf", Subtype: models.SubtypeDocument})
		require.NoError(t, err)
		assert.Equal(t, "a.pdf", msg.Payload.DocumentName)
		synctest.Wait()

		h.q.emit(uploads.EventCancelled, "up-1", msg.ClientTempID, uploads.Result{}, syncerr.ErrUploadCancelled)
		assert.Equal(t, chat.StatusFailed, h.get(t, msg.ClientTempID).Status)

		h.q.mu.Lock()
		h.q.retryErr = fmt.Errorf("%w: up-1", syncerr.ErrUploadNotFound)
		h.q.mu.Unlock()

		retried, err := h.e.Retry(t.Context(), msg.ClientTempID)
		require.NoError(t, err)
		assert.Equal(t, chat.StatusFailed, retried.Status)
		assert.Contains(t, retried.LastError, "upload not found")
	})
}

func TestSendMedia_EnqueueErrorLeavesNoRecord(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{})
		defer h.stop()

		h.q.mu.Lock()
		h.q.enqueueErr = fmt.Errorf("%w: too large", syncerr.ErrUploadPermanent)
		h.q.mu.Unlock()

		_, err := h.e.SendMedia(t.Context(), Media{ChatID: "c1", Data: []byte("x"), MIMEType: "image/png", Subtype: models.SubtypeImage})
		assert.ErrorIs(t, err, syncerr.ErrUploadPermanent)
		assert.Empty(t, h.list(t, "c1"))

		_, err = h.e.SendMedia(t.Context(), Media{ChatID: "c1", Subtype: "hologram"})
		assert.ErrorIs(t, err, ErrInvalidMessage)
	})
}

func restoredUpload(kind uploads.EventKind, status models.UploadStatus) uploads.Event {
	return uploads.Event{
		Kind: kind,
		Upload: models.Upload{
			ID:        "01RESTORED",
			FileName:  "cat.png",
			MessageID: "temp-before-restart",
			ChatID:    "c1",
			Subtype:   models.SubtypeImage,
			Status:    status,
			CreatedAt: time.Now().Add(-time.Hour).UTC(),
		},
	}
}

func TestSendMedia_RestoredUploadCompletesAndSends(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{UserID: "me", SendTimeout: 15 * time.Second})
		defer h.stop()

		h.q.hub.Publish(restoredUpload(uploads.EventQueued, models.UploadPending))

		got := h.get(t, "temp-before-restart")
		assert.Equal(t, chat.StatusPending, got.Status)
		assert.Equal(t, chat.SubtypeImage, got.Payload.Subtype)
		assert.True(t, got.Outgoing)
		assert.Equal(t, "me", got.SenderID)
		assert.Empty(t, h.tr.messages(), "nothing to send before the upload completes")

		ev := restoredUpload(uploads.EventCompleted, models.UploadCompleted)
		ev.Result = uploads.Result{URL: "https://cdn/cat.png", ThumbnailURL: "https://cdn/t.png"}
		h.q.hub.Publish(ev)
		synctest.Wait()

		sent := h.tr.messages()
		require.Len(t, sent, 1)
		assert.Equal(t, "temp-before-restart", sent[0].ClientTempID)
		assert.Equal(t, "c1", sent[0].ChatID)
		assert.Equal(t, "https://cdn/cat.png", sent[0].ImageURL)

		h.e.HandleAck(ack("temp-before-restart", "m-9"))
		got = h.get(t, "m-9")
		assert.Equal(t, chat.StatusSent, got.Status)
		assert.Len(t, h.list(t, "c1"), 1)
	})
}

func TestSendMedia_RestoredCompletionWithoutPriorEvents(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{})
		defer h.stop()

		ev := restoredUpload(uploads.EventCompleted, models.UploadCompleted)
		ev.Result = uploads.Result{URL: "https://cdn/cat.png"}
		h.q.hub.Publish(ev)
		synctest.Wait()

		require.Len(t, h.tr.messages(), 1)
		assert.Len(t, h.list(t, "c1"), 1)
	})
}

func TestSendMedia_RestoredFailedUploadIsRetryable(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{})
		defer h.stop()

		ev := restoredUpload(uploads.EventFailed, models.UploadFailed)
		ev.Err = fmt.Errorf("%w: 415", syncerr.ErrUploadPermanent)
		h.q.hub.Publish(ev)

		got := h.get(t, "temp-before-restart")
		assert.Equal(t, chat.StatusFailed, got.Status)
		assert.Contains(t, got.LastError, "permanent upload failure")

		_, err := h.e.Retry(t.Context(), "temp-before-restart")
		require.NoError(t, err)
		assert.Equal(t, []string{"01RESTORED"}, h.q.retried)
	})
}

func TestSendMedia_RestoreSkipsUnroutableUploads(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{})
		defer h.stop()

		cancelled := restoredUpload(uploads.EventCancelled, models.UploadCancelled)
		h.q.hub.Publish(cancelled)

		noChat := restoredUpload(uploads.EventCompleted, models.UploadCompleted)
		noChat.Upload.ID = "01NOCHAT"
		noChat.Upload.MessageID = "temp-other"
		noChat.Upload.ChatID = ""
		h.q.hub.Publish(noChat)

		assert.Empty(t, h.list(t, ""))
		assert.Empty(t, h.tr.messages())
	})
}

func TestNew_ReceivesUploadEventsBeforeRun(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := &fakeTransport{}
		q := newFakeQueue()
		e := New(tr, q, Config{}, quietLogger)

		q.hub.Publish(restoredUpload(uploads.EventQueued, models.UploadPending))

		ctx, cancel := context.WithCancel(t.Context())
		errCh := make(chan error, 1)

		go func() { errCh <- e.Run(ctx) }()

		synctest.Wait()

		msg, err := e.Message(t.Context(), "temp-before-restart")
		require.NoError(t, err)
		assert.Equal(t, chat.StatusPending, msg.Status)

		cancel()
		<-errCh
	})
}

func TestSendMedia_WithoutQueue(t *testing.T) {
	e := New(&fakeTransport{}, nil, Config{}, quietLogger)

	_, err := e.SendMedia(context.Background(), Media{ChatID: "c1", Subtype: models.SubtypeImage})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

// --- Lifecycle ---

func TestRun_StopsTimersAndRejectsWork(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startEngine(t, Config{SendTimeout: time.Second})

		_, err := h.e.SendText(t.Context(), "c1", "hello")
		require.NoError(t, err)

		h.stop()

		_, err = h.e.SendText(t.Context(), "c1", "again")
		assert.True(t, errors.Is(err, errStopped))

		// Delivered to no one once stopped.
		h.e.HandleAck(ack("t1", "m1"))

		for range h.events {
		}
	})
}
