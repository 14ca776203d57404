// Package dispatch routes inbound frames to the message sync engine or to
// notice subscribers. Frames from the duplex connection, the fallback
// stream and catch-up sync are handled identically.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/chirpsync/internal/chat"
	syncerr "github.com/alexjbarnes/chirpsync/internal/errors"
	"github.com/alexjbarnes/chirpsync/internal/events"
	"github.com/alexjbarnes/chirpsync/internal/observability"
	"github.com/alexjbarnes/chirpsync/internal/realtime"
	"github.com/tidwall/gjson"
)

// MessageHandler reconciles message events into the local view.
type MessageHandler interface {
	HandleNewMessage(ev chat.NewMessageEvent)
	HandleAck(ev chat.MessageAckEvent)
	HandleReactionUpdate(ev chat.ReactionUpdateEvent)
	HandleStatusUpdate(ev chat.MessageStatusUpdateEvent)
	HandleDeleted(ev chat.MessageDeletedEvent)
	HandleHistoryCleared(ev chat.ChatHistoryClearedEvent)
	HandleChatModeChanged(ev chat.ChatModeChangedEvent)
}

// CursorStore persists the highest event sequence seen.
type CursorStore interface {
	Cursor() (int64, error)
	SetCursor(seq int64) error
}

// Notice is an inbound event with no local state behind it. Event holds
// the decoded frame, e.g. chat.PresenceUpdateEvent.
type Notice struct {
	Type   string
	Event  any
	Source realtime.Source
}

// Dispatcher decodes frames and routes them by event_type.
type Dispatcher struct {
	messages MessageHandler
	cursor   CursorStore
	notices  *events.Hub[Notice]
	logger   *slog.Logger

	// Owned by the goroutine calling Dispatch.
	seq int64
}

// New creates a dispatcher. cursor may be nil.
func New(messages MessageHandler, cursor CursorStore, logger *slog.Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		messages: messages,
		cursor:   cursor,
		notices:  events.NewHub[Notice](),
		logger:   logger,
	}

	if cursor != nil {
		seq, err := cursor.Cursor()
		if err != nil {
			return nil, fmt.Errorf("loading event cursor: %w", err)
		}

		d.seq = seq
	}

	return d, nil
}

// Notices subscribes to presence, typing, thinking-of-you, profile and
// server error events.
func (d *Dispatcher) Notices() (<-chan Notice, func()) {
	return d.notices.Subscribe()
}

// Run dispatches frames until ctx is cancelled or frames is closed, then
// closes the notice hub.
func (d *Dispatcher) Run(ctx context.Context, frames <-chan realtime.Frame) error {
	defer d.notices.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}

			if err := d.Dispatch(f); err != nil {
				observability.UnparseableFrames.Inc()
				d.logger.Debug("dropping inbound frame",
					slog.String("source", string(f.Source)),
					slog.Int("bytes", len(f.Data)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Dispatch handles one frame. Malformed frames return an error wrapping
// ErrUnparseableEvent and have no effect.
func (d *Dispatcher) Dispatch(f realtime.Frame) error {
	if !gjson.ValidBytes(f.Data) {
		return fmt.Errorf("%w: invalid json", syncerr.ErrUnparseableEvent)
	}

	eventType := gjson.GetBytes(f.Data, "event_type")
	if eventType.Type != gjson.String || eventType.Str == "" {
		return fmt.Errorf("%w: missing event_type", syncerr.ErrUnparseableEvent)
	}

	if err := d.route(eventType.Str, f); err != nil {
		return fmt.Errorf("%w: %s: %w", syncerr.ErrUnparseableEvent, eventType.Str, err)
	}

	d.advanceCursor(f.Data)

	return nil
}

func (d *Dispatcher) route(eventType string, f realtime.Frame) error {
	switch eventType {
	case chat.EventNewMessage:
		return handle(f.Data, d.messages.HandleNewMessage)
	case chat.EventMessageAck:
		return handle(f.Data, d.messages.HandleAck)
	case chat.EventReactionUpdate:
		return handle(f.Data, d.messages.HandleReactionUpdate)
	case chat.EventMessageStatusUpdate:
		return handle(f.Data, d.messages.HandleStatusUpdate)
	case chat.EventMessageDeleted:
		return handle(f.Data, d.messages.HandleDeleted)
	case chat.EventChatHistoryCleared:
		return handle(f.Data, d.messages.HandleHistoryCleared)
	case chat.EventChatModeChanged:
		return handle(f.Data, func(ev chat.ChatModeChangedEvent) {
			d.messages.HandleChatModeChanged(ev)
			d.notify(eventType, ev, f.Source)
		})
	case chat.EventPresenceUpdate:
		return handle(f.Data, func(ev chat.PresenceUpdateEvent) { d.notify(eventType, ev, f.Source) })
	case chat.EventTypingIndicator:
		return handle(f.Data, func(ev chat.TypingIndicatorEvent) { d.notify(eventType, ev, f.Source) })
	case chat.EventThinkingOfYou:
		return handle(f.Data, func(ev chat.ThinkingOfYouReceivedEvent) { d.notify(eventType, ev, f.Source) })
	case chat.EventProfileUpdate:
		return handle(f.Data, func(ev chat.ProfileUpdateEvent) { d.notify(eventType, ev, f.Source) })
	case chat.EventError:
		return handle(f.Data, func(ev chat.ErrorEvent) {
			// The server answers our keep-alive with an unknown-event error.
			d.logger.Debug("server error event", slog.String("detail", ev.Detail))
			d.notify(eventType, ev, f.Source)
		})
	default:
		d.logger.Debug("ignoring unknown event type", slog.String("event_type", eventType))
		return nil
	}
}

func handle[T any](data []byte, fn func(T)) error {
	var ev T
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}

	fn(ev)

	return nil
}

func (d *Dispatcher) notify(eventType string, ev any, source realtime.Source) {
	d.notices.Publish(Notice{Type: eventType, Event: ev, Source: source})
}

// advanceCursor records the frame's sequence if it is the highest seen.
func (d *Dispatcher) advanceCursor(data []byte) {
	seq := gjson.GetBytes(data, "sequence")
	if !seq.Exists() || seq.Int() <= d.seq {
		return
	}

	d.seq = seq.Int()

	if d.cursor == nil {
		return
	}

	if err := d.cursor.SetCursor(d.seq); err != nil {
		d.logger.Warn("persisting event cursor", slog.Int64("sequence", d.seq), slog.String("error", err.Error()))
	}
}
