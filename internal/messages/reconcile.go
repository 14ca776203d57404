package messages

import (
	"log/slog"
	"time"

	"github.com/alexjbarnes/chirpsync/internal/chat"
	"github.com/alexjbarnes/chirpsync/internal/observability"
)

// HandleAck confirms a pending message. Acks for unknown, retired or
// already failed messages are ignored.
func (e *Engine) HandleAck(ev chat.MessageAckEvent) {
	e.post(func() {
		ent := e.byTemp[ev.ClientTempID]
		if ent == nil {
			e.logger.Debug("ack for unknown message", slog.String("temp_id", ev.ClientTempID))
			return
		}

		if ent.msg.Status != chat.StatusPending {
			e.logger.Debug("ignoring ack",
				slog.String("temp_id", ev.ClientTempID),
				slog.String("status", string(ent.msg.Status)),
			)

			return
		}

		e.confirm(ent, ev.ServerAssignedID)
		e.publish(EventUpdated, ent)
	})
}

// HandleNewMessage merges a server message into a matching local record
// or inserts it. A new_message for a pending local record acknowledges it.
func (e *Engine) HandleNewMessage(ev chat.NewMessageEvent) {
	sm := ev.Message
	if sm.ChatID == "" {
		sm.ChatID = ev.ChatID
	}

	e.post(func() { e.reconcile(sm) })
}

func (e *Engine) reconcile(sm chat.ServerMessage) {
	if e.isGone(sm.ID) || e.isGone(sm.ClientTempID) {
		return
	}

	ent := e.byServer[sm.ID]
	if ent == nil {
		ent = e.byTemp[sm.ClientTempID]
	}

	if ent != nil {
		if ent.msg.Status == chat.StatusFailed {
			e.logger.Debug("ignoring server copy of failed message", slog.String("temp_id", ent.msg.ClientTempID))
			return
		}

		if ent.msg.Status == chat.StatusPending {
			e.confirm(ent, sm.ID)
		}

		e.merge(ent, sm)
		e.sort()
		e.publish(EventUpdated, ent)

		return
	}

	msg := chat.FromServer(sm)
	msg.Outgoing = e.cfg.UserID != "" && sm.UserID == e.cfg.UserID

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	if msg.Mode == chat.ModeEphemeral && time.Since(msg.CreatedAt) >= e.cfg.EphemeralTTL {
		e.gone[msg.Key()] = struct{}{}
		return
	}

	e.insert(&entry{msg: msg})
}

// confirm moves a pending record to sent and assigns its server id once.
func (e *Engine) confirm(ent *entry, serverID string) {
	if ent.timeout != nil {
		ent.timeout.Stop()
		ent.timeout = nil
	}

	if ent.msg.ServerID == "" && serverID != "" {
		ent.msg.ServerID = serverID
		e.byServer[serverID] = ent
	}

	ent.msg.Status = chat.StatusSent
	ent.msg.LastError = ""

	observability.MessageOutcomes.WithLabelValues("acked").Inc()
}

// merge copies server-owned fields onto a local record.
func (e *Engine) merge(ent *entry, sm chat.ServerMessage) {
	srv := chat.FromServer(sm)

	if ent.msg.ServerID == "" && sm.ID != "" {
		ent.msg.ServerID = sm.ID
		e.byServer[sm.ID] = ent
	}

	if srv.Payload.Subtype != "" {
		ent.msg.Payload = srv.Payload
	}

	if sm.Reactions != nil {
		ent.msg.Reactions = sm.Reactions
	}

	if sm.Status != "" && ent.msg.Status.Advances(sm.Status) {
		ent.msg.Status = sm.Status
	}

	if sm.Mode.Valid() {
		ent.msg.Mode = sm.Mode
	}

	if sm.ReplyToID != "" {
		ent.msg.ReplyToID = sm.ReplyToID
	}

	if sm.UserID != "" {
		ent.msg.SenderID = sm.UserID
	}

	if !sm.CreatedAt.IsZero() {
		ent.msg.CreatedAt = sm.CreatedAt
	}
}

// HandleReactionUpdate replaces a message's reactions.
func (e *Engine) HandleReactionUpdate(ev chat.ReactionUpdateEvent) {
	e.post(func() {
		ent := e.byServer[ev.MessageID]
		if ent == nil {
			return
		}

		ent.msg.Reactions = ev.Reactions
		e.publish(EventUpdated, ent)
	})
}

// HandleStatusUpdate advances a message's delivery status. Status never
// moves backwards and failed records wait for an explicit retry.
func (e *Engine) HandleStatusUpdate(ev chat.MessageStatusUpdateEvent) {
	e.post(func() {
		ent := e.byServer[ev.MessageID]
		if ent == nil || ent.msg.Status == chat.StatusFailed {
			return
		}

		if !ent.msg.Status.Advances(ev.Status) {
			return
		}

		ent.msg.Status = ev.Status
		e.publish(EventUpdated, ent)
	})
}

// HandleDeleted removes a message. The id is remembered so a replayed
// copy is not shown again.
func (e *Engine) HandleDeleted(ev chat.MessageDeletedEvent) {
	e.post(func() {
		if ent := e.byServer[ev.MessageID]; ent != nil {
			e.remove(ent)
			return
		}

		if ev.MessageID != "" {
			e.gone[ev.MessageID] = struct{}{}
		}
	})
}

// HandleHistoryCleared removes every message of the chat.
func (e *Engine) HandleHistoryCleared(ev chat.ChatHistoryClearedEvent) {
	e.post(func() {
		var doomed []*entry

		for _, ent := range e.list {
			if ent.msg.ChatID == ev.ChatID {
				doomed = append(doomed, ent)
			}
		}

		for _, ent := range doomed {
			e.remove(ent)
		}

		e.logger.Info("chat history cleared", slog.String("chat_id", ev.ChatID), slog.Int("removed", len(doomed)))
	})
}

// HandleChatModeChanged sets the default mode for later sends to the chat.
func (e *Engine) HandleChatModeChanged(ev chat.ChatModeChangedEvent) {
	if !ev.Mode.Valid() {
		return
	}

	e.post(func() {
		e.modes[ev.ChatID] = ev.Mode
	})
}
