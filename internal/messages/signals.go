package messages

import (
	"context"
	"fmt"

	"github.com/alexjbarnes/chirpsync/internal/chat"
	syncerr "github.com/alexjbarnes/chirpsync/internal/errors"
	"golang.org/x/time/rate"
)

// ToggleReaction adds or removes the user's reaction on a confirmed
// message. The new reaction set arrives as a reaction update.
func (e *Engine) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	if !chat.ValidEmoji(emoji) {
		return fmt.Errorf("%w: %q", syncerr.ErrUnsupportedEmoji, emoji)
	}

	var chatID string

	err := e.do(ctx, func() error {
		ent := e.byServer[messageID]
		if ent == nil {
			return fmt.Errorf("%w: %s", syncerr.ErrMessageNotFound, messageID)
		}

		chatID = ent.msg.ChatID

		return nil
	})
	if err != nil {
		return err
	}

	return e.transport.Send(ctx, chat.ToggleReactionEvent{
		EventType: chat.EventToggleReaction,
		MessageID: messageID,
		ChatID:    chatID,
		Emoji:     emoji,
	})
}

// StartTyping tells the other party the user is typing. Calls within the
// throttle window of the last signal for the chat are dropped.
func (e *Engine) StartTyping(ctx context.Context, chatID string) error {
	if !e.typingLimiter(chatID).Allow() {
		return nil
	}

	return e.transport.Send(ctx, chat.TypingEvent{EventType: chat.EventStartTyping, ChatID: chatID})
}

// StopTyping is never throttled.
func (e *Engine) StopTyping(ctx context.Context, chatID string) error {
	return e.transport.Send(ctx, chat.TypingEvent{EventType: chat.EventStopTyping, ChatID: chatID})
}

// ChangeChatMode asks the server to switch the chat's mode. The local
// default changes when the server confirms with chat_mode_changed.
func (e *Engine) ChangeChatMode(ctx context.Context, chatID string, mode chat.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidMessage, mode)
	}

	return e.transport.Send(ctx, chat.ChangeChatModeEvent{
		EventType: chat.EventChangeChatMode,
		ChatID:    chatID,
		Mode:      mode,
	})
}

// ThinkingOfYou sends a thinking-of-you ping to the recipient.
func (e *Engine) ThinkingOfYou(ctx context.Context, recipientID string) error {
	return e.transport.Send(ctx, chat.ThinkingOfYouEvent{
		EventType:       chat.EventPingThinkingOfYou,
		RecipientUserID: recipientID,
	})
}

func (e *Engine) typingLimiter(chatID string) *rate.Limiter {
	e.typingMu.Lock()
	defer e.typingMu.Unlock()

	l, ok := e.typing[chatID]
	if !ok {
		l = rate.NewLimiter(rate.Every(e.cfg.TypingThrottle), 1)
		e.typing[chatID] = l
	}

	return l
}
