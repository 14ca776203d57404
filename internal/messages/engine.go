// Package messages keeps the local view of each conversation consistent
// with the server. Outgoing messages get a client temp id and show as
// pending until acknowledged; server events are reconciled against local
// records by temp id and server id so nothing is shown twice.
package messages

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/alexjbarnes/chirpsync/internal/chat"
	syncerr "github.com/alexjbarnes/chirpsync/internal/errors"
	"github.com/alexjbarnes/chirpsync/internal/events"
	"github.com/alexjbarnes/chirpsync/internal/models"
	"github.com/alexjbarnes/chirpsync/internal/uploads"
	"golang.org/x/time/rate"
)

const (
	defaultSendTimeout    = 15 * time.Second
	defaultEphemeralTTL   = 30 * time.Second
	defaultTypingThrottle = 3 * time.Second
)

var errStopped = errors.New("message engine stopped")

// ErrInvalidMessage is returned for drafts that cannot be sent.
var ErrInvalidMessage = errors.New("invalid message")

// Transport sends an outbound event. *realtime.Manager satisfies it.
type Transport interface {
	Send(ctx context.Context, event any) error
}

// UploadQueue carries media payloads. *uploads.Manager satisfies it.
type UploadQueue interface {
	Enqueue(ctx context.Context, req uploads.Request) (models.Upload, error)
	Retry(ctx context.Context, id string) error
	Events() (<-chan uploads.Event, func())
}

// Config tunes the engine. Zero durations take defaults.
type Config struct {
	// UserID marks inbound messages from this user as outgoing.
	UserID         string
	SendTimeout    time.Duration
	EphemeralTTL   time.Duration
	TypingThrottle time.Duration
}

// EventKind names a change to the local message list.
type EventKind string

const (
	EventAdded   EventKind = "added"
	EventUpdated EventKind = "updated"
	EventRemoved EventKind = "removed"
)

// Event reports a change to one message.
type Event struct {
	Kind    EventKind
	Message chat.Message
}

type entry struct {
	msg chat.Message
	seq uint64

	timeout *time.Timer
	expiry  *time.Timer

	uploadID       string
	awaitingUpload bool
	removed        bool
}

// Engine is the message sync engine. Records are owned by the goroutine
// running Run; every mutation is an operation submitted to it.
type Engine struct {
	transport Transport
	uploads   UploadQueue
	cfg       Config
	logger    *slog.Logger

	events *events.Hub[Event]
	ops    chan func()
	done   chan struct{}
	wg     sync.WaitGroup

	uploadEvents      <-chan uploads.Event
	unsubscribeUpload func()

	typingMu sync.Mutex
	typing   map[string]*rate.Limiter

	// Owned by Run.
	ctx      context.Context
	list     []*entry
	seq      uint64
	byTemp   map[string]*entry
	byServer map[string]*entry
	byUpload map[string]*entry
	gone     map[string]struct{}
	modes    map[string]chat.Mode
}

// New creates an engine. queue may be nil, in which case SendMedia fails.
// The engine subscribes to queue events here, so uploads restored before
// Run starts still reach it.
func New(transport Transport, queue UploadQueue, cfg Config, logger *slog.Logger) *Engine {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}

	if cfg.EphemeralTTL <= 0 {
		cfg.EphemeralTTL = defaultEphemeralTTL
	}

	if cfg.TypingThrottle <= 0 {
		cfg.TypingThrottle = defaultTypingThrottle
	}

	e := &Engine{
		transport: transport,
		uploads:   queue,
		cfg:       cfg,
		logger:    logger,
		events:    events.NewHub[Event](),
		ops:       make(chan func()),
		done:      make(chan struct{}),
		typing:    make(map[string]*rate.Limiter),
		byTemp:    make(map[string]*entry),
		byServer:  make(map[string]*entry),
		byUpload:  make(map[string]*entry),
		gone:      make(map[string]struct{}),
		modes:     make(map[string]chat.Mode),
	}

	if queue != nil {
		e.uploadEvents, e.unsubscribeUpload = queue.Events()
	}

	return e
}

// Events subscribes to message list changes.
func (e *Engine) Events() (<-chan Event, func()) {
	return e.events.Subscribe()
}

// Run applies operations and upload events until ctx is cancelled. All
// pending timers are stopped on return.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.ctx = ctx

	uploadEvents := e.uploadEvents
	if e.unsubscribeUpload != nil {
		defer e.unsubscribeUpload()
	}

	defer func() {
		cancel()
		close(e.done)

		for _, ent := range e.list {
			e.stopTimers(ent)
		}

		e.wg.Wait()
		e.events.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case op := <-e.ops:
			op()
		case ev, ok := <-uploadEvents:
			if !ok {
				uploadEvents = nil
				continue
			}

			e.handleUpload(ev)
		}
	}
}

// Messages returns the chat's messages in display order. An empty chatID
// returns every chat.
func (e *Engine) Messages(ctx context.Context, chatID string) ([]chat.Message, error) {
	var out []chat.Message

	err := e.do(ctx, func() error {
		for _, ent := range e.list {
			if chatID == "" || ent.msg.ChatID == chatID {
				out = append(out, ent.msg)
			}
		}

		return nil
	})

	return out, err
}

// Message looks a message up by client temp id or server id.
func (e *Engine) Message(ctx context.Context, key string) (chat.Message, error) {
	var msg chat.Message

	err := e.do(ctx, func() error {
		ent := e.lookup(key)
		if ent == nil {
			return fmt.Errorf("%w: %s", syncerr.ErrMessageNotFound, key)
		}

		msg = ent.msg

		return nil
	})

	return msg, err
}

// Mode returns the chat's current default mode.
func (e *Engine) Mode(ctx context.Context, chatID string) (chat.Mode, error) {
	var mode chat.Mode

	err := e.do(ctx, func() error {
		mode = e.modeFor(chatID)
		return nil
	})

	return mode, err
}

func (e *Engine) modeFor(chatID string) chat.Mode {
	if mode, ok := e.modes[chatID]; ok {
		return mode
	}

	return chat.ModeNormal
}

func (e *Engine) lookup(key string) *entry {
	if key == "" {
		return nil
	}

	if ent, ok := e.byTemp[key]; ok {
		return ent
	}

	return e.byServer[key]
}

func (e *Engine) insert(ent *entry) {
	e.seq++
	ent.seq = e.seq

	if ent.msg.ClientTempID != "" {
		e.byTemp[ent.msg.ClientTempID] = ent
	}

	if ent.msg.ServerID != "" {
		e.byServer[ent.msg.ServerID] = ent
	}

	e.list = append(e.list, ent)
	e.sort()

	if ent.msg.Mode == chat.ModeEphemeral {
		e.scheduleExpiry(ent)
	}

	e.publish(EventAdded, ent)
}

func (e *Engine) remove(ent *entry) {
	if ent.removed {
		return
	}

	ent.removed = true
	e.stopTimers(ent)

	for _, key := range []string{ent.msg.ClientTempID, ent.msg.ServerID} {
		if key == "" {
			continue
		}

		delete(e.byTemp, key)
		delete(e.byServer, key)
		e.gone[key] = struct{}{}
	}

	if ent.uploadID != "" && e.byUpload[ent.uploadID] == ent {
		delete(e.byUpload, ent.uploadID)
	}

	e.list = slices.DeleteFunc(e.list, func(x *entry) bool { return x == ent })
	e.publish(EventRemoved, ent)
}

// sort orders by creation time, then by insertion order.
func (e *Engine) sort() {
	slices.SortStableFunc(e.list, func(a, b *entry) int {
		if c := a.msg.CreatedAt.Compare(b.msg.CreatedAt); c != 0 {
			return c
		}

		return cmp.Compare(a.seq, b.seq)
	})
}

func (e *Engine) isGone(key string) bool {
	if key == "" {
		return false
	}

	_, ok := e.gone[key]

	return ok
}

// scheduleExpiry removes an ephemeral message from the local view once its
// time to live has passed, whatever its delivery state.
func (e *Engine) scheduleExpiry(ent *entry) {
	ttl := e.cfg.EphemeralTTL - time.Since(ent.msg.CreatedAt)
	if ttl < 0 {
		ttl = 0
	}

	ent.expiry = time.AfterFunc(ttl, func() {
		e.post(func() {
			ent.expiry = nil
			if !ent.removed {
				e.logger.Debug("ephemeral message expired", slog.String("key", ent.msg.Key()))
				e.remove(ent)
			}
		})
	})
}

func (e *Engine) stopTimers(ent *entry) {
	if ent.timeout != nil {
		ent.timeout.Stop()
		ent.timeout = nil
	}

	if ent.expiry != nil {
		ent.expiry.Stop()
		ent.expiry = nil
	}
}

func (e *Engine) publish(kind EventKind, ent *entry) {
	e.events.Publish(Event{Kind: kind, Message: ent.msg})
}

// post hands op to the Run goroutine without waiting for it to run.
func (e *Engine) post(op func()) {
	select {
	case e.ops <- op:
	case <-e.done:
	}
}

// do runs op on the Run goroutine and returns its error.
func (e *Engine) do(ctx context.Context, op func() error) error {
	errCh := make(chan error, 1)

	select {
	case e.ops <- func() { errCh <- op() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return errStopped
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
