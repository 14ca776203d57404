// Package uploads implements the upload queue: a persisted, prioritised
// queue of file transfers with a concurrency cap, automatic retry with
// exponential backoff, cancellation and restart recovery.
package uploads

import (
	"cmp"
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	syncerr "github.com/alexjbarnes/chirpsync/internal/errors"
	"github.com/alexjbarnes/chirpsync/internal/events"
	"github.com/alexjbarnes/chirpsync/internal/models"
	"github.com/alexjbarnes/chirpsync/internal/observability"
	"github.com/alexjbarnes/chirpsync/internal/state"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"
)

const (
	defaultConcurrency = 3
	defaultMaxRetries  = 3
	defaultRetryBase   = time.Second
)

var errStopped = errors.New("upload manager stopped")

// Request describes a payload to upload.
type Request struct {
	Data      []byte
	FileName  string
	MIMEType  string
	Subtype   string
	MessageID string
	ChatID    string
	Priority  int
}

// Result is what the server returns for a completed upload.
type Result struct {
	URL             string `json:"url"`
	ThumbnailURL    string `json:"thumbnail_url,omitempty"`
	FileName        string `json:"file_name,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	SizeBytes       int64  `json:"size_bytes,omitempty"`
}

// Transport performs one transfer. progress may be called with
// percentages from 0 to 100. Errors should wrap ErrUploadPermanent when
// retrying cannot help; anything else is retried.
type Transport interface {
	Upload(ctx context.Context, u models.Upload, progress func(percent int)) (Result, error)
}

// EventKind names an upload lifecycle event.
type EventKind string

const (
	EventQueued    EventKind = "queued"
	EventStarted   EventKind = "started"
	EventProgress  EventKind = "progress"
	EventRetrying  EventKind = "retrying"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventCancelled EventKind = "cancelled"
)

// Event reports a change to one upload. Upload never carries the payload
// bytes. Result is set for EventCompleted; Err for EventRetrying,
// EventFailed and EventCancelled.
type Event struct {
	Kind      EventKind
	Upload    models.Upload
	Result    Result
	Err       error
	Retryable bool
}

// Config tunes the manager. Zero values take defaults.
type Config struct {
	Concurrency int
	MaxRetries  int
	// RetryBase is scaled by 2^retryCount to get the retry delay.
	RetryBase time.Duration
	MaxBytes  int64
}

// Manager owns the upload queue. All queue state is touched only by the
// goroutine running Run; public methods submit operations to it.
type Manager struct {
	store     state.Store
	transport Transport
	cfg       Config
	logger    *slog.Logger

	sem    *semaphore.Weighted
	events *events.Hub[Event]
	ops    chan func()
	done   chan struct{}
	wg     sync.WaitGroup

	// Owned by Run.
	ctx   context.Context
	items map[string]*item
	queue queue
	seq   uint64
}

// NewManager creates a manager. Call Run before any other method.
func NewManager(store state.Store, transport Transport, cfg Config, logger *slog.Logger) *Manager {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}

	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}

	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}

	return &Manager{
		store:     store,
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		events:    events.NewHub[Event](),
		ops:       make(chan func()),
		done:      make(chan struct{}),
		items:     make(map[string]*item),
	}
}

// Events subscribes to upload lifecycle events.
func (m *Manager) Events() (<-chan Event, func()) {
	return m.events.Subscribe()
}

// Run processes the queue until ctx is cancelled. In-flight transfers are
// aborted on return; their records stay persisted for the next Restore.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.ctx = ctx

	defer func() {
		cancel()
		close(m.done)

		for _, it := range m.items {
			if it.retry != nil {
				it.retry.Stop()
			}
		}

		m.wg.Wait()
		m.events.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case op := <-m.ops:
			op()
		}
	}
}

// Enqueue validates and persists a new upload, then queues it. The
// returned record has no payload bytes.
func (m *Manager) Enqueue(ctx context.Context, req Request) (models.Upload, error) {
	if err := Validate(req, m.cfg.MaxBytes); err != nil {
		return models.Upload{}, err
	}

	u := models.Upload{
		ID:        ulid.Make().String(),
		Data:      req.Data,
		FileName:  req.FileName,
		MIMEType:  baseMediaType(req.MIMEType),
		MessageID: req.MessageID,
		ChatID:    req.ChatID,
		Priority:  req.Priority,
		Status:    models.UploadPending,
		CreatedAt: time.Now().UTC(),
		Subtype:   req.Subtype,
	}

	if err := m.store.PutUpload(u); err != nil {
		return models.Upload{}, fmt.Errorf("persisting upload: %w", err)
	}

	err := m.do(ctx, func() error {
		it := m.insert(u)
		m.publish(Event{Kind: EventQueued, Upload: view(it.upload)})
		m.processQueue()

		return nil
	})
	if err != nil {
		return models.Upload{}, err
	}

	m.logger.Info("upload queued",
		slog.String("id", u.ID),
		slog.String("subtype", u.Subtype),
		slog.Int("bytes", len(u.Data)),
		slog.Int("priority", u.Priority),
	)

	return view(u), nil
}

// Restore re-queues every persisted upload that never reached an
// absorbing state. Interrupted transfers restart from scratch. Failed
// uploads are tracked again but stay failed until retried manually, and
// are announced with an EventFailed. The count covers re-queued uploads.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	pending, err := m.store.PendingUploads()
	if err != nil {
		return 0, fmt.Errorf("loading pending uploads: %w", err)
	}

	restored := 0

	err = m.do(ctx, func() error {
		for _, u := range pending {
			if _, ok := m.items[u.ID]; ok {
				continue
			}

			if u.Status == models.UploadFailed {
				cause := errors.New(cmp.Or(u.LastError, "failed before restart"))
				it := &item{upload: u, index: -1}
				m.items[u.ID] = it
				m.publish(Event{Kind: EventFailed, Upload: view(it.upload), Err: cause})

				continue
			}

			u.Status = models.UploadPending
			u.Progress = 0

			if err := m.store.PutUpload(u); err != nil {
				return fmt.Errorf("requeueing upload %s: %w", u.ID, err)
			}

			it := m.insert(u)
			m.publish(Event{Kind: EventQueued, Upload: view(it.upload)})
			restored++
		}

		m.processQueue()

		return nil
	})

	if restored > 0 {
		m.logger.Info("restored pending uploads", slog.Int("count", restored))
	}

	return restored, err
}

// Cancel aborts an upload wherever it is in its lifecycle and removes it
// from the store.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	return m.do(ctx, func() error {
		it, ok := m.items[id]
		if !ok {
			return fmt.Errorf("%w: %s", syncerr.ErrUploadNotFound, id)
		}

		if it.index >= 0 {
			heap.Remove(&m.queue, it.index)
		}

		if it.retry != nil {
			it.retry.Stop()
			it.retry = nil
		}

		if it.cancel != nil {
			it.cancel()
		}

		it.upload.Status = models.UploadCancelled
		delete(m.items, id)

		if err := m.store.DeleteUpload(id); err != nil {
			m.logger.Warn("deleting cancelled upload", slog.String("id", id), slog.String("error", err.Error()))
		}

		observability.Uploads.WithLabelValues("cancelled").Inc()
		m.publish(Event{Kind: EventCancelled, Upload: view(it.upload), Err: syncerr.ErrUploadCancelled})
		m.logger.Info("upload cancelled", slog.String("id", id))

		return nil
	})
}

// Retry re-queues a permanently failed upload with a fresh retry budget.
func (m *Manager) Retry(ctx context.Context, id string) error {
	return m.do(ctx, func() error {
		it, ok := m.items[id]
		if !ok {
			return fmt.Errorf("%w: %s", syncerr.ErrUploadNotFound, id)
		}

		if it.upload.Status != models.UploadFailed {
			return fmt.Errorf("%w: %s is %s", syncerr.ErrNotRetryable, id, it.upload.Status)
		}

		it.upload.Status = models.UploadPending
		it.upload.RetryCount = 0
		it.upload.Progress = 0
		it.upload.LastError = ""
		m.persist(it)
		m.push(it)
		m.publish(Event{Kind: EventQueued, Upload: view(it.upload)})
		m.processQueue()

		return nil
	})
}

// Get returns one upload without its payload.
func (m *Manager) Get(ctx context.Context, id string) (models.Upload, error) {
	var u models.Upload

	err := m.do(ctx, func() error {
		it, ok := m.items[id]
		if !ok {
			return fmt.Errorf("%w: %s", syncerr.ErrUploadNotFound, id)
		}

		u = view(it.upload)

		return nil
	})

	return u, err
}

// List returns every known upload, oldest first, without payloads.
func (m *Manager) List(ctx context.Context) ([]models.Upload, error) {
	var out []models.Upload

	err := m.do(ctx, func() error {
		out = make([]models.Upload, 0, len(m.items))
		for _, it := range m.items {
			out = append(out, view(it.upload))
		}

		return nil
	})

	slices.SortFunc(out, func(a, b models.Upload) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		return cmp.Compare(a.ID, b.ID)
	})

	return out, err
}

func (m *Manager) insert(u models.Upload) *item {
	it := &item{upload: u, index: -1}
	m.items[u.ID] = it
	m.push(it)

	return it
}

func (m *Manager) push(it *item) {
	m.seq++
	it.seq = m.seq
	heap.Push(&m.queue, it)
}

// processQueue starts the highest-priority pending items while transfer
// slots are free.
func (m *Manager) processQueue() {
	for m.queue.Len() > 0 && m.sem.TryAcquire(1) {
		it := heap.Pop(&m.queue).(*item)
		m.start(it)
	}
}

func (m *Manager) start(it *item) {
	// Payloads are stored ready to send, so processing passes straight
	// to uploading.
	it.upload.Status = models.UploadUploading
	it.upload.Progress = 0
	m.persist(it)
	m.publish(Event{Kind: EventStarted, Upload: view(it.upload)})

	ctx, cancel := context.WithCancel(m.ctx)
	it.cancel = cancel
	u := it.upload

	observability.ActiveUploads.Inc()
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		defer observability.ActiveUploads.Dec()
		defer cancel()

		res, err := m.transport.Upload(ctx, u, func(percent int) {
			m.post(func() { m.progress(it, percent) })
		})

		m.post(func() { m.finish(it, res, err) })
	}()
}

func (m *Manager) progress(it *item, percent int) {
	if it.upload.Status != models.UploadUploading || percent <= it.upload.Progress {
		return
	}

	it.upload.Progress = min(percent, 100)
	m.publish(Event{Kind: EventProgress, Upload: view(it.upload)})
}

func (m *Manager) finish(it *item, res Result, err error) {
	m.sem.Release(1)
	it.cancel = nil

	defer m.processQueue()

	if it.upload.Status == models.UploadCancelled {
		return
	}

	id := it.upload.ID

	switch {
	case err == nil:
		it.upload.Status = models.UploadCompleted
		it.upload.Progress = 100
		it.upload.LastError = ""
		delete(m.items, id)

		if err := m.store.DeleteUpload(id); err != nil {
			m.logger.Warn("deleting completed upload", slog.String("id", id), slog.String("error", err.Error()))
		}

		observability.Uploads.WithLabelValues("completed").Inc()
		m.publish(Event{Kind: EventCompleted, Upload: view(it.upload), Result: res})
		m.logger.Info("upload completed", slog.String("id", id), slog.String("url", res.URL))

	case errors.Is(err, syncerr.ErrUploadPermanent) || it.upload.RetryCount >= m.cfg.MaxRetries:
		it.upload.Status = models.UploadFailed
		it.upload.LastError = err.Error()
		m.persist(it)

		observability.Uploads.WithLabelValues("failed").Inc()
		m.publish(Event{Kind: EventFailed, Upload: view(it.upload), Err: err})
		m.logger.Warn("upload failed",
			slog.String("id", id),
			slog.Int("retries", it.upload.RetryCount),
			slog.String("error", err.Error()),
		)

	default:
		it.upload.RetryCount++
		it.upload.Status = models.UploadPending
		it.upload.Progress = 0
		it.upload.LastError = err.Error()
		m.persist(it)

		delay := m.cfg.RetryBase << it.upload.RetryCount
		it.retry = time.AfterFunc(delay, func() {
			m.post(func() { m.requeue(it) })
		})

		observability.Uploads.WithLabelValues("retried").Inc()
		m.publish(Event{Kind: EventRetrying, Upload: view(it.upload), Err: err, Retryable: true})
		m.logger.Warn("upload failed, retrying",
			slog.String("id", id),
			slog.Int("retry", it.upload.RetryCount),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) requeue(it *item) {
	it.retry = nil

	if m.items[it.upload.ID] != it || it.upload.Status != models.UploadPending || it.index >= 0 {
		return
	}

	m.push(it)
	m.processQueue()
}

func (m *Manager) persist(it *item) {
	if err := m.store.PutUpload(it.upload); err != nil {
		m.logger.Warn("persisting upload",
			slog.String("id", it.upload.ID),
			slog.String("status", string(it.upload.Status)),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) publish(ev Event) {
	m.events.Publish(ev)
}

// post hands op to the Run goroutine without waiting for it to run.
func (m *Manager) post(op func()) {
	select {
	case m.ops <- op:
	case <-m.done:
	}
}

// do runs op on the Run goroutine and returns its error.
func (m *Manager) do(ctx context.Context, op func() error) error {
	errCh := make(chan error, 1)

	select {
	case m.ops <- func() { errCh <- op() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return errStopped
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// view strips the payload bytes from an upload record.
func view(u models.Upload) models.Upload {
	u.Data = nil
	return u
}
