// Package engine drains the sync queue to the ledger one item at a time, in
// order, stopping at the first failure.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cdcw/intake/internal/delivery"
	"github.com/cdcw/intake/internal/event"
)

// Queue is the subset of queue.Store the engine drives.
type Queue interface {
	Enqueue(ctx context.Context, item event.Item) error
	PeekHead(ctx context.Context) (*event.Item, error)
	RemoveHead(ctx context.Context, id string) error
	UpdateHead(ctx context.Context, id string, retryCount int, lastError string, attemptAt time.Time) error
	Len() int
}

// Deliverer sends one item and classifies the attempt.
type Deliverer interface {
	Deliver(ctx context.Context, item event.Item) delivery.Outcome
}

// Reflector applies the local side effects of a delivered event, such as
// refreshing a cached budget.
type Reflector interface {
	OnDelivered(ctx context.Context, item event.Item, resp *delivery.Response) error
}

// Reason says why a drain was requested.
type Reason string

const (
	ReasonEnqueue    Reason = "enqueue"
	ReasonForeground Reason = "foreground"
	ReasonManual     Reason = "manual"
	ReasonPeriodic   Reason = "periodic"
	ReasonStartup    Reason = "startup"
)

// Status is a read-only snapshot of the engine.
type Status struct {
	QueueLength    int        `json:"queueLength"`
	IsSyncing      bool       `json:"isSyncing"`
	HeadID         string     `json:"headId,omitempty"`
	HeadError      string     `json:"headError,omitempty"`
	HeadRetryCount int        `json:"headRetryCount"`
	LastSyncAt     *time.Time `json:"lastSyncAt,omitempty"`
}

// Engine owns the drain of one queue. Construct it once per process and
// share it.
type Engine struct {
	queue     Queue
	deliverer Deliverer
	reflector Reflector
	backoff   Backoff
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	syncing    bool
	rerun      bool
	closed     bool
	storeErr   string
	lastSyncAt *time.Time
	subs       map[chan Status]struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithReflector sets the delivered-event hook.
func WithReflector(r Reflector) Option {
	return func(e *Engine) { e.reflector = r }
}

// WithBackoff sets the periodic retry spacing.
func WithBackoff(b Backoff) Option {
	return func(e *Engine) { e.backoff = b }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an idle Engine.
func New(q Queue, d Deliverer, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		queue:     q,
		deliverer: d,
		backoff:   Backoff{Base: DefaultBackoffBase, Cap: DefaultBackoffCap},
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[chan Status]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enqueue encodes p, appends it durably and requests a drain. Nothing is
// queued if encoding or the append fails.
func (e *Engine) Enqueue(ctx context.Context, p event.Payload) (event.Item, error) {
	item, err := event.MakeAt(p, e.now())
	if err != nil {
		return event.Item{}, err
	}
	if err := e.queue.Enqueue(ctx, item); err != nil {
		return event.Item{}, err
	}

	slog.Info("event queued",
		"component", "engine",
		"action", string(item.Action),
		"event_id", item.ID,
	)

	e.publish()
	e.Trigger(ReasonEnqueue)
	return item, nil
}

// Trigger starts a background drain and reports whether one was started.
// It is a no-op while a drain is running, when the queue is empty, and for
// periodic triggers while the head is backing off.
func (e *Engine) Trigger(reason Reason) bool {
	ok, _ := e.claim(reason)
	if !ok {
		return false
	}

	slog.Debug("drain started", "component", "engine", "reason", string(reason))
	e.publish()
	go func() {
		defer e.wg.Done()
		e.run(e.ctx)
	}()
	return true
}

// SyncNow drains in the calling goroutine and returns the resulting status.
// If a drain is already running it waits for that drain instead.
func (e *Engine) SyncNow(ctx context.Context) Status {
	updates, unsubscribe := e.Subscribe()
	defer unsubscribe()

	ok, busy := e.claim(ReasonManual)
	if ok {
		e.publish()
		func() {
			defer e.wg.Done()
			e.run(ctx)
		}()
		return e.Status()
	}
	if !busy {
		return e.Status()
	}

	for {
		select {
		case st, open := <-updates:
			if !open || !st.IsSyncing {
				return e.Status()
			}
		case <-ctx.Done():
			return e.Status()
		}
	}
}

// claim takes the single-flight slot. busy reports that a drain already
// holds it.
func (e *Engine) claim(reason Reason) (ok, busy bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return false, false
	}
	if e.syncing {
		if reason != ReasonPeriodic {
			e.rerun = true
		}
		return false, true
	}
	head, err := e.queue.PeekHead(e.ctx)
	if err != nil || head == nil {
		return false, false
	}
	if reason == ReasonPeriodic && !e.backoff.Due(head.RetryCount, head.LastAttemptAt, e.now()) {
		return false, false
	}

	e.syncing = true
	e.rerun = false
	e.wg.Add(1)
	return true, false
}

// run drains until a pass fails or nothing new arrived during the pass.
func (e *Engine) run(ctx context.Context) {
	for {
		failed := e.drain(ctx)

		e.mu.Lock()
		again := e.rerun && !failed && !e.closed && e.queue.Len() > 0
		e.rerun = false
		if !again {
			e.syncing = false
		}
		e.mu.Unlock()

		e.publish()
		if !again {
			return
		}
	}
}

// drain makes one pass over the items present when it starts. It returns
// true if the pass stopped on a failure.
func (e *Engine) drain(ctx context.Context) bool {
	e.mu.Lock()
	e.storeErr = ""
	e.mu.Unlock()

	// Removal and retry bookkeeping must land even if ctx is cancelled
	// mid-attempt.
	storeCtx := context.WithoutCancel(ctx)

	n := e.queue.Len()
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			return true
		}

		head, err := e.queue.PeekHead(storeCtx)
		if err != nil {
			e.recordStoreError(err)
			return true
		}
		if head == nil {
			return false
		}

		outcome := e.deliverer.Deliver(ctx, *head)
		if outcome.Kind != delivery.Delivered {
			if ctx.Err() != nil {
				// Aborted by shutdown, not refused by the ledger: the head
				// keeps its retry count and backoff.
				slog.Info("delivery interrupted",
					"component", "engine",
					"action", string(head.Action),
					"event_id", head.ID,
				)
				return true
			}
			e.recordFailure(storeCtx, *head, outcome)
			return true
		}

		if err := e.queue.RemoveHead(storeCtx, head.ID); err != nil {
			e.recordStoreError(err)
			return true
		}

		now := e.now().UTC()
		e.mu.Lock()
		e.lastSyncAt = &now
		e.mu.Unlock()

		slog.Info("event delivered",
			"component", "engine",
			"action", string(head.Action),
			"event_id", head.ID,
			"attempts", head.RetryCount+1,
		)

		if e.reflector != nil {
			if err := e.reflector.OnDelivered(storeCtx, *head, outcome.Response); err != nil {
				slog.Warn("reflect delivered event",
					"component", "engine",
					"action", string(head.Action),
					"event_id", head.ID,
					"error", err,
				)
			}
		}
		e.publish()
	}
	return false
}

func (e *Engine) recordFailure(ctx context.Context, head event.Item, outcome delivery.Outcome) {
	retries := head.RetryCount + 1
	if err := e.queue.UpdateHead(ctx, head.ID, retries, outcome.Message, e.now()); err != nil {
		e.recordStoreError(err)
	}

	slog.Warn("delivery failed, drain halted",
		"component", "engine",
		"action", string(head.Action),
		"event_id", head.ID,
		"outcome", outcome.Kind.String(),
		"retry_count", retries,
		"error", outcome.Message,
	)
}

func (e *Engine) recordStoreError(err error) {
	slog.Error("queue store failed during drain",
		"component", "engine",
		"error", err,
	)
	e.mu.Lock()
	e.storeErr = err.Error()
	e.mu.Unlock()
}

// Status returns the current snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *Engine) statusLocked() Status {
	st := Status{
		QueueLength: e.queue.Len(),
		IsSyncing:   e.syncing,
		HeadError:   e.storeErr,
	}
	if e.lastSyncAt != nil {
		at := *e.lastSyncAt
		st.LastSyncAt = &at
	}
	if head, err := e.queue.PeekHead(e.ctx); err == nil && head != nil {
		st.HeadID = head.ID
		st.HeadRetryCount = head.RetryCount
		if st.HeadError == "" {
			st.HeadError = head.LastError
		}
	}
	return st
}

// Subscribe returns a channel that receives status changes and a function
// that ends the subscription. A slow reader only sees the latest status.
func (e *Engine) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	e.subs[ch] = struct{}{}
	e.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if _, ok := e.subs[ch]; ok {
				delete(e.subs, ch)
				close(ch)
			}
		})
	}
}

func (e *Engine) publish() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.subs) == 0 {
		return
	}
	st := e.statusLocked()
	for ch := range e.subs {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}

// Close cancels any running drain, waits for it and ends all subscriptions.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()

	e.mu.Lock()
	for ch := range e.subs {
		close(ch)
		delete(e.subs, ch)
	}
	e.mu.Unlock()
}
