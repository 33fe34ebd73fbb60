package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/lorrc/labnotify/internal/core/domain"
)

// Item is one entry of the notification feed.
type Item struct {
	// ID is the notification id for persisted items and a synthetic
	// "push-N" id for items only seen on the live channel.
	ID             string
	NotificationID uuid.UUID
	Type           domain.EventType
	RequestID      int64
	Payload        domain.RequestPayload
	CreatedAt      time.Time
	Persistent     bool
	Read           bool
	Hidden         bool
}

// Effects surfaces notifications to the user. Calls happen on the engine
// goroutine and must not block.
type Effects interface {
	Toast(item Item)
	Sound(eventType domain.EventType)
}

// NopEffects discards every effect.
type NopEffects struct{}

func (NopEffects) Toast(Item)             {}
func (NopEffects) Sound(domain.EventType) {}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEffects sets the UI effects sink.
func WithEffects(effects Effects) EngineOption {
	return func(e *Engine) { e.effects = effects }
}

// WithRetryBackOff sets the backoff factory used for failed server calls.
func WithRetryBackOff(factory func() backoff.BackOff) EngineOption {
	return func(e *Engine) { e.newBackOff = factory }
}

// WithClock overrides the clock used for synthetic item timestamps.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

type feed struct {
	items []Item
	seq   int
}

// Engine owns the notification feed of one user. Every mutation runs on a
// single goroutine; server calls run outside of it and hand their results
// back as commands.
type Engine struct {
	api     API
	userID  uuid.UUID
	dedup   *Deduper
	effects Effects
	logger  *slog.Logger

	newBackOff func() backoff.BackOff
	now        func() time.Time

	cmds chan func(*feed)
	ctx  context.Context
	stop context.CancelFunc
	done chan struct{}

	bgMu   sync.Mutex
	closed bool
	wg     sync.WaitGroup

	fetchGen   atomic.Uint64
	appliedGen uint64
}

// NewEngine creates and starts an engine for userID.
func NewEngine(api API, userID uuid.UUID, dedup *Deduper, logger *slog.Logger, opts ...EngineOption) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		api:     api,
		userID:  userID,
		dedup:   dedup,
		effects: NopEffects{},
		logger:  logger.With("component", "engine", "user_id", userID),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		now:  time.Now,
		cmds: make(chan func(*feed)),
		ctx:  ctx,
		stop: cancel,
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	go e.loop()
	return e
}

func (e *Engine) loop() {
	defer close(e.done)
	st := &feed{}
	for {
		select {
		case <-e.ctx.Done():
			return
		case cmd := <-e.cmds:
			cmd(st)
		}
	}
}

// submit runs cmd on the engine goroutine and waits for it. It reports false
// once the engine is closed.
func (e *Engine) submit(cmd func(*feed)) bool {
	ran := make(chan struct{})
	wrapped := func(st *feed) {
		cmd(st)
		close(ran)
	}
	select {
	case e.cmds <- wrapped:
	case <-e.ctx.Done():
		return false
	}
	select {
	case <-ran:
		return true
	case <-e.done:
		return false
	}
}

// background runs fn outside the loop, tracked for Close.
func (e *Engine) background(fn func(ctx context.Context)) {
	e.bgMu.Lock()
	if e.closed {
		e.bgMu.Unlock()
		return
	}
	e.wg.Add(1)
	e.bgMu.Unlock()

	go func() {
		defer e.wg.Done()
		fn(e.ctx)
	}()
}

// retry runs op with backoff until it succeeds, fails permanently or the
// engine closes.
func (e *Engine) retry(ctx context.Context, name string, op func() error) error {
	b := backoff.WithContext(e.newBackOff(), ctx)
	return backoff.RetryNotify(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		e.logger.Warn("server call failed, retrying", "op", name, "retry_in", wait, "error", err)
	})
}

func isPermanent(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return !apiErr.Temporary()
	}
	return false
}

// OnConnect fetches the authoritative unread set and replaces the local one.
func (e *Engine) OnConnect() {
	e.logger.Debug("connected, reconciling unread notifications")
	e.Refresh()
}

// Refresh refetches the unread set. A failed fetch keeps the current feed
// and retries with backoff.
func (e *Engine) Refresh() {
	gen := e.fetchGen.Add(1)
	e.background(func(ctx context.Context) {
		var rows []Notification
		err := e.retry(ctx, "list_unread", func() error {
			var err error
			rows, err = e.api.ListUnread(ctx)
			return err
		})
		if err != nil {
			if ctx.Err() == nil {
				e.logger.Error("unread fetch abandoned", "error", err)
			}
			return
		}
		e.submit(func(st *feed) { e.applyBaseline(st, gen, rows) })
	})
}

func (e *Engine) applyBaseline(st *feed, gen uint64, rows []Notification) {
	if gen < e.appliedGen {
		return
	}
	e.appliedGen = gen

	// Reads are monotonic: a row read locally stays read even if the server
	// has not seen the mark-read yet.
	// A push-only item read locally passes its read state on to the row
	// that replaces it.
	readLocally := map[uuid.UUID]bool{}
	readPairs := map[dedupKey]bool{}
	for _, it := range st.items {
		switch {
		case !it.Read:
		case it.Persistent:
			readLocally[it.NotificationID] = true
		default:
			readPairs[dedupKey{eventType: it.Type, requestID: it.RequestID}] = true
		}
	}

	persisted := make(map[dedupKey]bool, len(rows))
	items := make([]Item, 0, len(rows)+len(st.items))
	for _, n := range rows {
		key := dedupKey{eventType: n.Type, requestID: n.RequestID}
		persisted[key] = true
		items = append(items, Item{
			ID:             n.ID.String(),
			NotificationID: n.ID,
			Type:           n.Type,
			RequestID:      n.RequestID,
			Payload:        n.Payload,
			CreatedAt:      n.CreatedAt,
			Persistent:     true,
			Read:           n.ReadAt != nil || readLocally[n.ID] || readPairs[key],
		})
	}

	// Push-only items survive until a persisted row for the same pair shows up.
	for _, it := range st.items {
		if it.Persistent || persisted[dedupKey{eventType: it.Type, requestID: it.RequestID}] {
			continue
		}
		items = append(items, it)
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	st.items = items
	hideSuperseded(st)
}

// hideSuperseded hides new_request items whose request has completed.
func hideSuperseded(st *feed) {
	completed := map[int64]bool{}
	for _, it := range st.items {
		if it.Type == domain.EventRequestCompleted {
			completed[it.RequestID] = true
		}
	}
	for i := range st.items {
		if st.items[i].Type == domain.EventRequestCreated && completed[st.items[i].RequestID] {
			st.items[i].Hidden = true
		}
	}
}

// OnPush records a live message. Non-request messages are ignored.
func (e *Engine) OnPush(msg domain.Message) {
	if !msg.Type.IsRequestEvent() {
		return
	}
	payload, ok := msg.RequestPayload()
	if !ok {
		e.logger.Warn("push without request payload", "type", msg.Type)
		return
	}

	e.submit(func(st *feed) {
		item := e.recordPush(st, msg, payload)

		if msg.Type == domain.EventRequestCompleted {
			hideSuperseded(st)
			e.requestSupersede(payload.RequestID)
		}

		if payload.ActorID == e.userID {
			return
		}
		if e.dedup.Allow(msg.Type, payload.RequestID) {
			e.effects.Toast(item)
			e.effects.Sound(msg.Type)
		}
	})
}

// recordPush inserts a push-only item unless an unread item for the same
// pair already exists, in which case that item's payload is refreshed.
func (e *Engine) recordPush(st *feed, msg domain.Message, payload domain.RequestPayload) Item {
	for i := range st.items {
		it := &st.items[i]
		if it.Type == msg.Type && it.RequestID == payload.RequestID && !it.Read {
			it.Payload = payload
			return *it
		}
	}

	st.seq++
	created := msg.Timestamp
	if created.IsZero() {
		created = e.now()
	}
	item := Item{
		ID:        fmt.Sprintf("push-%d", st.seq),
		Type:      msg.Type,
		RequestID: payload.RequestID,
		Payload:   payload,
		CreatedAt: created,
	}
	st.items = append([]Item{item}, st.items...)
	return item
}

func (e *Engine) requestSupersede(requestID int64) {
	e.background(func(ctx context.Context) {
		err := e.retry(ctx, "supersede", func() error {
			_, err := e.api.Supersede(ctx, requestID)
			return err
		})
		if err != nil && ctx.Err() == nil {
			e.logger.Warn("supersede failed", "request_id", requestID, "error", err)
		}
	})
}

// MarkRead marks an item read locally, then on the server. Push-only items
// are resolved to their persisted row by (type, request id). Unknown ids are
// ignored.
func (e *Engine) MarkRead(id string) {
	var target Item
	found := false
	e.submit(func(st *feed) {
		for i := range st.items {
			if st.items[i].ID == id {
				st.items[i].Read = true
				target = st.items[i]
				found = true
				return
			}
		}
	})
	if !found {
		return
	}

	e.background(func(ctx context.Context) {
		notificationID := target.NotificationID
		if !target.Persistent {
			var n *Notification
			err := e.retry(ctx, "lookup", func() error {
				var err error
				n, err = e.api.Lookup(ctx, target.Type, target.RequestID)
				return err
			})
			if errors.Is(err, ErrNotFound) {
				e.logger.Debug("no persisted row for push item", "type", target.Type, "request_id", target.RequestID)
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					e.logger.Warn("lookup failed", "type", target.Type, "request_id", target.RequestID, "error", err)
				}
				return
			}
			notificationID = n.ID
		}

		err := e.retry(ctx, "mark_read", func() error {
			return e.api.MarkRead(ctx, notificationID)
		})
		if err != nil {
			if ctx.Err() == nil {
				e.logger.Warn("mark read failed", "notification_id", notificationID, "error", err)
			}
			return
		}
		e.Refresh()
	})
}

// MarkAllRead marks the whole feed read locally and on the server.
func (e *Engine) MarkAllRead() {
	if !e.submit(func(st *feed) {
		for i := range st.items {
			st.items[i].Read = true
		}
	}) {
		return
	}

	e.background(func(ctx context.Context) {
		err := e.retry(ctx, "mark_all_read", func() error {
			_, err := e.api.MarkAllRead(ctx)
			return err
		})
		if err != nil {
			if ctx.Err() == nil {
				e.logger.Warn("mark all read failed", "error", err)
			}
			return
		}
		e.Refresh()
	})
}

// Items returns the visible feed, newest first. It returns nil once closed.
func (e *Engine) Items() []Item {
	var out []Item
	e.submit(func(st *feed) {
		out = make([]Item, 0, len(st.items))
		for _, it := range st.items {
			if !it.Hidden {
				out = append(out, it)
			}
		}
	})
	return out
}

// Unread counts visible unread items.
func (e *Engine) Unread() int {
	n := 0
	for _, it := range e.Items() {
		if !it.Read {
			n++
		}
	}
	return n
}

// Close stops the engine and waits for in-flight server calls. No state
// changes happen afterwards.
func (e *Engine) Close() {
	e.bgMu.Lock()
	e.closed = true
	e.bgMu.Unlock()

	e.stop()
	<-e.done
	e.wg.Wait()
}
