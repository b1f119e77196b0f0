package messaging

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrNotFound is returned for operations on an unknown subscription id.
	ErrNotFound = errors.New("subscription not found")
	// ErrTargetUnavailable is returned when posting to a window without a live
	// connection.
	ErrTargetUnavailable = errors.New("target window unavailable")
	// ErrWindowClosed is returned by Window implementations once the remote
	// side has gone away.
	ErrWindowClosed = errors.New("window closed")
)

// Window is the remote end of one child context. Its id is both the filter
// key for inbound messages and the address used when posting.
type Window interface {
	ID() string
	PostMessage(data []byte, targetOrigin string) error
}

// Handler receives a dispatched message. A returned error or a panic is
// logged and never reaches other subscribers.
type Handler func(ctx context.Context, msg Message) error

// Option customises the bus during construction.
type Option func(*Bus)

// WithIDGenerator overrides how subscription ids are generated.
func WithIDGenerator(next func() string) Option {
	return func(b *Bus) {
		if next != nil {
			b.newID = next
		}
	}
}

type subscription struct {
	id      string
	kind    Kind
	handler Handler
	sources map[string]struct{}
	removed bool
}

func (s *subscription) hasSource(source string) bool {
	_, ok := s.sources[source]
	return ok
}

// Bus routes inbound cross-context messages to subscribers scoped by message
// kind and source window. One instance is shared by every frame of a process.
//
// Dispatch and correlation timeouts run one at a time under the loop token,
// so handlers never run concurrently with each other. The subscription table
// itself is guarded separately and every change to it is visible to the next
// handler invocation, including changes made by a handler.
type Bus struct {
	logger zerolog.Logger
	loop   *semaphore.Weighted
	newID  func() string

	mu      sync.Mutex
	subs    []*subscription
	byID    map[string]*subscription
	windows map[string]Window
}

// NewBus constructs an empty bus.
func NewBus(logger zerolog.Logger, opts ...Option) *Bus {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	b := &Bus{
		logger:  logger.With().Str("component", "message_bus").Logger(),
		loop:    semaphore.NewWeighted(1),
		newID:   func() string { return "sub_" + uuid.NewString() },
		byID:    make(map[string]*subscription),
		windows: make(map[string]Window),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Subscribe registers handler for messages of kind coming from any of the
// given source window ids. Without sources the subscription covers the
// windows attached at the time of the call. When no source remains nothing is
// registered and the returned id is empty.
func (b *Bus) Subscribe(kind Kind, handler Handler, sources ...string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	set := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		if s != "" {
			set[s] = struct{}{}
		}
	}
	if len(sources) == 0 {
		for id := range b.windows {
			set[id] = struct{}{}
		}
	}
	if len(set) == 0 {
		b.logger.Debug().
			Str("kind", string(kind)).
			Msg("messaging: subscription without sources ignored")
		return ""
	}

	sub := &subscription{
		id:      b.newID(),
		kind:    kind,
		handler: handler,
		sources: set,
	}
	b.subs = append(b.subs, sub)
	b.byID[sub.id] = sub

	b.logger.Debug().
		Str("subscription_id", sub.id).
		Str("kind", string(kind)).
		Int("sources", len(set)).
		Msg("messaging: subscription created")
	return sub.id
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(id)
}

// AddSourceToSubscription adds source to a live subscription. It returns
// false when the source is already present.
func (b *Bus) AddSourceToSubscription(id, source string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byID[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if sub.hasSource(source) {
		return false, nil
	}
	sub.sources[source] = struct{}{}
	return true, nil
}

// ClearSubscriptionsForSource drops source from every subscription and
// removes the subscriptions left without any source.
func (b *Bus) ClearSubscriptionsForSource(source string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var emptied []string
	for _, sub := range b.subs {
		if !sub.hasSource(source) {
			continue
		}
		delete(sub.sources, source)
		if len(sub.sources) == 0 {
			emptied = append(emptied, sub.id)
		}
	}
	for _, id := range emptied {
		b.removeLocked(id)
	}
	if len(emptied) > 0 {
		b.logger.Debug().
			Str("source", source).
			Int("removed", len(emptied)).
			Msg("messaging: subscriptions cleared for source")
	}
}

// ClearAllSubscriptions removes every subscription.
func (b *Bus) ClearAllSubscriptions() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		sub.removed = true
	}
	b.subs = nil
	b.byID = make(map[string]*subscription)
}

// Attach records a window with a live connection.
func (b *Bus) Attach(w Window) {
	if w == nil {
		return
	}
	b.mu.Lock()
	b.windows[w.ID()] = w
	b.mu.Unlock()
}

// Detach forgets a window; posting to it afterwards fails.
func (b *Bus) Detach(id string) {
	b.mu.Lock()
	delete(b.windows, id)
	b.mu.Unlock()
}

// Window returns the attached window with the given id.
func (b *Bus) Window(id string) (Window, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.windows[id]
	return w, ok
}

// SubscriptionCount returns the number of live subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// SourceRefs returns how many live subscriptions reference source.
func (b *Bus) SourceRefs(source string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, sub := range b.subs {
		if sub.hasSource(source) {
			n++
		}
	}
	return n
}

// PostMessage encodes msg and hands it to target.
func (b *Bus) PostMessage(target Window, msg Message, targetOrigin string) error {
	if target == nil {
		return fmt.Errorf("%w: no target", ErrTargetUnavailable)
	}
	if targetOrigin == "" {
		targetOrigin = "*"
	}

	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := target.PostMessage(data, targetOrigin); err != nil {
		if errors.Is(err, ErrWindowClosed) {
			return fmt.Errorf("%w: %s: %v", ErrTargetUnavailable, target.ID(), err)
		}
		return fmt.Errorf("messaging: post %s to %s: %w", msg.Kind, target.ID(), err)
	}

	b.logger.Debug().
		Str("kind", string(msg.Kind)).
		Str("target", target.ID()).
		Msg("messaging: message posted")
	return nil
}

// HandleInbound validates raw wire data received from origin and dispatches
// it. Data that is not a recognized message is dropped.
func (b *Bus) HandleInbound(ctx context.Context, origin string, raw []byte) {
	msg, err := Decode(raw)
	if err != nil {
		b.logger.Debug().
			Str("origin", origin).
			Err(err).
			Msg("messaging: inbound data ignored")
		return
	}
	b.Dispatch(ctx, origin, msg)
}

// Dispatch delivers msg to every subscription whose kind matches and whose
// sources contain origin, in subscription order. A message whose payload
// does not match its kind is dropped.
func (b *Bus) Dispatch(ctx context.Context, origin string, msg Message) {
	if err := checkPayload(msg.Kind, msg.Payload); err != nil {
		b.logger.Debug().
			Str("origin", origin).
			Err(err).
			Msg("messaging: malformed message dropped")
		return
	}
	if err := b.loop.Acquire(ctx, 1); err != nil {
		b.logger.Warn().
			Str("origin", origin).
			Str("kind", string(msg.Kind)).
			Err(err).
			Msg("messaging: dispatch abandoned")
		return
	}
	defer b.loop.Release(1)

	b.mu.Lock()
	var matched []*subscription
	for _, sub := range b.subs {
		if sub.kind == msg.Kind && sub.hasSource(origin) {
			matched = append(matched, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range matched {
		// An earlier handler may have removed this subscription or its source.
		if !b.stillMatches(sub, origin) {
			continue
		}
		b.invoke(ctx, sub, origin, msg)
	}
}

func (b *Bus) stillMatches(sub *subscription, origin string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !sub.removed && sub.hasSource(origin)
}

func (b *Bus) invoke(ctx context.Context, sub *subscription, origin string, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("subscription_id", sub.id).
				Str("kind", string(msg.Kind)).
				Str("origin", origin).
				Interface("panic", r).
				Msg("messaging: handler panicked")
		}
	}()

	if sub.handler == nil {
		return
	}
	if err := sub.handler(ctx, msg); err != nil {
		b.logger.Error().
			Str("subscription_id", sub.id).
			Str("kind", string(msg.Kind)).
			Str("origin", origin).
			Err(err).
			Msg("messaging: handler error")
	}
}

func (b *Bus) removeLocked(id string) {
	sub, ok := b.byID[id]
	if !ok {
		return
	}
	sub.removed = true
	delete(b.byID, id)
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			break
		}
	}
}

// withLoop runs fn while holding the loop token, so it never interleaves
// with a dispatch.
func (b *Bus) withLoop(fn func()) {
	_ = b.loop.Acquire(context.Background(), 1)
	defer b.loop.Release(1)
	fn()
}
