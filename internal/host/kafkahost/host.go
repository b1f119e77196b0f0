// Package kafkahost relays child views over Kafka. A remote renderer consumes
// the outbound topic, materialises the views it is told to mount and writes
// their traffic back to the inbound topic. Records are keyed by view id and
// carry their meaning in the frame-op header.
package kafkahost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/checkout-embed/internal/frame"
	"github.com/example/checkout-embed/internal/kafka"
	"github.com/example/checkout-embed/internal/messaging"
	"github.com/example/checkout-embed/internal/tracing"
)

// Relay headers.
const (
	HeaderFrameOp      = "frame-op"
	HeaderTargetOrigin = "target-origin"
	HeaderContentType  = "content-type"
)

// Frame operations. Mount, unmount, resize, navigate and message flow out to
// the renderer; loaded, navigated and message flow back.
const (
	OpMount     = "mount"
	OpUnmount   = "unmount"
	OpResize    = "resize"
	OpNavigate  = "navigate"
	OpMessage   = "message"
	OpLoaded    = "loaded"
	OpNavigated = "navigated"
)

var (
	// ErrUnknownOp is returned for inbound records with an unexpected frame-op.
	ErrUnknownOp = errors.New("kafka host: unknown frame operation")
	// ErrUnknownView is returned for inbound records about views this host
	// never attached.
	ErrUnknownView = errors.New("kafka host: unknown view")
)

// SyncProducer is the subset of the Kafka producer used by the host.
type SyncProducer interface {
	PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error
}

// RecordSource feeds inbound relay records to a handler.
type RecordSource interface {
	Consume(ctx context.Context, topics []string, handler kafka.Handler) error
}

// Topics names the relay topics.
type Topics struct {
	Outbound string
	Inbound  string
}

// MountRecord is the payload of a mount record.
type MountRecord struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Src    string            `json:"src"`
	Allow  string            `json:"allow"`
	Styles map[string]string `json:"styles,omitempty"`
	Target string            `json:"target"`
}

// NavigateRecord is the payload of a navigate record.
type NavigateRecord struct {
	ID     string            `json:"id"`
	Method string            `json:"method"`
	URL    string            `json:"url"`
	Fields map[string]string `json:"fields,omitempty"`
}

var (
	_ frame.Host      = (*Host)(nil)
	_ frame.Navigator = (*Host)(nil)
)

// Host implements frame.Host by relaying over Kafka.
type Host struct {
	bus      *messaging.Bus
	producer SyncProducer
	topics   Topics
	logger   zerolog.Logger

	mu         sync.Mutex
	views      map[string]*remoteView
	navigation map[string]chan struct{}
}

// New constructs a relay host. Inbound records only reach the bus once Run
// is consuming.
func New(bus *messaging.Bus, producer SyncProducer, topics Topics, logger zerolog.Logger) (*Host, error) {
	if bus == nil {
		return nil, errors.New("kafka host: message bus is required")
	}
	if producer == nil {
		return nil, errors.New("kafka host: producer is required")
	}
	if strings.TrimSpace(topics.Outbound) == "" || strings.TrimSpace(topics.Inbound) == "" {
		return nil, errors.New("kafka host: inbound and outbound topics are required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Host{
		bus:        bus,
		producer:   producer,
		topics:     topics,
		logger:     logger.With().Str("component", "kafka_host").Logger(),
		views:      make(map[string]*remoteView),
		navigation: make(map[string]chan struct{}),
	}, nil
}

// Run consumes the inbound topic until ctx is done.
func (h *Host) Run(ctx context.Context, source RecordSource) error {
	if source == nil {
		return errors.New("kafka host: record source is required")
	}
	h.logger.Info().Str("topic", h.topics.Inbound).Msg("kafka host: relay started")
	return source.Consume(ctx, []string{h.topics.Inbound}, h.HandleRecord)
}

// Resolve accepts any non-empty selector; the renderer owns the page.
func (h *Host) Resolve(target string) (frame.MountPoint, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return frame.MountPoint{}, errors.New("kafka host: mount target is required")
	}
	return frame.MountPoint{Target: target}, nil
}

// Attach asks the renderer to mount spec.
func (h *Host) Attach(ctx context.Context, spec frame.ViewSpec) (frame.View, error) {
	v := &remoteView{host: h, id: spec.ID, loaded: make(chan struct{})}

	h.mu.Lock()
	if _, exists := h.views[spec.ID]; exists {
		h.mu.Unlock()
		return nil, fmt.Errorf("kafka host: view %s already attached", spec.ID)
	}
	h.views[spec.ID] = v
	h.mu.Unlock()

	err := h.publishJSON(spec.ID, OpMount, traceHeaders(ctx), MountRecord{
		ID:     spec.ID,
		Name:   spec.Name,
		Src:    spec.Src,
		Allow:  spec.Allow,
		Styles: spec.Styles,
		Target: spec.Mount.Target,
	})
	if err != nil {
		h.forget(spec.ID)
		return nil, err
	}

	h.logger.Debug().Str("view_id", spec.ID).Str("name", spec.Name).Msg("kafka host: mount requested")
	return v, nil
}

// SubmitForm asks the renderer to navigate the top-level page. The returned
// channel closes when the renderer reports the navigation.
func (h *Host) SubmitForm(ctx context.Context, form frame.FormSubmission) (<-chan struct{}, error) {
	if form.URL == "" {
		return nil, errors.New("kafka host: form url is required")
	}
	id := "nav_" + uuid.NewString()
	done := make(chan struct{})

	h.mu.Lock()
	h.navigation[id] = done
	h.mu.Unlock()

	err := h.publishJSON(id, OpNavigate, traceHeaders(ctx), NavigateRecord{
		ID:     id,
		Method: form.Method,
		URL:    form.URL,
		Fields: form.Fields,
	})
	if err != nil {
		h.mu.Lock()
		delete(h.navigation, id)
		h.mu.Unlock()
		return nil, err
	}
	return done, nil
}

// HandleRecord applies one inbound relay record.
func (h *Host) HandleRecord(ctx context.Context, rec *kafka.Record) error {
	if rec == nil {
		return nil
	}
	key := string(rec.Key)
	op := rec.Header(HeaderFrameOp)

	switch op {
	case OpNavigated:
		h.mu.Lock()
		done, ok := h.navigation[key]
		delete(h.navigation, key)
		h.mu.Unlock()
		if !ok {
			return fmt.Errorf("kafka host: unknown navigation %s", key)
		}
		close(done)
		return nil

	case OpLoaded:
		v, err := h.live(key)
		if err != nil {
			return err
		}
		v.markLoaded()
		return nil

	case OpMessage, "":
		if _, err := h.live(key); err != nil {
			return err
		}
		h.bus.HandleInbound(tracing.ExtractContext(ctx, headerCarrier(rec.Headers)), key, rec.Value)
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownOp, op)
}

// Attached returns the ids of views that are attached and not yet detached.
func (h *Host) Attached() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.views))
	for id := range h.views {
		out = append(out, id)
	}
	return out
}

func (h *Host) live(id string) (*remoteView, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.views[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownView, id)
	}
	return v, nil
}

func (h *Host) forget(id string) {
	h.mu.Lock()
	delete(h.views, id)
	h.mu.Unlock()
}

func (h *Host) publishJSON(key, op string, headers map[string][]byte, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("kafka host: marshal %s: %w", op, err)
	}
	return h.publish(key, op, headers, data)
}

func (h *Host) publish(key, op string, headers map[string][]byte, data []byte) error {
	all := map[string][]byte{
		HeaderFrameOp:     []byte(op),
		HeaderContentType: []byte("application/json"),
	}
	for k, v := range headers {
		all[k] = v
	}
	if err := h.producer.PublishSync(h.topics.Outbound, []byte(key), all, data); err != nil {
		return fmt.Errorf("kafka host: publish %s for %s: %w", op, key, err)
	}
	return nil
}

type remoteView struct {
	host   *Host
	id     string
	loaded chan struct{}

	mu       sync.Mutex
	isLoaded bool
	detached bool
}

func (v *remoteView) Window() messaging.Window { return (*remoteWindow)(v) }

func (v *remoteView) Loaded() <-chan struct{} { return v.loaded }

func (v *remoteView) SetHeight(px int) {
	if v.isDetached() {
		return
	}
	payload := []byte(`{"height":` + strconv.Itoa(px) + `}`)
	if err := v.host.publish(v.id, OpResize, nil, payload); err != nil {
		v.host.logger.Warn().Err(err).Str("view_id", v.id).Msg("kafka host: resize not relayed")
	}
}

func (v *remoteView) Detach() error {
	v.mu.Lock()
	if v.detached {
		v.mu.Unlock()
		return nil
	}
	v.detached = true
	v.mu.Unlock()

	v.host.forget(v.id)
	return v.host.publish(v.id, OpUnmount, nil, []byte(`{}`))
}

func (v *remoteView) markLoaded() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.isLoaded || v.detached {
		return
	}
	v.isLoaded = true
	close(v.loaded)
}

func (v *remoteView) isDetached() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.detached
}

type remoteWindow remoteView

func (w *remoteWindow) ID() string { return w.id }

func (w *remoteWindow) PostMessage(data []byte, targetOrigin string) error {
	v := (*remoteView)(w)
	if v.isDetached() {
		return messaging.ErrWindowClosed
	}
	return v.host.publish(v.id, OpMessage, map[string][]byte{
		HeaderTargetOrigin: []byte(targetOrigin),
	}, data)
}

// headerCarrier exposes relay headers to trace context propagation.
type headerCarrier map[string][]byte

func (c headerCarrier) Get(key string) string { return string(c[key]) }

func (c headerCarrier) Set(key, value string) { c[key] = []byte(value) }

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func traceHeaders(ctx context.Context) map[string][]byte {
	carrier := headerCarrier{}
	tracing.InjectContext(ctx, carrier)
	return carrier
}
