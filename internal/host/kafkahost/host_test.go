package kafkahost_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/example/checkout-embed/internal/frame"
	"github.com/example/checkout-embed/internal/host/kafkahost"
	"github.com/example/checkout-embed/internal/kafka"
	"github.com/example/checkout-embed/internal/messaging"
	"github.com/example/checkout-embed/internal/tracing"
)

type published struct {
	topic   string
	key     string
	headers map[string][]byte
	payload []byte
}

type fakeProducer struct {
	mu      sync.Mutex
	records []published
	err     error
}

func (p *fakeProducer) PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.records = append(p.records, published{topic: topic, key: string(key), headers: headers, payload: payload})
	return nil
}

func (p *fakeProducer) ops() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.records))
	for _, r := range p.records {
		out = append(out, string(r.headers[kafkahost.HeaderFrameOp]))
	}
	return out
}

func (p *fakeProducer) last() published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.records[len(p.records)-1]
}

type fakeSource struct {
	records []*kafka.Record
	topics  []string
}

func (s *fakeSource) Consume(ctx context.Context, topics []string, handler kafka.Handler) error {
	s.topics = topics
	for _, rec := range s.records {
		_ = handler(ctx, rec)
	}
	return nil
}

var topics = kafkahost.Topics{Outbound: "frames.out", Inbound: "frames.in"}

func inbound(key, op string, value []byte) *kafka.Record {
	return &kafka.Record{
		Topic:   topics.Inbound,
		Key:     []byte(key),
		Value:   value,
		Headers: map[string][]byte{kafkahost.HeaderFrameOp: []byte(op)},
	}
}

func newHost(t *testing.T) (*messaging.Bus, *fakeProducer, *kafkahost.Host) {
	t.Helper()
	bus := messaging.NewBus(zerolog.Nop())
	prod := &fakeProducer{}
	host, err := kafkahost.New(bus, prod, topics, zerolog.Nop())
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	return bus, prod, host
}

func TestNewValidatesInputs(t *testing.T) {
	bus := messaging.NewBus(zerolog.Nop())
	if _, err := kafkahost.New(nil, &fakeProducer{}, topics, zerolog.Nop()); err == nil {
		t.Fatalf("expected bus error")
	}
	if _, err := kafkahost.New(bus, nil, topics, zerolog.Nop()); err == nil {
		t.Fatalf("expected producer error")
	}
	if _, err := kafkahost.New(bus, &fakeProducer{}, kafkahost.Topics{Outbound: "x"}, zerolog.Nop()); err == nil {
		t.Fatalf("expected topic error")
	}
}

func TestFrameLifecycleOverRelay(t *testing.T) {
	bus, prod, host := newHost(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	mount, err := host.Resolve("#checkout")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	fr, err := frame.New(bus, host, frame.Options{Name: "checkout", Src: "https://pay.example/form", Mount: mount}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new frame: %v", err)
	}
	if _, err := fr.Mount(ctx); err != nil {
		t.Fatalf("mount: %v", err)
	}

	rec := prod.last()
	if rec.topic != topics.Outbound || rec.key != fr.ID() || string(rec.headers[kafkahost.HeaderFrameOp]) != kafkahost.OpMount {
		t.Fatalf("unexpected mount record %+v", rec)
	}
	var mr kafkahost.MountRecord
	if err := json.Unmarshal(rec.payload, &mr); err != nil {
		t.Fatalf("decode mount record: %v", err)
	}
	if mr.Src != "https://pay.example/form" || mr.Target != "#checkout" || mr.Allow != "payment" {
		t.Fatalf("unexpected mount payload %+v", mr)
	}

	ready := fr.Expect(messaging.KindPaymentComponentReady, time.Second)
	if err := host.HandleRecord(ctx, inbound(fr.ID(), kafkahost.OpLoaded, nil)); err != nil {
		t.Fatalf("loaded: %v", err)
	}
	if err := fr.WaitForLoad(ctx, time.Second); err != nil {
		t.Fatalf("wait for load: %v", err)
	}
	if err := host.HandleRecord(ctx, inbound(fr.ID(), kafkahost.OpMessage, []byte(`{"name":"payment-component-ready"}`))); err != nil {
		t.Fatalf("message: %v", err)
	}
	if _, err := ready.Wait(ctx); err != nil {
		t.Fatalf("ready: %v", err)
	}

	if err := fr.PostMessage(messaging.ChangeLocale("et"), "https://pay.example"); err != nil {
		t.Fatalf("post message: %v", err)
	}
	rec = prod.last()
	if string(rec.headers[kafkahost.HeaderFrameOp]) != kafkahost.OpMessage || string(rec.headers[kafkahost.HeaderTargetOrigin]) != "https://pay.example" {
		t.Fatalf("unexpected message record %+v", rec)
	}
	msg, err := messaging.Decode(rec.payload)
	if err != nil || msg.Kind != messaging.KindChangeLocale {
		t.Fatalf("unexpected relayed message %v, %v", msg, err)
	}

	fr.Unmount()
	if got := prod.last(); string(got.headers[kafkahost.HeaderFrameOp]) != kafkahost.OpUnmount {
		t.Fatalf("expected unmount record, got ops %v", prod.ops())
	}
	if len(host.Attached()) != 0 {
		t.Fatalf("expected no attached views")
	}
	if err := host.HandleRecord(ctx, inbound(fr.ID(), kafkahost.OpMessage, []byte(`{}`))); !errors.Is(err, kafkahost.ErrUnknownView) {
		t.Fatalf("expected ErrUnknownView, got %v", err)
	}
}

func TestSubmitFormWaitsForNavigated(t *testing.T) {
	_, prod, host := newHost(t)
	ctx := context.Background()

	done, err := host.SubmitForm(ctx, frame.FormSubmission{
		Method: "POST",
		URL:    "https://acs.example/redirect",
		Fields: map[string]string{"MD": "md"},
	})
	if err != nil {
		t.Fatalf("submit form: %v", err)
	}
	rec := prod.last()
	var nav kafkahost.NavigateRecord
	if err := json.Unmarshal(rec.payload, &nav); err != nil {
		t.Fatalf("decode navigate: %v", err)
	}
	if nav.URL != "https://acs.example/redirect" || nav.Fields["MD"] != "md" || nav.ID != rec.key {
		t.Fatalf("unexpected navigate payload %+v", nav)
	}

	select {
	case <-done:
		t.Fatalf("navigation reported before the renderer answered")
	default:
	}

	source := &fakeSource{records: []*kafka.Record{inbound(nav.ID, kafkahost.OpNavigated, nil)}}
	if err := host.Run(ctx, source); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(source.topics) != 1 || source.topics[0] != topics.Inbound {
		t.Fatalf("unexpected topics %v", source.topics)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("navigation was not reported")
	}

	if err := host.HandleRecord(ctx, inbound(nav.ID, kafkahost.OpNavigated, nil)); err == nil {
		t.Fatalf("expected error for a repeated navigation report")
	}
}

func TestHandleRecordRejectsUnknownOp(t *testing.T) {
	_, _, host := newHost(t)
	err := host.HandleRecord(context.Background(), inbound("frame_x", "explode", nil))
	if !errors.Is(err, kafkahost.ErrUnknownOp) {
		t.Fatalf("expected ErrUnknownOp, got %v", err)
	}
}

func TestAttachPublishFailure(t *testing.T) {
	_, prod, host := newHost(t)
	prod.err = errors.New("broker down")

	_, err := host.Attach(context.Background(), frame.ViewSpec{ID: "frame_1", Src: "https://pay.example"})
	if err == nil {
		t.Fatalf("expected publish error")
	}
	if len(host.Attached()) != 0 {
		t.Fatalf("failed attach must not be tracked")
	}
}

func TestMountCarriesTraceContext(t *testing.T) {
	tracing.SetPropagator()
	provider := sdktrace.NewTracerProvider()
	ctx, span := provider.Tracer("kafkahost-test").Start(context.Background(), "mount")
	defer span.End()

	_, prod, host := newHost(t)
	if _, err := host.Attach(ctx, frame.ViewSpec{ID: "frame_1", Src: "https://pay.example"}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	rec := prod.last()
	if len(rec.headers["traceparent"]) == 0 {
		t.Fatalf("expected traceparent header, got %v", rec.headers)
	}
	if string(rec.headers[kafkahost.HeaderContentType]) != "application/json" {
		t.Fatalf("missing content type header")
	}
}
