package kafka

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

const (
	defaultSessionTimeout   = 30 * time.Second
	defaultHeartbeat        = 3 * time.Second
	defaultRebalanceTimeout = 30 * time.Second
	defaultConsumeBackoff   = time.Second
)

// Handler is invoked for every record delivered by the consumer.
type Handler func(ctx context.Context, record *Record) error

// Record is one relay record read from a topic.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   map[string][]byte
}

// Header returns the named header as a string.
func (r *Record) Header(name string) string {
	if r == nil {
		return ""
	}
	return string(r.Headers[name])
}

// ConsumerOption customises the consumer during construction.
type ConsumerOption func(*consumerOptions)

type consumerOptions struct {
	config   *sarama.Config
	clientID string
}

// WithConsumerConfig supplies a Sarama config. It is copied so the caller
// keeps ownership.
func WithConsumerConfig(cfg *sarama.Config) ConsumerOption {
	return func(o *consumerOptions) {
		if cfg != nil {
			o.config = cfg
		}
	}
}

// WithConsumerClientID overrides the client id reported to the brokers.
func WithConsumerClientID(id string) ConsumerOption {
	return func(o *consumerOptions) {
		if id != "" {
			o.clientID = id
		}
	}
}

// Consumer reads relay topics through a consumer group. Records are marked
// once their handler returns, whatever the outcome; the relay carries live
// traffic that is never replayed.
type Consumer struct {
	logger  zerolog.Logger
	group   sarama.ConsumerGroup
	groupID string

	ready atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	running sync.WaitGroup
	errDone chan struct{}
}

// NewConsumer joins groupID on the given brokers.
func NewConsumer(brokers []string, groupID string, logger zerolog.Logger, opts ...ConsumerOption) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka consumer: at least one broker is required")
	}
	if groupID == "" {
		return nil, errors.New("kafka consumer: group id is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	settings := &consumerOptions{clientID: "checkout-embed-relay"}
	for _, opt := range opts {
		if opt != nil {
			opt(settings)
		}
	}
	cfg := consumerConfig(settings.config, settings.clientID)

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: create consumer group: %w", err)
	}

	c := &Consumer{
		logger:  logger,
		group:   group,
		groupID: groupID,
		errDone: make(chan struct{}),
	}
	go c.drainErrors()
	return c, nil
}

// Consume delivers records from topics to handler until ctx is cancelled or
// the consumer is closed. Group errors are retried after a short backoff.
func (c *Consumer) Consume(ctx context.Context, topics []string, handler Handler) error {
	if len(topics) == 0 {
		return errors.New("kafka consumer: at least one topic is required")
	}
	if handler == nil {
		return errors.New("kafka consumer: handler is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.running.Add(1)
	defer c.running.Done()

	gh := &groupHandler{consumer: c, handler: handler}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.group.Consume(ctx, topics, gh)
		if err == nil {
			continue
		}
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return nil
		}
		c.logger.Error().Err(err).Strs("topics", topics).Msg("kafka consumer: consume error")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(defaultConsumeBackoff):
		}
	}
}

// IsReady reports whether the consumer currently holds a group session.
func (c *Consumer) IsReady() bool {
	return c.ready.Load()
}

// Close leaves the group and waits for Consume to return.
func (c *Consumer) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	err := c.group.Close()
	c.running.Wait()
	<-c.errDone
	return err
}

func (c *Consumer) drainErrors() {
	defer close(c.errDone)
	for err := range c.group.Errors() {
		if err != nil {
			c.logger.Error().Err(err).Msg("kafka consumer: group error")
		}
	}
}

type groupHandler struct {
	consumer *Consumer
	handler  Handler
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.consumer.ready.Store(true)
	h.consumer.logger.Info().Str("group_id", h.consumer.groupID).Msg("kafka consumer: session started")
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.consumer.ready.Store(false)
	h.consumer.logger.Info().Str("group_id", h.consumer.groupID).Msg("kafka consumer: session ended")
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if err := h.handler(session.Context(), recordFrom(msg)); err != nil {
			h.consumer.logger.Warn().
				Err(err).
				Str("topic", msg.Topic).
				Int32("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("kafka consumer: record rejected")
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

func recordFrom(msg *sarama.ConsumerMessage) *Record {
	return &Record{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       cloneBytes(msg.Key),
		Value:     cloneBytes(msg.Value),
		Timestamp: msg.Timestamp,
		Headers:   fromHeaders(msg.Headers),
	}
}

func consumerConfig(base *sarama.Config, clientID string) *sarama.Config {
	var cfg *sarama.Config
	if base != nil {
		cloned := *base
		cfg = &cloned
	} else {
		cfg = sarama.NewConfig()
		cfg.Version = sarama.V2_5_0_0
		cfg.Consumer.Group.Session.Timeout = defaultSessionTimeout
		cfg.Consumer.Group.Heartbeat.Interval = defaultHeartbeat
		cfg.Consumer.Group.Rebalance.Timeout = defaultRebalanceTimeout
		cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	}
	cfg.ClientID = clientID
	// Frames only care about traffic produced after they were mounted.
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Offsets.AutoCommit.Enable = true
	cfg.Consumer.Return.Errors = true
	return cfg
}

func fromHeaders(headers []*sarama.RecordHeader) map[string][]byte {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(headers))
	for _, h := range headers {
		if h == nil || len(h.Key) == 0 {
			continue
		}
		out[string(h.Key)] = cloneBytes(h.Value)
	}
	return out
}

func cloneBytes(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}
