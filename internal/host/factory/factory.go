package factory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/checkout-embed/internal/config"
	"github.com/example/checkout-embed/internal/frame"
	"github.com/example/checkout-embed/internal/gateway"
	"github.com/example/checkout-embed/internal/host/kafkahost"
	"github.com/example/checkout-embed/internal/host/mockhost"
	"github.com/example/checkout-embed/internal/kafka"
	"github.com/example/checkout-embed/internal/logger"
	"github.com/example/checkout-embed/internal/messaging"
)

// Platform is a constructed embedding platform together with its teardown.
type Platform struct {
	Host    frame.Host
	Backend string

	closers []func() error
}

// Close releases everything the platform started, newest first.
func (p *Platform) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

// Host constructs the configured embedding platform, supporting mock and
// Kafka relay backends. For Kafka the inbound relay runs until ctx is done or
// the platform is closed.
func Host(ctx context.Context, cfg *config.Config, bus *messaging.Bus, log zerolog.Logger) (*Platform, error) {
	backend := normalize(cfg.Backends.Host, config.BackendMock)
	switch backend {
	case config.BackendMock:
		host := mockhost.New(bus, logger.Component(log, "mock_host"),
			mockhost.WithScenario(mockhost.Scenario(normalize(cfg.Mock.Scenario, string(mockhost.ScenarioSuccess)))),
			mockhost.WithLatency(cfg.Mock.Latency),
		)
		log.Info().
			Str("backend", backend).
			Str("scenario", cfg.Mock.Scenario).
			Msg("host platform initialised")
		return &Platform{Host: host, Backend: backend, closers: []func() error{host.Close}}, nil

	case config.BackendKafka:
		return kafkaPlatform(ctx, cfg, bus, log)

	default:
		return nil, fmt.Errorf("factory: unsupported host backend %q", cfg.Backends.Host)
	}
}

func kafkaPlatform(ctx context.Context, cfg *config.Config, bus *messaging.Bus, log zerolog.Logger) (*Platform, error) {
	kafkaLog := logger.Component(log, "kafka")
	platform := &Platform{Backend: config.BackendKafka}

	prod, err := kafka.NewProducer(cfg.Kafka.Brokers, kafkaLog)
	if err != nil {
		return nil, fmt.Errorf("factory: kafka producer init: %w", err)
	}
	platform.closers = append(platform.closers, prod.Close)

	cons, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, kafkaLog)
	if err != nil {
		_ = platform.Close()
		return nil, fmt.Errorf("factory: kafka consumer init: %w", err)
	}

	host, err := kafkahost.New(bus, prod, kafkahost.Topics{
		Outbound: cfg.Topics.FrameOutbound,
		Inbound:  cfg.Topics.FrameInbound,
	}, log)
	if err != nil {
		_ = cons.Close()
		_ = platform.Close()
		return nil, fmt.Errorf("factory: kafka host init: %w", err)
	}
	platform.Host = host

	runCtx, cancel := context.WithCancel(ctx)
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		if err := host.Run(runCtx, cons); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("kafka relay stopped")
		}
	}()
	platform.closers = append(platform.closers, func() error {
		cancel()
		err := cons.Close()
		<-relayDone
		return err
	})

	log.Info().
		Str("backend", config.BackendKafka).
		Str("outbound_topic", cfg.Topics.FrameOutbound).
		Str("inbound_topic", cfg.Topics.FrameInbound).
		Msg("host platform initialised")
	return platform, nil
}

// Gateway constructs the configured payment gateway client, supporting HTTP
// and mock backends.
func Gateway(cfg *config.Config, log zerolog.Logger) (gateway.Gateway, error) {
	backend := normalize(cfg.Backends.Gateway, config.BackendMock)
	switch backend {
	case config.BackendHTTP:
		client, err := gateway.New(cfg.Gateway, log)
		if err != nil {
			return nil, fmt.Errorf("factory: http gateway init: %w", err)
		}
		log.Info().
			Str("backend", backend).
			Str("environment", cfg.Gateway.Environment).
			Msg("gateway initialised")
		return client, nil
	case config.BackendMock:
		mock := gateway.NewMock(logger.Component(log, "mock_gateway"), gateway.WithMockLatency(cfg.Mock.Latency))
		log.Info().
			Str("backend", backend).
			Msg("gateway initialised")
		return mock, nil
	default:
		return nil, fmt.Errorf("factory: unsupported gateway backend %q", cfg.Backends.Gateway)
	}
}

func normalize(value, def string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return def
	}
	return value
}
