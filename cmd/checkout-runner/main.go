package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/checkout-embed/internal/checkout"
	"github.com/example/checkout-embed/internal/config"
	"github.com/example/checkout-embed/internal/host/factory"
	"github.com/example/checkout-embed/internal/logger"
	"github.com/example/checkout-embed/internal/messaging"
	"github.com/example/checkout-embed/internal/models"
	"github.com/example/checkout-embed/internal/paymentauth"
	"github.com/example/checkout-embed/internal/tracing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := baseLogger.With().Str("service", "checkout-runner").Logger()

	shutdownTracing, err := tracing.NewProvider(ctx, tracing.Config{
		Enabled:          cfg.Tracing.Enabled,
		ServiceName:      cfg.Tracing.ServiceName,
		ServiceVersion:   cfg.Gateway.ClientVersion,
		Environment:      cfg.Checkout.Environment,
		ExporterEndpoint: cfg.Tracing.Endpoint,
		SamplingRatio:    cfg.Tracing.SamplingRatio,
	}, logger.Component(log, "tracing"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise tracing")
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Error().Err(err).Msg("failed to flush traces")
		}
	}()

	bus := messaging.NewBus(logger.Component(log, "messaging"))

	platform, err := factory.Host(ctx, cfg, bus, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialise host platform")
		return
	}
	defer func() {
		if err := platform.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close host platform")
		}
	}()

	gw, err := factory.Gateway(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialise gateway")
		return
	}

	orch, err := checkout.New(checkout.Config{
		SessionUUID:       cfg.Checkout.SessionUUID,
		Locale:            cfg.Checkout.Locale,
		TargetOrigin:      cfg.Checkout.TargetOrigin,
		LoadTimeout:       cfg.Frames.LoadTimeout,
		ReadyTimeout:      cfg.Frames.ReadyTimeout,
		DefaultAuthURL:    cfg.StepUp.DefaultAuthURL,
		RedirectGrace:     cfg.StepUp.RedirectGrace,
		ReturnURLAttempts: cfg.ReturnURL.MaxAttempts,
		ReturnURLInterval: cfg.ReturnURL.Interval,
	}, checkout.Dependencies{
		Bus:     bus,
		Host:    platform.Host,
		Gateway: gw,
		Logger:  log,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to initialise checkout")
		return
	}
	defer orch.Destroy()

	log.Info().
		Str("backend", platform.Backend).
		Str("mount_target", cfg.Checkout.MountTarget).
		Msg("checkout runner started")

	if _, err := orch.Initialize(ctx, cfg.Checkout.MountTarget); err != nil {
		log.Error().Err(err).Msg("payment form did not become ready")
		return
	}

	result, err := orch.SubmitPayment(ctx)
	var declined *models.PaymentFailedError
	switch {
	case err == nil:
		log.Info().
			Str("payment_intent_id", result.PaymentIntentID).
			Str("result_code", result.ResultCode).
			Str("return_url", result.ReturnURL).
			Msg("payment completed")
	case errors.Is(err, paymentauth.ErrRedirected):
		log.Info().Msg("shopper redirected for payment authentication")
	case errors.As(err, &declined):
		log.Warn().
			Str("error_code", declined.Payload.ErrorCode).
			Str("payment_intent_id", declined.Payload.PaymentIntentID).
			Msg("payment failed")
	case errors.Is(err, context.Canceled):
		log.Info().Msg("shutdown signal received")
	default:
		log.Error().Err(err).Str("state", orch.State().String()).Msg("payment submission failed")
	}
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("checkout runner init failed")
}
