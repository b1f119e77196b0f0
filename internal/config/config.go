package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/checkout-embed/internal/models"
	"github.com/example/checkout-embed/internal/util"
)

// Backend names accepted by HOST_BACKEND and GATEWAY_BACKEND.
const (
	BackendMock  = "mock"
	BackendKafka = "kafka"
	BackendHTTP  = "http"
)

// Config captures all runtime configuration for the checkout runner.
type Config struct {
	App       AppConfig
	Checkout  CheckoutConfig
	Gateway   GatewayConfig
	Frames    FrameConfig
	StepUp    StepUpConfig
	ReturnURL ReturnURLConfig
	Backends  BackendConfig
	Mock      MockConfig
	Kafka     KafkaConfig
	Topics    TopicConfig
	Tracing   TracingConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	LogLevel string
}

// CheckoutConfig describes the checkout session to embed.
type CheckoutConfig struct {
	SessionUUID  string
	Environment  string
	Locale       string
	MountTarget  string
	TargetOrigin string
}

// GatewayConfig holds the payment gateway HTTP settings.
type GatewayConfig struct {
	Environment   string
	BaseURLs      map[string]string
	Timeout       time.Duration
	ClientVersion string
}

// BaseURL returns the base URL for the configured environment.
func (g GatewayConfig) BaseURL() string {
	return g.BaseURLs[g.Environment]
}

// FrameConfig bounds how long child views may take to come up.
type FrameConfig struct {
	LoadTimeout  time.Duration
	ReadyTimeout time.Duration
}

// StepUpConfig configures payment authentication.
type StepUpConfig struct {
	DefaultAuthURL string
	RedirectGrace  time.Duration
}

// ReturnURLConfig controls merchant return URL polling.
type ReturnURLConfig struct {
	MaxAttempts int
	Interval    time.Duration
}

// BackendConfig selects the embedding platform and gateway implementations.
type BackendConfig struct {
	Host    string
	Gateway string
}

// MockConfig tunes the in-process mock backends.
type MockConfig struct {
	Scenario string
	Latency  time.Duration
}

// KafkaConfig defines broker information for the Kafka relay host.
type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
}

// TopicConfig names the relay topics.
type TopicConfig struct {
	FrameInbound  string
	FrameOutbound string
}

// TracingConfig controls the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled       bool
	Endpoint      string
	SamplingRatio float64
	ServiceName   string
}

// Load reads environment variables, applies defaults, validates required
// values and returns a populated Config instance.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.Checkout.SessionUUID = ldr.getString("CHECKOUT_SESSION_UUID", "", true)
	if cfg.Checkout.SessionUUID != "" {
		if _, err := util.ParseUUIDv4(cfg.Checkout.SessionUUID); err != nil {
			ldr.addError(fmt.Sprintf("CHECKOUT_SESSION_UUID: %v", err))
		}
	}
	cfg.Checkout.Environment = ldr.getOneOf("CHECKOUT_ENVIRONMENT", models.EnvironmentProduction, models.Environments)
	cfg.Checkout.Locale = ldr.getString("CHECKOUT_LOCALE", "", false)
	if cfg.Checkout.Locale != "" {
		locale, err := util.NormalizeLocale(cfg.Checkout.Locale)
		if err != nil {
			ldr.addError(fmt.Sprintf("CHECKOUT_LOCALE: %v", err))
		}
		cfg.Checkout.Locale = locale
	}
	cfg.Checkout.MountTarget = ldr.getString("CHECKOUT_MOUNT_TARGET", "#checkout", false)
	origin, err := util.NormalizeOrigin(ldr.getString("CHECKOUT_TARGET_ORIGIN", "*", false))
	if err != nil {
		ldr.addError(fmt.Sprintf("CHECKOUT_TARGET_ORIGIN: %v", err))
	}
	cfg.Checkout.TargetOrigin = origin

	cfg.Backends.Host = ldr.getOneOf("HOST_BACKEND", BackendMock, []string{BackendMock, BackendKafka})
	cfg.Backends.Gateway = ldr.getOneOf("GATEWAY_BACKEND", BackendMock, []string{BackendMock, BackendHTTP})

	cfg.Gateway.Environment = cfg.Checkout.Environment
	cfg.Gateway.BaseURLs = map[string]string{
		models.EnvironmentProduction:        ldr.getString("GATEWAY_PRODUCTION_URL", "", false),
		models.EnvironmentSandbox:           ldr.getString("GATEWAY_SANDBOX_URL", "", false),
		models.EnvironmentDevelopment:       ldr.getString("GATEWAY_DEVELOPMENT_URL", "", false),
		models.EnvironmentPreliveSandbox:    ldr.getString("GATEWAY_PRELIVE_SANDBOX_URL", "", false),
		models.EnvironmentPreliveProduction: ldr.getString("GATEWAY_PRELIVE_PRODUCTION_URL", "", false),
	}
	if cfg.Backends.Gateway == BackendHTTP {
		if base := cfg.Gateway.BaseURL(); base == "" {
			ldr.addError(fmt.Sprintf("gateway url for environment %s is required", cfg.Gateway.Environment))
		} else if _, err := util.ValidateHTTPURL(base); err != nil {
			ldr.addError(fmt.Sprintf("gateway url for environment %s: %v", cfg.Gateway.Environment, err))
		}
	}
	cfg.Gateway.Timeout = ldr.getMillis("GATEWAY_TIMEOUT_MS", 10*time.Second)
	cfg.Gateway.ClientVersion = ldr.getString("CLIENT_VERSION", "dev", false)

	cfg.Frames.LoadTimeout = ldr.getMillis("FRAME_LOAD_TIMEOUT_MS", 10*time.Second)
	cfg.Frames.ReadyTimeout = ldr.getMillis("FRAME_READY_TIMEOUT_MS", 10*time.Second)

	cfg.StepUp.DefaultAuthURL = ldr.getString("PAYMENT_AUTH_URL", "", false)
	cfg.StepUp.RedirectGrace = ldr.getMillis("REDIRECT_GRACE_MS", 10*time.Second)

	cfg.ReturnURL.MaxAttempts = ldr.getInt("RETURN_URL_MAX_ATTEMPTS", 10, false)
	if cfg.ReturnURL.MaxAttempts < 1 {
		ldr.addError("RETURN_URL_MAX_ATTEMPTS must be at least 1")
	}
	cfg.ReturnURL.Interval = ldr.getMillis("RETURN_URL_INTERVAL_MS", time.Second)

	cfg.Mock.Scenario = ldr.getString("MOCK_SCENARIO", "success", false)
	cfg.Mock.Latency = ldr.getMillis("MOCK_LATENCY_MS", 25*time.Millisecond)

	kafkaRequired := cfg.Backends.Host == BackendKafka
	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", kafkaRequired)
	cfg.Kafka.ConsumerGroup = ldr.getString("KAFKA_CONSUMER_GROUP", "", kafkaRequired)
	cfg.Topics.FrameInbound = ldr.getString("KAFKA_FRAME_INBOUND_TOPIC", "", kafkaRequired)
	cfg.Topics.FrameOutbound = ldr.getString("KAFKA_FRAME_OUTBOUND_TOPIC", "", kafkaRequired)

	cfg.Tracing.Enabled = ldr.getBool("TRACING_ENABLED", false, false)
	cfg.Tracing.Endpoint = ldr.getString("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318", false)
	cfg.Tracing.SamplingRatio = ldr.getFloat("TRACING_SAMPLING_RATIO", 1.0)
	if cfg.Tracing.SamplingRatio < 0 || cfg.Tracing.SamplingRatio > 1 {
		ldr.addError("TRACING_SAMPLING_RATIO must be between 0 and 1")
	}
	cfg.Tracing.ServiceName = ldr.getString("OTEL_SERVICE_NAME", "checkout-runner", false)

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		return val
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getOneOf(key, def string, allowed []string) string {
	val := strings.ToLower(l.getString(key, def, false))
	for _, a := range allowed {
		if val == a {
			return val
		}
	}
	l.addError(fmt.Sprintf("%s must be one of %s", key, strings.Join(allowed, ", ")))
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		i, err := strconv.Atoi(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid integer", key))
			return def
		}
		return i
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getMillis(key string, def time.Duration) time.Duration {
	ms := l.getInt(key, int(def/time.Millisecond), false)
	if ms <= 0 {
		l.addError(fmt.Sprintf("%s must be positive", key))
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func (l *envLoader) getFloat(key string, def float64) float64 {
	val, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(val) == "" {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid number", key))
		return def
	}
	return f
}

func (l *envLoader) getBool(key string, def bool, required bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid boolean", key))
			return def
		}
		return parsed
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		if required {
			return nil
		}
		return []string{}
	}
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
