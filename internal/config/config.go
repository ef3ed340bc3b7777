package config

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

type Config struct {
	ServiceName  string `envconfig:"SERVICE_NAME" default:"court-reservations"`
	HTTPAddr     string `envconfig:"HTTP_ADDR" default:":8080"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	CRDBDSN      string `envconfig:"CRDB_DSN" required:"true"`
	MongoURI     string `envconfig:"MONGO_URI" required:"true"`
	MongoDB      string `envconfig:"MONGO_DB" default:"courts"`
	RedisAddr    string `envconfig:"REDIS_ADDR"`
	RabbitURL    string `envconfig:"RABBIT_URL"`
	JWTSecret    string `envconfig:"JWT_SECRET" required:"true"`
	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Environment  string `envconfig:"ENVIRONMENT" default:"development"`

	TraceSampleRatio float64 `envconfig:"TRACE_SAMPLE_RATIO" default:"1"`

	HoldTTL           time.Duration `envconfig:"HOLD_TTL" default:"10m"`
	PaymentTimeout    time.Duration `envconfig:"PAYMENT_TIMEOUT" default:"15m"`
	MaxActiveBookings int           `envconfig:"MAX_ACTIVE_BOOKINGS" default:"5"`
	CancelCutoff      time.Duration `envconfig:"CANCEL_CUTOFF" default:"2h"`
	SlotLength        time.Duration `envconfig:"SLOT_LENGTH" default:"60m"`
	MaxSpan           time.Duration `envconfig:"MAX_SPAN" default:"4h"`
	CommissionRate    string        `envconfig:"COMMISSION_RATE" default:"0.10"`
	SweepInterval     time.Duration `envconfig:"SWEEP_INTERVAL" default:"30s"`
	RateLimitPerMin   int           `envconfig:"RATE_LIMIT_PER_MIN" default:"120"`

	// The availability ledger lives in process memory, so only one API
	// instance may serve writes. Startup fails while another holds the lease.
	LedgerLeaseTTL time.Duration `envconfig:"LEDGER_LEASE_TTL" default:"15s"`

	PaymentProvider string        `envconfig:"PAYMENT_PROVIDER" default:"manual"`
	ProviderTimeout time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"15s"`
	Currency        string        `envconfig:"CURRENCY" default:"AUD"`

	OmisePublicKey string `envconfig:"OMISE_PUBLIC_KEY"`
	OmiseSecretKey string `envconfig:"OMISE_SECRET_KEY"`

	PayPalBaseURL  string `envconfig:"PAYPAL_BASE_URL" default:"https://api-m.sandbox.paypal.com"`
	PayPalClientID string `envconfig:"PAYPAL_CLIENT_ID"`
	PayPalSecret   string `envconfig:"PAYPAL_SECRET"`
	PayPalWebhook  string `envconfig:"PAYPAL_WEBHOOK_ID"`
	PayPalReturn   string `envconfig:"PAYPAL_RETURN_URL"`
	PayPalCancel   string `envconfig:"PAYPAL_CANCEL_URL"`

	ManualWebhookSecret string `envconfig:"MANUAL_WEBHOOK_SECRET"`

	OutboxBatch    int           `envconfig:"OUTBOX_BATCH" default:"100"`
	OutboxInterval time.Duration `envconfig:"OUTBOX_INTERVAL" default:"1s"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Commission() decimal.Decimal {
	d, err := decimal.NewFromString(c.CommissionRate)
	if err != nil {
		return decimal.NewFromFloat(0.10)
	}
	return d
}

func (c *Config) validate() error {
	if c.HoldTTL <= 0 || c.PaymentTimeout <= 0 {
		return errors.New("config: HOLD_TTL and PAYMENT_TIMEOUT must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return errors.New("config: TRACE_SAMPLE_RATIO must be between 0 and 1")
	}
	if c.LedgerLeaseTTL < time.Second {
		return errors.New("config: LEDGER_LEASE_TTL is too short")
	}
	if c.MaxActiveBookings < 1 {
		return errors.New("config: MAX_ACTIVE_BOOKINGS must be at least 1")
	}
	if c.SlotLength <= 0 || c.MaxSpan < c.SlotLength {
		return errors.New("config: MAX_SPAN must be at least SLOT_LENGTH")
	}
	if _, err := decimal.NewFromString(c.CommissionRate); err != nil {
		return errors.Wrap(err, "config: COMMISSION_RATE")
	}
	switch c.PaymentProvider {
	case "omise":
		if c.OmisePublicKey == "" || c.OmiseSecretKey == "" {
			return errors.New("config: omise provider needs OMISE_PUBLIC_KEY and OMISE_SECRET_KEY")
		}
	case "paypal":
		if c.PayPalClientID == "" || c.PayPalSecret == "" {
			return errors.New("config: paypal provider needs PAYPAL_CLIENT_ID and PAYPAL_SECRET")
		}
	case "manual":
		if c.ManualWebhookSecret == "" {
			return errors.New("config: manual provider needs MANUAL_WEBHOOK_SECRET")
		}
	default:
		return errors.Newf("config: unknown PAYMENT_PROVIDER %q", c.PaymentProvider)
	}
	return nil
}
