package config

import "time"

type Config struct {
	RunAddress        string             `env:"RUN_ADDRESS"`
	DatabaseURI       string             `env:"DATABASE_URI"`
	RedisURL          string             `env:"REDIS_URL"`
	SecretKey         string             `env:"SECRET_KEY"`
	StripeAPIKey      string             `env:"STRIPE_API_KEY"`
	WebhookSecret     string             `env:"STRIPE_WEBHOOK_SECRET"`
	CanonicalCurrency string             `env:"CANONICAL_CURRENCY"`
	CurrencyRates     map[string]float64 `env:"CURRENCY_RATES" envKeyValSeparator:":"`
	FeeCacheTTL       time.Duration      `env:"FEE_CACHE_TTL"`
	PayoutInterval    time.Duration      `env:"PAYOUT_INTERVAL"`
	PayoutWorkers     int                `env:"PAYOUT_WORKERS"`
	ClientTimeout     int                `env:"CLIENT_TIMEOUT"`
	LogLevel          string             `env:"LOG_LEVEL"`
	LogPretty         bool               `env:"LOG_PRETTY"`
}
