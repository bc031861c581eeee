package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration (env + Viper).
type Config struct {
	Env      string
	Port     string
	LogLevel string

	QueueDatabaseURL     string
	PortfolioDatabaseURL string // defaults to QueueDatabaseURL when both stores share one database

	RedisURL        string
	DistributedLock bool          // guard batch cycles with a Redis lock (required when running more than one instance)
	LockTTL         time.Duration // upper bound on a cycle; the lock expires after this

	RabbitMQURL   string
	RabbitMQQueue string

	AuthorityURL               string // POST endpoint receiving the net tier split
	AuthorityHealthURL         string
	AuthorityTimeout           time.Duration
	AuthorityProbeTimeout      time.Duration
	AuthorityRetryAttempts     int
	AuthorityRetryDelay        time.Duration
	AuthorityBackoffMultiplier float64

	PollInterval         time.Duration
	BatchSize            int
	SyncInterval         time.Duration
	SyncPageSize         int
	StaleProcessingAfter time.Duration

	HealthAdminKey string
}

func setDefaults() {
	viper.SetDefault("PORT", "8080")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOCK_TTL", "5m")
	viper.SetDefault("RABBITMQ_QUEUE", "batch.finalized")
	viper.SetDefault("ALLOCATION_AUTHORITY_URL", "http://bank-asset-agent:8080/api/v1/process-portfolio")
	viper.SetDefault("AUTHORITY_TIMEOUT", "30s")
	viper.SetDefault("AUTHORITY_PROBE_TIMEOUT", "5s")
	viper.SetDefault("AUTHORITY_RETRY_ATTEMPTS", 3)
	viper.SetDefault("AUTHORITY_RETRY_DELAY", "1s")
	viper.SetDefault("AUTHORITY_BACKOFF_MULTIPLIER", 2.0)
	viper.SetDefault("POLL_INTERVAL", "5s")
	viper.SetDefault("BATCH_SIZE", 10)
	viper.SetDefault("SYNC_INTERVAL", "30s")
	viper.SetDefault("SYNC_PAGE_SIZE", 100)
	viper.SetDefault("STALE_PROCESSING_AFTER", "15m")
}

// Load loads config from env and optional .env file.
func Load() (*Config, error) {
	viper.SetConfigFile(".env")
	_ = viper.ReadInConfig()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults()

	env := viper.GetString("APP_ENV")
	if env == "" {
		env = "development"
	}

	queueURL := viper.GetString("QUEUE_DATABASE_URL")
	portfolioURL := viper.GetString("PORTFOLIO_DATABASE_URL")
	if portfolioURL == "" {
		portfolioURL = queueURL
	}

	cfg := &Config{
		Env:                        env,
		Port:                       viper.GetString("PORT"),
		LogLevel:                   viper.GetString("LOG_LEVEL"),
		QueueDatabaseURL:           queueURL,
		PortfolioDatabaseURL:       portfolioURL,
		RedisURL:                   viper.GetString("REDIS_URL"),
		DistributedLock:            viper.GetBool("DISTRIBUTED_LOCK"),
		LockTTL:                    viper.GetDuration("LOCK_TTL"),
		RabbitMQURL:                viper.GetString("RABBITMQ_URL"),
		RabbitMQQueue:              viper.GetString("RABBITMQ_QUEUE"),
		AuthorityURL:               viper.GetString("ALLOCATION_AUTHORITY_URL"),
		AuthorityHealthURL:         authorityHealthURL(viper.GetString("ALLOCATION_AUTHORITY_HEALTH_URL"), viper.GetString("ALLOCATION_AUTHORITY_URL")),
		AuthorityTimeout:           viper.GetDuration("AUTHORITY_TIMEOUT"),
		AuthorityProbeTimeout:      viper.GetDuration("AUTHORITY_PROBE_TIMEOUT"),
		AuthorityRetryAttempts:     viper.GetInt("AUTHORITY_RETRY_ATTEMPTS"),
		AuthorityRetryDelay:        viper.GetDuration("AUTHORITY_RETRY_DELAY"),
		AuthorityBackoffMultiplier: viper.GetFloat64("AUTHORITY_BACKOFF_MULTIPLIER"),
		PollInterval:               viper.GetDuration("POLL_INTERVAL"),
		BatchSize:                  viper.GetInt("BATCH_SIZE"),
		SyncInterval:               viper.GetDuration("SYNC_INTERVAL"),
		SyncPageSize:               viper.GetInt("SYNC_PAGE_SIZE"),
		StaleProcessingAfter:       viper.GetDuration("STALE_PROCESSING_AFTER"),
		HealthAdminKey:             viper.GetString("HEALTH_ADMIN_KEY"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.BatchSize < 1:
		return fmt.Errorf("config: BATCH_SIZE must be >= 1, got %d", c.BatchSize)
	case c.AuthorityRetryAttempts < 1:
		return fmt.Errorf("config: AUTHORITY_RETRY_ATTEMPTS must be >= 1, got %d", c.AuthorityRetryAttempts)
	case c.AuthorityBackoffMultiplier < 1:
		return fmt.Errorf("config: AUTHORITY_BACKOFF_MULTIPLIER must be >= 1, got %v", c.AuthorityBackoffMultiplier)
	case c.PollInterval <= 0:
		return fmt.Errorf("config: POLL_INTERVAL must be positive")
	case c.SyncInterval <= 0:
		return fmt.Errorf("config: SYNC_INTERVAL must be positive")
	case c.SyncPageSize < 1:
		return fmt.Errorf("config: SYNC_PAGE_SIZE must be >= 1, got %d", c.SyncPageSize)
	case c.AuthorityTimeout <= 0:
		return fmt.Errorf("config: AUTHORITY_TIMEOUT must be positive")
	case c.DistributedLock && c.LockTTL <= c.WorstCaseDispatch():
		return fmt.Errorf("config: LOCK_TTL (%s) must exceed the worst case dispatch (%s)", c.LockTTL, c.WorstCaseDispatch())
	}
	return nil
}

// WorstCaseDispatch is the longest one dispatch can take: every attempt timing
// out plus the backoff waits between them.
func (c *Config) WorstCaseDispatch() time.Duration {
	total := c.AuthorityTimeout * time.Duration(c.AuthorityRetryAttempts)
	delay := c.AuthorityRetryDelay
	for i := 1; i < c.AuthorityRetryAttempts; i++ {
		total += delay
		delay = time.Duration(float64(delay) * c.AuthorityBackoffMultiplier)
	}
	return total
}

// authorityHealthURL derives the liveness endpoint from the dispatch URL when not set:
// http://host:8080/api/v1/process-portfolio -> http://host:8080/health
func authorityHealthURL(explicit, dispatchURL string) string {
	explicit = strings.TrimSpace(explicit)
	if explicit != "" {
		return explicit
	}
	base := dispatchURL
	if i := strings.Index(base, "/api/"); i >= 0 {
		base = base[:i]
	}
	return strings.TrimRight(base, "/") + "/health"
}
