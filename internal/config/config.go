package config

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"   validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Queue    QueueConfig    `mapstructure:"queue"    validate:"required"`
	LLM      LLMConfig      `mapstructure:"llm"      validate:"required"`
	Engines  EnginesConfig  `mapstructure:"engines"  validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// QueueConfig contains the worker-pool settings of the three task queues.
// Concurrency limits are independent per queue type: extraction load must
// not throttle enrichment throughput.
type QueueConfig struct {
	// ContentWorkers is the concurrency limit of the content processing queue.
	ContentWorkers int `mapstructure:"content_workers" validate:"required,gt=0,lte=64"`

	// EnrichmentWorkers is the concurrency limit of the enrichment queue.
	EnrichmentWorkers int `mapstructure:"enrichment_workers" validate:"required,gt=0,lte=64"`

	// AutomationWorkers is the concurrency limit of the automation queue.
	AutomationWorkers int `mapstructure:"automation_workers" validate:"required,gt=0,lte=64"`

	// PollIntervalMs is how often each queue worker polls for pending tasks.
	PollIntervalMs int `mapstructure:"poll_interval_ms" validate:"required,gte=100"`

	// DefaultTimeoutMs bounds tasks that carry no explicit timeout.
	// Zero disables the watchdog for such tasks.
	DefaultTimeoutMs int `mapstructure:"default_timeout_ms" validate:"gte=0"`

	// WatchdogIntervalMs is how often the timeout watchdog sweeps
	// processing tasks past their deadline.
	WatchdogIntervalMs int `mapstructure:"watchdog_interval_ms" validate:"required,gte=100"`

	// BackfillCron is a cron expression for the periodic extraction-task
	// backfill sweep. Empty disables the sweep.
	BackfillCron string `mapstructure:"backfill_cron"`

	// AutoStart starts all queue workers at boot. When false, workers
	// stay stopped until a start mutation arrives.
	AutoStart bool `mapstructure:"auto_start"`
}

// LLMConfig contains all LLM integration related settings.
type LLMConfig struct {
	GeminiAPIKey string `mapstructure:"gemini_api_key" validate:"required"`

	// ModelName is the Gemini model used for enrichment generation.
	ModelName string `mapstructure:"model_name" validate:"required"`

	// MaxRetries bounds provider-level retries on transient API errors.
	MaxRetries int `mapstructure:"max_retries" validate:"gte=0,lte=10"`

	// RetryDelaySeconds is the base delay for provider retry backoff.
	RetryDelaySeconds int `mapstructure:"retry_delay_seconds" validate:"gte=0,lte=60"`
}

// EnginesConfig points at the companion services that perform the actual
// content work. This service orchestrates tasks; extraction, embedding and
// automation connectors run elsewhere and are reached over HTTP.
type EnginesConfig struct {
	// ExtractorURL is the base URL of the content extraction service.
	ExtractorURL string `mapstructure:"extractor_url" validate:"required,url"`

	// EmbedderURL is the base URL of the embedding/vector-store service.
	EmbedderURL string `mapstructure:"embedder_url" validate:"required,url"`

	// ConnectorURL is the base URL of the automation connector service.
	ConnectorURL string `mapstructure:"connector_url" validate:"required,url"`

	// MaxRetries bounds retries of transient engine call failures.
	MaxRetries int `mapstructure:"max_retries" validate:"gte=0,lte=10"`
}
