package config

import (
	"strings"
	"time"
)

// Config is the top-level configuration for skipper.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Store        StoreConfig        `mapstructure:"store"`
	Webhook      WebhookConfig      `mapstructure:"webhook"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	Backpressure BackpressureConfig `mapstructure:"backpressure"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Circuit      CircuitConfig      `mapstructure:"circuit"`
	Idempotency  IdempotencyConfig  `mapstructure:"idempotency"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Broker       BrokerConfig       `mapstructure:"broker"`
	Notify       NotifyConfig       `mapstructure:"notify"`
}

type AppConfig struct {
	Env          string `mapstructure:"env"`
	LogLevel     string `mapstructure:"log_level"`
	HTTPAddr     string `mapstructure:"http_addr"`
	LogPath      string `mapstructure:"log_path"`
	ServiceToken string `mapstructure:"service_token"` // empty disables token auth
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// WebhookConfig controls inbound trigger authentication.
type WebhookConfig struct {
	SecretKey        string   `mapstructure:"secret_key"`
	AllowedIPs       []string `mapstructure:"allowed_ips"` // exact IPs or CIDR ranges
	MaxTimestampDiff int      `mapstructure:"max_timestamp_diff"`
}

type RateLimitConfig struct {
	MaxRequests   int `mapstructure:"max_requests"`
	WindowSeconds int `mapstructure:"window_seconds"`
	BurstLimit    int `mapstructure:"burst_limit"`
	BurstWindow   int `mapstructure:"burst_window"`
}

func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

func (r RateLimitConfig) Burst() time.Duration {
	return time.Duration(r.BurstWindow) * time.Second
}

type BackpressureConfig struct {
	MaxQueueSize       int     `mapstructure:"max_queue_size"`
	QueueFullThreshold float64 `mapstructure:"queue_full_threshold"` // 0~1 occupancy ratio
	DelayMillis        int     `mapstructure:"delay_ms"`
}

func (b BackpressureConfig) Delay() time.Duration {
	return time.Duration(b.DelayMillis) * time.Millisecond
}

type RetryConfig struct {
	MaxAttempts      int     `mapstructure:"max_attempts"`
	BaseDelaySeconds float64 `mapstructure:"base_delay"`
	MaxDelaySeconds  float64 `mapstructure:"max_delay"`
	BackoffFactor    float64 `mapstructure:"backoff_factor"`
	Strategy         string  `mapstructure:"strategy"` // fixed | linear | exponential
	Jitter           bool    `mapstructure:"jitter"`
}

func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelaySeconds * float64(time.Second))
}

func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelaySeconds * float64(time.Second))
}

type CircuitConfig struct {
	FailureThreshold       int `mapstructure:"failure_threshold"`
	RecoveryTimeoutSeconds int `mapstructure:"recovery_timeout"`
}

func (c CircuitConfig) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutSeconds) * time.Second
}

type IdempotencyConfig struct {
	CacheTTLSeconds int `mapstructure:"cache_ttl"`
	SweepSeconds    int `mapstructure:"sweep_interval"`
}

func (i IdempotencyConfig) CacheTTL() time.Duration {
	return time.Duration(i.CacheTTLSeconds) * time.Second
}

func (i IdempotencyConfig) SweepInterval() time.Duration {
	return time.Duration(i.SweepSeconds) * time.Second
}

type OrchestratorConfig struct {
	MaxRetries       int `mapstructure:"max_retries"`
	JobMailboxSize   int `mapstructure:"job_mailbox_size"`
	CallTimeoutSecs  int `mapstructure:"call_timeout_seconds"`
	MonitorIntervalS int `mapstructure:"monitor_interval_seconds"`
}

func (o OrchestratorConfig) CallTimeout() time.Duration {
	return time.Duration(o.CallTimeoutSecs) * time.Second
}

func (o OrchestratorConfig) MonitorInterval() time.Duration {
	return time.Duration(o.MonitorIntervalS) * time.Second
}

// BrokerConfig describes the outbound exchange connection.
type BrokerConfig struct {
	Mode      string `mapstructure:"mode"` // "paper" | "binance"
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	Testnet   bool   `mapstructure:"testnet"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// keySet tracks the field paths explicitly present in the config file.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault describes the default rule for a single field.
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
