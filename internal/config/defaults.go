package config

import "strings"

const (
	defaultAppEnv      = "dev"
	defaultAppLogLevel = "info"
	defaultAppHTTPAddr = ":9992"
	defaultStorePath   = "/data/db/skipper.db"

	defaultWebhookMaxTSDiff = 300

	defaultRateMaxRequests   = 100
	defaultRateWindowSeconds = 3600
	defaultRateBurstLimit    = 10
	defaultRateBurstWindow   = 60

	defaultBPMaxQueueSize = 1000
	defaultBPThreshold    = 0.8
	defaultBPDelayMillis  = 100

	defaultRetryMaxAttempts = 3
	defaultRetryBaseDelay   = 1.0
	defaultRetryMaxDelay    = 300.0
	defaultRetryBackoff     = 2.0
	defaultRetryStrategy    = "exponential"

	defaultCircuitThreshold = 5
	defaultCircuitRecovery  = 60

	defaultIdemCacheTTL = 3600
	defaultIdemSweep    = 600

	defaultOrchMaxRetries  = 3
	defaultOrchMailbox     = 64
	defaultOrchCallTimeout = 30
	defaultOrchMonitorSecs = 60

	defaultBrokerMode = "paper"
)

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Webhook.applyDefaults(keys)
	c.RateLimit.applyDefaults(keys)
	c.Backpressure.applyDefaults(keys)
	c.Retry.applyDefaults(keys)
	c.Circuit.applyDefaults(keys)
	c.Idempotency.applyDefaults(keys)
	c.Orchestrator.applyDefaults(keys)
	c.Broker.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.path", &s.Path, defaultStorePath),
	)
}

func (w *WebhookConfig) applyDefaults(keys keySet) {
	if w == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("webhook.max_timestamp_diff", &w.MaxTimestampDiff, defaultWebhookMaxTSDiff),
	)
}

func (r *RateLimitConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("rate_limit.max_requests", &r.MaxRequests, defaultRateMaxRequests),
		intFieldDefault("rate_limit.window_seconds", &r.WindowSeconds, defaultRateWindowSeconds),
		intFieldDefault("rate_limit.burst_limit", &r.BurstLimit, defaultRateBurstLimit),
		intFieldDefault("rate_limit.burst_window", &r.BurstWindow, defaultRateBurstWindow),
	)
}

func (b *BackpressureConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("backpressure.max_queue_size", &b.MaxQueueSize, defaultBPMaxQueueSize),
		fieldDefault{
			key:   "backpressure.queue_full_threshold",
			need:  func() bool { return b.QueueFullThreshold <= 0 || b.QueueFullThreshold > 1 },
			apply: func() { b.QueueFullThreshold = defaultBPThreshold },
		},
		intFieldDefault("backpressure.delay_ms", &b.DelayMillis, defaultBPDelayMillis),
	)
}

func (r *RetryConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("retry.max_attempts", &r.MaxAttempts, defaultRetryMaxAttempts),
		floatFieldDefault("retry.base_delay", &r.BaseDelaySeconds, defaultRetryBaseDelay),
		floatFieldDefault("retry.max_delay", &r.MaxDelaySeconds, defaultRetryMaxDelay),
		floatFieldDefault("retry.backoff_factor", &r.BackoffFactor, defaultRetryBackoff),
		stringFieldDefault("retry.strategy", &r.Strategy, defaultRetryStrategy),
		fieldDefault{
			key:   "retry.jitter",
			apply: func() { r.Jitter = true },
		},
	)
}

func (c *CircuitConfig) applyDefaults(keys keySet) {
	if c == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("circuit.failure_threshold", &c.FailureThreshold, defaultCircuitThreshold),
		intFieldDefault("circuit.recovery_timeout", &c.RecoveryTimeoutSeconds, defaultCircuitRecovery),
	)
}

func (i *IdempotencyConfig) applyDefaults(keys keySet) {
	if i == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("idempotency.cache_ttl", &i.CacheTTLSeconds, defaultIdemCacheTTL),
		intFieldDefault("idempotency.sweep_interval", &i.SweepSeconds, defaultIdemSweep),
	)
}

func (o *OrchestratorConfig) applyDefaults(keys keySet) {
	if o == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("orchestrator.max_retries", &o.MaxRetries, defaultOrchMaxRetries),
		intFieldDefault("orchestrator.job_mailbox_size", &o.JobMailboxSize, defaultOrchMailbox),
		intFieldDefault("orchestrator.call_timeout_seconds", &o.CallTimeoutSecs, defaultOrchCallTimeout),
		intFieldDefault("orchestrator.monitor_interval_seconds", &o.MonitorIntervalS, defaultOrchMonitorSecs),
	)
}

func (b *BrokerConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("broker.mode", &b.Mode, defaultBrokerMode),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
