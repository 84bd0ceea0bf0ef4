package config

import (
	"fmt"
	"net"
	"strings"
)

var validRetryStrategies = map[string]struct{}{
	"fixed":       {},
	"linear":      {},
	"exponential": {},
}

// validate performs basic sanity checks after defaults are applied.
func validate(c *Config) error {
	if err := c.Webhook.validate(); err != nil {
		return err
	}
	if err := c.RateLimit.validate(); err != nil {
		return err
	}
	if err := c.Backpressure.validate(); err != nil {
		return err
	}
	if err := c.Retry.validate(); err != nil {
		return err
	}
	if err := c.Broker.validate(); err != nil {
		return err
	}
	return nil
}

func (w *WebhookConfig) validate() error {
	for _, entry := range w.AllowedIPs {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return fmt.Errorf("webhook.allowed_ips contains invalid CIDR %q: %w", entry, err)
			}
			continue
		}
		if net.ParseIP(entry) == nil {
			return fmt.Errorf("webhook.allowed_ips contains invalid IP %q", entry)
		}
	}
	if w.MaxTimestampDiff <= 0 {
		return fmt.Errorf("webhook.max_timestamp_diff must be > 0")
	}
	return nil
}

func (r *RateLimitConfig) validate() error {
	if r.MaxRequests <= 0 || r.WindowSeconds <= 0 {
		return fmt.Errorf("rate_limit requires max_requests and window_seconds > 0")
	}
	if r.BurstLimit <= 0 || r.BurstWindow <= 0 {
		return fmt.Errorf("rate_limit requires burst_limit and burst_window > 0")
	}
	return nil
}

func (b *BackpressureConfig) validate() error {
	if b.MaxQueueSize <= 0 {
		return fmt.Errorf("backpressure.max_queue_size must be > 0")
	}
	if b.QueueFullThreshold <= 0 || b.QueueFullThreshold > 1 {
		return fmt.Errorf("backpressure.queue_full_threshold must be in (0,1]")
	}
	return nil
}

func (r *RetryConfig) validate() error {
	if r.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if r.MaxDelaySeconds < r.BaseDelaySeconds {
		return fmt.Errorf("retry.max_delay must be >= retry.base_delay")
	}
	strategy := strings.ToLower(strings.TrimSpace(r.Strategy))
	if _, ok := validRetryStrategies[strategy]; !ok {
		return fmt.Errorf("retry.strategy must be one of fixed/linear/exponential, got %q", r.Strategy)
	}
	return nil
}

func (b *BrokerConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(b.Mode)) {
	case "paper":
		return nil
	case "binance":
		if strings.TrimSpace(b.APIKey) == "" || strings.TrimSpace(b.APISecret) == "" {
			return fmt.Errorf("broker.mode=binance requires api_key and api_secret")
		}
		return nil
	default:
		return fmt.Errorf("broker.mode must be paper or binance, got %q", b.Mode)
	}
}
