package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"skipper/internal/logger"
)

// AuthReason classifies why verification failed.
type AuthReason string

const (
	ReasonInvalidSignature AuthReason = "invalid_signature"
	ReasonStaleRequest     AuthReason = "stale_request"
	ReasonForbiddenOrigin  AuthReason = "forbidden_origin"
)

// AuthError is returned by Verify on any rejection.
type AuthError struct {
	Reason AuthReason
	Detail string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("webhook auth failed (%s): %s", e.Reason, e.Detail)
}

// futureSkew tolerates clock drift for timestamps slightly ahead of us.
const futureSkew = 60 * time.Second

// WebhookAuthenticator verifies inbound trigger authenticity: an
// HMAC-SHA256 signature over "{timestamp}.{payload}", a bounded
// timestamp skew, and a source-IP allow-list with CIDR support.
type WebhookAuthenticator struct {
	secret           []byte
	allowedExact     map[string]struct{}
	allowedNets      []*net.IPNet
	maxTimestampDiff time.Duration

	nowFn func() time.Time
}

func NewWebhookAuthenticator(secret string, allowedIPs []string, maxTimestampDiff time.Duration) (*WebhookAuthenticator, error) {
	if maxTimestampDiff <= 0 {
		maxTimestampDiff = 300 * time.Second
	}
	a := &WebhookAuthenticator{
		secret:           []byte(secret),
		allowedExact:     make(map[string]struct{}),
		maxTimestampDiff: maxTimestampDiff,
		nowFn:            time.Now,
	}
	for _, entry := range allowedIPs {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR in allow-list: %q", entry)
			}
			a.allowedNets = append(a.allowedNets, network)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP in allow-list: %q", entry)
		}
		a.allowedExact[ip.String()] = struct{}{}
	}
	if len(a.allowedExact) == 0 && len(a.allowedNets) == 0 {
		logger.Warnf("webhook: allow-list is empty, all source IPs admitted")
	}
	return a, nil
}

// Verify checks origin, freshness and signature, in that order. The
// payload must be the raw body bytes exactly as received; the signature
// header carries "sha256=<hex>".
func (a *WebhookAuthenticator) Verify(payload []byte, signatureHeader, timestampHeader, sourceIP string) error {
	if !a.originAllowed(sourceIP) {
		return &AuthError{Reason: ReasonForbiddenOrigin, Detail: "source ip " + sourceIP + " not in allow-list"}
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(timestampHeader), 10, 64)
	if err != nil {
		return &AuthError{Reason: ReasonStaleRequest, Detail: "unparseable timestamp"}
	}
	now := a.nowFn()
	reqTime := time.Unix(ts, 0)
	if now.Sub(reqTime) > a.maxTimestampDiff {
		return &AuthError{Reason: ReasonStaleRequest, Detail: fmt.Sprintf("request is %s old", now.Sub(reqTime).Truncate(time.Second))}
	}
	if reqTime.Sub(now) > futureSkew {
		return &AuthError{Reason: ReasonStaleRequest, Detail: "timestamp is in the future"}
	}

	expected := a.sign(payload, strings.TrimSpace(timestampHeader))
	if !hmac.Equal([]byte(strings.TrimSpace(signatureHeader)), []byte(expected)) {
		return &AuthError{Reason: ReasonInvalidSignature, Detail: "signature mismatch"}
	}
	return nil
}

// sign computes the expected "sha256=<hex>" header for payload at timestamp.
func (a *WebhookAuthenticator) sign(payload []byte, timestamp string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Sign is exported for trusted callers building outbound webhooks and
// for tests.
func (a *WebhookAuthenticator) Sign(payload []byte, timestamp string) string {
	return a.sign(payload, timestamp)
}

func (a *WebhookAuthenticator) originAllowed(sourceIP string) bool {
	if len(a.allowedExact) == 0 && len(a.allowedNets) == 0 {
		return true
	}
	ip := net.ParseIP(strings.TrimSpace(sourceIP))
	if ip == nil {
		return false
	}
	if _, ok := a.allowedExact[ip.String()]; ok {
		return true
	}
	for _, network := range a.allowedNets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
