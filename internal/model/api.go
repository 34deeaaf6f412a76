package model

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field length limits for rule-authored content that flows into HTTP calls
// and Postgres TEXT columns.
const (
	MaxWebhookURLLen    = 2048
	MaxTaskPromptLen    = 64 * 1024 // 64 KB
	MaxResponseBodyKeep = 8 * 1024  // 8 KB of a webhook response is stored
)

// privateIPRanges is the set of CIDR blocks considered non-public.
// Populated once at package init; used by ValidateWebhookURL.
var privateIPRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16", // link-local
		"::1/128",
		"fc00::/7",  // unique-local IPv6
		"fe80::/10", // link-local IPv6
	} {
		_, network, err := net.ParseCIDR(cidr)
		if err == nil {
			privateIPRanges = append(privateIPRanges, network)
		}
	}
}

// ValidateWebhookURL ensures a rendered webhook URL is a publicly-routable
// http/https URL. Rejects other schemes, credentials embedded in the URL,
// and localhost or private literal addresses unless allowPrivate is set.
func ValidateWebhookURL(rawURL string, allowPrivate bool) error {
	if rawURL == "" {
		return fmt.Errorf("webhook url is empty")
	}
	if len(rawURL) > MaxWebhookURLLen {
		return fmt.Errorf("webhook url exceeds maximum length of %d characters", MaxWebhookURLLen)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("webhook url must use http or https scheme (got %q)", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("webhook url must not include credentials")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("webhook url must include a host")
	}
	if allowPrivate {
		return nil
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("webhook url must not point to localhost")
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, r := range privateIPRanges {
			if r.Contains(ip) {
				return fmt.Errorf("webhook url must not point to a private or loopback address")
			}
		}
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta carries per-response metadata.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Standard error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// TriggerRuleRequest is the request body for POST /v1/rules/{rule_id}/trigger.
type TriggerRuleRequest struct {
	// Test marks the run as a test run (exempt from the run ceiling).
	Test    bool           `json:"test,omitempty"`
	EventID *uuid.UUID     `json:"event_id,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// ListRunsResponse is the response for GET /v1/runs.
type ListRunsResponse struct {
	Runs   []Run `json:"runs"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// DispatchResponse is the response for POST /v1/events.
type DispatchResponse struct {
	EventID uuid.UUID   `json:"event_id"`
	RunIDs  []uuid.UUID `json:"run_ids"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Storage    string `json:"storage"`
	QueueDepth int    `json:"queue_depth"`
	Uptime     int64  `json:"uptime_seconds"`
}

// RunDetail is the response for GET /v1/runs/{run_id}: the run plus the
// sub-resources whose states decide its outcome.
type RunDetail struct {
	Run
	Deliveries []WebhookDelivery `json:"deliveries"`
	Tasks      []AgentTask       `json:"tasks"`
}

// TriggerResponse is the response for manual, test and inbound webhook triggers.
type TriggerResponse struct {
	RunID  uuid.UUID `json:"run_id"`
	Status RunStatus `json:"status"`
}
