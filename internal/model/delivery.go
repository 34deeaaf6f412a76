package model

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus is the state of one outbound webhook delivery.
type DeliveryStatus string

const (
	DeliveryPending  DeliveryStatus = "pending"
	DeliveryRetrying DeliveryStatus = "retrying"
	DeliverySuccess  DeliveryStatus = "success"
	DeliveryFailed   DeliveryStatus = "failed"
)

// Terminal reports whether no further attempts will be made.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliverySuccess || s == DeliveryFailed
}

// WebhookDelivery is an outbound webhook call owned by a run.
type WebhookDelivery struct {
	ID            uuid.UUID         `json:"id"`
	TenantID      uuid.UUID         `json:"tenant_id"`
	RunID         *uuid.UUID        `json:"run_id,omitempty"`
	RuleID        uuid.UUID         `json:"rule_id"`
	EventID       *uuid.UUID        `json:"event_id,omitempty"`
	EventType     string            `json:"event_type"`
	URL           string            `json:"url"`
	Secret        string            `json:"-"`
	Headers       map[string]string `json:"headers,omitempty"`
	RequestBody   string            `json:"request_body"`
	Status        DeliveryStatus    `json:"status"`
	AttemptCount  int               `json:"attempt_count"`
	NextAttemptAt *time.Time        `json:"next_attempt_at,omitempty"`
	DeliveredAt   *time.Time        `json:"delivered_at,omitempty"`
	ResponseCode  *int              `json:"response_code,omitempty"`
	ResponseBody  *string           `json:"response_body,omitempty"`
	ErrorMessage  *string           `json:"error_message,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// DeliveryAttempt is the recorded result of one HTTP call.
type DeliveryAttempt struct {
	DeliveryID    uuid.UUID
	Status        DeliveryStatus
	AttemptCount  int
	NextAttemptAt *time.Time
	DeliveredAt   *time.Time
	ResponseCode  *int
	ResponseBody  *string
	ErrorMessage  *string
}
