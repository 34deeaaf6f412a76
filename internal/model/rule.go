package model

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TriggerType is what causes a rule to run.
type TriggerType string

const (
	TriggerEvent    TriggerType = "event"
	TriggerSchedule TriggerType = "schedule"
	TriggerWebhook  TriggerType = "webhook"
	TriggerManual   TriggerType = "manual"
)

// Mention filter values understood by the dispatcher.
const (
	MentionFilterSelf     = "self"
	MentionFilterAnyAgent = "any_agent"
)

// TriggerConfig holds the trigger-specific settings of a rule. Which fields
// are meaningful depends on the rule's TriggerType.
type TriggerConfig struct {
	// event triggers.
	EventType     string `json:"event_type,omitempty"`
	MentionFilter string `json:"mention_filter,omitempty"`

	// schedule triggers.
	Cron     string `json:"cron,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	// Step budget for spawned agent tasks. Zero means the engine default.
	MaxSteps int `json:"max_steps,omitempty"`

	// webhook triggers: when set, inbound calls must carry a valid signature.
	Secret string `json:"secret,omitempty"`
}

// Condition is one predicate of a general rule.
type Condition struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value" yaml:"value"`
}

// ActionType selects the handler for one action of a general rule.
type ActionType string

const (
	ActionInternal     ActionType = "internal_action"
	ActionWebhook      ActionType = "webhook"
	ActionTriggerAgent ActionType = "trigger_agent"
)

// Action is one step of a general rule. Fields are interpreted per Type:
// internal_action uses Action and Params; webhook uses URL, Body, Headers
// and Secret; trigger_agent uses Agent, Task and MaxSteps.
type Action struct {
	Type     ActionType        `json:"type"`
	Action   string            `json:"action,omitempty"`
	Params   map[string]any    `json:"params,omitempty"`
	URL      string            `json:"url,omitempty"`
	Body     map[string]any    `json:"body,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Secret   string            `json:"secret,omitempty"`
	Agent    string            `json:"agent,omitempty"`
	Task     string            `json:"task,omitempty"`
	MaxSteps int               `json:"max_steps,omitempty"`
}

// RuleBody is what a rule does when it fires. It is exactly one of
// AgentBody, GeneralBody or MalformedBody.
type RuleBody interface {
	isRuleBody()
}

// AgentBody is the body of an agent-targeted rule: one task prompt template.
type AgentBody struct {
	Task string
}

// GeneralBody is the body of a general rule: an ordered list of actions.
type GeneralBody struct {
	Actions []Action
}

// MalformedBody is a stored body that did not decode into either shape.
// Executing a rule with a malformed body fails the run synchronously.
type MalformedBody struct {
	Reason string
}

func (AgentBody) isRuleBody()     {}
func (GeneralBody) isRuleBody()   {}
func (MalformedBody) isRuleBody() {}

// ErrActionsNotArray is the reason recorded for a non-list actions column.
const ErrActionsNotArray = "Actions must be an array"

// DecodeRuleBody builds the tagged body from the stored columns. A non-nil
// task always wins; otherwise actions must be a JSON array of actions.
func DecodeRuleBody(task *string, actions []byte) RuleBody {
	if task != nil {
		return AgentBody{Task: *task}
	}
	trimmed := bytes.TrimSpace(actions)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return MalformedBody{Reason: ErrActionsNotArray}
	}
	var list []Action
	if err := json.Unmarshal(trimmed, &list); err != nil {
		return MalformedBody{Reason: ErrActionsNotArray}
	}
	return GeneralBody{Actions: list}
}

// EncodeRuleBody is the inverse of DecodeRuleBody.
func EncodeRuleBody(body RuleBody) (task *string, actions []byte, err error) {
	switch b := body.(type) {
	case AgentBody:
		t := b.Task
		return &t, nil, nil
	case GeneralBody:
		if b.Actions == nil {
			return nil, []byte("[]"), nil
		}
		raw, err := json.Marshal(b.Actions)
		return nil, raw, err
	default:
		return nil, []byte("null"), nil
	}
}

// Rule is a stored automation definition.
type Rule struct {
	ID             uuid.UUID     `json:"id"`
	TenantID       uuid.UUID     `json:"tenant_id"`
	StudioID       *uuid.UUID    `json:"studio_id,omitempty"`
	TargetAgentID  *uuid.UUID    `json:"target_agent_id,omitempty"`
	CreatedByID    uuid.UUID     `json:"created_by_id"`
	Name           string        `json:"name"`
	TriggerType    TriggerType   `json:"trigger_type"`
	TriggerConfig  TriggerConfig `json:"trigger_config"`
	Conditions     []Condition   `json:"conditions,omitempty"`
	Body           RuleBody      `json:"-"`
	Enabled        bool          `json:"enabled"`
	ExecutionCount int64         `json:"execution_count"`
	LastExecutedAt *time.Time    `json:"last_executed_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// IsAgentRule reports whether the rule spawns a task for a target agent.
func (r Rule) IsAgentRule() bool {
	_, ok := r.Body.(AgentBody)
	return ok && r.TargetAgentID != nil
}

// MatchesScope reports whether an event in studioID falls inside the rule's scope.
func (r Rule) MatchesScope(tenantID uuid.UUID, studioID *uuid.UUID) bool {
	if r.TenantID != tenantID {
		return false
	}
	if r.StudioID == nil {
		return true
	}
	return studioID != nil && *studioID == *r.StudioID
}
