// Package model defines the core domain types for the hibiki automation engine.
//
// Types correspond directly to database tables and webhook payloads. They use
// strong typing (UUIDs, time.Time, string enums) and keep map[string]any to
// the places where rule authors supply free-form data.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Tenant is the top-level isolation boundary. Every other record carries a TenantID.
type Tenant struct {
	ID        uuid.UUID `json:"id"`
	Subdomain string    `json:"subdomain"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Studio is a workspace inside a tenant. Rules with a nil StudioID are tenant-wide.
type Studio struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Handle    string    `json:"handle"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// UserType distinguishes humans from AI agents.
type UserType string

const (
	UserTypeHuman UserType = "human"
	UserTypeAgent UserType = "ai_agent"
)

// User is a human or agent account. Agents are the targets of agent rules.
type User struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Handle    string    `json:"handle"`
	Name      string    `json:"name"`
	Type      UserType  `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// IsAgent reports whether the user is an AI agent.
func (u User) IsAgent() bool {
	return u.Type == UserTypeAgent
}
