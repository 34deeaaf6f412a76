package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Subject kinds an event may reference.
const (
	SubjectKindNote       = "note"
	SubjectKindDecision   = "decision"
	SubjectKindCommitment = "commitment"
)

// Subject is implemented by every record kind an event can point at.
// Template rendering, mention filtering and webhook payloads consume only
// this interface and never branch on the concrete kind.
type Subject interface {
	SubjectID() uuid.UUID
	// Kind is the lowercase kind used in payload keys ("note").
	Kind() string
	// TypeName is the display type exposed to templates ("Note").
	TypeName() string
	Title() string
	Body() string
	// Path is the record's URL path inside its studio.
	Path() string
}

// SubjectText joins the text-bearing fields of a subject for mention scanning.
func SubjectText(s Subject) string {
	if s == nil {
		return ""
	}
	parts := make([]string, 0, 2)
	if t := s.Title(); t != "" {
		parts = append(parts, t)
	}
	if b := s.Body(); b != "" {
		parts = append(parts, b)
	}
	return strings.Join(parts, "\n")
}

// Note is a free-form text record.
type Note struct {
	ID           uuid.UUID `json:"id"`
	TenantID     uuid.UUID `json:"tenant_id"`
	StudioID     uuid.UUID `json:"studio_id"`
	StudioHandle string    `json:"-"`
	NoteTitle    string    `json:"title"`
	Text         string    `json:"text"`
	CreatedByID  uuid.UUID `json:"created_by_id"`
	CreatedAt    time.Time `json:"created_at"`
}

func (n Note) SubjectID() uuid.UUID { return n.ID }
func (n Note) Kind() string         { return SubjectKindNote }
func (n Note) TypeName() string     { return "Note" }
func (n Note) Title() string        { return n.NoteTitle }
func (n Note) Body() string         { return n.Text }
func (n Note) Path() string         { return studioPath(n.StudioHandle, "n", n.ID) }

// Decision is a question put to a studio's members.
type Decision struct {
	ID           uuid.UUID `json:"id"`
	TenantID     uuid.UUID `json:"tenant_id"`
	StudioID     uuid.UUID `json:"studio_id"`
	StudioHandle string    `json:"-"`
	Question     string    `json:"question"`
	Description  string    `json:"description"`
	CreatedAt    time.Time `json:"created_at"`
}

func (d Decision) SubjectID() uuid.UUID { return d.ID }
func (d Decision) Kind() string         { return SubjectKindDecision }
func (d Decision) TypeName() string     { return "Decision" }
func (d Decision) Title() string        { return d.Question }
func (d Decision) Body() string         { return d.Description }
func (d Decision) Path() string         { return studioPath(d.StudioHandle, "d", d.ID) }

// Commitment is a conditional pledge that activates past a participant threshold.
type Commitment struct {
	ID              uuid.UUID `json:"id"`
	TenantID        uuid.UUID `json:"tenant_id"`
	StudioID        uuid.UUID `json:"studio_id"`
	StudioHandle    string    `json:"-"`
	CommitmentTitle string    `json:"title"`
	Description     string    `json:"description"`
	CreatedAt       time.Time `json:"created_at"`
}

func (c Commitment) SubjectID() uuid.UUID { return c.ID }
func (c Commitment) Kind() string         { return SubjectKindCommitment }
func (c Commitment) TypeName() string     { return "Commitment" }
func (c Commitment) Title() string        { return c.CommitmentTitle }
func (c Commitment) Body() string         { return c.Description }
func (c Commitment) Path() string         { return studioPath(c.StudioHandle, "c", c.ID) }

func studioPath(handle, prefix string, id uuid.UUID) string {
	if handle == "" {
		return "/" + prefix + "/" + id.String()
	}
	return "/studios/" + handle + "/" + prefix + "/" + id.String()
}
