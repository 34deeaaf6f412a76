package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/hibiki/internal/model"
)

// CreateTenant inserts a tenant. A zero ID is assigned.
func (db *DB) CreateTenant(ctx context.Context, t model.Tenant) (model.Tenant, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO tenants (id, subdomain, name, created_at) VALUES ($1, $2, $3, $4)`,
		t.ID, t.Subdomain, t.Name, t.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Tenant{}, fmt.Errorf("storage: create tenant %q: %w", t.Subdomain, ErrConflict)
		}
		return model.Tenant{}, fmt.Errorf("storage: create tenant: %w", err)
	}
	return t, nil
}

// CreateStudio inserts a studio.
func (db *DB) CreateStudio(ctx context.Context, s model.Studio) (model.Studio, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO studios (id, tenant_id, handle, name, created_at) VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.TenantID, s.Handle, s.Name, s.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Studio{}, fmt.Errorf("storage: create studio %q: %w", s.Handle, ErrConflict)
		}
		return model.Studio{}, fmt.Errorf("storage: create studio: %w", err)
	}
	return s, nil
}

// CreateUser inserts a human or agent user.
func (db *DB) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Type == "" {
		u.Type = model.UserTypeHuman
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO users (id, tenant_id, handle, name, user_type, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.TenantID, u.Handle, u.Name, string(u.Type), u.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.User{}, fmt.Errorf("storage: create user %q: %w", u.Handle, ErrConflict)
		}
		return model.User{}, fmt.Errorf("storage: create user: %w", err)
	}
	return u, nil
}

const userColumns = `id, tenant_id, handle, name, user_type, created_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	if err := row.Scan(&u.ID, &u.TenantID, &u.Handle, &u.Name, &u.Type, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// GetUser returns the user with id in tenantID, or nil if there is none.
func (db *DB) GetUser(ctx context.Context, tenantID, id uuid.UUID) (*model.User, error) {
	u, err := scanUser(db.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if err != nil {
		return nil, fmt.Errorf("storage: get user: %w", err)
	}
	return u, nil
}

// ResolveHandle looks a handle up case-insensitively within a tenant.
// Returns nil, nil when no user has the handle.
func (db *DB) ResolveHandle(ctx context.Context, tenantID uuid.UUID, handle string) (*model.User, error) {
	u, err := scanUser(db.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE tenant_id = $1 AND lower(handle) = lower($2)`, tenantID, handle))
	if err != nil {
		return nil, fmt.Errorf("storage: resolve handle: %w", err)
	}
	return u, nil
}

// CreateNote inserts a note.
func (db *DB) CreateNote(ctx context.Context, n model.Note) (model.Note, error) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO notes (id, tenant_id, studio_id, title, text, created_by_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, n.TenantID, n.StudioID, n.NoteTitle, n.Text, n.CreatedByID, n.CreatedAt,
	)
	if err != nil {
		return model.Note{}, fmt.Errorf("storage: create note: %w", err)
	}
	return n, nil
}

// CreateDecision inserts a decision.
func (db *DB) CreateDecision(ctx context.Context, d model.Decision) (model.Decision, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO decisions (id, tenant_id, studio_id, question, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.TenantID, d.StudioID, d.Question, d.Description, d.CreatedAt,
	)
	if err != nil {
		return model.Decision{}, fmt.Errorf("storage: create decision: %w", err)
	}
	return d, nil
}

// CreateCommitment inserts a commitment.
func (db *DB) CreateCommitment(ctx context.Context, c model.Commitment) (model.Commitment, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO commitments (id, tenant_id, studio_id, title, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.TenantID, c.StudioID, c.CommitmentTitle, c.Description, c.CreatedAt,
	)
	if err != nil {
		return model.Commitment{}, fmt.Errorf("storage: create commitment: %w", err)
	}
	return c, nil
}

// loadSubject fetches the record a subject reference points at, joined with
// its studio's handle for path building. Returns nil when it is gone.
func (db *DB) loadSubject(ctx context.Context, tenantID uuid.UUID, ref model.SubjectRef) (model.Subject, error) {
	var (
		subject model.Subject
		err     error
	)
	switch ref.Kind {
	case model.SubjectKindNote:
		var n model.Note
		err = db.pool.QueryRow(ctx,
			`SELECT n.id, n.tenant_id, n.studio_id, s.handle, n.title, n.text, n.created_by_id, n.created_at
			 FROM notes n JOIN studios s ON s.id = n.studio_id
			 WHERE n.tenant_id = $1 AND n.id = $2`, tenantID, ref.ID,
		).Scan(&n.ID, &n.TenantID, &n.StudioID, &n.StudioHandle, &n.NoteTitle, &n.Text, &n.CreatedByID, &n.CreatedAt)
		subject = n
	case model.SubjectKindDecision:
		var d model.Decision
		err = db.pool.QueryRow(ctx,
			`SELECT d.id, d.tenant_id, d.studio_id, s.handle, d.question, d.description, d.created_at
			 FROM decisions d JOIN studios s ON s.id = d.studio_id
			 WHERE d.tenant_id = $1 AND d.id = $2`, tenantID, ref.ID,
		).Scan(&d.ID, &d.TenantID, &d.StudioID, &d.StudioHandle, &d.Question, &d.Description, &d.CreatedAt)
		subject = d
	case model.SubjectKindCommitment:
		var c model.Commitment
		err = db.pool.QueryRow(ctx,
			`SELECT c.id, c.tenant_id, c.studio_id, s.handle, c.title, c.description, c.created_at
			 FROM commitments c JOIN studios s ON s.id = c.studio_id
			 WHERE c.tenant_id = $1 AND c.id = $2`, tenantID, ref.ID,
		).Scan(&c.ID, &c.TenantID, &c.StudioID, &c.StudioHandle, &c.CommitmentTitle, &c.Description, &c.CreatedAt)
		subject = c
	default:
		return nil, nil
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: load %s: %w", ref.Kind, err)
	}
	return subject, nil
}
