// Package access decides which principal may read which case. Every read
// of the case store from the HTTP surface goes through a Gate; the store
// itself performs no authorization.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mediassist/mediassist/internal/domain/casefile"
	"github.com/mediassist/mediassist/internal/domain/principal"
	"github.com/mediassist/mediassist/internal/platform/auth"
)

// ErrDenied is returned for a case the principal may not act on, and equally
// for a case that does not exist.
var ErrDenied = errors.New("access denied")

type Action string

const (
	ActionRead  Action = "read"
	ActionAudit Action = "audit"
)

// Principal is the caller identity a decision is made for.
type Principal struct {
	ID   uuid.UUID
	Role principal.Role
}

// FromContext builds the Principal put on the request by auth.JWTMiddleware.
func FromContext(ctx context.Context) (Principal, error) {
	id, err := uuid.Parse(auth.UserIDFromContext(ctx))
	if err != nil {
		return Principal{}, fmt.Errorf("%w: no principal on request", ErrDenied)
	}
	for _, r := range auth.RolesFromContext(ctx) {
		if role, ok := principal.ParseRole(r); ok {
			return Principal{ID: id, Role: role}, nil
		}
	}
	return Principal{}, fmt.Errorf("%w: principal has no known role", ErrDenied)
}

type Gate struct {
	store casefile.Store
}

func NewGate(store casefile.Store) *Gate {
	return &Gate{store: store}
}

// Authorize returns nil when p may perform action on the case, ErrDenied
// when it may not or the case does not exist, and any other error only when
// the store could not answer.
func (g *Gate) Authorize(ctx context.Context, p Principal, caseID uuid.UUID, action Action) error {
	_, err := g.load(ctx, p, caseID, action)
	return err
}

// ReadCase returns the case if p may read it.
func (g *Gate) ReadCase(ctx context.Context, p Principal, caseID uuid.UUID) (*casefile.Case, error) {
	return g.load(ctx, p, caseID, ActionRead)
}

// AuditTrail returns the case's transitions if p may audit it.
func (g *Gate) AuditTrail(ctx context.Context, p Principal, caseID uuid.UUID) ([]*casefile.AuditEntry, error) {
	if _, err := g.load(ctx, p, caseID, ActionAudit); err != nil {
		return nil, err
	}
	entries, err := g.store.AuditTrail(ctx, caseID)
	if errors.Is(err, casefile.ErrNotFound) {
		return nil, ErrDenied
	}
	return entries, err
}

// ListCases returns the page of cases visible to p, newest first.
func (g *Gate) ListCases(ctx context.Context, p Principal, limit, offset int) ([]*casefile.Case, int, error) {
	if !p.Role.Valid() {
		return nil, 0, ErrDenied
	}
	cases, total, err := g.store.ListFor(ctx, p.ID, p.Role, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return visible(p, cases), total, nil
}

// listPage is how many cases ListAll reads from the store at a time.
const listPage = 200

// ListAll returns every case visible to p, newest first.
func (g *Gate) ListAll(ctx context.Context, p Principal) ([]*casefile.Case, error) {
	if !p.Role.Valid() {
		return nil, ErrDenied
	}
	var all []*casefile.Case
	for offset := 0; ; offset += listPage {
		cases, total, err := g.store.ListFor(ctx, p.ID, p.Role, listPage, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, visible(p, cases)...)
		if len(cases) < listPage || offset+len(cases) >= total {
			return all, nil
		}
	}
}

func visible(p Principal, cases []*casefile.Case) []*casefile.Case {
	out := make([]*casefile.Case, 0, len(cases))
	for _, c := range cases {
		if allowed(p, c) {
			out = append(out, c)
		}
	}
	return out
}

func (g *Gate) load(ctx context.Context, p Principal, caseID uuid.UUID, action Action) (*casefile.Case, error) {
	if action != ActionRead && action != ActionAudit {
		return nil, ErrDenied
	}
	c, err := g.store.Get(ctx, caseID)
	if errors.Is(err, casefile.ErrNotFound) {
		return nil, ErrDenied
	}
	if err != nil {
		return nil, err
	}
	if !allowed(p, c) {
		return nil, ErrDenied
	}
	return c, nil
}

// allowed holds the whole policy: submitters see their own cases in any
// state, recipients see finalized cases assigned to them.
func allowed(p Principal, c *casefile.Case) bool {
	switch p.Role {
	case principal.RoleSubmitter:
		return c.SubmitterID == p.ID
	case principal.RoleRecipient:
		return c.RecipientID != nil && *c.RecipientID == p.ID && c.Status != casefile.StatusPending
	default:
		return false
	}
}
