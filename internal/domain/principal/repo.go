package principal

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("principal not found")
	ErrDuplicateName = errors.New("username already taken")
)

// Repository defines the persistence interface for principals.
type Repository interface {
	Create(ctx context.Context, p *Principal) error
	GetByID(ctx context.Context, id uuid.UUID) (*Principal, error)
	GetByUsername(ctx context.Context, username string) (*Principal, error)
	ListRecipients(ctx context.Context) ([]*Principal, error)
	List(ctx context.Context, limit, offset int) ([]*Principal, int, error)
}
