package identity

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*Patient, error)
	List(ctx context.Context, search string, limit, offset int) ([]*Patient, int, error)
	// LastCode returns the highest generated patient code, or "" when none exist.
	LastCode(ctx context.Context, prefix string) (string, error)
}

type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*User, error)
	UpdateLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error
}
