package billing

import (
	"context"

	"github.com/google/uuid"
)

// BillRepository persists bills.
//
// Create fails with ErrDuplicateBillNumber when the number is taken and with
// ErrOpenBillExists when the patient already has an unpaid bill for the
// billing day. Update is a compare-and-swap: it succeeds only if the stored
// version equals b.Version, then increments b.Version; otherwise it fails
// with ErrVersionConflict.
type BillRepository interface {
	Create(ctx context.Context, b *Bill) error
	GetByID(ctx context.Context, id uuid.UUID) (*Bill, error)
	FindOpenBill(ctx context.Context, patientID uuid.UUID, billingDay string) (*Bill, error)
	Update(ctx context.Context, b *Bill) error
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Bill, int, error)
	// LastSequence returns the greatest sequence already used in period,
	// or 0 when the period has no bills.
	LastSequence(ctx context.Context, period string) (int, error)
}

// SequenceAllocator hands out bill sequence numbers. Next is an atomic
// increment-and-read: concurrent callers never receive the same value.
type SequenceAllocator interface {
	Next(ctx context.Context, period string) (int, error)
}

type BillConfigRepository interface {
	Create(ctx context.Context, c *BillConfig) error
	GetByID(ctx context.Context, id uuid.UUID) (*BillConfig, error)
	Update(ctx context.Context, c *BillConfig) error
	ListActive(ctx context.Context) ([]*BillConfig, error)
}

// PatientDirectory resolves patient references. Missing ids are absent from
// the returned map.
type PatientDirectory interface {
	PatientSummaries(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*PatientSummary, error)
}

// UserDirectory resolves staff references. Missing ids are absent from the
// returned map.
type UserDirectory interface {
	UserSummaries(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*UserSummary, error)
}
