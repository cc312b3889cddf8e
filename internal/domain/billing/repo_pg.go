package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/physiocare/clinic/internal/platform/db"
)

// Constraint names from migrations/002_billing.sql.
const (
	constraintBillNumber = "bills_bill_number_key"
	constraintOpenPerDay = "bills_open_per_day_key"
)

// =========== Bill Repository ===========

type billRepoPG struct{ pool *pgxpool.Pool }

func NewBillRepoPG(pool *pgxpool.Pool) BillRepository { return &billRepoPG{pool: pool} }

func (r *billRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const billCols = `id, bill_number, patient_id, items, subtotal, discount, total, status,
	payments, cancelled_at, cancel_reason, cancelled_by, notes, created_by,
	billing_day, version, created_at, updated_at`

func (r *billRepoPG) scanBill(row pgx.Row) (*Bill, error) {
	var (
		b            Bill
		status       string
		cancelledAt  *time.Time
		cancelReason *string
		cancelledBy  *uuid.UUID
		day          time.Time
	)
	err := row.Scan(&b.ID, &b.BillNumber, &b.PatientID, &b.Items, &b.Subtotal, &b.Discount, &b.Total, &status,
		&b.Payments, &cancelledAt, &cancelReason, &cancelledBy, &b.Notes, &b.CreatedBy,
		&day, &b.Version, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBillNotFound
	}
	if err != nil {
		return nil, err
	}

	b.Status = Status(status)
	b.BillingDay = day.Format(dayLayout)
	if cancelledAt != nil {
		b.Cancellation = &Cancellation{Date: *cancelledAt}
		if cancelReason != nil {
			b.Cancellation.Reason = *cancelReason
		}
		if cancelledBy != nil {
			b.Cancellation.CancelledBy = *cancelledBy
		}
	}
	if b.Items == nil {
		b.Items = []LineItem{}
	}
	if b.Payments == nil {
		b.Payments = []Payment{}
	}
	return &b, nil
}

// billingDayParam converts a YYYY-MM-DD string to the value bound to a DATE column.
func billingDayParam(day string) (time.Time, error) {
	t, err := time.Parse(dayLayout, day)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid billing day %q: %w", day, err)
	}
	return t, nil
}

func cancellationParams(c *Cancellation) (*time.Time, *string, *uuid.UUID) {
	if c == nil {
		return nil, nil, nil
	}
	at, reason, by := c.Date, c.Reason, c.CancelledBy
	return &at, &reason, &by
}

func mapBillWriteError(err error) error {
	switch constraint, ok := db.UniqueViolation(err); {
	case ok && constraint == constraintBillNumber:
		return ErrDuplicateBillNumber
	case ok && constraint == constraintOpenPerDay:
		return ErrOpenBillExists
	}
	return err
}

func (r *billRepoPG) Create(ctx context.Context, b *Bill) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	day, err := billingDayParam(b.BillingDay)
	if err != nil {
		return err
	}
	cancelledAt, cancelReason, cancelledBy := cancellationParams(b.Cancellation)

	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO bills (id, bill_number, patient_id, items, subtotal, discount, total, status,
			payments, cancelled_at, cancel_reason, cancelled_by, notes, created_by, billing_day, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,1)
		RETURNING version, created_at, updated_at`,
		b.ID, b.BillNumber, b.PatientID, b.Items, b.Subtotal, b.Discount, b.Total, string(b.Status),
		b.Payments, cancelledAt, cancelReason, cancelledBy, b.Notes, b.CreatedBy, day,
	).Scan(&b.Version, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return mapBillWriteError(err)
	}
	return nil
}

func (r *billRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Bill, error) {
	return r.scanBill(r.conn(ctx).QueryRow(ctx, `SELECT `+billCols+` FROM bills WHERE id = $1`, id))
}

func (r *billRepoPG) FindOpenBill(ctx context.Context, patientID uuid.UUID, billingDay string) (*Bill, error) {
	day, err := billingDayParam(billingDay)
	if err != nil {
		return nil, err
	}
	return r.scanBill(r.conn(ctx).QueryRow(ctx, `
		SELECT `+billCols+` FROM bills
		WHERE patient_id = $1 AND billing_day = $2 AND status = 'unpaid'
		ORDER BY created_at
		LIMIT 1`, patientID, day))
}

func (r *billRepoPG) Update(ctx context.Context, b *Bill) error {
	cancelledAt, cancelReason, cancelledBy := cancellationParams(b.Cancellation)

	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE bills SET items=$3, subtotal=$4, discount=$5, total=$6, status=$7, payments=$8,
			cancelled_at=$9, cancel_reason=$10, cancelled_by=$11, notes=$12,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at`,
		b.ID, b.Version, b.Items, b.Subtotal, b.Discount, b.Total, string(b.Status), b.Payments,
		cancelledAt, cancelReason, cancelledBy, b.Notes,
	).Scan(&b.Version, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bills WHERE id = $1)`, b.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrBillNotFound
		}
		return ErrVersionConflict
	}
	if err != nil {
		return mapBillWriteError(err)
	}
	return nil
}

func (r *billRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Bill, int, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.From != nil && f.To != nil {
		add("created_at >= $%d", *f.From)
		add("created_at <= $%d", *f.To)
	}

	whereSQL := ""
	if len(where) > 0 {
		whereSQL = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM bills`+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	dataArgs := append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(`SELECT %s FROM bills%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		billCols, whereSQL, len(args)+1, len(args)+2), dataArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := []*Bill{}
	for rows.Next() {
		b, err := r.scanBill(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, b)
	}
	return items, total, rows.Err()
}

func (r *billRepoPG) LastSequence(ctx context.Context, period string) (int, error) {
	var number string
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT bill_number FROM bills
		WHERE bill_number LIKE $1
		ORDER BY length(bill_number) DESC, bill_number DESC
		LIMIT 1`, BillNumberPrefix(period)+"%").Scan(&number)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	_, seq, err := ParseBillNumber(number)
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// =========== Sequence Allocator ===========

// sequenceSeeder reports the highest sequence already present in the bill
// store, so a fresh counter continues after existing numbers.
type sequenceSeeder interface {
	LastSequence(ctx context.Context, period string) (int, error)
}

type sequenceAllocatorPG struct {
	pool   *pgxpool.Pool
	seeder sequenceSeeder
}

// NewSequenceAllocatorPG allocates from the bill_sequences counter table.
func NewSequenceAllocatorPG(pool *pgxpool.Pool, seeder sequenceSeeder) SequenceAllocator {
	return &sequenceAllocatorPG{pool: pool, seeder: seeder}
}

func (a *sequenceAllocatorPG) Next(ctx context.Context, period string) (int, error) {
	conn := db.Conn(ctx, a.pool)

	var next int
	err := conn.QueryRow(ctx, `
		UPDATE bill_sequences SET last_value = last_value + 1, updated_at = NOW()
		WHERE period = $1
		RETURNING last_value`, period).Scan(&next)
	if err == nil {
		return next, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("increment sequence %s: %w", period, err)
	}

	// First allocation in this period. Concurrent first callers compute the
	// same seed; the upsert serialises them on the primary key.
	seed, err := a.seeder.LastSequence(ctx, period)
	if err != nil {
		return 0, fmt.Errorf("seed sequence %s: %w", period, err)
	}
	err = conn.QueryRow(ctx, `
		INSERT INTO bill_sequences (period, last_value)
		VALUES ($1, $2)
		ON CONFLICT (period) DO UPDATE
			SET last_value = bill_sequences.last_value + 1, updated_at = NOW()
		RETURNING last_value`, period, seed+1).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("initialise sequence %s: %w", period, err)
	}
	return next, nil
}

// =========== Bill Config Repository ===========

type billConfigRepoPG struct{ pool *pgxpool.Pool }

func NewBillConfigRepoPG(pool *pgxpool.Pool) BillConfigRepository {
	return &billConfigRepoPG{pool: pool}
}

func (r *billConfigRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const billConfigCols = `id, name, category, price, tax, description, is_active, created_at, updated_at`

func (r *billConfigRepoPG) scanConfig(row pgx.Row) (*BillConfig, error) {
	var c BillConfig
	var category string
	err := row.Scan(&c.ID, &c.Name, &category, &c.Price, &c.Tax, &c.Description, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBillConfigNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Category = Category(category)
	return &c, nil
}

func (r *billConfigRepoPG) Create(ctx context.Context, c *BillConfig) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO bill_configs (id, name, category, price, tax, description, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at, updated_at`,
		c.ID, c.Name, string(c.Category), c.Price, c.Tax, c.Description, c.IsActive,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (r *billConfigRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*BillConfig, error) {
	return r.scanConfig(r.conn(ctx).QueryRow(ctx, `SELECT `+billConfigCols+` FROM bill_configs WHERE id = $1`, id))
}

func (r *billConfigRepoPG) Update(ctx context.Context, c *BillConfig) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE bill_configs SET name=$2, category=$3, price=$4, tax=$5, description=$6,
			is_active=$7, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		c.ID, c.Name, string(c.Category), c.Price, c.Tax, c.Description, c.IsActive,
	).Scan(&c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrBillConfigNotFound
	}
	return err
}

func (r *billConfigRepoPG) ListActive(ctx context.Context) ([]*BillConfig, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+billConfigCols+` FROM bill_configs
		WHERE is_active
		ORDER BY category, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := []*BillConfig{}
	for rows.Next() {
		c, err := r.scanConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}
