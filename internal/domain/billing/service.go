package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Options tune the service. Zero values fall back to three attempts, the
// local time zone and time.Now.
type Options struct {
	Retries  int
	Location *time.Location
	Now      func() time.Time
	Metrics  *Metrics
}

type Service struct {
	bills    BillRepository
	seq      SequenceAllocator
	configs  BillConfigRepository
	patients PatientDirectory
	users    UserDirectory
	logger   zerolog.Logger
	metrics  *Metrics
	retries  int
	loc      *time.Location
	now      func() time.Time
}

func NewService(bills BillRepository, seq SequenceAllocator, configs BillConfigRepository, patients PatientDirectory, users UserDirectory, logger zerolog.Logger, opts Options) *Service {
	s := &Service{
		bills:    bills,
		seq:      seq,
		configs:  configs,
		patients: patients,
		users:    users,
		logger:   logger.With().Str("component", "billing").Logger(),
		metrics:  opts.Metrics,
		retries:  opts.Retries,
		loc:      opts.Location,
		now:      opts.Now,
	}
	if s.retries < 1 {
		s.retries = 3
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// retryable reports whether err means another request changed the ledger
// between our read and our write.
func retryable(err error) bool {
	return errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrOpenBillExists) ||
		errors.Is(err, ErrDuplicateBillNumber)
}

func retryReason(err error) string {
	switch {
	case errors.Is(err, ErrVersionConflict):
		return "version_conflict"
	case errors.Is(err, ErrOpenBillExists):
		return "open_bill_exists"
	case errors.Is(err, ErrDuplicateBillNumber):
		return "duplicate_bill_number"
	default:
		return "other"
	}
}

// withRetry runs fn until it succeeds, fails with a non-retryable error or
// the attempt budget is spent.
func (s *Service) withRetry(ctx context.Context, operation string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.retries; attempt++ {
		if err = fn(); err == nil || !retryable(err) {
			return err
		}
		s.metrics.retried(operation, err)
		s.logger.Warn().Err(err).
			Str("operation", operation).
			Int("attempt", attempt).
			Msg("concurrent bill update, retrying")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrRetriesExhausted, operation, err)
}

// -- Bills --

// CreateBillInput is a request to bill a patient. Items are appended to the
// patient's unpaid bill for today if one exists.
type CreateBillInput struct {
	PatientID uuid.UUID
	Items     []LineItem
	Discount  decimal.Decimal
	Notes     string
	CreatedBy uuid.UUID
}

func validateItems(items []LineItem) error {
	if len(items) == 0 {
		return invalid("items", "must contain at least 1 entries")
	}
	for i, it := range items {
		field := fmt.Sprintf("items[%d]", i)
		if strings.TrimSpace(it.Service) == "" {
			return invalid(field+".service", "is required")
		}
		if it.Quantity < 1 {
			return invalid(field+".quantity", "must be at least 1")
		}
		if it.Price.IsNegative() {
			return invalid(field+".price", "must not be negative")
		}
		if it.Tax.IsNegative() {
			return invalid(field+".tax", "must not be negative")
		}
		if it.Discount.IsNegative() {
			return invalid(field+".discount", "must not be negative")
		}
		if it.Total.IsNegative() {
			return invalid(field+".total", "must not be negative")
		}
	}
	return nil
}

// CreateBill appends to the patient's open bill for the current day or opens
// a new numbered bill.
func (s *Service) CreateBill(ctx context.Context, in CreateBillInput) (*Bill, error) {
	if in.PatientID == uuid.Nil {
		return nil, invalid("patient", "is required")
	}
	if err := validateItems(in.Items); err != nil {
		return nil, err
	}
	if in.Discount.IsNegative() {
		return nil, invalid("discount", "must not be negative")
	}

	patients, err := s.patients.PatientSummaries(ctx, []uuid.UUID{in.PatientID})
	if err != nil {
		return nil, fmt.Errorf("resolve patient: %w", err)
	}
	if patients[in.PatientID] == nil {
		return nil, ErrPatientNotFound
	}

	now := s.now().In(s.loc)
	day := now.Format(dayLayout)
	period := BillPeriod(now)

	var (
		bill     *Bill
		appended bool
	)
	err = s.withRetry(ctx, "create_bill", func() error {
		var err error
		bill, appended, err = s.appendOrCreate(ctx, in, day, period)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.billWritten(appended)
	event := "bill created"
	if appended {
		event = "items appended to open bill"
	}
	s.logger.Info().
		Str("bill_id", bill.ID.String()).
		Str("bill_number", bill.BillNumber).
		Str("patient_id", bill.PatientID.String()).
		Int("items", len(bill.Items)).
		Str("total", bill.Total.StringFixed(2)).
		Msg(event)

	if err := s.populate(ctx, bill); err != nil {
		return nil, err
	}
	return bill, nil
}

func (s *Service) appendOrCreate(ctx context.Context, in CreateBillInput, day, period string) (*Bill, bool, error) {
	open, err := s.bills.FindOpenBill(ctx, in.PatientID, day)
	switch {
	case err == nil:
		open.Items = append(open.Items, in.Items...)
		open.Discount = in.Discount
		open.Notes = in.Notes
		Recalculate(open)
		open.Status = DeriveStatus(open.Total, open.Payments)
		if err := s.bills.Update(ctx, open); err != nil {
			return nil, false, err
		}
		return open, true, nil
	case !errors.Is(err, ErrBillNotFound):
		return nil, false, fmt.Errorf("find open bill: %w", err)
	}

	seq, err := s.seq.Next(ctx, period)
	if err != nil {
		return nil, false, fmt.Errorf("allocate bill number: %w", err)
	}
	b := &Bill{
		ID:         uuid.New(),
		BillNumber: FormatBillNumber(period, seq),
		PatientID:  in.PatientID,
		Items:      append([]LineItem(nil), in.Items...),
		Discount:   in.Discount,
		Status:     StatusUnpaid,
		Payments:   []Payment{},
		Notes:      in.Notes,
		CreatedBy:  in.CreatedBy,
		BillingDay: day,
	}
	Recalculate(b)
	if err := s.bills.Create(ctx, b); err != nil {
		return nil, false, err
	}
	return b, false, nil
}

func validatePayment(p Payment) error {
	if !p.Amount.IsPositive() {
		return invalid("amount", "must be greater than 0")
	}
	if !validPaymentMethods[p.Method] {
		return invalid("method", "must be one of: cash, mobile_money, card, insurance")
	}
	if p.Date.IsZero() {
		return invalid("date", "is required")
	}
	if p.InsuranceDetails != nil && p.InsuranceDetails.Coverage.IsNegative() {
		return invalid("insurance_details.coverage", "must not be negative")
	}
	return nil
}

// AddPayment records a payment and re-derives the bill status. Overpayment
// is accepted and settles the bill.
func (s *Service) AddPayment(ctx context.Context, billID uuid.UUID, p Payment) (*Bill, error) {
	if err := validatePayment(p); err != nil {
		return nil, err
	}

	var bill *Bill
	err := s.withRetry(ctx, "add_payment", func() error {
		b, err := s.bills.GetByID(ctx, billID)
		if err != nil {
			return err
		}
		if b.Status == StatusCancelled {
			return ErrBillCancelled
		}
		b.Payments = append(b.Payments, p)
		b.Status = DeriveStatus(b.Total, b.Payments)
		if err := s.bills.Update(ctx, b); err != nil {
			return err
		}
		bill = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.paymentRecorded(p.Method)
	s.logger.Info().
		Str("bill_id", bill.ID.String()).
		Str("bill_number", bill.BillNumber).
		Str("amount", p.Amount.StringFixed(2)).
		Str("method", string(p.Method)).
		Str("status", string(bill.Status)).
		Msg("payment recorded")

	if err := s.populate(ctx, bill); err != nil {
		return nil, err
	}
	return bill, nil
}

// CancelBill closes an unpaid or partially paid bill. Payments already
// recorded stay on the bill.
func (s *Service) CancelBill(ctx context.Context, billID uuid.UUID, reason string, by uuid.UUID) (*Bill, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, invalid("reason", "is required")
	}

	var bill *Bill
	err := s.withRetry(ctx, "cancel_bill", func() error {
		b, err := s.bills.GetByID(ctx, billID)
		if err != nil {
			return err
		}
		switch b.Status {
		case StatusCancelled:
			return ErrAlreadyCancelled
		case StatusPaid:
			return ErrCannotCancelPaid
		}
		b.Status = StatusCancelled
		b.Cancellation = &Cancellation{
			Date:        s.now().UTC(),
			Reason:      reason,
			CancelledBy: by,
		}
		if err := s.bills.Update(ctx, b); err != nil {
			return err
		}
		bill = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.billCancelled()
	s.logger.Info().
		Str("bill_id", bill.ID.String()).
		Str("bill_number", bill.BillNumber).
		Str("cancelled_by", by.String()).
		Msg("bill cancelled")

	if err := s.populate(ctx, bill); err != nil {
		return nil, err
	}
	return bill, nil
}

func (s *Service) GetBill(ctx context.Context, id uuid.UUID) (*Bill, error) {
	b, err := s.bills.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.populate(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Service) ListBills(ctx context.Context, f ListFilter, limit, offset int) ([]*Bill, int, error) {
	if f.Status != "" && !validStatuses[f.Status] {
		return nil, 0, invalid("status", "must be one of: unpaid, partially_paid, paid, cancelled")
	}
	bills, total, err := s.bills.List(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	if err := s.populate(ctx, bills...); err != nil {
		return nil, 0, err
	}
	return bills, total, nil
}

// DayRange converts two YYYY-MM-DD dates into inclusive bounds in the
// service's zone: start at 00:00:00.000 and end at 23:59:59.999.
func (s *Service) DayRange(start, end string) (time.Time, time.Time, error) {
	from, err := time.ParseInLocation(dayLayout, start, s.loc)
	if err != nil {
		return time.Time{}, time.Time{}, invalid("start_date", "must be a date in YYYY-MM-DD format")
	}
	last, err := time.ParseInLocation(dayLayout, end, s.loc)
	if err != nil {
		return time.Time{}, time.Time{}, invalid("end_date", "must be a date in YYYY-MM-DD format")
	}
	if last.Before(from) {
		return time.Time{}, time.Time{}, invalid("end_date", "must not be before start_date")
	}
	to := last.AddDate(0, 0, 1).Add(-time.Millisecond)
	return from, to, nil
}

// populate attaches patient and staff summaries. Unknown references are
// left empty.
func (s *Service) populate(ctx context.Context, bills ...*Bill) error {
	if len(bills) == 0 {
		return nil
	}

	patientIDs := make([]uuid.UUID, 0, len(bills))
	userIDs := make([]uuid.UUID, 0, len(bills))
	seenPatients := make(map[uuid.UUID]bool)
	seenUsers := make(map[uuid.UUID]bool)
	addUser := func(id uuid.UUID) {
		if id != uuid.Nil && !seenUsers[id] {
			seenUsers[id] = true
			userIDs = append(userIDs, id)
		}
	}
	for _, b := range bills {
		if !seenPatients[b.PatientID] {
			seenPatients[b.PatientID] = true
			patientIDs = append(patientIDs, b.PatientID)
		}
		addUser(b.CreatedBy)
		if b.Cancellation != nil {
			addUser(b.Cancellation.CancelledBy)
		}
	}

	patients, err := s.patients.PatientSummaries(ctx, patientIDs)
	if err != nil {
		return fmt.Errorf("populate patients: %w", err)
	}
	users := map[uuid.UUID]*UserSummary{}
	if len(userIDs) > 0 {
		if users, err = s.users.UserSummaries(ctx, userIDs); err != nil {
			return fmt.Errorf("populate users: %w", err)
		}
	}

	for _, b := range bills {
		b.Patient = patients[b.PatientID]
		b.Creator = users[b.CreatedBy]
		b.Balance = Balance(b)
		if b.Cancellation != nil {
			b.Cancellation.CancelledByUser = users[b.Cancellation.CancelledBy]
		}
	}
	return nil
}

// -- Bill configurations --

func validateBillConfig(c *BillConfig) error {
	if strings.TrimSpace(c.Name) == "" {
		return invalid("name", "is required")
	}
	if !validCategories[c.Category] {
		return invalid("category", "must be one of: consultation, therapy, assessment, other")
	}
	if c.Price.IsNegative() {
		return invalid("price", "must not be negative")
	}
	if c.Tax.IsNegative() {
		return invalid("tax", "must not be negative")
	}
	return nil
}

func (s *Service) CreateBillConfig(ctx context.Context, c *BillConfig) error {
	if err := validateBillConfig(c); err != nil {
		return err
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return s.configs.Create(ctx, c)
}

func (s *Service) GetBillConfig(ctx context.Context, id uuid.UUID) (*BillConfig, error) {
	return s.configs.GetByID(ctx, id)
}

func (s *Service) UpdateBillConfig(ctx context.Context, c *BillConfig) error {
	if err := validateBillConfig(c); err != nil {
		return err
	}
	existing, err := s.configs.GetByID(ctx, c.ID)
	if err != nil {
		return err
	}
	c.CreatedAt = existing.CreatedAt
	return s.configs.Update(ctx, c)
}

func (s *Service) ListBillConfigs(ctx context.Context) ([]*BillConfig, error) {
	return s.configs.ListActive(ctx)
}
