package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the settlement state of a bill.
type Status string

const (
	StatusUnpaid        Status = "unpaid"
	StatusPartiallyPaid Status = "partially_paid"
	StatusPaid          Status = "paid"
	StatusCancelled     Status = "cancelled"
)

var validStatuses = map[Status]bool{
	StatusUnpaid: true, StatusPartiallyPaid: true, StatusPaid: true, StatusCancelled: true,
}

// PaymentMethod is how a payment was tendered.
type PaymentMethod string

const (
	MethodCash        PaymentMethod = "cash"
	MethodMobileMoney PaymentMethod = "mobile_money"
	MethodCard        PaymentMethod = "card"
	MethodInsurance   PaymentMethod = "insurance"
)

var validPaymentMethods = map[PaymentMethod]bool{
	MethodCash: true, MethodMobileMoney: true, MethodCard: true, MethodInsurance: true,
}

// LineItem is one billable service. Total is supplied by the caller and is
// not derived from Price and Quantity.
type LineItem struct {
	Service  string          `json:"service"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Tax      decimal.Decimal `json:"tax"`
	Discount decimal.Decimal `json:"discount"`
	Total    decimal.Decimal `json:"total"`
}

type InsuranceDetails struct {
	Provider     string          `json:"provider,omitempty"`
	PolicyNumber string          `json:"policy_number,omitempty"`
	Coverage     decimal.Decimal `json:"coverage"`
}

type Payment struct {
	Amount           decimal.Decimal   `json:"amount"`
	Method           PaymentMethod     `json:"method"`
	Date             time.Time         `json:"date"`
	InsuranceDetails *InsuranceDetails `json:"insurance_details,omitempty"`
}

type Cancellation struct {
	Date            time.Time    `json:"date"`
	Reason          string       `json:"reason"`
	CancelledBy     uuid.UUID    `json:"cancelled_by_id"`
	CancelledByUser *UserSummary `json:"cancelled_by,omitempty"`
}

// PatientSummary is the patient projection embedded in bill responses.
type PatientSummary struct {
	ID          uuid.UUID `json:"id"`
	PatientCode string    `json:"patient_code"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
}

// UserSummary is the staff projection embedded in bill responses.
type UserSummary struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// Bill is an invoice aggregating the line items billed to one patient.
// Subtotal and Total are derived by Recalculate and never set by callers.
// Balance is filled in on read and is not stored.
type Bill struct {
	ID           uuid.UUID       `json:"id"`
	BillNumber   string          `json:"bill_number"`
	PatientID    uuid.UUID       `json:"patient_id"`
	Items        []LineItem      `json:"items"`
	Subtotal     decimal.Decimal `json:"subtotal"`
	Discount     decimal.Decimal `json:"discount"`
	Total        decimal.Decimal `json:"total"`
	Status       Status          `json:"status"`
	Payments     []Payment       `json:"payments"`
	Balance      decimal.Decimal `json:"balance"`
	Cancellation *Cancellation   `json:"cancellation,omitempty"`
	Notes        string          `json:"notes"`
	CreatedBy    uuid.UUID       `json:"created_by_id"`
	BillingDay   string          `json:"billing_day"`
	Version      int             `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`

	Patient *PatientSummary `json:"patient,omitempty"`
	Creator *UserSummary    `json:"created_by,omitempty"`
}

// ListFilter narrows GET /bills. From and To bound created_at inclusively
// and are applied only when both are set.
type ListFilter struct {
	Status    Status
	PatientID *uuid.UUID
	From      *time.Time
	To        *time.Time
}

// Category groups bill configurations in the service catalogue.
type Category string

const (
	CategoryConsultation Category = "consultation"
	CategoryTherapy      Category = "therapy"
	CategoryAssessment   Category = "assessment"
	CategoryOther        Category = "other"
)

var validCategories = map[Category]bool{
	CategoryConsultation: true, CategoryTherapy: true, CategoryAssessment: true, CategoryOther: true,
}

// BillConfig is a catalogue entry that front desks pick line items from.
type BillConfig struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	Category    Category        `json:"category"`
	Price       decimal.Decimal `json:"price"`
	Tax         decimal.Decimal `json:"tax"`
	Description string          `json:"description"`
	IsActive    bool            `json:"is_active"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
