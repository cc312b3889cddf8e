package billing

import (
	"github.com/shopspring/decimal"
)

// Recalculate derives Subtotal and Total from the items and the bill-level
// discount. Every write path calls it before persisting.
func Recalculate(b *Bill) {
	subtotal := decimal.Zero
	for _, it := range b.Items {
		subtotal = subtotal.Add(it.Total)
	}
	b.Subtotal = subtotal
	b.Total = subtotal.Sub(b.Discount)
}

// TotalPaid sums every payment amount.
func TotalPaid(payments []Payment) decimal.Decimal {
	paid := decimal.Zero
	for _, p := range payments {
		paid = paid.Add(p.Amount)
	}
	return paid
}

// DeriveStatus computes the settlement status from the payments alone:
// paid once the cumulative amount reaches total, partially_paid while
// something but not everything was paid, unpaid otherwise. It never yields
// cancelled; that state is set only by Cancel.
func DeriveStatus(total decimal.Decimal, payments []Payment) Status {
	paid := TotalPaid(payments)
	switch {
	case paid.IsPositive() && paid.GreaterThanOrEqual(total):
		return StatusPaid
	case paid.IsPositive():
		return StatusPartiallyPaid
	default:
		return StatusUnpaid
	}
}

// Balance is what remains to be paid; negative when overpaid.
func Balance(b *Bill) decimal.Decimal {
	return b.Total.Sub(TotalPaid(b.Payments))
}
