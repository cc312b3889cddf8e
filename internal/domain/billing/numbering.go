package billing

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const billNumberPrefix = "BILL-"

// dayLayout is the format of billing days and date filters.
const dayLayout = "2006-01-02"

// BillPeriod returns the YYYYMM period a bill created at t is numbered in.
func BillPeriod(t time.Time) string {
	return t.Format("200601")
}

// FormatBillNumber renders BILL-YYYYMM-NNNN. Sequences above 9999 widen
// rather than wrap.
func FormatBillNumber(period string, seq int) string {
	return fmt.Sprintf("%s%s-%04d", billNumberPrefix, period, seq)
}

// BillNumberPrefix is the common prefix of every number in period, used for
// prefix scans over existing bills.
func BillNumberPrefix(period string) string {
	return billNumberPrefix + period + "-"
}

// ParseBillNumber splits a bill number into its period and sequence.
func ParseBillNumber(s string) (period string, seq int, err error) {
	parts := strings.Split(s, "-")
	if len(parts) != 3 || parts[0]+"-" != billNumberPrefix {
		return "", 0, fmt.Errorf("%w: %q", ErrMalformedBillNumber, s)
	}
	period = parts[1]
	if len(period) != 6 || !allDigits(period) {
		return "", 0, fmt.Errorf("%w: %q has invalid period", ErrMalformedBillNumber, s)
	}
	if month, _ := strconv.Atoi(period[4:]); month < 1 || month > 12 {
		return "", 0, fmt.Errorf("%w: %q has invalid month", ErrMalformedBillNumber, s)
	}
	if len(parts[2]) < 4 || !allDigits(parts[2]) {
		return "", 0, fmt.Errorf("%w: %q has invalid sequence", ErrMalformedBillNumber, s)
	}
	seq, err = strconv.Atoi(parts[2])
	if err != nil || seq < 1 {
		return "", 0, fmt.Errorf("%w: %q has invalid sequence", ErrMalformedBillNumber, s)
	}
	return period, seq, nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
