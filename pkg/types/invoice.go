package types

import (
	"time"
)

// italianDateLayout is the DD/MM/YYYY format used by the billing API.
const italianDateLayout = "02/01/2006"

// ParseItalianDate parses a DD/MM/YYYY date string. Empty or malformed
// strings return a zero time and false.
func ParseItalianDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(italianDateLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// InvoiceSupply is a single supply line item on an invoice. A supply is
// matched to a POD by either its supply code or its PDR/POD code.
type InvoiceSupply struct {
	SupplyCode string  `json:"supplyCode"`
	PODCode    string  `json:"podCode"`
	Amount     float64 `json:"amount"`
}

// Invoice is a billing document fetched from the invoice API. Read-only
// once fetched.
type Invoice struct {
	Number string    `json:"number"`
	Issued time.Time `json:"issued"`
	// Amount is the total invoiced amount across all supplies.
	Amount float64 `json:"amount"`
	// Residual is the outstanding unpaid amount, if any.
	Residual float64         `json:"residual,omitempty"`
	Supplies []InvoiceSupply `json:"supplies"`
}

// AmountForPOD returns the invoiced amount for the given POD, matching
// either the supply code or the PDR/POD code. Returns false when the
// invoice carries no supply line for the POD.
func (i Invoice) AmountForPOD(pod string) (float64, bool) {
	for _, s := range i.Supplies {
		if pod == s.SupplyCode || pod == s.PODCode {
			return s.Amount, true
		}
	}
	return 0, false
}

// TargetMonth returns the calendar month an invoice bills for: the month
// immediately preceding the issue month.
func (i Invoice) TargetMonth() MonthKey {
	return MonthOf(i.Issued).Prev()
}
