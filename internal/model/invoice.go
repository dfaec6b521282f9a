// internal/model/invoice.go
package model

import (
	"strings"
	"time"
)

// Invoice is the subset of a Partner Center invoice header the pipeline
// cares about. One-time (new commerce) invoices carry a "G" prefix on their
// id; legacy license invoices do not.
type Invoice struct {
	ID                     string    `json:"id"`
	InvoiceDate            time.Time `json:"invoiceDate"`
	BillingPeriodStartDate time.Time `json:"billingPeriodStartDate"`
	BillingPeriodEndDate   time.Time `json:"billingPeriodEndDate"`
	CurrencyCode           string    `json:"currencyCode"`
	TotalCharges           float64   `json:"totalCharges"`
}

// IsOneTime reports whether this is a new-commerce one-time invoice.
func (inv Invoice) IsOneTime() bool {
	return strings.HasPrefix(inv.ID, "G")
}

// BillingMonth returns the invoice's billing period as first-of-month,
// in "2006-01-02" form. This is the invoiceMonth label stamped on every
// reconciled period derived from the invoice.
func (inv Invoice) BillingMonth() string {
	t := inv.BillingPeriodStartDate
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).Format("2006-01-02")
}
