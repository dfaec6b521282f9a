// internal/model/reconciled_period.go
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReconciledPeriod is one emitted output row: a contiguous window during
// which a subscription held a known license quantity, with the dollar amount
// the window contributed. Instances are produced once per reconciliation run
// and never mutated afterward.
type ReconciledPeriod struct {
	CustomerID         string    `json:"customerId"`
	CustomerDomainName string    `json:"customerDomainName"`
	SubscriptionID     string    `json:"subscriptionId"`
	SkuName            string    `json:"skuName"`
	SkuID              string    `json:"skuId"`
	ProductName        string    `json:"productName"`
	InvoiceNumber      string    `json:"invoiceNumber"`
	OrderDate          time.Time `json:"orderDate"`
	// ChargeStartDate is the segment's day-truncated start.
	ChargeStartDate time.Time `json:"chargeStartDate"`
	// ChargeEndDate is the inferred effective end: the next segment's start,
	// or the raw end plus one day for the most recent segment.
	ChargeEndDate time.Time `json:"chargeEndDate"`
	ChargeType    string    `json:"chargeType"`
	// Quantity is the running cumulative license count as of this period,
	// not the raw per-segment delta.
	Quantity int64 `json:"quantity"`
	// Amount is the segment's summed totalForCustomer, rounded to 2 decimals.
	Amount          decimal.Decimal `json:"amount"`
	ReferenceID     string          `json:"referenceId"`
	BillingMonthTag string          `json:"billingMonthTag"`
	// InvoiceMonth labels the source invoice's billing period, supplied by
	// the caller from invoice metadata.
	InvoiceMonth string `json:"invoiceMonth"`
}

// Columns is the canonical column order for tabular sinks (CSV, warehouse).
func (ReconciledPeriod) Columns() []string {
	return []string{
		"customerId",
		"customerDomainName",
		"subscriptionId",
		"skuName",
		"skuId",
		"productName",
		"invoiceNumber",
		"orderDate",
		"chargeStartDate",
		"chargeEndDate",
		"chargeType",
		"quantity",
		"amount",
		"referenceId",
		"billingMonthTag",
		"invoiceMonth",
	}
}
