// internal/model/line_item.go
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RawLineItem is one raw charge fact as returned by the Partner Center
// invoice line-items endpoint. The JSON tags match the API field names, so a
// response item decodes directly into this struct. Monetary fields use
// decimal.Decimal; the API sends them as plain JSON numbers, which may carry
// a negative sign for credits and refunds.
type RawLineItem struct {
	CustomerID         string `json:"customerId"`
	CustomerName       string `json:"customerName"`
	CustomerDomainName string `json:"customerDomainName"`
	InvoiceNumber      string `json:"invoiceNumber"`
	// OrderDate is when the charge-originating order was placed. It drives
	// the ordering of reconciled periods within a subscription.
	OrderDate      time.Time `json:"orderDate"`
	SkuID          string    `json:"skuId"`
	SkuName        string    `json:"skuName"`
	ProductID      string    `json:"productId"`
	ProductName    string    `json:"productName"`
	SubscriptionID string    `json:"subscriptionId"`
	// ChargeType is e.g. "Recurring", "UsageCredit" or "Proration".
	ChargeType         string          `json:"chargeType"`
	EffectiveUnitPrice decimal.Decimal `json:"effectiveUnitPrice"`
	Quantity           int64           `json:"quantity"`
	Subtotal           decimal.Decimal `json:"subtotal"`
	TaxTotal           decimal.Decimal `json:"taxTotal"`
	// TotalForCustomer is signed: negative values are credits.
	TotalForCustomer decimal.Decimal `json:"totalForCustomer"`
	ChargeStartDate  time.Time       `json:"chargeStartDate"`
	ChargeEndDate    time.Time       `json:"chargeEndDate"`
	// ReferenceID correlates related charge rows of one billing episode.
	ReferenceID           string    `json:"referenceId"`
	BillableQuantity      int64     `json:"billableQuantity"`
	SubscriptionStartDate time.Time `json:"subscriptionStartDate"`
	SubscriptionEndDate   time.Time `json:"subscriptionEndDate"`
	// BillingMonthTag is not sent by the API; it is derived at the ingestion
	// boundary from SubscriptionStartDate, e.g. "January2024". See Normalize.
	BillingMonthTag string `json:"billingMonthTag,omitempty"`
}

// MonthTag renders the month partition key used throughout the pipeline,
// month name concatenated with the year, e.g. "October2024".
func MonthTag(t time.Time) string {
	return fmt.Sprintf("%s%d", t.Month().String(), t.Year())
}

// Normalize derives fields the API does not send. It must run before the
// item enters the reconciliation core.
func (li *RawLineItem) Normalize() {
	if li.BillingMonthTag == "" {
		li.BillingMonthTag = MonthTag(li.SubscriptionStartDate)
	}
}

// Validate checks the invariants the reconciliation core relies on. It
// returns a *ValidationError naming the offending field and the item's
// referenceId, so a rejected batch can be traced back to its source row.
func (li *RawLineItem) Validate() error {
	required := []struct {
		field string
		value string
	}{
		{"customerId", li.CustomerID},
		{"customerDomainName", li.CustomerDomainName},
		{"subscriptionId", li.SubscriptionID},
		{"skuId", li.SkuID},
		{"productName", li.ProductName},
		{"chargeType", li.ChargeType},
		{"invoiceNumber", li.InvoiceNumber},
	}
	for _, r := range required {
		if r.value == "" {
			return &ValidationError{
				Field:       r.field,
				ReferenceID: li.ReferenceID,
				Reason:      "required field is empty",
			}
		}
	}
	if li.OrderDate.IsZero() {
		return &ValidationError{Field: "orderDate", ReferenceID: li.ReferenceID, Reason: "required field is empty"}
	}
	if li.ChargeStartDate.IsZero() {
		return &ValidationError{Field: "chargeStartDate", ReferenceID: li.ReferenceID, Reason: "required field is empty"}
	}
	if li.ChargeEndDate.IsZero() {
		return &ValidationError{Field: "chargeEndDate", ReferenceID: li.ReferenceID, Reason: "required field is empty"}
	}
	if li.ChargeStartDate.After(li.ChargeEndDate) {
		return &ValidationError{
			Field:       "chargeStartDate",
			ReferenceID: li.ReferenceID,
			Reason:      "chargeStartDate is after chargeEndDate",
		}
	}
	if li.Quantity < 0 {
		return &ValidationError{Field: "quantity", ReferenceID: li.ReferenceID, Reason: "must not be negative"}
	}
	if li.BillableQuantity < 0 {
		return &ValidationError{Field: "billableQuantity", ReferenceID: li.ReferenceID, Reason: "must not be negative"}
	}
	return nil
}

// ValidationError rejects a whole batch: the reconciliation core never emits
// best-effort output on malformed financial input.
type ValidationError struct {
	Field       string
	ReferenceID string
	Reason      string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("line item validation failed: field %q (referenceId %q): %s", e.Field, e.ReferenceID, e.Reason)
}
