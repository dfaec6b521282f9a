// internal/recon/segment.go
package recon

import (
	"sort"
	"time"

	"github.com/brioworks/recon-pipeline/internal/model"
	"github.com/shopspring/decimal"
)

// GroupKey identifies one billing episode: raw rows agreeing on every field
// here (with the charge start truncated to day resolution) belong to the
// same charge segment.
type GroupKey struct {
	CustomerID         string
	CustomerDomainName string
	SubscriptionID     string
	SkuID              string
	SkuName            string
	ProductName        string
	ChargeStartDate    time.Time // day-truncated
	ChargeEndDate      time.Time
	ChargeType         string
	ReferenceID        string
	BillingMonthTag    string
}

// ChargeSegment is a group of raw line items collapsed into one billing
// episode, with the aggregates the downstream passes need.
type ChargeSegment struct {
	Key GroupKey

	CustomerName string

	// OrderDate is the latest raw orderDate in the group.
	OrderDate time.Time
	// InvoiceNumber comes from the group row with the latest orderDate.
	InvoiceNumber string
	// FirstBillableQty and LastBillableQty are the billable quantities of
	// the rows with the largest and smallest totalForCustomer respectively,
	// ties resolved by input order.
	FirstBillableQty int64
	LastBillableQty  int64
	// TotalAmount is the summed totalForCustomer, rounded to 2 decimals.
	// Its sign decides whether the segment is a charge or a credit.
	TotalAmount decimal.Decimal

	// Index is the segment's discovery position, the deterministic
	// tie-break for every downstream ordering.
	Index int
}

// truncateToDay drops the time-of-day portion, keeping the date in UTC.
func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func keyOf(li model.RawLineItem) GroupKey {
	return GroupKey{
		CustomerID:         li.CustomerID,
		CustomerDomainName: li.CustomerDomainName,
		SubscriptionID:     li.SubscriptionID,
		SkuID:              li.SkuID,
		SkuName:            li.SkuName,
		ProductName:        li.ProductName,
		ChargeStartDate:    truncateToDay(li.ChargeStartDate),
		ChargeEndDate:      li.ChargeEndDate,
		ChargeType:         li.ChargeType,
		ReferenceID:        li.ReferenceID,
		BillingMonthTag:    li.BillingMonthTag,
	}
}

// GroupSegments collapses raw line items into charge segments. It is a pure
// function of its input: segments come back in discovery order, so the same
// input always produces the same segment sequence. Empty input yields an
// empty result, not an error. Items are assumed validated.
func GroupSegments(items []model.RawLineItem) []ChargeSegment {
	index := make(map[GroupKey]int, len(items))
	groups := make([][]model.RawLineItem, 0)
	order := make([]GroupKey, 0)

	for _, li := range items {
		k := keyOf(li)
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, nil)
			order = append(order, k)
		}
		groups[i] = append(groups[i], li)
	}

	segments := make([]ChargeSegment, 0, len(groups))
	for i, group := range groups {
		segments = append(segments, aggregateGroup(order[i], group, i))
	}
	return segments
}

func aggregateGroup(key GroupKey, group []model.RawLineItem, index int) ChargeSegment {
	seg := ChargeSegment{
		Key:          key,
		CustomerName: group[0].CustomerName,
		Index:        index,
	}

	// Latest orderDate wins the invoice number; on equal orderDates the
	// later input row wins, matching a stable ascending sort's last row.
	for _, li := range group {
		if !li.OrderDate.Before(seg.OrderDate) {
			seg.OrderDate = li.OrderDate
			seg.InvoiceNumber = li.InvoiceNumber
		}
	}

	total := decimal.Zero
	for _, li := range group {
		total = total.Add(li.TotalForCustomer)
	}
	seg.TotalAmount = total.Round(2)

	// First/last billable quantity by totalForCustomer descending. The sort
	// is stable so rows with equal totals keep their input order.
	byTotal := make([]model.RawLineItem, len(group))
	copy(byTotal, group)
	sort.SliceStable(byTotal, func(a, b int) bool {
		return byTotal[a].TotalForCustomer.GreaterThan(byTotal[b].TotalForCustomer)
	})
	seg.FirstBillableQty = byTotal[0].BillableQuantity
	seg.LastBillableQty = byTotal[len(byTotal)-1].BillableQuantity

	return seg
}
