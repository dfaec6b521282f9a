// internal/recon/segment_test.go
package recon

import (
	"testing"
	"time"

	"github.com/brioworks/recon-pipeline/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// item builds a minimally valid raw line item; tests override what matters.
func item(overrides func(*model.RawLineItem)) model.RawLineItem {
	li := model.RawLineItem{
		CustomerID:            "cust-1",
		CustomerName:          "Contoso",
		CustomerDomainName:    "contoso.onmicrosoft.com",
		InvoiceNumber:         "G012345",
		OrderDate:             date(2024, time.January, 1),
		SkuID:                 "0001",
		SkuName:               "Business Premium",
		ProductID:             "CFQ7TTC0LDPB",
		ProductName:           "Microsoft 365 Business Premium",
		SubscriptionID:        "sub-1",
		ChargeType:            "Recurring",
		EffectiveUnitPrice:    decimal.RequireFromString("20.00"),
		Quantity:              1,
		Subtotal:              decimal.RequireFromString("100.00"),
		TaxTotal:              decimal.RequireFromString("18.00"),
		TotalForCustomer:      decimal.RequireFromString("118.00"),
		ChargeStartDate:       date(2024, time.January, 1),
		ChargeEndDate:         date(2024, time.January, 31),
		ReferenceID:           "ref-1",
		BillableQuantity:      5,
		SubscriptionStartDate: date(2024, time.January, 1),
		SubscriptionEndDate:   date(2024, time.December, 31),
	}
	li.Normalize()
	if overrides != nil {
		overrides(&li)
	}
	return li
}

func TestGroupSegmentsEmptyInput(t *testing.T) {
	assert.Empty(t, GroupSegments(nil))
	assert.Empty(t, GroupSegments([]model.RawLineItem{}))
}

func TestGroupSegmentsCollapsesByIdentityKey(t *testing.T) {
	items := []model.RawLineItem{
		// Same episode, charge start differing only in time-of-day.
		item(func(li *model.RawLineItem) {
			li.ChargeStartDate = time.Date(2024, time.January, 1, 9, 30, 0, 0, time.UTC)
			li.TotalForCustomer = decimal.RequireFromString("118.00")
		}),
		item(func(li *model.RawLineItem) {
			li.ChargeStartDate = time.Date(2024, time.January, 1, 17, 0, 0, 0, time.UTC)
			li.TotalForCustomer = decimal.RequireFromString("-18.00")
		}),
		// Different reference id, so a separate segment.
		item(func(li *model.RawLineItem) {
			li.ReferenceID = "ref-2"
		}),
	}

	segments := GroupSegments(items)
	require.Len(t, segments, 2)

	assert.Equal(t, date(2024, time.January, 1), segments[0].Key.ChargeStartDate)
	assert.True(t, segments[0].TotalAmount.Equal(decimal.RequireFromString("100.00")),
		"got %s", segments[0].TotalAmount)
	assert.Equal(t, "ref-2", segments[1].Key.ReferenceID)
}

func TestGroupSegmentsTotalRoundsHalfAwayFromZero(t *testing.T) {
	cases := []struct {
		name   string
		totals []string
		want   string
	}{
		{"positive half", []string{"1.005", "1.00"}, "2.01"},
		{"negative half", []string{"-1.005", "-1.00"}, "-2.01"},
		{"no rounding needed", []string{"10.10", "-0.10"}, "10"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			items := make([]model.RawLineItem, 0, len(tc.totals))
			for _, s := range tc.totals {
				total := s
				items = append(items, item(func(li *model.RawLineItem) {
					li.TotalForCustomer = decimal.RequireFromString(total)
				}))
			}
			segments := GroupSegments(items)
			require.Len(t, segments, 1)
			assert.True(t, segments[0].TotalAmount.Equal(decimal.RequireFromString(tc.want)),
				"want %s, got %s", tc.want, segments[0].TotalAmount)
		})
	}
}

func TestGroupSegmentsFirstLastBillableQuantity(t *testing.T) {
	items := []model.RawLineItem{
		item(func(li *model.RawLineItem) {
			li.BillableQuantity = 5
			li.TotalForCustomer = decimal.RequireFromString("20.00")
		}),
		item(func(li *model.RawLineItem) {
			li.BillableQuantity = 8
			li.TotalForCustomer = decimal.RequireFromString("150.00")
		}),
		item(func(li *model.RawLineItem) {
			li.BillableQuantity = 6
			li.TotalForCustomer = decimal.RequireFromString("90.00")
		}),
	}

	segments := GroupSegments(items)
	require.Len(t, segments, 1)
	assert.Equal(t, int64(8), segments[0].FirstBillableQty, "largest total wins first")
	assert.Equal(t, int64(5), segments[0].LastBillableQty, "smallest total wins last")
}

func TestGroupSegmentsEqualTotalsKeepInputOrder(t *testing.T) {
	items := []model.RawLineItem{
		item(func(li *model.RawLineItem) {
			li.BillableQuantity = 3
			li.TotalForCustomer = decimal.RequireFromString("50.00")
		}),
		item(func(li *model.RawLineItem) {
			li.BillableQuantity = 7
			li.TotalForCustomer = decimal.RequireFromString("50.00")
		}),
	}

	segments := GroupSegments(items)
	require.Len(t, segments, 1)
	assert.Equal(t, int64(3), segments[0].FirstBillableQty)
	assert.Equal(t, int64(7), segments[0].LastBillableQty)
}

func TestGroupSegmentsInvoiceNumberFromLatestOrder(t *testing.T) {
	items := []model.RawLineItem{
		item(func(li *model.RawLineItem) {
			li.InvoiceNumber = "G000001"
			li.OrderDate = date(2024, time.January, 2)
		}),
		item(func(li *model.RawLineItem) {
			li.InvoiceNumber = "G000002"
			li.OrderDate = date(2024, time.January, 10)
		}),
		// Shares the latest order date: the later input row wins the tie.
		item(func(li *model.RawLineItem) {
			li.InvoiceNumber = "G000003"
			li.OrderDate = date(2024, time.January, 10)
		}),
	}

	segments := GroupSegments(items)
	require.Len(t, segments, 1)
	assert.Equal(t, "G000003", segments[0].InvoiceNumber)
	assert.Equal(t, date(2024, time.January, 10), segments[0].OrderDate)
}

func TestQuantityAdded(t *testing.T) {
	cases := []struct {
		name  string
		first int64
		last  int64
		total string
		want  int64
	}{
		{"plain add", 8, 5, "150.00", 3},
		{"plain remove", 5, 8, "10.00", -3},
		{"zero delta reasserts first", 5, 5, "118.00", 5},
		{"credit flips positive delta", 10, 4, "-50.00", -6},
		{"credit keeps negative delta", 4, 10, "-50.00", -6},
		{"credit with zero delta", 10, 10, "-50.00", -10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seg := ChargeSegment{
				FirstBillableQty: tc.first,
				LastBillableQty:  tc.last,
				TotalAmount:      decimal.RequireFromString(tc.total),
			}
			assert.Equal(t, tc.want, QuantityAdded(seg))
		})
	}
}
