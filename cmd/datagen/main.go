// cmd/datagen/main.go
//
// Generates a synthetic month of Partner Center one-time invoice line items
// for local testing of the reconciler. Output is a gzipped JSON array in the
// same shape as an archived billing snapshot, so it can be decoded with the
// pipeline's own blob reader.
package main

import (
	"compress/gzip"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/brioworks/recon-pipeline/internal/model"
)

type genConfig struct {
	OutPath       string
	Customers     int
	Subscriptions int
	Month         string
	Seed          int64
}

var skus = []struct {
	productID string
	skuID     string
	skuName   string
	product   string
	unitPrice float64
}{
	{"CFQ7TTC0LDPB", "0001", "Business Premium", "Microsoft 365 Business Premium", 22.00},
	{"CFQ7TTC0LH18", "0001", "Business Standard", "Microsoft 365 Business Standard", 12.50},
	{"CFQ7TTC0LF8Q", "0002", "E3", "Microsoft 365 E3", 36.00},
	{"CFQ7TTC0LCHC", "0001", "Exchange Online Plan 1", "Exchange Online", 4.00},
}

// generateSubscription emits the charge rows of one subscription's month:
// an initial purchase, sometimes a mid-month seat change (which Partner
// Center bills as a pair of rows sharing one referenceId), and sometimes a
// seat removal credit.
func generateSubscription(r *rand.Rand, customerID, customerName, domain, invoiceNumber string, month time.Time) []model.RawLineItem {
	sku := skus[r.Intn(len(skus))]
	subscriptionID := uuid.New().String()
	monthEnd := month.AddDate(0, 1, 0)

	startDay := r.Intn(20) + 1
	start := month.AddDate(0, 0, startDay-1)
	seats := int64(r.Intn(20) + 1)

	base := model.RawLineItem{
		CustomerID:            customerID,
		CustomerName:          customerName,
		CustomerDomainName:    domain,
		InvoiceNumber:         invoiceNumber,
		ProductID:             sku.productID,
		SkuID:                 sku.skuID,
		SkuName:               sku.skuName,
		ProductName:           sku.product,
		SubscriptionID:        subscriptionID,
		ChargeType:            "new",
		SubscriptionStartDate: start,
		SubscriptionEndDate:   start.AddDate(1, 0, 0),
	}

	price := decimal.NewFromFloat(sku.unitPrice)
	prorate := func(qty int64, from time.Time) decimal.Decimal {
		days := decimal.NewFromInt(int64(monthEnd.Sub(from).Hours() / 24))
		return price.Mul(decimal.NewFromInt(qty)).Mul(days).Div(decimal.NewFromInt(30)).Round(2)
	}

	initial := base
	initial.ReferenceID = uuid.New().String()
	initial.OrderDate = start.Add(time.Duration(r.Intn(86400)) * time.Second)
	initial.ChargeStartDate = start
	initial.ChargeEndDate = monthEnd
	initial.Quantity = seats
	initial.BillableQuantity = seats
	initial.EffectiveUnitPrice = price
	initial.TotalForCustomer = prorate(seats, start)

	items := []model.RawLineItem{initial}

	if r.Float64() < 0.5 && startDay < 25 {
		changeDay := startDay + r.Intn(28-startDay) + 1
		changeAt := month.AddDate(0, 0, changeDay-1)
		delta := int64(r.Intn(5) + 1)
		if r.Float64() < 0.3 {
			delta = -delta
		}
		newSeats := seats + delta
		if newSeats < 1 {
			newSeats = 1
		}

		ref := uuid.New().String()
		orderedAt := changeAt.Add(time.Duration(r.Intn(86400)) * time.Second)

		// Row billing the new seat count from the change date onward.
		grown := base
		grown.ChargeType = "addQuantity"
		grown.ReferenceID = ref
		grown.OrderDate = orderedAt
		grown.ChargeStartDate = changeAt
		grown.ChargeEndDate = monthEnd
		grown.Quantity = newSeats
		grown.BillableQuantity = newSeats
		grown.EffectiveUnitPrice = price
		grown.TotalForCustomer = prorate(newSeats, changeAt)

		// Companion credit reversing the old count for the same window.
		reversal := grown
		reversal.ChargeType = "addQuantity"
		reversal.BillableQuantity = seats
		reversal.TotalForCustomer = prorate(seats, changeAt).Neg()

		if delta < 0 {
			grown.ChargeType = "removeQuantity"
			reversal.ChargeType = "removeQuantity"
		}
		items = append(items, grown, reversal)
	}

	return items
}

func main() {
	var cfg genConfig
	flag.StringVar(&cfg.OutPath, "out", "snapshot.json.gz", "Output path for the gzipped snapshot")
	flag.IntVar(&cfg.Customers, "customers", 25, "Number of customers to generate")
	flag.IntVar(&cfg.Subscriptions, "subscriptions", 4, "Subscriptions per customer")
	flag.StringVar(&cfg.Month, "month", "", "Invoice month as YYYY-MM (default: previous month)")
	flag.Int64Var(&cfg.Seed, "seed", 0, "Random seed (0 picks one from the clock)")
	flag.Parse()

	month := time.Now().UTC().AddDate(0, -1, 0)
	if cfg.Month != "" {
		parsed, err := time.Parse("2006-01", cfg.Month)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid -month %q: %v\n", cfg.Month, err)
			os.Exit(1)
		}
		month = parsed
	}
	month = time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	r := rand.New(rand.NewSource(seed))

	invoiceNumber := fmt.Sprintf("G%09d", r.Intn(1_000_000_000))
	var items []model.RawLineItem
	for c := 0; c < cfg.Customers; c++ {
		customerID := uuid.New().String()
		customerName := fmt.Sprintf("Customer %03d", c+1)
		domain := fmt.Sprintf("customer%03d.onmicrosoft.com", c+1)
		for s := 0; s < cfg.Subscriptions; s++ {
			items = append(items, generateSubscription(r, customerID, customerName, domain, invoiceNumber, month)...)
		}
	}

	f, err := os.Create(cfg.OutPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", cfg.OutPath, err)
		os.Exit(1)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	enc := json.NewEncoder(gz)
	if err := enc.Encode(items); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing snapshot: %v\n", err)
		os.Exit(1)
	}
	if err := gz.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error closing gzip stream: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Wrote %d line items for %s to %s (seed %d)\n",
		len(items), month.Format("2006-01"), cfg.OutPath, seed)
}
