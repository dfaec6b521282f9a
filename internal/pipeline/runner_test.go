package pipeline

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brioworks/recon-pipeline/internal/archive"
	"github.com/brioworks/recon-pipeline/internal/model"
	"github.com/brioworks/recon-pipeline/internal/recon"
)

type fakeAPI struct {
	authErr       error
	authenticated bool
	invoices      []model.Invoice
	lineItems     map[string][]model.RawLineItem
	calls         []string
}

func (f *fakeAPI) Authenticate(context.Context) error {
	f.calls = append(f.calls, "auth")
	if f.authErr != nil {
		return f.authErr
	}
	f.authenticated = true
	return nil
}

func (f *fakeAPI) Invoices(context.Context) ([]model.Invoice, error) {
	f.calls = append(f.calls, "invoices")
	return f.invoices, nil
}

func (f *fakeAPI) LineItems(_ context.Context, invoiceID string) ([]model.RawLineItem, error) {
	f.calls = append(f.calls, "lineitems:"+invoiceID)
	items, ok := f.lineItems[invoiceID]
	if !ok {
		return nil, errors.New("unknown invoice")
	}
	return items, nil
}

type captureSink struct {
	name   string
	months []string
	rows   [][]model.ReconciledPeriod
	err    error
}

func (c *captureSink) Name() string { return c.name }

func (c *captureSink) Deliver(_ context.Context, invoiceMonth string, rows []model.ReconciledPeriod) error {
	if c.err != nil {
		return c.err
	}
	c.months = append(c.months, invoiceMonth)
	c.rows = append(c.rows, rows)
	return nil
}

func testItem(productID, referenceID string) model.RawLineItem {
	li := model.RawLineItem{
		CustomerID:            "c-100",
		CustomerName:          "Contoso",
		CustomerDomainName:    "contoso.onmicrosoft.com",
		InvoiceNumber:         "G000100",
		ProductID:             productID,
		SkuID:                 "0001",
		SkuName:               "Business Premium",
		ProductName:           "Microsoft 365 Business Premium",
		SubscriptionID:        "sub-1",
		ChargeType:            "new",
		ReferenceID:           referenceID,
		OrderDate:             time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC),
		ChargeStartDate:       time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
		ChargeEndDate:         time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		SubscriptionStartDate: time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
		BillableQuantity:      5,
		Quantity:              5,
		EffectiveUnitPrice:    decimal.RequireFromString("20"),
		TotalForCustomer:      decimal.RequireFromString("100"),
	}
	li.Normalize()
	return li
}

func janInvoice() model.Invoice {
	return model.Invoice{
		ID:                     "G001234",
		InvoiceDate:            time.Date(2024, 2, 6, 0, 0, 0, 0, time.UTC),
		BillingPeriodStartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		BillingPeriodEndDate:   time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
	}
}

func newTestRunner(t *testing.T, api PartnerAPI, sinks []ReportSink) (*Runner, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := archive.NewStore(dir, zap.NewNop())
	require.NoError(t, err)
	engine := recon.NewEngine(zap.NewNop(), 2)
	return NewRunner(api, store, engine, sinks, "CFQ", zap.NewNop()), dir
}

func TestRunPreviousMonthHappyPath(t *testing.T) {
	api := &fakeAPI{
		invoices: []model.Invoice{janInvoice()},
		lineItems: map[string][]model.RawLineItem{
			"G001234": {
				testItem("CFQ7TTC0LDPB", "ref-1"),
				testItem("DG7GMGF0D7FV", "ref-reservation"),
			},
		},
	}
	capture := &captureSink{name: "capture"}
	runner, dir := newTestRunner(t, api, []ReportSink{capture})

	now := time.Date(2024, 2, 7, 12, 0, 0, 0, time.UTC)
	result, err := runner.RunPreviousMonth(context.Background(), now, false)
	require.NoError(t, err)

	assert.False(t, result.Skipped)
	assert.Equal(t, "2024-01-01", result.InvoiceMonth)
	assert.Equal(t, "RCLI-202401.csv", result.Snapshot)
	assert.Equal(t, 1, result.Invoices)
	assert.Equal(t, 2, result.RawItems)
	assert.Equal(t, 1, result.KeptItems, "non-license product ids are filtered out")
	assert.Equal(t, 1, result.Rows)

	require.Len(t, capture.rows, 1)
	assert.Equal(t, []string{"2024-01-01"}, capture.months)
	assert.Equal(t, int64(5), capture.rows[0][0].Quantity)

	_, err = os.Stat(filepath.Join(dir, "RCLI-202401.csv"))
	require.NoError(t, err, "raw snapshot archived")
}

func writeSnapshot(t *testing.T, items []model.RawLineItem) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshot.json.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	require.NoError(t, json.NewEncoder(gz).Encode(items))
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
	return path
}

func TestRunSnapshotReconcilesLocalFile(t *testing.T) {
	api := &fakeAPI{}
	capture := &captureSink{name: "capture"}
	runner, dir := newTestRunner(t, api, []ReportSink{capture})

	path := writeSnapshot(t, []model.RawLineItem{
		testItem("CFQ7TTC0LDPB", "ref-1"),
		testItem("DG7GMGF0D7FV", "ref-reservation"),
	})

	month := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	result, err := runner.RunSnapshot(context.Background(), path, month, false)
	require.NoError(t, err)

	assert.False(t, result.Skipped)
	assert.Equal(t, "2024-01-01", result.InvoiceMonth)
	assert.Equal(t, 2, result.RawItems)
	assert.Equal(t, 1, result.KeptItems)
	assert.Equal(t, 1, result.Rows)
	assert.Empty(t, api.calls, "snapshot runs never touch Partner Center")

	require.Len(t, capture.rows, 1)
	assert.Equal(t, []string{"2024-01-01"}, capture.months)
	assert.Equal(t, int64(5), capture.rows[0][0].Quantity)

	_, err = os.Stat(filepath.Join(dir, "RCLI-202401.csv"))
	require.NoError(t, err, "decoded snapshot materialized in the archive")
}

func TestRunSnapshotSkipsWhenArchived(t *testing.T) {
	api := &fakeAPI{}
	capture := &captureSink{name: "capture"}
	runner, dir := newTestRunner(t, api, []ReportSink{capture})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "RCLI-202401.csv"), []byte("header\n"), 0o644))

	path := writeSnapshot(t, []model.RawLineItem{testItem("CFQ7TTC0LDPB", "ref-1")})

	month := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	result, err := runner.RunSnapshot(context.Background(), path, month, false)
	require.NoError(t, err)

	assert.True(t, result.Skipped)
	assert.Equal(t, "2024-01-01", result.InvoiceMonth, "mid-month input normalized to first of month")
	assert.Empty(t, capture.months)
}

func TestRunSnapshotMissingFile(t *testing.T) {
	runner, _ := newTestRunner(t, &fakeAPI{}, nil)

	month := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := runner.RunSnapshot(context.Background(), filepath.Join(t.TempDir(), "absent.json.gz"), month, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opening snapshot")
}

func TestRunStampsMonthFromInvoiceMetadata(t *testing.T) {
	// Billing period start sits mid-month; the stamped label still comes
	// from the invoice, normalized to first of month.
	inv := janInvoice()
	inv.BillingPeriodStartDate = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	api := &fakeAPI{
		invoices: []model.Invoice{inv},
		lineItems: map[string][]model.RawLineItem{
			"G001234": {testItem("CFQ7TTC0LDPB", "ref-1")},
		},
	}
	capture := &captureSink{name: "capture"}
	runner, _ := newTestRunner(t, api, []ReportSink{capture})

	now := time.Date(2024, 2, 7, 12, 0, 0, 0, time.UTC)
	result, err := runner.RunPreviousMonth(context.Background(), now, false)
	require.NoError(t, err)

	assert.Equal(t, inv.BillingMonth(), result.InvoiceMonth)
	assert.Equal(t, []string{"2024-01-01"}, capture.months)
}

func TestRunSkipsWhenSnapshotArchived(t *testing.T) {
	api := &fakeAPI{}
	capture := &captureSink{name: "capture"}
	runner, dir := newTestRunner(t, api, []ReportSink{capture})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "RCLI-202401.csv"), []byte("header\n"), 0o644))

	now := time.Date(2024, 2, 7, 12, 0, 0, 0, time.UTC)
	result, err := runner.RunPreviousMonth(context.Background(), now, false)
	require.NoError(t, err)

	assert.True(t, result.Skipped)
	assert.Empty(t, api.calls, "no Partner Center traffic when the month is already archived")
	assert.Empty(t, capture.months)
}

func TestRunForceOverridesShortCircuit(t *testing.T) {
	api := &fakeAPI{
		invoices: []model.Invoice{janInvoice()},
		lineItems: map[string][]model.RawLineItem{
			"G001234": {testItem("CFQ7TTC0LDPB", "ref-1")},
		},
	}
	runner, dir := newTestRunner(t, api, nil)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "RCLI-202401.csv"), []byte("header\n"), 0o644))

	now := time.Date(2024, 2, 7, 12, 0, 0, 0, time.UTC)
	result, err := runner.RunPreviousMonth(context.Background(), now, true)
	require.NoError(t, err)

	assert.False(t, result.Skipped)
	assert.Equal(t, 1, result.Rows)
}

func TestRunNoOneTimeInvoice(t *testing.T) {
	api := &fakeAPI{
		invoices: []model.Invoice{
			{ID: "D001234", BillingPeriodStartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		},
	}
	capture := &captureSink{name: "capture"}
	runner, _ := newTestRunner(t, api, []ReportSink{capture})

	now := time.Date(2024, 2, 7, 12, 0, 0, 0, time.UTC)
	result, err := runner.RunPreviousMonth(context.Background(), now, false)
	require.NoError(t, err)

	assert.False(t, result.Skipped)
	assert.Zero(t, result.Invoices)
	assert.Empty(t, capture.months)
}

func TestRunAuthFailureStopsEarly(t *testing.T) {
	api := &fakeAPI{authErr: errors.New("invalid_client")}
	runner, _ := newTestRunner(t, api, nil)

	now := time.Date(2024, 2, 7, 12, 0, 0, 0, time.UTC)
	_, err := runner.RunPreviousMonth(context.Background(), now, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_client")
	assert.Equal(t, []string{"auth"}, api.calls)
}

func TestRunSinkFailurePropagates(t *testing.T) {
	api := &fakeAPI{
		invoices: []model.Invoice{janInvoice()},
		lineItems: map[string][]model.RawLineItem{
			"G001234": {testItem("CFQ7TTC0LDPB", "ref-1")},
		},
	}
	good := &captureSink{name: "good"}
	bad := &captureSink{name: "bad", err: errors.New("disk full")}
	runner, _ := newTestRunner(t, api, []ReportSink{good, bad})

	now := time.Date(2024, 2, 7, 12, 0, 0, 0, time.UTC)
	_, err := runner.RunPreviousMonth(context.Background(), now, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad sink")
	assert.Len(t, good.months, 1, "earlier sinks already delivered")
}
