// Package pipeline ties the monthly reconciliation flow together: fetch the
// previous month's one-time invoice line items from Partner Center, archive
// the raw snapshot, run reconciliation, and fan the output out to the sinks.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/brioworks/recon-pipeline/internal/archive"
	"github.com/brioworks/recon-pipeline/internal/model"
	"github.com/brioworks/recon-pipeline/internal/partnercenter"
	"github.com/brioworks/recon-pipeline/internal/recon"
)

// PartnerAPI is the slice of the Partner Center client the runner needs.
type PartnerAPI interface {
	Authenticate(ctx context.Context) error
	Invoices(ctx context.Context) ([]model.Invoice, error)
	LineItems(ctx context.Context, invoiceID string) ([]model.RawLineItem, error)
}

// ReportSink receives the reconciled rows of one invoice month. Sinks must
// be idempotent: a rerun for the same month delivers the same rows again.
type ReportSink interface {
	Deliver(ctx context.Context, invoiceMonth string, rows []model.ReconciledPeriod) error
	Name() string
}

// Runner executes one reconciliation run end to end.
type Runner struct {
	api             PartnerAPI
	store           *archive.Store
	engine          *recon.Engine
	sinks           []ReportSink
	productIDPrefix string
	logger          *zap.Logger
}

// NewRunner wires a runner from its parts. sinks may be empty.
func NewRunner(api PartnerAPI, store *archive.Store, engine *recon.Engine, sinks []ReportSink, productIDPrefix string, logger *zap.Logger) *Runner {
	return &Runner{
		api:             api,
		store:           store,
		engine:          engine,
		sinks:           sinks,
		productIDPrefix: productIDPrefix,
		logger:          logger,
	}
}

// RunResult summarizes a completed (or skipped) run.
type RunResult struct {
	InvoiceMonth string         `json:"invoice_month"`
	Snapshot     string         `json:"snapshot"`
	Skipped      bool           `json:"skipped"`
	Invoices     int            `json:"invoices"`
	RawItems     int            `json:"raw_items"`
	KeptItems    int            `json:"kept_items"`
	Rows         int            `json:"rows"`
	Stats        recon.RunStats `json:"stats"`
}

// RunPreviousMonth reconciles the month before now. If the month's raw
// snapshot already exists in the archive the run is a no-op unless force is
// set: an archived snapshot means the month was already processed, and
// Partner Center invoices are immutable once issued.
func (r *Runner) RunPreviousMonth(ctx context.Context, now time.Time, force bool) (*RunResult, error) {
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
	return r.runMonth(ctx, month, force)
}

func (r *Runner) runMonth(ctx context.Context, month time.Time, force bool) (*RunResult, error) {
	result := &RunResult{
		InvoiceMonth: month.Format("2006-01-02"),
		Snapshot:     archive.SnapshotName(month),
	}
	log := r.logger.With(zap.String("invoice_month", result.InvoiceMonth))

	exists, err := r.store.Exists(result.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("checking archive for %s: %w", result.Snapshot, err)
	}
	if exists && !force {
		log.Info("Snapshot already archived, skipping run", zap.String("snapshot", result.Snapshot))
		result.Skipped = true
		return result, nil
	}

	if err := r.api.Authenticate(ctx); err != nil {
		return nil, fmt.Errorf("authenticating against partner center: %w", err)
	}

	invoices, err := r.api.Invoices(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing invoices: %w", err)
	}
	oneTime := partnercenter.PreviousMonthOneTime(invoices, month.AddDate(0, 1, 0))
	result.Invoices = len(oneTime)
	if len(oneTime) == 0 {
		log.Warn("No one-time invoice found for month, nothing to reconcile")
		return result, nil
	}
	// The month label comes from invoice metadata, not the clock.
	result.InvoiceMonth = oneTime[0].BillingMonth()

	var items []model.RawLineItem
	for _, inv := range oneTime {
		lineItems, err := r.api.LineItems(ctx, inv.ID)
		if err != nil {
			return nil, fmt.Errorf("fetching line items for invoice %s: %w", inv.ID, err)
		}
		items = append(items, lineItems...)
	}
	result.RawItems = len(items)
	log.Info("Fetched billing line items",
		zap.Int("invoices", len(oneTime)),
		zap.Int("raw_items", len(items)),
	)

	return r.finish(ctx, log, result, items)
}

// RunSnapshot reconciles an invoice month from a local gzipped snapshot (a
// migrated storage blob or datagen output) instead of the Partner Center
// API. The same archive short-circuit applies: a month whose raw snapshot is
// already archived is a no-op unless force is set.
func (r *Runner) RunSnapshot(ctx context.Context, path string, month time.Time, force bool) (*RunResult, error) {
	month = time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	result := &RunResult{
		InvoiceMonth: month.Format("2006-01-02"),
		Snapshot:     archive.SnapshotName(month),
	}
	log := r.logger.With(
		zap.String("invoice_month", result.InvoiceMonth),
		zap.String("snapshot_path", path),
	)

	exists, err := r.store.Exists(result.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("checking archive for %s: %w", result.Snapshot, err)
	}
	if exists && !force {
		log.Info("Snapshot already archived, skipping run", zap.String("snapshot", result.Snapshot))
		result.Skipped = true
		return result, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot %s: %w", path, err)
	}
	defer f.Close()

	items, err := archive.DecodeCompressedLineItems(f)
	if err != nil {
		return nil, fmt.Errorf("decoding snapshot %s: %w", path, err)
	}
	result.RawItems = len(items)
	log.Info("Decoded snapshot", zap.Int("raw_items", len(items)))

	return r.finish(ctx, log, result, items)
}

// finish is the shared tail of a run: product filter, raw archive, the
// reconciliation itself, and sink fan-out.
func (r *Runner) finish(ctx context.Context, log *zap.Logger, result *RunResult, items []model.RawLineItem) (*RunResult, error) {
	kept := r.filterByProduct(items)
	result.KeptItems = len(kept)
	log.Info("Filtered line items", zap.Int("kept_items", len(kept)))

	if err := r.store.WriteLineItems(result.Snapshot, kept); err != nil {
		return nil, fmt.Errorf("archiving snapshot %s: %w", result.Snapshot, err)
	}

	rows, stats, err := r.engine.Reconcile(ctx, kept, result.InvoiceMonth)
	if err != nil {
		return nil, fmt.Errorf("reconciling %s: %w", result.InvoiceMonth, err)
	}
	result.Rows = len(rows)
	result.Stats = stats

	for _, s := range r.sinks {
		if err := s.Deliver(ctx, result.InvoiceMonth, rows); err != nil {
			return nil, fmt.Errorf("delivering to %s sink: %w", s.Name(), err)
		}
		log.Info("Delivered reconciled rows", zap.String("sink", s.Name()), zap.Int("rows", len(rows)))
	}

	log.Info("Run complete",
		zap.Int("rows", len(rows)),
		zap.Uint64("segments", stats.Segments),
		zap.Uint64("partitions", stats.Partitions),
		zap.Uint64("ordering_ambiguities", stats.OrderingAmbiguities),
	)
	return result, nil
}

// filterByProduct keeps only line items whose product id carries the
// configured prefix. New-commerce license products all share it; everything
// else on a one-time invoice (Azure reservations, perpetual software) is
// out of scope for seat reconciliation.
func (r *Runner) filterByProduct(items []model.RawLineItem) []model.RawLineItem {
	if r.productIDPrefix == "" {
		return items
	}
	kept := items[:0:0]
	for _, li := range items {
		if strings.HasPrefix(li.ProductID, r.productIDPrefix) {
			kept = append(kept, li)
		}
	}
	return kept
}
