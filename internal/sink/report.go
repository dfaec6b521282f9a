package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/brioworks/recon-pipeline/internal/model"
)

// ReportName builds the CSV report file name for an invoice month given in
// "2006-01-02" form, e.g. "RECON-202401.csv".
func ReportName(invoiceMonth string) (string, error) {
	t, err := time.Parse("2006-01-02", invoiceMonth)
	if err != nil {
		return "", fmt.Errorf("invalid invoice month %q: %w", invoiceMonth, err)
	}
	return fmt.Sprintf("RECON-%s.csv", t.Format("200601")), nil
}

// CSVSink writes each month's reconciled report to a directory.
type CSVSink struct {
	Dir string
}

func (s CSVSink) Name() string { return "csv" }

func (s CSVSink) Deliver(_ context.Context, invoiceMonth string, rows []model.ReconciledPeriod) error {
	name, err := ReportName(invoiceMonth)
	if err != nil {
		return err
	}
	return WriteCSVFile(s.Dir, name, rows)
}

func (w *Warehouse) Name() string { return "warehouse" }

func (w *Warehouse) Deliver(ctx context.Context, invoiceMonth string, rows []model.ReconciledPeriod) error {
	return w.Replace(ctx, invoiceMonth, rows)
}

func (p *Publisher) Name() string { return "kafka" }

func (p *Publisher) Deliver(ctx context.Context, _ string, rows []model.ReconciledPeriod) error {
	return p.PublishAll(ctx, rows)
}
