// internal/sink/csv.go
package sink

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/brioworks/recon-pipeline/internal/model"
)

// WriteCSV writes reconciled periods to w in the canonical column order.
// Dates are emitted at day resolution except orderDate, which keeps its
// timestamp.
func WriteCSV(w io.Writer, rows []model.ReconciledPeriod) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(model.ReconciledPeriod{}.Columns()); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.CustomerID,
			row.CustomerDomainName,
			row.SubscriptionID,
			row.SkuName,
			row.SkuID,
			row.ProductName,
			row.InvoiceNumber,
			row.OrderDate.Format(time.RFC3339),
			row.ChargeStartDate.Format("2006-01-02"),
			row.ChargeEndDate.Format("2006-01-02"),
			row.ChargeType,
			strconv.FormatInt(row.Quantity, 10),
			row.Amount.StringFixed(2),
			row.ReferenceID,
			row.BillingMonthTag,
			row.InvoiceMonth,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("writing csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flushing csv: %w", err)
	}
	return nil
}

// WriteCSVFile writes rows to dir/name through a temp file and rename, so
// downstream consumers never observe a half-written report.
func WriteCSVFile(dir, name string, rows []model.ReconciledPeriod) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating output dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating csv temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := WriteCSV(tmp, rows); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing csv temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("publishing csv %s: %w", name, err)
	}
	return nil
}
