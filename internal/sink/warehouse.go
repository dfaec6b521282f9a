// internal/sink/warehouse.go
package sink

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/brioworks/recon-pipeline/internal/model"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Warehouse persists reconciled periods to a SQLite table with
// delete-then-append semantics per invoice month: replacing a month is one
// transaction, so a rerun either fully lands or leaves the previous state
// untouched. Partial reconciled output is never visible.
type Warehouse struct {
	db     *sql.DB
	logger *zap.Logger
}

const warehouseSchema = `
CREATE TABLE IF NOT EXISTS reconciled_periods (
	customer_id          TEXT NOT NULL,
	customer_domain_name TEXT NOT NULL,
	subscription_id      TEXT NOT NULL,
	sku_name             TEXT,
	sku_id               TEXT,
	product_name         TEXT,
	invoice_number       TEXT,
	order_date           TIMESTAMP NOT NULL,
	charge_start_date    DATE NOT NULL,
	charge_end_date      DATE NOT NULL,
	charge_type          TEXT,
	quantity             INTEGER NOT NULL,
	amount               TEXT NOT NULL,
	reference_id         TEXT,
	billing_month_tag    TEXT,
	invoice_month        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reconciled_periods_invoice_month
	ON reconciled_periods (invoice_month);
CREATE INDEX IF NOT EXISTS idx_reconciled_periods_subscription
	ON reconciled_periods (customer_id, subscription_id, billing_month_tag);
`

// OpenWarehouse opens (or creates) the warehouse database at path and
// ensures the schema. WAL mode keeps readers unblocked during a replace.
func OpenWarehouse(path string, logger *zap.Logger) (*Warehouse, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening warehouse %s: %w", path, err)
	}
	if _, err := db.Exec(warehouseSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensuring warehouse schema: %w", err)
	}
	return &Warehouse{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (w *Warehouse) Close() error {
	return w.db.Close()
}

// Replace atomically swaps the stored rows of invoiceMonth for rows. All
// rows must carry that invoiceMonth; a mismatch is rejected before any
// write happens.
func (w *Warehouse) Replace(ctx context.Context, invoiceMonth string, rows []model.ReconciledPeriod) error {
	if invoiceMonth == "" {
		return fmt.Errorf("invoice month must not be empty")
	}
	for _, row := range rows {
		if row.InvoiceMonth != invoiceMonth {
			return fmt.Errorf("row for invoice month %q in batch for %q (referenceId %q)",
				row.InvoiceMonth, invoiceMonth, row.ReferenceID)
		}
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning replace transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM reconciled_periods WHERE invoice_month = ?`, invoiceMonth); err != nil {
		return fmt.Errorf("deleting existing rows for %s: %w", invoiceMonth, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO reconciled_periods (
		customer_id, customer_domain_name, subscription_id, sku_name, sku_id,
		product_name, invoice_number, order_date, charge_start_date,
		charge_end_date, charge_type, quantity, amount, reference_id,
		billing_month_tag, invoice_month
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx,
			row.CustomerID,
			row.CustomerDomainName,
			row.SubscriptionID,
			row.SkuName,
			row.SkuID,
			row.ProductName,
			row.InvoiceNumber,
			row.OrderDate.UTC(),
			row.ChargeStartDate.Format("2006-01-02"),
			row.ChargeEndDate.Format("2006-01-02"),
			row.ChargeType,
			row.Quantity,
			row.Amount.StringFixed(2),
			row.ReferenceID,
			row.BillingMonthTag,
			row.InvoiceMonth,
		); err != nil {
			return fmt.Errorf("inserting row (referenceId %q): %w", row.ReferenceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing replace for %s: %w", invoiceMonth, err)
	}

	w.logger.Info("warehouse month replaced",
		zap.String("invoice_month", invoiceMonth),
		zap.Int("rows", len(rows)),
	)
	return nil
}

// MonthRowCount reports how many rows are stored for an invoice month.
func (w *Warehouse) MonthRowCount(ctx context.Context, invoiceMonth string) (int, error) {
	var n int
	err := w.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reconciled_periods WHERE invoice_month = ?`, invoiceMonth).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting rows for %s: %w", invoiceMonth, err)
	}
	return n, nil
}
