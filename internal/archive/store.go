// internal/archive/store.go
package archive

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/brioworks/recon-pipeline/internal/model"
	"go.uber.org/zap"
)

// Store keeps one raw line-item snapshot per billing month. A month whose
// snapshot already exists is considered processed: the pipeline checks here
// before doing any network work, so the hourly rerun is a no-op once the
// month landed. The directory stands in for the blob container the
// production deployment archives to.
type Store struct {
	dir    string
	logger *zap.Logger
}

// NewStore creates a Store rooted at dir, creating the directory if needed.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive dir %s: %w", dir, err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// SnapshotName returns the archive name for a billing month, RCLI-YYYYMM.csv.
func SnapshotName(month time.Time) string {
	return fmt.Sprintf("RCLI-%04d%02d.csv", month.Year(), int(month.Month()))
}

// Exists reports whether the named snapshot is already archived.
func (s *Store) Exists(name string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.dir, name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking archive %s: %w", name, err)
}

// WriteLineItems archives raw line items as a CSV snapshot. The write goes
// through a temp file and rename, so a concurrent reader never sees a
// partial snapshot.
func (s *Store) WriteLineItems(name string, items []model.RawLineItem) error {
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating snapshot temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	header := []string{
		"customerId", "customerName", "customerDomainName", "invoiceNumber",
		"orderDate", "skuId", "skuName", "productId", "productName",
		"subscriptionId", "chargeType", "effectiveUnitPrice", "quantity",
		"subtotal", "taxTotal", "totalForCustomer", "chargeStartDate",
		"chargeEndDate", "referenceId", "billableQuantity",
		"subscriptionStartDate", "subscriptionEndDate", "billingMonthTag",
	}
	if err := w.Write(header); err != nil {
		tmp.Close()
		return fmt.Errorf("writing snapshot header: %w", err)
	}
	for _, li := range items {
		record := []string{
			li.CustomerID, li.CustomerName, li.CustomerDomainName, li.InvoiceNumber,
			li.OrderDate.Format(time.RFC3339), li.SkuID, li.SkuName, li.ProductID, li.ProductName,
			li.SubscriptionID, li.ChargeType, li.EffectiveUnitPrice.String(), strconv.FormatInt(li.Quantity, 10),
			li.Subtotal.String(), li.TaxTotal.String(), li.TotalForCustomer.String(), li.ChargeStartDate.Format(time.RFC3339),
			li.ChargeEndDate.Format(time.RFC3339), li.ReferenceID, strconv.FormatInt(li.BillableQuantity, 10),
			li.SubscriptionStartDate.Format(time.RFC3339), li.SubscriptionEndDate.Format(time.RFC3339), li.BillingMonthTag,
		}
		if err := w.Write(record); err != nil {
			tmp.Close()
			return fmt.Errorf("writing snapshot row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("flushing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing snapshot temp file: %w", err)
	}

	final := filepath.Join(s.dir, name)
	if err := os.Rename(tmp.Name(), final); err != nil {
		return fmt.Errorf("publishing snapshot %s: %w", name, err)
	}

	s.logger.Info("line item snapshot archived",
		zap.String("snapshot", name),
		zap.Int("rows", len(items)),
	)
	return nil
}
