// internal/recon/engine.go
package recon

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/brioworks/recon-pipeline/internal/model"
	"go.uber.org/zap"
)

// Engine turns a batch of raw invoice line items into reconciled periods.
// A run is a pure transformation: it holds no state between invocations and
// the same input always yields byte-identical output, so a rerun of a month
// can blindly replace the previous one. Partitions are independent after
// grouping, which lets the engine fan them out across a bounded worker pool
// with no shared mutable state.
type Engine struct {
	logger  *zap.Logger
	workers int
}

// RunStats summarizes one reconciliation run.
type RunStats struct {
	Items               uint64
	Segments            uint64
	Partitions          uint64
	OrderingAmbiguities uint64
}

// NewEngine creates an Engine. workers bounds the partition fan-out; values
// below 1 run everything on the calling goroutine's single worker.
func NewEngine(logger *zap.Logger, workers int) *Engine {
	if workers < 1 {
		workers = 1
	}
	return &Engine{logger: logger, workers: workers}
}

// derived carries one segment's full derivation out of a partition worker.
type derived struct {
	segIndex  int
	ambiguous []OrderingAmbiguity
	row       model.ReconciledPeriod
}

// Reconcile runs the full pipeline over items: validate, group into charge
// segments, resolve quantity deltas, accumulate running totals, stitch
// period boundaries, and assemble output rows stamped with invoiceMonth.
// The batch is all-or-nothing: any validation failure rejects the whole run
// and nothing is emitted. The input slice is not modified.
func (e *Engine) Reconcile(ctx context.Context, items []model.RawLineItem, invoiceMonth string) ([]model.ReconciledPeriod, RunStats, error) {
	stats := RunStats{Items: uint64(len(items))}

	normalized := make([]model.RawLineItem, len(items))
	copy(normalized, items)
	for i := range normalized {
		normalized[i].Normalize()
		if err := normalized[i].Validate(); err != nil {
			return nil, stats, err
		}
	}

	segments := GroupSegments(normalized)
	stats.Segments = uint64(len(segments))
	if len(segments) == 0 {
		return []model.ReconciledPeriod{}, stats, nil
	}

	partitions := splitPartitions(segments)
	stats.Partitions = uint64(len(partitions))

	results := make([][]derived, len(partitions))
	jobs := make(chan int)
	var wg sync.WaitGroup

	workers := e.workers
	if workers > len(partitions) {
		workers = len(partitions)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range jobs {
				// Each worker writes only its own partition's slot.
				results[p] = reconcilePartition(partitions[p], invoiceMonth)
			}
		}()
	}

dispatch:
	for p := range partitions {
		select {
		case jobs <- p:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		// Pure computation, so abandoning the partial results is free.
		return nil, stats, err
	}

	rows, err := e.assemble(results, len(segments), &stats)
	if err != nil {
		return nil, stats, err
	}

	e.logger.Info("reconciliation run complete",
		zap.Uint64("line_items", stats.Items),
		zap.Uint64("segments", stats.Segments),
		zap.Uint64("partitions", stats.Partitions),
		zap.Uint64("ordering_ambiguities", stats.OrderingAmbiguities),
		zap.String("invoice_month", invoiceMonth),
	)
	return rows, stats, nil
}

// splitPartitions groups segments by their independence key, partitions in
// first-seen order and segments in discovery order within each.
func splitPartitions(segments []ChargeSegment) [][]ChargeSegment {
	index := make(map[PartitionKey]int)
	partitions := make([][]ChargeSegment, 0)
	for _, seg := range segments {
		k := partitionOf(seg)
		i, ok := index[k]
		if !ok {
			i = len(partitions)
			index[k] = i
			partitions = append(partitions, nil)
		}
		partitions[i] = append(partitions[i], seg)
	}
	return partitions
}

// reconcilePartition runs the delta, running-total, and stitching passes
// over one partition and assembles its rows.
func reconcilePartition(segments []ChargeSegment, invoiceMonth string) []derived {
	sorted := make([]ChargeSegment, len(segments))
	copy(sorted, segments)
	sortPartition(sorted)

	deltas := make([]int64, len(sorted))
	for i, seg := range sorted {
		deltas[i] = QuantityAdded(seg)
	}

	totals, ambiguities := runningTotals(sorted, deltas)
	ends := stitchEnds(sorted)

	out := make([]derived, len(sorted))
	for i, seg := range sorted {
		out[i] = derived{
			segIndex: seg.Index,
			row: model.ReconciledPeriod{
				CustomerID:         seg.Key.CustomerID,
				CustomerDomainName: seg.Key.CustomerDomainName,
				SubscriptionID:     seg.Key.SubscriptionID,
				SkuName:            seg.Key.SkuName,
				SkuID:              seg.Key.SkuID,
				ProductName:        seg.Key.ProductName,
				InvoiceNumber:      seg.InvoiceNumber,
				OrderDate:          seg.OrderDate,
				ChargeStartDate:    seg.Key.ChargeStartDate,
				ChargeEndDate:      ends[i],
				ChargeType:         seg.Key.ChargeType,
				Quantity:           totals[i],
				Amount:             seg.TotalAmount,
				ReferenceID:        seg.Key.ReferenceID,
				BillingMonthTag:    seg.Key.BillingMonthTag,
				InvoiceMonth:       invoiceMonth,
			},
		}
	}
	// The ambiguities belong to the partition, not a row; attach them to the
	// first derivation so assemble can surface them once.
	if len(out) > 0 {
		out[0].ambiguous = ambiguities
	}
	return out
}

// assemble merges the per-partition derivations into the final ordered
// output, verifying that every grouped segment produced exactly one row.
func (e *Engine) assemble(results [][]derived, segmentCount int, stats *RunStats) ([]model.ReconciledPeriod, error) {
	type entry struct {
		ok  bool
		row model.ReconciledPeriod
	}
	bySegment := make([]entry, segmentCount)

	for _, partition := range results {
		for _, d := range partition {
			for _, amb := range d.ambiguous {
				stats.OrderingAmbiguities++
				e.logger.Warn("ambiguous segment ordering, resolved by input order",
					zap.String("customer_id", amb.Partition.CustomerID),
					zap.String("subscription_id", amb.Partition.SubscriptionID),
					zap.String("billing_month_tag", amb.Partition.BillingMonthTag),
					zap.Time("charge_end_date", amb.ChargeEndDate),
					zap.Time("order_date", amb.OrderDate),
				)
			}
			if d.segIndex < 0 || d.segIndex >= segmentCount {
				return nil, &InternalConsistencyError{Detail: fmt.Sprintf("derivation for unknown segment index %d", d.segIndex)}
			}
			if bySegment[d.segIndex].ok {
				return nil, &InternalConsistencyError{Detail: fmt.Sprintf("segment index %d derived twice", d.segIndex)}
			}
			bySegment[d.segIndex] = entry{ok: true, row: d.row}
		}
	}

	rows := make([]model.ReconciledPeriod, 0, segmentCount)
	for i, en := range bySegment {
		if !en.ok {
			return nil, &InternalConsistencyError{Detail: fmt.Sprintf("segment index %d has no derivation", i)}
		}
		rows = append(rows, en.row)
	}

	// Final output order mirrors the reporting order downstream expects:
	// subscription, then order date. rows is in discovery order here and the
	// sort is stable, so ties resolve deterministically and reruns stay
	// byte-identical.
	sort.SliceStable(rows, func(a, b int) bool {
		if rows[a].SubscriptionID != rows[b].SubscriptionID {
			return rows[a].SubscriptionID < rows[b].SubscriptionID
		}
		return rows[a].OrderDate.Before(rows[b].OrderDate)
	})
	return rows, nil
}
