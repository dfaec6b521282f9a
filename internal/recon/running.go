// internal/recon/running.go
package recon

import (
	"sort"
	"time"
)

// PartitionKey is the coarse independence boundary: segments of different
// partitions never influence each other's running quantity or stitched
// dates, which is what makes the engine safe to fan out across workers.
type PartitionKey struct {
	CustomerID         string
	CustomerDomainName string
	SubscriptionID     string
	BillingMonthTag    string
}

func partitionOf(seg ChargeSegment) PartitionKey {
	return PartitionKey{
		CustomerID:         seg.Key.CustomerID,
		CustomerDomainName: seg.Key.CustomerDomainName,
		SubscriptionID:     seg.Key.SubscriptionID,
		BillingMonthTag:    seg.Key.BillingMonthTag,
	}
}

// OrderingAmbiguity records two segments of one partition sharing an
// orderDate. The tie resolves deterministically by discovery order, but the
// occurrence is reported for audit because it means the upstream feed did
// not order the events itself.
type OrderingAmbiguity struct {
	Partition     PartitionKey
	ChargeEndDate time.Time
	OrderDate     time.Time
}

// sortPartition orders a partition's segments by orderDate ascending,
// discovery order as the stable tie-break. Every downstream pass relies on
// this ordering, and it is what makes reruns byte-identical.
func sortPartition(segments []ChargeSegment) {
	sort.SliceStable(segments, func(a, b int) bool {
		if !segments[a].OrderDate.Equal(segments[b].OrderDate) {
			return segments[a].OrderDate.Before(segments[b].OrderDate)
		}
		return segments[a].Index < segments[b].Index
	})
}

// runningTotals computes the cumulative license quantity for each segment of
// one partition, already sorted by sortPartition. The prefix sum runs per
// charge-end-date: the running-total window is finer than the partition,
// keyed additionally by the segment's day-truncated raw chargeEndDate.
func runningTotals(segments []ChargeSegment, deltas []int64) ([]int64, []OrderingAmbiguity) {
	running := make(map[time.Time]int64, len(segments))

	totals := make([]int64, len(segments))
	var ambiguities []OrderingAmbiguity

	for i, seg := range segments {
		endDay := truncateToDay(seg.Key.ChargeEndDate)

		// Equal orderDates leave the tie-break deciding the stitched
		// boundaries for the whole partition, not just the prefix sum of
		// one end-date window, so adjacent pairs are flagged regardless of
		// their end dates.
		if i > 0 && segments[i-1].OrderDate.Equal(seg.OrderDate) {
			ambiguities = append(ambiguities, OrderingAmbiguity{
				Partition:     partitionOf(seg),
				ChargeEndDate: endDay,
				OrderDate:     seg.OrderDate,
			})
		}

		running[endDay] += deltas[i]
		totals[i] = running[endDay]
	}
	return totals, ambiguities
}
