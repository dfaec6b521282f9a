// internal/recon/stitch.go
package recon

import "time"

// stitchEnds infers each segment's effective end date within one partition,
// already sorted by sortPartition. A charge's true validity window closes
// when the next quantity-affecting event starts, not at the approximate end
// date the raw row reports, so each segment borrows the truncated start of
// its successor. The last segment has no successor and falls back to its own
// raw chargeEndDate plus one day, keeping the open window bounded.
func stitchEnds(segments []ChargeSegment) []time.Time {
	ends := make([]time.Time, len(segments))
	for i, seg := range segments {
		if i+1 < len(segments) {
			ends[i] = segments[i+1].Key.ChargeStartDate
			continue
		}
		ends[i] = truncateToDay(seg.Key.ChargeEndDate).AddDate(0, 0, 1)
	}
	return ends
}
