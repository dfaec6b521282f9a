// internal/recon/delta.go
package recon

// QuantityAdded resolves the signed net license-count change a segment
// introduces. Billing feeds carry quantity snapshots, not explicit deltas,
// so the change is the difference between the two snapshot extremes:
//
//  1. rawDelta = firstBillableQty - lastBillableQty.
//  2. A zero delta re-asserts the existing quantity (the segment may be the
//     only line for a brand-new subscription), so firstBillableQty stands in.
//  3. A negative total marks a credit or refund; a credit can never grow the
//     running quantity, so the delta is forced to -abs regardless of step 2.
func QuantityAdded(seg ChargeSegment) int64 {
	adjusted := seg.FirstBillableQty - seg.LastBillableQty
	if adjusted == 0 {
		adjusted = seg.FirstBillableQty
	}
	if seg.TotalAmount.IsNegative() {
		if adjusted < 0 {
			return adjusted
		}
		return -adjusted
	}
	return adjusted
}
