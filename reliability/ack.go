package reliability

import "sort"

// AckRange is an inclusive [Start, End] range of acknowledged packet
// numbers, matching the selective-ACK ranges spec §6's ACK message carries.
type AckRange struct {
	Start uint64
	End   uint64
}

// AckTracker accumulates received packet numbers into merged, descending
// ranges ready to be carried on an outbound ACK (spec §4.4: "selective ACK
// ranges... merged and capped").
type AckTracker struct {
	ranges      []AckRange
	maxRanges   int
	largest     uint64
	haveLargest bool
}

// MaxAckRanges bounds the number of ranges retained, per spec §6's
// "capped at a configurable maximum (default 64) selective ACK ranges".
const MaxAckRanges = 64

// NewAckTracker builds an empty tracker.
func NewAckTracker() *AckTracker {
	return &AckTracker{maxRanges: MaxAckRanges}
}

// Add records pn as received, merging it into the existing range set.
func (t *AckTracker) Add(pn uint64) {
	if !t.haveLargest || pn > t.largest {
		t.largest = pn
		t.haveLargest = true
	}
	if t.Contains(pn) {
		return
	}
	t.ranges = append(t.ranges, AckRange{Start: pn, End: pn})
	t.coalesce()
	if len(t.ranges) > t.maxRanges {
		t.ranges = t.ranges[:t.maxRanges]
	}
}

// coalesce re-sorts and merges overlapping/adjacent ranges descending by
// Start. Add appends each packet number as a one-element range and then
// runs this full pass, which keeps the structure correct under
// out-of-order arrival.
func (t *AckTracker) coalesce() {
	sort.Slice(t.ranges, func(i, j int) bool { return t.ranges[i].Start > t.ranges[j].Start })
	out := t.ranges[:0]
	for _, r := range t.ranges {
		if len(out) > 0 && r.End+1 >= out[len(out)-1].Start {
			if r.Start < out[len(out)-1].Start {
				out[len(out)-1].Start = r.Start
			}
			continue
		}
		out = append(out, r)
	}
	t.ranges = out
}

// Ranges returns the current merged ranges, largest-first.
func (t *AckTracker) Ranges() []AckRange {
	return append([]AckRange(nil), t.ranges...)
}

// Largest returns the highest packet number observed.
func (t *AckTracker) Largest() (uint64, bool) { return t.largest, t.haveLargest }

// Contains reports whether pn falls within any recorded range.
func (t *AckTracker) Contains(pn uint64) bool {
	for _, r := range t.ranges {
		if pn >= r.Start && pn <= r.End {
			return true
		}
	}
	return false
}
