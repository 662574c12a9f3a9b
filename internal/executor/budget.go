package executor

import "time"

// Budget caps outbound actions per UTC clock hour. The counter resets
// when the hour rolls over; actions beyond the cap wait for the next
// bucket rather than failing.
type Budget struct {
	Limit int
	Now   func() time.Time

	hour time.Time
	used int
}

func (b *Budget) bucket() time.Time {
	return b.Now().UTC().Truncate(time.Hour)
}

// Allow reports whether another action fits in the current hour.
func (b *Budget) Allow() bool {
	if b.Limit <= 0 {
		return true
	}
	if h := b.bucket(); !h.Equal(b.hour) {
		b.hour = h
		b.used = 0
	}
	return b.used < b.Limit
}

// Spend records one dispatched action against the current hour.
func (b *Budget) Spend() {
	if h := b.bucket(); !h.Equal(b.hour) {
		b.hour = h
		b.used = 0
	}
	b.used++
}

// Remaining returns how many actions are left this hour.
func (b *Budget) Remaining() int {
	if b.Limit <= 0 {
		return -1
	}
	if !b.Allow() {
		return 0
	}
	return b.Limit - b.used
}
