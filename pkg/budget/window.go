package budget

import "time"

// RateWindow is the trailing span used for the per-minute cap.
const RateWindow = time.Minute

// maxWindowEntries bounds memory for a key under sustained pressure.
const maxWindowEntries = 4096

// pruneWindow drops stamps older than RateWindow. Stamps are appended in
// call order, so the slice is sorted unless the clock stepped backwards;
// future stamps are kept.
func pruneWindow(stamps []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-RateWindow)
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[i:]...)
}

func appendWindow(stamps []time.Time, now time.Time) []time.Time {
	stamps = append(stamps, now)
	if over := len(stamps) - maxWindowEntries; over > 0 {
		stamps = append(stamps[:0], stamps[over:]...)
	}
	return stamps
}

// OverCap reports whether another emission would breach maxPerMinute.
// A non-positive maximum disables the cap.
func OverCap(count, maxPerMinute int) bool {
	return maxPerMinute > 0 && count >= maxPerMinute
}
