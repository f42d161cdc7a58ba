package scoring

import (
	"sort"
	"time"
)

// Entry is one scored offer as seen by the ranking step.
type Entry struct {
	TaskID     string
	ProviderID string
	Score      float64
	OfferedAt  time.Time
}

// Less orders by score desc, then earliest offered time, then provider id, then task id.
func Less(a, b Entry) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.OfferedAt.Equal(b.OfferedAt) {
		return a.OfferedAt.Before(b.OfferedAt)
	}
	if a.ProviderID != b.ProviderID {
		return a.ProviderID < b.ProviderID
	}
	return a.TaskID < b.TaskID
}

// Rank returns a sorted copy; the input is not modified.
func Rank(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}

// Position is the 1-based rank of taskID, or 0 when it has no entry.
func Position(entries []Entry, taskID string) int {
	for i, e := range Rank(entries) {
		if e.TaskID == taskID {
			return i + 1
		}
	}
	return 0
}
