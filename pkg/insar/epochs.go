package insar

import (
	"sort"
	"time"

	"insarrate/internal/models"
)

// GetEpochs extracts the sorted unique acquisition dates from a stack and
// their spans in years from the first date.
func GetEpochs(ifgs []models.PrereadIfg) models.EpochList {
	seen := make(map[int64]time.Time)
	for _, ifg := range ifgs {
		seen[ifg.Master.Unix()] = ifg.Master
		seen[ifg.Slave.Unix()] = ifg.Slave
	}
	dates := make([]time.Time, 0, len(seen))
	for _, d := range seen {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	spans := make([]float64, len(dates))
	for i, d := range dates {
		spans[i] = d.Sub(dates[0]).Hours() / 24.0 / 365.25
	}
	return models.EpochList{Dates: dates, Spans: spans}
}

// EpochIDs maps each calendar date in the concatenation of all master and
// slave dates to a small dense integer, assigned in sorted date order. The
// ids are used only for O(1) epoch equality tests.
func EpochIDs(dates []time.Time) map[int64]int {
	uniq := make(map[int64]bool)
	for _, d := range dates {
		uniq[d.Unix()] = true
	}
	keys := make([]int64, 0, len(uniq))
	for k := range uniq {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	ids := make(map[int64]int, len(keys))
	for i, k := range keys {
		ids[k] = i
	}
	return ids
}
