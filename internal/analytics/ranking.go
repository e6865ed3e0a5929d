package analytics

import (
	"math"
	"sort"

	"sitepulse/internal/store"
)

// sortByVisitors orders rows by visitors, then count, both descending, then key.
func sortByVisitors(rows []store.Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Visitors != rows[j].Visitors {
			return rows[i].Visitors > rows[j].Visitors
		}
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		return rows[i].Key < rows[j].Key
	})
}

// sortByCount orders rows by count, then visitors, both descending, then key.
func sortByCount(rows []store.Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		if rows[i].Visitors != rows[j].Visitors {
			return rows[i].Visitors > rows[j].Visitors
		}
		return rows[i].Key < rows[j].Key
	})
}

func sumVisitors(rows []store.Row) int64 {
	var total int64
	for _, r := range rows {
		total += r.Visitors
	}
	return total
}

// percentage is value/total*100 rounded to two decimals, and 0 when total is 0.
func percentage(value, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(value)/float64(total)*10000) / 100
}
