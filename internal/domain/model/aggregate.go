package model

import "math"

// DailyAggregate is the running (count, sum, average) for a guideline on a date.
type DailyAggregate struct {
	GuidelineID string
	Date        string
	Count       int64
	Sum         int64
	Average     float64 // RoundAverage(Sum, Count)
}

// AggregateDelta is the increment applied to one DailyAggregate.
type AggregateDelta struct {
	GuidelineID string
	Count       int64
	Sum         int64
}

// RoundAverage divides sum by count in floating point and rounds half away
// from zero to two decimals. A zero count yields 0.
func RoundAverage(sum, count int64) float64 {
	if count == 0 {
		return 0
	}
	return math.Round(float64(sum)/float64(count)*100) / 100
}
