package model

// Guideline is a catalog entry. Read-only to the submission path.
type Guideline struct {
	ID       string
	Text     string
	Metadata map[string]any
}

// GuidelineSnapshot decorates a guideline with one day's aggregate.
type GuidelineSnapshot struct {
	ID                string         `json:"id"`
	Text              string         `json:"text"`
	Metadata          map[string]any `json:"metadata"`
	AveragePercentage float64        `json:"averagePercentage"`
	TotalResponses    int64          `json:"totalResponses"`
}

// GuidelineHistory is a per-guideline time series.
type GuidelineHistory struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
	Data     []HistoryPoint `json:"data"`
}

// HistoryPoint is one day of a GuidelineHistory.
type HistoryPoint struct {
	Date    string  `json:"date"`
	Average float64 `json:"average"`
	Count   int64   `json:"count"`
}

// Decorate builds a snapshot for g from agg; a missing aggregate is zero-filled.
func Decorate(g Guideline, agg *DailyAggregate) GuidelineSnapshot {
	s := GuidelineSnapshot{ID: g.ID, Text: g.Text, Metadata: g.Metadata}
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	if agg != nil {
		s.AveragePercentage = agg.Average
		s.TotalResponses = agg.Count
	}
	return s
}
