// Package model contains domain models passed between layers.
package model

import "time"

// Percentage bounds for an EvaluationItem.
const (
	MinPercentage = 0
	MaxPercentage = 100
)

// EvaluationItem is one percentage judgement submitted by a client.
type EvaluationItem struct {
	GuidelineID string
	Percentage  int            // closed range [0,100]; never clamped
	Metadata    map[string]any // optional, opaque
}

// EvaluationRecord is the persisted form of an EvaluationItem. Immutable once written.
type EvaluationRecord struct {
	ID             string // UUID
	DeviceID       string
	GuidelineID    string
	Percentage     int
	Metadata       map[string]any
	ConsentVersion string // consent version at submission
	Date           string // YYYY-MM-DD partition key
	CreatedAt      time.Time
}

// SubmissionLock marks that a device already submitted on Date.
type SubmissionLock struct {
	DeviceID  string
	Date      string
	CreatedAt time.Time
}
