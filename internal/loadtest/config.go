// Package loadtest drives a running guidepulse server with concurrent
// device submissions and checks that daily aggregates conserve every
// accepted evaluation.
package loadtest

import (
	"errors"
	"time"
)

// ErrVerification is returned by Run when aggregates do not add up.
var ErrVerification = errors.New("verification failed")

// Config holds configuration for the load test.
type Config struct {
	BaseURL        string        // Base URL of the service
	Devices        int           // Number of devices, one first submission each
	Workers        int           // Concurrent submitters
	Timeout        time.Duration // HTTP request timeout
	ConsentVersion string        // Consent version recorded and submitted
	ClientKey      string        // x-client-key, when the server requires one
	Resubmit       float64       // Fraction of devices that submit a second time
	Seed           uint64        // Seed for batch generation
	LogFile        string        // Mirror logs into this file when set
	Verbose        bool          // Log every request outcome
}

// Batch is one device's submission.
type Batch struct {
	DeviceID       string `json:"deviceId"`
	ConsentVersion string `json:"consentVersion"`
	Evaluations    []Item `json:"evaluations"`
}

// Item is one evaluation in a Batch.
type Item struct {
	GuidelineID string `json:"guidelineId"`
	Percentage  int    `json:"percentage"`
}

// Snapshot mirrors one entry of GET /guidelines.
type Snapshot struct {
	ID                string  `json:"id"`
	AveragePercentage float64 `json:"averagePercentage"`
	TotalResponses    int64   `json:"totalResponses"`
}

// Stats holds test statistics.
type Stats struct {
	Devices             int
	ConsentsRecorded    int
	Accepted            int
	UnexpectedDuplicate int
	Resubmitted         int
	DuplicatesHonoured  int
	Failed              int
	ItemsAccepted       int
	StartTime           time.Time
	EndTime             time.Time
	Duration            time.Duration
}
