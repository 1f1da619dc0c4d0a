package model

import "time"

// Consent statuses.
const (
	ConsentStatusActive    = "active"
	ConsentStatusWithdrawn = "withdrawn"
	ConsentStatusNotFound  = "not_found"
)

// Consent is a device's agreement to a consent version.
type Consent struct {
	DeviceID        string
	ConsentVersion  string
	ConsentTextHash string
	Evidence        string
	AgreedAt        time.Time
	WithdrawnAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Active reports whether the consent has not been withdrawn.
func (c Consent) Active() bool { return c.WithdrawnAt == nil }

// Status returns ConsentStatusActive or ConsentStatusWithdrawn.
func (c Consent) Status() string {
	if c.Active() {
		return ConsentStatusActive
	}
	return ConsentStatusWithdrawn
}

// Duration is how long the consent has been (or was) in force as of now.
func (c Consent) Duration(now time.Time) time.Duration {
	end := now
	if c.WithdrawnAt != nil {
		end = *c.WithdrawnAt
	}
	if end.Before(c.AgreedAt) {
		return 0
	}
	return end.Sub(c.AgreedAt)
}
