// Package evaluation holds the submission error taxonomy and batch rules.
package evaluation

import (
	"errors"
)

// Caller-distinguishable submission outcomes. Match with errors.Is.
// A same-day resubmission is not an error.
var (
	// ErrConsentRequired: no active consent for the device/version. Nothing was written.
	ErrConsentRequired = errors.New("consent required")
	// ErrValidation: malformed request. Nothing was written; not retryable as-is.
	ErrValidation = errors.New("validation failed")
	// ErrTransientStore: the store failed or conflicted. The whole call is safe to retry.
	ErrTransientStore = errors.New("transient store error")
)
