package service

import "errors"

// ErrNotStarted is returned by operations called before Start or after Stop.
var ErrNotStarted = errors.New("service not started")

// ErrUnknownStoreDriver is returned by Start for an unsupported store driver.
var ErrUnknownStoreDriver = errors.New("unknown store driver")
