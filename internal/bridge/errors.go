package bridge

import (
	"errors"
	"fmt"
)

// ErrProfileUnavailable is returned when the platform session became invalid
// between the login check and the profile fetch.
var ErrProfileUnavailable = errors.New("platform profile unavailable")

// ErrNotReady is returned by calls that need a completed Initialize.
var ErrNotReady = errors.New("identity bridge is not initialized")

// SdkLoadError reports that the SDK asset could not be fetched.
type SdkLoadError struct {
	Err error
}

func (e *SdkLoadError) Error() string {
	return fmt.Sprintf("loading identity SDK: %v", e.Err)
}

func (e *SdkLoadError) Unwrap() error { return e.Err }

// InitError reports that the SDK rejected initialization.
type InitError struct {
	AppID string
	Err   error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("initializing identity SDK for app %q: %v", e.AppID, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }
