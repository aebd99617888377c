package notifier

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidVideoRef is returned for malformed video URLs or ids, before any network call.
	ErrInvalidVideoRef = errors.New("invalid video reference")

	// ErrNotFound is returned when a subscription, video record, or remote video does not exist.
	ErrNotFound = errors.New("not found")
)

// FetchError indicates the comment or metadata retrieval for a video failed.
// No partial state is persisted when it is returned.
type FetchError struct {
	Err     error
	VideoID string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch video %s: %v", e.VideoID, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsFetchFailed checks if an error is a FetchError.
func IsFetchFailed(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// DispatchError indicates the email transport rejected or failed a notification.
type DispatchError struct {
	Err error
	To  string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to %s: %v", e.To, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// IsDispatchFailed checks if an error is a DispatchError.
func IsDispatchFailed(err error) bool {
	var de *DispatchError
	return errors.As(err, &de)
}
