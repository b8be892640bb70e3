package fetch

import (
	"errors"
	"fmt"
)

// NetworkError is returned if a source couldn't be downloaded. Temporary errors may be retried.
type NetworkError struct {
	URL       string
	Err       error
	Temporary bool
}

var _ error = (*NetworkError)(nil)

func (e *NetworkError) Error() string {
	return fmt.Sprintf("failed to fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ChecksumMismatch is returned if the downloaded archive doesn't match the declared checksum
type ChecksumMismatch struct {
	URL       string
	Algorithm string
	Expected  string
	Actual    string
}

var _ error = (*ChecksumMismatch)(nil)

func (e *ChecksumMismatch) Error() string {
	return fmt.Sprintf("%s checksum mismatch for %s: expected %s but got %s", e.Algorithm, e.URL, e.Expected, e.Actual)
}

// ExtractionError is returned if a downloaded archive couldn't be unpacked
type ExtractionError struct {
	Archive string
	Err     error
}

var _ error = (*ExtractionError)(nil)

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("failed to extract %s: %v", e.Archive, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is a temporary network error
func IsRetryable(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr) && netErr.Temporary
}
