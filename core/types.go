package core

import (
	"errors"
	"fmt"
	"time"
)

// RescaleType identifies one upstream rescaling variant. The set is fixed
// at compile time; each type maps to its own upstream base URL.
type RescaleType string

const (
	Thumbnail RescaleType = "thumbnail"
	Large     RescaleType = "large"
)

// RescaleTypes lists every valid rescale type.
var RescaleTypes = []RescaleType{Thumbnail, Large}

// ParseRescaleType maps a path token to a RescaleType.
func ParseRescaleType(token string) (RescaleType, bool) {
	switch token {
	case string(Thumbnail):
		return Thumbnail, true
	case string(Large):
		return Large, true
	}
	return "", false
}

// ImageKey identifies a cached image: one rescale variant of one source URL.
type ImageKey struct {
	Type RescaleType
	URL  string
}

// Image is a fetched image: its content type and raw bytes. Values are
// never mutated after creation.
type Image struct {
	ContentType string
	Body        []byte
}

// The closed taxonomy of fetch errors. Input errors (invalid rescale type,
// invalid data URL) describe a malformed request and are never cached;
// everything else is an upstream failure, cached with backoff.
var (
	ErrInvalidRescaleType     = errors.New("invalid rescale type")
	ErrRequestFailed          = errors.New("request failed")
	ErrUnsupportedContentType = errors.New("unsupported content type")
	ErrBodyReadFailed         = errors.New("body read failed")
	ErrTextReadFailed         = errors.New("text read failed")
	ErrInvalidDataURL         = errors.New("invalid data url")
)

// StatusError is returned when the upstream responds with a non-success
// status code.
type StatusError struct {
	Code int
}

func (e StatusError) Error() string {
	return fmt.Sprintf("upstream status %d", e.Code)
}

// StoreError wraps a write failure in the image store. It means the
// deployment's storage is broken, not that the fetch should be retried,
// so it is never memoized by the caches.
type StoreError struct {
	Err error
}

func (e StoreError) Error() string {
	return "image store write failed: " + e.Err.Error()
}

func (e StoreError) Unwrap() error {
	return e.Err
}

// IsInputError reports whether err describes a malformed request rather
// than an upstream or storage failure.
func IsInputError(err error) bool {
	return errors.Is(err, ErrInvalidRescaleType) || errors.Is(err, ErrInvalidDataURL)
}

// MaxBackoff caps the failure backoff window.
const MaxBackoff = 15 * time.Minute

// retryDelay returns the backoff window after n consecutive failures:
// 2^(n-1) seconds, capped at MaxBackoff. n must be at least 1.
func retryDelay(n int) time.Duration {
	if n > 20 {
		return MaxBackoff
	}
	d := time.Duration(1<<uint(n-1)) * time.Second
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}

// inBackoff reports whether now is still inside the backoff window that
// started at the most recent failed attempt.
func inBackoff(attempts []time.Time, now time.Time) bool {
	if len(attempts) == 0 {
		return false
	}
	return now.Sub(attempts[len(attempts)-1]) < retryDelay(len(attempts))
}
