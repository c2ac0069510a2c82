// Package errs defines the typed failures surfaced by the storage core.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigError reports an unusable configuration: no endpoints, a bad chunk
// size, an invalid setting value.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("config error: %s: %v", msg, e.Err)
	}
	return "config error: " + msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError builds a ConfigError for the given field.
func NewConfigError(field, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// TransportError is returned by transports. Transient errors are retried by
// the transfer engine; permanent ones (expired or invalid locator) are not.
type TransportError struct {
	Op         string
	URL        string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *TransportError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s failed (%s, status %d): %v", e.Op, Redact(e.URL), kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s failed (%s): %v", e.Op, Redact(e.URL), kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UploadError means a chunk could not be stored after all attempts. No
// catalog entry exists for the file.
type UploadError struct {
	Index    int
	Attempts int
	Err      error
}

func (e *UploadError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("upload failed: %v", e.Err)
	}
	return fmt.Sprintf("upload of chunk %d failed after %d attempts: %v", e.Index, e.Attempts, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// DownloadError identifies the chunk whose locator could not be fetched,
// most often because the remote attachment URL has expired.
type DownloadError struct {
	Index    int
	Locator  string
	Attempts int
	Err      error
}

func (e *DownloadError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("download failed: %v", e.Err)
	}
	return fmt.Sprintf("download of chunk %d (%s) failed after %d attempts: %v", e.Index, Redact(e.Locator), e.Attempts, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// IntegrityError reports a chunk sequence gap or a size/hash mismatch. It is
// never repaired silently.
type IntegrityError struct {
	Index   int
	Message string
}

func (e *IntegrityError) Error() string {
	if e.Index < 0 {
		return "integrity error: " + e.Message
	}
	return fmt.Sprintf("integrity error at chunk %d: %s", e.Index, e.Message)
}

// NewIntegrityError builds an IntegrityError. Use index -1 for file-level
// problems.
func NewIntegrityError(index int, format string, args ...interface{}) *IntegrityError {
	return &IntegrityError{Index: index, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError is returned for an unknown file id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("file not found: %s", e.ID)
}

// IsTransient reports whether err is a transport failure worth retrying.
func IsTransient(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Transient
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConfig reports whether err is a ConfigError.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsIntegrity reports whether err is an IntegrityError.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// Redact trims webhook tokens and signed query strings out of URLs before
// they reach logs or error messages.
func Redact(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if i := strings.Index(raw, "/webhooks/"); i >= 0 {
		rest := raw[i+len("/webhooks/"):]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			return raw[:i] + "/webhooks/" + rest[:j] + "/***"
		}
	}
	return raw
}
