package errcodes

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the recovery policy callers should apply.
type Kind string

const (
	// KindTransient errors are expected to clear on retry (DB busy, lock
	// contention, preempted subprocess).
	KindTransient Kind = "transient"
	// KindPerItem errors are terminal for a single work item but must not
	// stop the surrounding loop.
	KindPerItem Kind = "per_item"
	// KindConfig errors mean a setting was missing or invalid and a default
	// was used instead.
	KindConfig Kind = "config"
	// KindInvariant errors indicate an impossible state was observed.
	KindInvariant Kind = "invariant"
	// KindFatal errors require surfacing to the supervisor and a non-zero
	// exit.
	KindFatal Kind = "fatal"
)

type Error struct {
	Kind    Kind
	Message string
	Code    string
}

func (err *Error) Error() string {
	return err.Message
}

func (err *Error) As(target interface{}) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	te.Kind = err.Kind
	te.Message = err.Message
	te.Code = err.Code
	return true
}

func (err *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return te.Kind == err.Kind &&
		te.Message == err.Message &&
		te.Code == err.Code
}

// Busy returns a transient error for a resource that is currently held by
// another process.
func Busy(resource string) error {
	return &Error{
		KindTransient,
		resource + " is busy.",
		"busy",
	}
}

// Unavailable returns a transient error for a component whose bounded retries
// have been exhausted.
func Unavailable(component string) error {
	return &Error{
		KindTransient,
		component + " is unavailable.",
		"unavailable",
	}
}

// StoreUnavailable returns a fatal error for a database file that cannot be
// opened.
func StoreUnavailable(path string) error {
	return &Error{
		KindFatal,
		fmt.Sprintf("state store %q cannot be opened.", path),
		"store_unavailable",
	}
}

// NotFound returns a per-item error with a message indicating the given
// resource.
func NotFound(resource string) error {
	return &Error{
		KindPerItem,
		resource + " not found.",
		"not_found",
	}
}

// AlreadyDispatched reports a cancellation that arrived after the job's
// handler started.
func AlreadyDispatched() error {
	return &Error{
		KindPerItem,
		"Job has already started.",
		"already_dispatched",
	}
}

// UnsupportedFormat returns a per-item error for a file whose format the
// pipeline cannot process.
func UnsupportedFormat(ext string) error {
	return &Error{
		KindPerItem,
		fmt.Sprintf("Format %q is not supported.", ext),
		"unsupported_format",
	}
}

// ConversionFailed returns a per-item error after both conversion strategies
// have been exhausted.
func ConversionFailed(filename string) error {
	return &Error{
		KindPerItem,
		fmt.Sprintf("Conversion of %q failed.", filename),
		"conversion_failed",
	}
}

// ImportFailed returns a per-item error for a library add that was rejected.
func ImportFailed(filename string) error {
	return &Error{
		KindPerItem,
		fmt.Sprintf("Import of %q failed.", filename),
		"import_failed",
	}
}

// SafetyTimeout reports a per-file pipeline that exceeded its end-to-end
// budget and was terminated.
func SafetyTimeout(filename string) error {
	return &Error{
		KindPerItem,
		fmt.Sprintf("Processing of %q exceeded its time budget.", filename),
		"safety_timeout",
	}
}

// InvalidValue returns a config error for a setting that failed validation.
func InvalidValue(key, msg string) error {
	return &Error{
		KindConfig,
		fmt.Sprintf("Invalid value for %s: %s", key, msg),
		"invalid_value",
	}
}

// Invariant reports an impossible state.
func Invariant(msg string) error {
	return &Error{
		KindInvariant,
		msg,
		"invariant",
	}
}

// KindOf extracts the Kind of err. Untyped errors classify as per-item; the
// catch-all in the ingest loop relies on this default.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindPerItem
}
