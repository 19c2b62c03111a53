// Package reject defines the rejection reasons shared by the nonce ledger,
// the signature service and the admission facade.
package reject

import (
	"errors"
	"fmt"
)

type Reason string

const (
	InvalidFormat        Reason = "INVALID_FORMAT"
	FutureTimestamp      Reason = "FUTURE_TIMESTAMP"
	Expired              Reason = "EXPIRED"
	AlreadyUsed          Reason = "ALREADY_USED"
	OutOfOrder           Reason = "OUT_OF_ORDER"
	StoreFull            Reason = "STORE_FULL"
	StoreUnavailable     Reason = "STORE_UNAVAILABLE"
	InvalidSignature     Reason = "INVALID_SIGNATURE"
	ExpiredSignature     Reason = "EXPIRED_SIGNATURE"
	UnknownClient        Reason = "UNKNOWN_CLIENT"
	UnsupportedAlgorithm Reason = "UNSUPPORTED_ALGORITHM"
)

// Kind groups reasons by what the caller has to do next.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindReplay         Kind = "replay"
	KindExpired        Kind = "expired"
	KindAuthentication Kind = "authentication"
	KindConfiguration  Kind = "configuration"
	KindUnavailable    Kind = "unavailable"
)

func (r Reason) Kind() Kind {
	switch r {
	case InvalidFormat, UnsupportedAlgorithm:
		return KindValidation
	case AlreadyUsed, OutOfOrder:
		return KindReplay
	case Expired, ExpiredSignature, FutureTimestamp:
		return KindExpired
	case InvalidSignature, UnknownClient:
		return KindAuthentication
	case StoreFull, StoreUnavailable:
		return KindUnavailable
	default:
		return KindValidation
	}
}

// Retryable reports whether the same request may succeed after the caller
// refreshes its nonce or timestamp.
func (k Kind) Retryable() bool {
	return k == KindExpired || k == KindUnavailable
}

// ErrConfiguration is wrapped by every construction-time failure.
var ErrConfiguration = errors.New("configuration error")

type Error struct {
	Reason Reason
	Detail string
	Err    error
}

func New(reason Reason, detail string) *Error {
	return &Error{Reason: reason, Detail: detail}
}

func Wrap(reason Reason, err error) *Error {
	return &Error{Reason: reason, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	default:
		return string(e.Reason)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Kind() Kind { return e.Reason.Kind() }

// ReasonOf extracts the rejection reason from err, if any.
func ReasonOf(err error) (Reason, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re.Reason, true
	}
	return "", false
}

func Is(err error, reason Reason) bool {
	r, ok := ReasonOf(err)
	return ok && r == reason
}

func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
