package models

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and retry decisions.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindNotFound
	KindConflict
	KindTransient
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the tagged error returned across the engine surface.
// Two errors match under errors.Is when their codes are equal.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	RequestID string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Message != "" {
		msg = e.Code + ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrInvalidLocation     = &Error{Kind: KindValidation, Code: "invalid_location"}
	ErrInvalidArgument     = &Error{Kind: KindValidation, Code: "invalid_argument"}
	ErrNotOwner            = &Error{Kind: KindValidation, Code: "not_owner"}
	ErrNotRegistered       = &Error{Kind: KindNotFound, Code: "not_registered"}
	ErrRequestNotFound     = &Error{Kind: KindNotFound, Code: "request_not_found"}
	ErrDriverAlreadyBusy   = &Error{Kind: KindConflict, Code: "driver_already_busy"}
	ErrActiveRequestExists = &Error{Kind: KindConflict, Code: "active_request_exists"}
	ErrAlreadyAccepted     = &Error{Kind: KindConflict, Code: "already_accepted"}
	ErrRequestClosed       = &Error{Kind: KindConflict, Code: "request_closed"}
	ErrStaleVersion        = &Error{Kind: KindConflict, Code: "stale_version"}
	ErrStoreUnavailable    = &Error{Kind: KindTransient, Code: "store_unavailable"}
	ErrInvariant           = &Error{Kind: KindFatal, Code: "invariant_violation"}
)

func newErr(base *Error, format string, args ...any) *Error {
	return &Error{Kind: base.Kind, Code: base.Code, Message: fmt.Sprintf(format, args...)}
}

func Invalid(format string, args ...any) error { return newErr(ErrInvalidArgument, format, args...) }

func InvalidLocation(c Coord) error {
	return newErr(ErrInvalidLocation, "lat=%f lng=%f out of range", c.Lat, c.Lng)
}

func NotRegistered(driverID string) error {
	return newErr(ErrNotRegistered, "driver %s", driverID)
}

func RequestNotFound(requestID string) error {
	e := newErr(ErrRequestNotFound, "request %s", requestID)
	e.RequestID = requestID
	return e
}

func DriverBusyError(driverID, requestID string) error {
	e := newErr(ErrDriverAlreadyBusy, "driver %s bound to %s", driverID, requestID)
	e.RequestID = requestID
	return e
}

// ActiveRequestExists references the rider's outstanding request.
func ActiveRequestExists(riderID, requestID string) error {
	e := newErr(ErrActiveRequestExists, "rider %s has active request %s", riderID, requestID)
	e.RequestID = requestID
	return e
}

func RequestClosed(requestID string, status RideStatus) error {
	e := newErr(ErrRequestClosed, "request %s is %s", requestID, status)
	e.RequestID = requestID
	return e
}

func AlreadyAccepted(requestID, driverID string) error {
	e := newErr(ErrAlreadyAccepted, "request %s accepted by %s", requestID, driverID)
	e.RequestID = requestID
	return e
}

// Transient marks a backing store failure as safe to retry.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Code: ErrStoreUnavailable.Code, Err: err}
}

func Invariant(format string, args ...any) error { return newErr(ErrInvariant, format, args...) }

// KindOf returns the kind of err, KindFatal for untagged errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}
