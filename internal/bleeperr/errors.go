// Package bleeperr defines BLEEP's error taxonomy: a closed set of error
// kinds shared by every layer so that callers can branch on failure class
// without parsing strings. D-Bus error names map onto kinds through a
// single translation table instead of per-call-site string comparison.
package bleeperr

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Kind is a closed enumeration of BLEEP's error classes.
type Kind int

const (
	KindUnknown Kind = iota

	// Transport
	KindIpcUnavailable
	KindOperationTimeout
	KindNoReply
	KindIntrospectionFailed

	// State
	KindNotConnected
	KindNotResolved
	KindInProgress
	KindAlreadyExists
	KindUnknownObject

	// Authorisation
	KindNotAuthorized
	KindNotPermitted
	KindAuthenticationFailed
	KindAuthenticationCancelled

	// Argument
	KindInvalidArgs
	KindNotSupported
	KindInvalidUuid

	// Device
	KindControllerStall
	KindDeviceUnreachable
	KindPairingFailed

	// Storage
	KindSchemaMismatch
	KindMigrationFailed
	KindWriteConflict

	// Policy
	KindLandmineSkipped
	KindPermissionWall
)

func (k Kind) String() string {
	switch k {
	case KindIpcUnavailable:
		return "IpcUnavailable"
	case KindOperationTimeout:
		return "OperationTimeout"
	case KindNoReply:
		return "NoReply"
	case KindIntrospectionFailed:
		return "IntrospectionFailed"
	case KindNotConnected:
		return "NotConnected"
	case KindNotResolved:
		return "NotResolved"
	case KindInProgress:
		return "InProgress"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindUnknownObject:
		return "UnknownObject"
	case KindNotAuthorized:
		return "NotAuthorized"
	case KindNotPermitted:
		return "NotPermitted"
	case KindAuthenticationFailed:
		return "AuthenticationFailed"
	case KindAuthenticationCancelled:
		return "AuthenticationCancelled"
	case KindInvalidArgs:
		return "InvalidArgs"
	case KindNotSupported:
		return "NotSupported"
	case KindInvalidUuid:
		return "InvalidUuid"
	case KindControllerStall:
		return "ControllerStall"
	case KindDeviceUnreachable:
		return "DeviceUnreachable"
	case KindPairingFailed:
		return "PairingFailed"
	case KindSchemaMismatch:
		return "SchemaMismatch"
	case KindMigrationFailed:
		return "MigrationFailed"
	case KindWriteConflict:
		return "WriteConflict"
	case KindLandmineSkipped:
		return "LandmineSkipped"
	case KindPermissionWall:
		return "PermissionWall"
	default:
		return "Unknown"
	}
}

// Error is the typed error every BLEEP layer returns. It always carries a
// Kind and a Context (device address, operation name, or similar) so a
// caller never has to pattern-match on a message string.
type Error struct {
	Kind    Kind
	Context string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		if e.Context != "" {
			return fmt.Sprintf("%s (%s): %v", e.Kind, e.Context, e.Cause)
		}
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	if e.Context != "" {
		return fmt.Sprintf("%s (%s)", e.Kind, e.Context)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with the given kind and context.
func New(kind Kind, context string) *Error {
	return &Error{Kind: kind, Context: context}
}

// Wrap builds an *Error carrying a Kind and context around cause;
// errors.Is/As see through it.
func Wrap(kind Kind, context string, cause error) *Error {
	return &Error{Kind: kind, Context: context, Cause: cause}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or KindUnknown if err is not (or does
// not wrap) a *Error.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnknown
}

// dbusErrorMap mirrors core.errors.DBUS_ERROR_MAP: known BlueZ/D-Bus error
// names translated to a Kind without needing to inspect message text.
var dbusErrorMap = map[string]Kind{
	"org.freedesktop.DBus.Error.InvalidArgs":        KindInvalidArgs,
	"org.freedesktop.DBus.Error.NoReply":            KindNoReply,
	"org.freedesktop.DBus.Error.ServiceUnknown":     KindIpcUnavailable,
	"org.freedesktop.DBus.Error.UnknownObject":      KindUnknownObject,
	"org.freedesktop.DBus.Error.UnknownMethod":      KindNotSupported,
	"org.bluez.Error.NotSupported":                  KindNotSupported,
	"org.bluez.Error.NotPermitted":                  KindNotPermitted,
	"org.bluez.Error.NotAuthorized":                 KindNotAuthorized,
	"org.bluez.Error.NotConnected":                  KindNotConnected,
	"org.bluez.Error.AlreadyExists":                 KindAlreadyExists,
	"org.bluez.Error.AlreadyConnected":              KindAlreadyExists,
	"org.bluez.Error.InProgress":                    KindInProgress,
	"org.bluez.Error.InvalidValueLength":             KindInvalidArgs,
	"org.bluez.Error.AuthenticationFailed":          KindAuthenticationFailed,
	"org.bluez.Error.AuthenticationCanceled":        KindAuthenticationCancelled,
	"org.bluez.Error.AuthenticationRejected":        KindAuthenticationFailed,
	"org.bluez.Error.AuthenticationTimeout":         KindOperationTimeout,
	"org.bluez.Error.Failed":                        KindUnknown,
}

// FromDBusError maps a *dbus.Error (or a plain error) onto a typed *Error,
// the way map_dbus_error() did against dbus.exceptions.DBusException.
func FromDBusError(context string, err error) *Error {
	if err == nil {
		return nil
	}
	var derr dbus.Error
	if errors.As(err, &derr) {
		if kind, ok := dbusErrorMap[derr.Name]; ok {
			return Wrap(kind, context, err)
		}
		return Wrap(KindUnknown, context, err)
	}
	return Wrap(KindUnknown, context, err)
}
