package ikeerr

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/syujy/ikesess/internal/ike/types"
)

var (
	ErrIllegalState         = errors.New("illegal state")
	ErrRetransmitExhausted  = errors.New("Retransmitting failure")
	ErrTempFailureTimeout   = errors.New("Kept receiving TEMPORARY_FAILURE error. State information is out of sync.")
	ErrSpiCollision         = errors.New("SPI allocation collided")
	ErrSessionClosing       = errors.New("IKE session is being closed")
	ErrChildCallbackExists  = errors.New("Child session callback already registered")
	ErrChildCallbackUnknown = errors.New("Child session callback not registered")
)

// ProtocolError is an error carrying an RFC 7296 notify error type.
type ProtocolError struct {
	Notify types.NotifyType
	Data   []byte
	msg    string
	cause  error
}

func (e *ProtocolError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Notify, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Notify, e.msg)
}

func (e *ProtocolError) Cause() error { return e.cause }

func (e *ProtocolError) Unwrap() error { return e.cause }

func newProtocolError(t types.NotifyType, data []byte, msg string) *ProtocolError {
	return &ProtocolError{Notify: t, Data: data, msg: msg}
}

func InvalidSyntax(format string, args ...interface{}) *ProtocolError {
	return newProtocolError(types.INVALID_SYNTAX, nil, fmt.Sprintf(format, args...))
}

func NoProposalChosen(format string, args ...interface{}) *ProtocolError {
	return newProtocolError(types.NO_PROPOSAL_CHOSEN, nil, fmt.Sprintf(format, args...))
}

// WrapNoProposalChosen classifies a failure to build an SA as NO_PROPOSAL_CHOSEN.
func WrapNoProposalChosen(cause error, msg string) *ProtocolError {
	e := newProtocolError(types.NO_PROPOSAL_CHOSEN, nil, msg)
	e.cause = cause
	return e
}

func InvalidKePayload(group uint16) *ProtocolError {
	data := make([]byte, 2)
	binary.BigEndian.PutUint16(data, group)
	return newProtocolError(types.INVALID_KE_PAYLOAD, data, fmt.Sprintf("expected DH group %d", group))
}

func AuthenticationFailed(format string, args ...interface{}) *ProtocolError {
	return newProtocolError(types.AUTHENTICATION_FAILED, nil, fmt.Sprintf(format, args...))
}

func TemporaryFailure(format string, args ...interface{}) *ProtocolError {
	return newProtocolError(types.TEMPORARY_FAILURE, nil, fmt.Sprintf(format, args...))
}

func NoAdditionalSas(format string, args ...interface{}) *ProtocolError {
	return newProtocolError(types.NO_ADDITIONAL_SAS, nil, fmt.Sprintf(format, args...))
}

func TsUnacceptable(format string, args ...interface{}) *ProtocolError {
	return newProtocolError(types.TS_UNACCEPTABLE, nil, fmt.Sprintf(format, args...))
}

func FailedCpRequired(format string, args ...interface{}) *ProtocolError {
	return newProtocolError(types.FAILED_CP_REQUIRED, nil, fmt.Sprintf(format, args...))
}

func InvalidMessageID(id uint32) *ProtocolError {
	return newProtocolError(types.INVALID_MESSAGE_ID, nil, fmt.Sprintf("unexpected message ID %d", id))
}

func UnsupportedCriticalPayload(t types.PayloadType) *ProtocolError {
	return newProtocolError(types.UNSUPPORTED_CRITICAL_PAYLOAD, []byte{byte(t)},
		fmt.Sprintf("unsupported critical payload %d", t))
}

func ChildSaNotFound(spi uint32) *ProtocolError {
	return newProtocolError(types.CHILD_SA_NOT_FOUND, nil, fmt.Sprintf("Child SA 0x%08x not found", spi))
}

// FromNotify converts a received error notification into an error.
func FromNotify(t types.NotifyType, data []byte) *ProtocolError {
	return newProtocolError(t, data, "received error notification")
}

// InternalError wraps causes that are not protocol errors.
type InternalError struct {
	cause error
}

func Internal(cause error) *InternalError {
	return &InternalError{cause: cause}
}

func Internalf(format string, args ...interface{}) *InternalError {
	return &InternalError{cause: errors.Errorf(format, args...)}
}

func (e *InternalError) Error() string {
	return "internal error: " + e.cause.Error()
}

func (e *InternalError) Cause() error { return e.cause }

func (e *InternalError) Unwrap() error { return e.cause }

// AsProtocolError returns the protocol error in err's chain, if any.
func AsProtocolError(err error) (*ProtocolError, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsNotify reports whether err carries the given notify error type.
func IsNotify(err error, t types.NotifyType) bool {
	pe, ok := AsProtocolError(err)
	return ok && pe.Notify == t
}

// WrapForCaller makes sure the error handed to a caller is typed: protocol
// and internal errors pass through, anything else becomes an InternalError.
func WrapForCaller(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsProtocolError(err); ok {
		return err
	}
	var ie *InternalError
	if errors.As(err, &ie) {
		return err
	}
	return Internal(err)
}
