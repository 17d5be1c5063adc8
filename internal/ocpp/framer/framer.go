// Package framer implements the OCPP 1.6J JSON-over-WebSocket frame codec:
// encoding and decoding of the three wire shapes defined by the OCPP-J
// specification — CALL ([2, messageId, action, payload]), CALLRESULT
// ([3, messageId, payload]) and CALLERROR ([4, messageId, errorCode,
// errorDescription, errorDetails]).
package framer

import (
	"encoding/json"
	"fmt"

	"github.com/charging-platform/charge-point-gateway/internal/domain/ocpp16"
)

// MaxFrameBytes bounds the size of a single WebSocket text frame this codec
// will accept. Frames larger than this are rejected before JSON parsing.
const MaxFrameBytes = 1 << 20 // 1 MiB

// ErrorCode enumerates the OCPP-J CALLERROR error codes.
type ErrorCode string

const (
	ErrorNotImplemented               ErrorCode = "NotImplemented"
	ErrorNotSupported                 ErrorCode = "NotSupported"
	ErrorInternalError                ErrorCode = "InternalError"
	ErrorProtocolError                ErrorCode = "ProtocolError"
	ErrorSecurityError                ErrorCode = "SecurityError"
	ErrorFormatViolation              ErrorCode = "FormatViolation"
	ErrorPropertyConstraintViolation  ErrorCode = "PropertyConstraintViolation"
	ErrorOccurenceConstraintViolation ErrorCode = "OccurenceConstraintViolation"
	ErrorTypeConstraintViolation      ErrorCode = "TypeConstraintViolation"
	ErrorGenericError                 ErrorCode = "GenericError"
)

// FrameKind distinguishes the three OCPP-J message shapes.
type FrameKind int

const (
	KindCall FrameKind = iota
	KindCallResult
	KindCallError
)

// Call is a decoded CALL frame with its payload left raw so handlers can
// unmarshal it into the concrete request type named by Action.
type Call struct {
	MessageID string
	Action    string
	Payload   json.RawMessage
}

// CallResult is a decoded CALLRESULT frame.
type CallResult struct {
	MessageID string
	Payload   json.RawMessage
}

// CallError is a decoded CALLERROR frame.
type CallError struct {
	MessageID        string
	ErrorCode        ErrorCode
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// FrameError wraps a decode failure together with the CALLERROR code a
// handler should send back to the peer, if a message ID could be recovered.
type FrameError struct {
	Code      ErrorCode
	MessageID string // empty if not recoverable
	Message   string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Decode parses a raw WebSocket text frame into one of the three OCPP-J
// shapes. It enforces the array-arity and messageTypeId rules from the
// OCPP-J specification and returns a *FrameError (with ErrorFormatViolation
// or ErrorProtocolError) describing the CALLERROR a caller should emit when
// decoding fails but enough of the frame survived to recover a message ID.
func Decode(raw []byte) (FrameKind, *Call, *CallResult, *CallError, error) {
	if len(raw) > MaxFrameBytes {
		return 0, nil, nil, nil, &FrameError{Code: ErrorFormatViolation, Message: "frame exceeds maximum size"}
	}

	var generic []json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return 0, nil, nil, nil, &FrameError{Code: ErrorFormatViolation, Message: "payload is not a JSON array: " + err.Error()}
	}
	if len(generic) < 3 {
		return 0, nil, nil, nil, &FrameError{Code: ErrorFormatViolation, Message: "array has fewer than 3 elements"}
	}

	var typeID int
	if err := json.Unmarshal(generic[0], &typeID); err != nil {
		return 0, nil, nil, nil, &FrameError{Code: ErrorFormatViolation, Message: "messageTypeId is not a number"}
	}

	var messageID string
	if err := json.Unmarshal(generic[1], &messageID); err != nil {
		return 0, nil, nil, nil, &FrameError{Code: ErrorFormatViolation, Message: "messageId is not a string"}
	}

	switch ocpp16.MessageType(typeID) {
	case ocpp16.Call:
		if len(generic) != 4 {
			return 0, nil, nil, nil, &FrameError{Code: ErrorFormatViolation, MessageID: messageID, Message: "CALL must have 4 elements"}
		}
		var action string
		if err := json.Unmarshal(generic[2], &action); err != nil {
			return 0, nil, nil, nil, &FrameError{Code: ErrorFormatViolation, MessageID: messageID, Message: "action is not a string"}
		}
		return KindCall, &Call{MessageID: messageID, Action: action, Payload: generic[3]}, nil, nil, nil

	case ocpp16.CallResult:
		if len(generic) != 3 {
			return 0, nil, nil, nil, &FrameError{Code: ErrorFormatViolation, MessageID: messageID, Message: "CALLRESULT must have 3 elements"}
		}
		return KindCallResult, nil, &CallResult{MessageID: messageID, Payload: generic[2]}, nil, nil

	case ocpp16.CallError:
		if len(generic) != 5 {
			return 0, nil, nil, nil, &FrameError{Code: ErrorFormatViolation, MessageID: messageID, Message: "CALLERROR must have 5 elements"}
		}
		var code, desc string
		if err := json.Unmarshal(generic[2], &code); err != nil {
			return 0, nil, nil, nil, &FrameError{Code: ErrorFormatViolation, MessageID: messageID, Message: "errorCode is not a string"}
		}
		_ = json.Unmarshal(generic[3], &desc)
		return KindCallError, nil, nil, &CallError{MessageID: messageID, ErrorCode: ErrorCode(code), ErrorDescription: desc, ErrorDetails: generic[4]}, nil

	default:
		return 0, nil, nil, nil, &FrameError{Code: ErrorProtocolError, MessageID: messageID, Message: fmt.Sprintf("unknown messageTypeId %d", typeID)}
	}
}

// EncodeCall marshals a CALL frame.
func EncodeCall(messageID, action string, payload interface{}) ([]byte, error) {
	return json.Marshal([]interface{}{ocpp16.Call, messageID, action, payload})
}

// EncodeCallResult marshals a CALLRESULT frame.
func EncodeCallResult(messageID string, payload interface{}) ([]byte, error) {
	return json.Marshal([]interface{}{ocpp16.CallResult, messageID, payload})
}

// EncodeCallError marshals a CALLERROR frame. details may be nil, in which
// case it is encoded as an empty JSON object per the OCPP-J specification.
func EncodeCallError(messageID string, code ErrorCode, description string, details interface{}) ([]byte, error) {
	if details == nil {
		details = struct{}{}
	}
	return json.Marshal([]interface{}{ocpp16.CallError, messageID, string(code), description, details})
}
