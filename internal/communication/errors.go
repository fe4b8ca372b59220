package communication

import (
	"errors"
	"fmt"
)

var (
	// Server startup/shutdown errors
	ErrServerStartFailed = errors.New("failed to start server")
	ErrServerStopFailed  = errors.New("failed to stop server")

	// Client connection errors
	ErrClientCreateFailed = errors.New("failed to create client")
	ErrConnectionFailed   = errors.New("failed to connect to server")

	// Message handling errors
	ErrHandlerNotSet        = errors.New("message handler not set")
	ErrMessageSendFailed    = errors.New("failed to send message")
	ErrMessageHandlerFailed = errors.New("message handler failed")
	ErrUnknownMessageType   = errors.New("unknown message type")

	// Serialization/deserialization errors
	ErrPayloadMarshalFailed   = errors.New("failed to marshal payload")
	ErrPayloadUnmarshalFailed = errors.New("failed to unmarshal payload")
	ErrMessageMarshalFailed   = errors.New("failed to marshal message")

	// GRPC specific errors
	ErrGRPCListenFailed = errors.New("failed to listen on address")
)

// CodedError is an error with a numeric code that survives the wire.
type CodedError interface {
	error
	Code() int32
}

// RemoteError is a coded failure reported by the other side.
type RemoteError struct {
	ErrCode int32
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.ErrCode, e.Message)
}

func (e *RemoteError) Code() int32 { return e.ErrCode }

// ErrorCode extracts the numeric code of err, if it has one.
func ErrorCode(err error) (int32, bool) {
	var coded CodedError
	if errors.As(err, &coded) {
		return coded.Code(), true
	}
	return 0, false
}
