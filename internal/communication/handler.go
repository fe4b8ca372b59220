package communication

import "context"

// MessageHandler serves one message. An error carrying a numeric code (see
// CodedError) reaches the caller as a RemoteError with the same code.
type MessageHandler func(ctx context.Context, msg Message) (*Response, error)
