package broker

import "errors"

var (
	ErrClosed             = errors.New("broker connection is closed")
	ErrUnavailable        = errors.New("broker is unavailable")
	ErrPublishNacked      = errors.New("message was nacked by broker")
	ErrSubscriptionClosed = errors.New("subscription closed")
)
