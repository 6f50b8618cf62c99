package protocol

import "errors"

var (
	ErrTruncated        = errors.New("protocol: truncated data")
	ErrUnknownType      = errors.New("protocol: unknown frame type")
	ErrEmptyFrame       = errors.New("protocol: empty frame")
	ErrValueRange       = errors.New("protocol: value out of range")
	ErrInvalidChannelOp = errors.New("protocol: invalid channel op")
)
