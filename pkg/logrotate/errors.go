package logrotate

import "errors"

var (
	// ErrBufferFull is returned when the write buffer holds MaxBuffered records.
	ErrBufferFull = errors.New("log rotator buffer full")
	// ErrInvalidPolicy is returned for an unknown rotation policy.
	ErrInvalidPolicy = errors.New("invalid rotation policy")
	// ErrInvalidCompression is returned for an unknown compression format.
	ErrInvalidCompression = errors.New("invalid compression format")
)
