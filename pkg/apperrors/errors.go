package apperrors

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrMalformedEvent  = errors.New("malformed event")
	ErrTransientStore  = errors.New("transient store failure")
	ErrQueueFull       = errors.New("ingestion queue full")
	ErrPipelineStopped = errors.New("ingestion pipeline stopped")
)
