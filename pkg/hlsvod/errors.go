package hlsvod

import (
	"errors"
	"fmt"
)

var (
	ErrInitialization  = errors.New("initialization failure")
	ErrStreamNotFound  = errors.New("stream not found")
	ErrSegmentNotFound = errors.New("segment not found")
	ErrGeneration      = errors.New("generation failure")
	ErrIO              = errors.New("io failure")
)

type InitError struct {
	Reason string
}

func (e *InitError) Error() string {
	return fmt.Sprintf("initialization failure: %s", e.Reason)
}

func (e *InitError) Is(target error) bool {
	return target == ErrInitialization
}

type StreamNotFoundError struct {
	ID string
}

func (e *StreamNotFoundError) Error() string {
	return fmt.Sprintf("stream not found: %s", e.ID)
}

func (e *StreamNotFoundError) Is(target error) bool {
	return target == ErrStreamNotFound
}

type SegmentNotFoundError struct {
	StreamID string
	Kind     StreamKind
	Stream   int
	Segment  int
}

func (e *SegmentNotFoundError) Error() string {
	return fmt.Sprintf("segment not found: %s %s/%d segment %d", e.StreamID, e.Kind, e.Stream, e.Segment)
}

func (e *SegmentNotFoundError) Is(target error) bool {
	return target == ErrSegmentNotFound
}

// GenerationError wraps seek, demux and mux failures. The handle that
// produced it should not be reused.
type GenerationError struct {
	Op  string
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failure (%s): %v", e.Op, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

func (e *GenerationError) Is(target error) bool {
	return target == ErrGeneration
}

type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("io failure %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func (e *IOError) Is(target error) bool {
	return target == ErrIO
}

// IsNotFound reports whether err should be presented as a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrStreamNotFound) || errors.Is(err, ErrSegmentNotFound)
}
