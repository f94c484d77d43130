package worklet

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidState is returned if operation cannot be executed in the
	// current state.
	ErrInvalidState = errors.New("invalid state")
	// ErrUnknownMessage is returned by message handlers for types they
	// don't support.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrInvalidShape is returned for parameter streams that are neither
	// k-rate nor a-rate.
	ErrInvalidShape = errors.New("invalid parameter shape")
	// ErrNonFinite is reported when running state becomes NaN or Inf.
	ErrNonFinite = errors.New("non-finite state")
	// ErrNotUsed is returned when a free slot is released.
	ErrNotUsed = errors.New("slot is not used")
	// ErrOutOfRange is returned for slot indices outside of the pool.
	ErrOutOfRange = errors.New("slot out of range")
	// ErrClosed is returned by closed handles.
	ErrClosed = errors.New("closed")
)

// ShapeError describes parameter stream with invalid length.
type ShapeError struct {
	Name string
	Len  int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%v: %q has %d values", ErrInvalidShape, e.Name, e.Len)
}

// Is makes ShapeError match ErrInvalidShape.
func (e *ShapeError) Is(err error) bool {
	return err == ErrInvalidShape
}

// FaultKind classifies errors absorbed by the runtime.
type FaultKind int

const (
	// FaultSetup is a fetch, compile or instantiate failure.
	FaultSetup FaultKind = iota
	// FaultProtocol is a malformed parameter, unknown message or stale id.
	FaultProtocol
	// FaultNumeric is a non-finite running state.
	FaultNumeric
	// FaultExhausted is an allocation from an empty pool or a full queue.
	FaultExhausted
	// FaultInvariant is a double free or similar misuse.
	FaultInvariant
)

// FaultKinds lists all fault kinds.
var FaultKinds = []FaultKind{FaultSetup, FaultProtocol, FaultNumeric, FaultExhausted, FaultInvariant}

func (k FaultKind) String() string {
	switch k {
	case FaultSetup:
		return "setup"
	case FaultProtocol:
		return "protocol"
	case FaultNumeric:
		return "numeric"
	case FaultExhausted:
		return "exhausted"
	case FaultInvariant:
		return "invariant"
	}
	return "unknown"
}

// Errors wraps errors that might occure when multiple components are
// closed together.
type Errors []error

func (e Errors) Error() string {
	s := []string{}
	for _, se := range e {
		s = append(s, se.Error())
	}
	return strings.Join(s, ",")
}

// Ret returns untyped nil if error list is empty.
func (e Errors) Ret() error {
	if len(e) > 0 {
		return e
	}
	return nil
}
