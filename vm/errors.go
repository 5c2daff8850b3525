package vm

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the core.
var (
	// ErrInvalidProgram reports a malformed program or method table.
	ErrInvalidProgram = errors.New("invalid program")

	// ErrAborted is returned when a worker's context is cancelled. Script
	// handlers never see it.
	ErrAborted = errors.New("execution aborted")
)

// ErrorKind names the built-in error classes the core raises.
type ErrorKind uint8

const (
	KindError ErrorKind = iota
	KindTypeError
	KindRangeError
	KindReferenceError
	KindArgumentError
	KindVerifyError
	KindStackOverflowError
	KindScriptTimeoutError
)

var errorKindNames = [...]string{
	KindError:              "Error",
	KindTypeError:          "TypeError",
	KindRangeError:         "RangeError",
	KindReferenceError:     "ReferenceError",
	KindArgumentError:      "ArgumentError",
	KindVerifyError:        "VerifyError",
	KindStackOverflowError: "StackOverflowError",
	KindScriptTimeoutError: "ScriptTimeoutError",
}

func (k ErrorKind) String() string {
	if int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return "Error"
}

// ThrownError carries a scripted exception across Go frames. It owns one
// reference to Value until a handler takes it or Release is called.
type ThrownError struct {
	Value   Atom
	Message string
	heap    *Heap
}

func (e *ThrownError) Error() string {
	return e.Message
}

// Release drops the reference held on the thrown value.
func (e *ThrownError) Release() {
	if e.heap != nil {
		e.heap.Release(e.Value)
		e.heap = nil
		e.Value = Undefined
	}
}

// take transfers ownership of the thrown value to the caller.
func (e *ThrownError) take() Atom {
	v := e.Value
	e.heap = nil
	e.Value = Undefined
	return v
}

// IsKind reports whether err is a thrown error object of the given kind.
func (vm *VM) IsKind(err error, kind ErrorKind) bool {
	var te *ThrownError
	if !errors.As(err, &te) {
		return false
	}
	cls := vm.errorClasses[kind]
	return cls != nil && vm.isInstanceOfClass(te.Value, cls)
}

// Raise builds a thrown error of the given kind.
func (vm *VM) Raise(kind ErrorKind, format string, args ...any) *ThrownError {
	msg := fmt.Sprintf(format, args...)
	obj := vm.newError(kind, msg)
	return &ThrownError{
		Value:   obj,
		Message: kind.String() + ": " + msg,
		heap:    vm.Heap,
	}
}

// Throw wraps an arbitrary script value (retained) as a thrown error.
func (vm *VM) Throw(v Atom) *ThrownError {
	return &ThrownError{
		Value:   vm.Heap.Retain(v),
		Message: vm.describeThrown(v),
		heap:    vm.Heap,
	}
}

func (vm *VM) describeThrown(v Atom) string {
	if obj, ok := vm.Heap.Object(v).(*ScriptObject); ok && obj.class.errorClass {
		return obj.class.name + ": " + vm.ToGoString(obj.slotPeek(errorMessageSlot))
	}
	return "uncaught " + vm.ToGoString(v)
}

// DecodeError reports malformed canonical bytecode.
type DecodeError struct {
	Offset int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error at offset %d: %s", e.Offset, e.Reason)
}

// TranslateError reports that a method could not be translated into the
// specialized form. Translation is never partially applied.
type TranslateError struct {
	Method string
	Offset int
	Reason string
	Err    error
}

func (e *TranslateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("translate %s at %d: %s: %v", e.Method, e.Offset, e.Reason, e.Err)
	}
	return fmt.Sprintf("translate %s at %d: %s", e.Method, e.Offset, e.Reason)
}

func (e *TranslateError) Unwrap() error {
	return e.Err
}
