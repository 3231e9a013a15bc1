package tasks

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/guido-cesarano/reqflow/pkg/logger"
)

// ErrPanicked is wrapped by the error reported for an operation that panicked.
var ErrPanicked = errors.New("operation panicked")

// Invoke runs fn and converts a panic into an error wrapping ErrPanicked,
// so one misbehaving operation cannot take down a drain loop or a batch.
func Invoke[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Recovered operation panic")
			var zero T
			v, err = zero, fmt.Errorf("%w: %v", ErrPanicked, r)
		}
	}()
	return fn()
}
