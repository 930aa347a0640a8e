// Package telemetry wires the ring protocol's structured logging, using
// github.com/joeycumines/logiface with the github.com/joeycumines/stumpy
// backend, exactly as joeycumines-go-utilpkg/logiface-stumpy/example_test.go
// constructs a logger (stumpy.L.New(stumpy.L.WithStumpy(...))) and emits
// leveled, chained field events (logger.Info().Str(...).Log(msg)).
//
// Every node role logs through a *Logger returned by New, pre-populated
// with "role" and "id" fields, so spec.md §7's structured events (info for
// transitions, warn for suspicious conditions, error for locally detected
// invariant violations) are self-identifying at every call site.
package telemetry

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the concrete logger type used throughout this repository.
type Logger = logiface.Logger[*stumpy.Event]

// New builds a role- and id-scoped structured logger. writer defaults to
// os.Stderr when nil, matching spec.md §7's expectation that logs are a
// side channel, not protocol output.
func New(role, id string, writer io.Writer) *Logger {
	if writer == nil {
		writer = os.Stderr
	}

	root := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(writer)),
	)

	return root.Clone().
		Str("role", role).
		Str("id", id).
		Logger()
}
