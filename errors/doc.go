// Package errors provides structured error types for the harness.
//
// Harness errors are categorized by Phase (where the error occurred) and Kind
// (error category). Configuration errors such as an unknown target are fatal;
// everything raised by a test body is represented as a *Failure and recorded
// against that test instead of aborting the run.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseInit, errors.KindInstantiation).
//		Target("wasm32-unknown-unknown").
//		Detail("run constructors").
//		Cause(cause).
//		Build()
//
// Test failures compare by kind:
//
//	if errors.Is(err, errors.ErrTimeout) { ... }
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
