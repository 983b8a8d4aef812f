// Package cbt is the opaque transform layer the dedupe and merge stages
// call through: a named model applied against a destination with a set of
// parameters, idempotent by contract. The production implementation is
// out of scope; this package defines the contract every caller depends on
// plus a fake for tests.
package cbt

import "context"

// Params carries the named substitution values a transform model expects,
// e.g. the source table, unique/order columns, and partition settings.
type Params map[string]any

// Transformer applies a named model against destination. Implementations
// must be idempotent: re-running the same model/destination/params with
// unchanged source data produces the same result.
type Transformer interface {
	Transform(ctx context.Context, model, destination string, params Params) error
}

// Invocation records one call made to a FakeTransformer, for test assertions.
type Invocation struct {
	Model       string
	Destination string
	Params      Params
}

// FakeTransformer is a no-op Transformer that records its invocations,
// standing in for the production transform layer in tests.
type FakeTransformer struct {
	Invocations []Invocation
	Err         error
}

// NewFakeTransformer creates an empty FakeTransformer.
func NewFakeTransformer() *FakeTransformer {
	return &FakeTransformer{}
}

// Transform records the call and returns Err (nil by default).
func (f *FakeTransformer) Transform(ctx context.Context, model, destination string, params Params) error {
	f.Invocations = append(f.Invocations, Invocation{Model: model, Destination: destination, Params: params})
	return f.Err
}
