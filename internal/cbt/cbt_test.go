package cbt

import (
	"context"
	"errors"
	"testing"
)

func TestFakeTransformerRecordsInvocation(t *testing.T) {
	f := NewFakeTransformer()
	err := f.Transform(context.Background(), "dedupe_model", "deduped_0", Params{"unique_column": "id"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.Invocations) != 1 {
		t.Fatalf("expected 1 invocation, got %d", len(f.Invocations))
	}
	if f.Invocations[0].Model != "dedupe_model" || f.Invocations[0].Destination != "deduped_0" {
		t.Errorf("unexpected invocation: %+v", f.Invocations[0])
	}
}

func TestFakeTransformerReturnsConfiguredError(t *testing.T) {
	f := NewFakeTransformer()
	f.Err = errors.New("transform failed")
	if err := f.Transform(context.Background(), "m", "d", nil); err == nil {
		t.Error("expected configured error to be returned")
	}
}
