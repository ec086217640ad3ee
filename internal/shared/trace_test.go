package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	ctx = WithTraceID(ctx, "trace-1")
	if got := TraceID(ctx); got != "trace-1" {
		t.Fatalf("expected trace-1, got %q", got)
	}
	if got := TraceID(WithTraceID(context.Background(), "")); got != "-" {
		t.Fatalf("empty trace id should fall back to -, got %q", got)
	}
}

func TestTaskAndOperationID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if TaskID(ctx) != "" || OperationID(ctx) != "" {
		t.Fatal("expected empty ids on a bare context")
	}
	ctx = WithTaskID(ctx, "task-1")
	ctx = WithOperationID(ctx, "op-1")
	if got := TaskID(ctx); got != "task-1" {
		t.Fatalf("task id = %q", got)
	}
	if got := OperationID(ctx); got != "op-1" {
		t.Fatalf("operation id = %q", got)
	}
}

func TestLogAttrs(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		want int
	}{
		{"bare", context.Background(), 2},
		{"task", WithTaskID(context.Background(), "t"), 4},
		{"task and op", WithOperationID(WithTaskID(context.Background(), "t"), "o"), 6},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := len(LogAttrs(tc.ctx)); got != tc.want {
				t.Fatalf("len(LogAttrs) = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	if NewTraceID() == NewTraceID() {
		t.Fatal("expected distinct trace ids")
	}
}
