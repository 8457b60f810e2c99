package shared

import (
	"context"
	"testing"
)

func TestTraceID_Default(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("TraceID on empty context = %q, want %q", got, "-")
	}
}

func TestTraceID_RoundTrip(t *testing.T) {
	id := NewTraceID()
	ctx := WithTraceID(context.Background(), id)
	if got := TraceID(ctx); got != id {
		t.Fatalf("TraceID = %q, want %q", got, id)
	}
}

func TestTaskAndRole_RoundTrip(t *testing.T) {
	ctx := WithTaskID(context.Background(), "t-1")
	ctx = WithAgentRole(ctx, "Engineer")
	if got := TaskID(ctx); got != "t-1" {
		t.Fatalf("TaskID = %q, want t-1", got)
	}
	if got := AgentRole(ctx); got != "Engineer" {
		t.Fatalf("AgentRole = %q, want Engineer", got)
	}
	if got := TaskID(context.Background()); got != "" {
		t.Fatalf("TaskID on empty context = %q, want empty", got)
	}
}
