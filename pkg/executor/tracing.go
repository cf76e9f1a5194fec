package executor

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "embulk/executor"

// Span names.
const (
	spanTransaction = "executor.transaction"
	spanTask        = "executor.task"
	spanShardCommit = "executor.shard.commit"
)

func newTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// endSpan records err on span, if any, and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func taskName(index int) string {
	return fmt.Sprintf("task-%04d", index)
}
