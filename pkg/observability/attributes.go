package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Semantic convention attributes for orchestration spans.
var (
	AttrGoalID     = attribute.Key("autopilot.goal.id")
	AttrWorkItemID = attribute.Key("autopilot.work_item.id")
	AttrRunID      = attribute.Key("autopilot.run.id")
	AttrRunStatus  = attribute.Key("autopilot.run.status")
	AttrModel      = attribute.Key("autopilot.model")
	AttrModelTier  = attribute.Key("autopilot.model.tier")
	AttrOperation  = attribute.Key("autopilot.operation")
	AttrEventType  = attribute.Key("autopilot.event.type")
)

// GoalOperation creates attributes for per-goal processing.
func GoalOperation(goalID string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrGoalID.String(goalID)}
}

// DispatchOperation creates attributes for a run dispatch.
func DispatchOperation(goalID, workItemID, runID, model, tier string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrGoalID.String(goalID),
		AttrWorkItemID.String(workItemID),
		AttrRunID.String(runID),
		AttrModel.String(model),
		AttrModelTier.String(tier),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus sets the span status based on error.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
