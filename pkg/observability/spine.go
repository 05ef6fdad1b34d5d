package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Spine semantic convention attributes.
var (
	AttrScanID     = attribute.Key("spine.scan.id")
	AttrScanAction = attribute.Key("spine.scan.action")

	AttrCubeID    = attribute.Key("spine.cube.id")
	AttrFacetName = attribute.Key("spine.facet.name")

	AttrRegionCode     = attribute.Key("spine.region.code")
	AttrPolicyDecision = attribute.Key("spine.policy.decision")
	AttrPolicyScope    = attribute.Key("spine.policy.scope")
	AttrPolicyVersion  = attribute.Key("spine.policy.version")

	AttrTransferMethod = attribute.Key("spine.transfer.method")

	AttrLifecycleFrom    = attribute.Key("spine.lifecycle.from")
	AttrLifecycleTo      = attribute.Key("spine.lifecycle.to")
	AttrLifecycleTrigger = attribute.Key("spine.lifecycle.trigger")

	AttrLedgerName     = attribute.Key("spine.ledger.name")
	AttrAnchorComplete = attribute.Key("spine.anchor.complete")

	AttrEscalationID = attribute.Key("spine.escalation.id")
)

// ScanOperation creates attributes for an intent-resolve pipeline run.
func ScanOperation(scanID, regionCode, action string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrScanID.String(scanID),
		AttrRegionCode.String(regionCode),
		AttrScanAction.String(action),
	}
}

// PolicyOperation creates attributes for one policy evaluation.
func PolicyOperation(action, decision, scope, version string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrScanAction.String(action),
		AttrPolicyDecision.String(decision),
		AttrPolicyScope.String(scope),
		AttrPolicyVersion.String(version),
	}
}

// TransferOperation creates attributes for an ownership transfer.
func TransferOperation(cubeID, method, regionCode string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCubeID.String(cubeID),
		AttrTransferMethod.String(method),
		AttrRegionCode.String(regionCode),
	}
}

// LifecycleOperation creates attributes for a state transition.
func LifecycleOperation(cubeID, from, to, trigger string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCubeID.String(cubeID),
		AttrLifecycleFrom.String(from),
		AttrLifecycleTo.String(to),
		AttrLifecycleTrigger.String(trigger),
	}
}

// AnchorOperation creates attributes for a ledger submission.
func AnchorOperation(ledgerName, subjectID string, complete bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrLedgerName.String(ledgerName),
		AttrScanID.String(subjectID),
		AttrAnchorComplete.Bool(complete),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
