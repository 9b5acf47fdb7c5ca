package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Proposal semantic convention attributes.
var (
	AttrOperation = attribute.Key("helm.operation")

	AttrProposalID       = attribute.Key("helm.proposal.id")
	AttrProposalType     = attribute.Key("helm.proposal.type")
	AttrProposalPriority = attribute.Key("helm.proposal.priority")

	AttrBatchID   = attribute.Key("helm.batch.id")
	AttrBatchSize = attribute.Key("helm.batch.size")

	AttrApprovalID    = attribute.Key("helm.approval.id")
	AttrApprovalLevel = attribute.Key("helm.approval.level")
	AttrApprover      = attribute.Key("helm.approval.approver")
)

// ProposalOperation creates attributes for per-proposal operations.
func ProposalOperation(id, typ, priority string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrProposalID.String(id),
		AttrProposalType.String(typ),
		AttrProposalPriority.String(priority),
	}
}

// BatchOperation creates attributes for batch evaluation.
func BatchOperation(batchID string, size int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrBatchID.String(batchID),
		AttrBatchSize.Int(size),
	}
}

// ApprovalOperation creates attributes for approval votes.
func ApprovalOperation(requestID, level, approver string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrApprovalID.String(requestID),
		AttrApprovalLevel.String(level),
		AttrApprover.String(approver),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
