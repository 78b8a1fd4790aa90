package runtime

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/BDNK1/chatflow/runtime"

var tracer = otel.Tracer(instrumentationName)

// instruments are created from the global meter provider, which is a no-op
// until telemetry is configured.
type instruments struct {
	walks         metric.Int64Counter
	nodes         metric.Int64Counter
	sessionsEnded metric.Int64Counter
	errors        metric.Int64Counter
	debounced     metric.Int64Counter
}

func newInstruments() *instruments {
	m := otel.Meter(instrumentationName)
	return &instruments{
		walks:         counter(m, "chatflow.walks", "Walks started"),
		nodes:         counter(m, "chatflow.nodes", "Nodes executed"),
		sessionsEnded: counter(m, "chatflow.sessions.ended", "Sessions that became inactive"),
		errors:        counter(m, "chatflow.errors", "Node and persistence failures"),
		debounced:     counter(m, "chatflow.messages.debounced", "Inbound messages absorbed by a debounce window"),
	}
}

func counter(m metric.Meter, name, desc string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		otel.Handle(err)
	}
	return c
}

func nodeAttrs(kind NodeKind) metric.AddOption {
	return metric.WithAttributes(attribute.String("node.type", string(kind)))
}

// LogReporter reports errors to the structured log and the active span.
type LogReporter struct {
	l *slog.Logger
}

func NewLogReporter(l *slog.Logger) *LogReporter {
	return &LogReporter{l: l}
}

func (r *LogReporter) Report(ctx context.Context, err error, ec ErrorContext) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	attrs := []any{
		"session_id", ec.SessionID,
		"node_id", ec.NodeID,
		"flow_id", ec.FlowID,
		"chat_id", ec.ChatID,
		"organization_id", ec.OrganizationID,
		"error", err,
	}
	if fe, ok := err.(*FlowError); ok {
		attrs = append(attrs, "error_type", fe.Type, "error_code", fe.Code, "retryable", fe.Retryable())
	}
	r.l.ErrorContext(ctx, "Flow error", attrs...)
}

// LogSender writes outbound messages to the log instead of delivering them.
type LogSender struct {
	l *slog.Logger
}

func NewLogSender(l *slog.Logger) *LogSender {
	return &LogSender{l: l}
}

func (s *LogSender) Send(ctx context.Context, msg OutboundMessage) error {
	s.l.InfoContext(ctx, "Outbound message",
		"session_id", msg.SessionID,
		"chat_id", msg.ChatID,
		"content", msg.Content,
		"attachments", len(msg.Attachments),
	)
	return nil
}
