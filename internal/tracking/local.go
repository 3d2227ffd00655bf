package tracking

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// Local is the Tracker used when no tracking service is configured. It
// issues identifiers and logs every call, but keeps nothing.
type Local struct {
	log *slog.Logger
}

func NewLocal(log *slog.Logger) *Local {
	if log == nil {
		log = slog.Default()
	}
	return &Local{log: log}
}

// NewTraceID returns an identifier in the tracking service's format.
func NewTraceID() string {
	return "tr-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (l *Local) StartTrace(_ context.Context, start TraceStart) (string, error) {
	id := NewTraceID()
	l.log.Debug("trace started", "trace_id", id, "name", start.Name, "customer", start.CustomerName, "documents", len(start.Documents))
	return id, nil
}

func (l *Local) EndTrace(_ context.Context, traceID string, end TraceEnd) error {
	l.log.Debug("trace ended", "trace_id", traceID, "status", end.Status, "request_preview", end.RequestPreview)
	return nil
}

func (l *Local) SetTag(_ context.Context, traceID, key, value string) error {
	l.log.Debug("trace tagged", "trace_id", traceID, "key", key, "value", value)
	return nil
}

func (l *Local) LogAssessment(_ context.Context, a Assessment) error {
	l.log.Info("assessment", "trace_id", a.TraceID, "name", a.Name, "value", a.Value, "source", a.Source.Type, "source_id", a.Source.ID)
	return nil
}

func (l *Local) SearchTraces(context.Context, SearchQuery) ([]Trace, error) {
	return nil, ErrUnsupported
}

func (l *Local) StartRun(_ context.Context, name string, _ map[string]string) (string, error) {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	l.log.Info("run started", "run_id", id, "name", name)
	return id, nil
}

func (l *Local) LogMetric(_ context.Context, runID, key string, value float64) error {
	l.log.Info("metric", "run_id", runID, "key", key, "value", value)
	return nil
}

func (l *Local) EndRun(_ context.Context, runID string, status Status) error {
	l.log.Info("run ended", "run_id", runID, "status", status)
	return nil
}
